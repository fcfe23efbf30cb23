// Package checksums verifies that the Rust dependency manifests vendored by
// comm-central still match the files they were generated from on
// mozilla-central.
//
// comm-central publishes rust/checksums.json, a set of SHA-512 digests of
// mozilla-central files. Verification downloads that manifest, downloads each
// referenced file, and compares digests. Both repositories are read through the
// Mercurial web frontend's raw-file endpoint.
package checksums

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/checksum-sentinel/errclass"
	"github.com/onnwee/checksum-sentinel/telemetry"
)

// DefaultBaseURL is the Mercurial web frontend hosting both repositories.
const DefaultBaseURL = "https://hg-edge.mozilla.org"

// DefaultRev is used for a repository whose revision is not set.
const DefaultRev = "tip"

// Repository names on the Mercurial frontend.
const (
	MozillaCentral = "mozilla-central"
	CommCentral    = "comm-central"
)

// ManifestPath is the comm-central file holding the expected checksums.
const ManifestPath = "rust/checksums.json"

// Manifest is the content of comm-central's checksums file.
type Manifest struct {
	WorkspaceToml string `json:"mc_workspace_toml"`
	GkrustToml    string `json:"mc_gkrust_toml"`
	HackToml      string `json:"mc_hack_toml"`
	CargoLock     string `json:"mc_cargo_lock"`
}

// TrackedFile pairs a mozilla-central path with its expected digest.
type TrackedFile struct {
	Path     string
	Expected string
}

// Files lists the mozilla-central files the manifest covers.
func (m Manifest) Files() []TrackedFile {
	return []TrackedFile{
		{Path: "Cargo.toml", Expected: m.WorkspaceToml},
		{Path: "toolkit/library/rust/shared/Cargo.toml", Expected: m.GkrustToml},
		{Path: "build/workspace-hack/Cargo.toml", Expected: m.HackToml},
		{Path: "Cargo.lock", Expected: m.CargoLock},
	}
}

// ChangeSet selects the revision of each repository. Empty fields mean "tip".
type ChangeSet struct {
	MozillaRev string
	CommRev    string
}

func (cs ChangeSet) rev(repo string) string {
	rev := cs.MozillaRev
	if repo == CommCentral {
		rev = cs.CommRev
	}
	if rev == "" {
		return DefaultRev
	}
	return rev
}

// FileResult is the comparison outcome for one file.
type FileResult struct {
	Path     string
	URL      string
	Expected string
	Actual   string
}

// Match reports whether the digests agree.
func (r FileResult) Match() bool {
	return strings.EqualFold(r.Expected, r.Actual)
}

// Report is the outcome of a full comparison.
type Report struct {
	Files []FileResult
}

// Consistent reports whether every file matched its expected digest.
func (r *Report) Consistent() bool {
	for _, f := range r.Files {
		if !f.Match() {
			return false
		}
	}
	return true
}

// Mismatches returns the files whose digests differ.
func (r *Report) Mismatches() []FileResult {
	var out []FileResult
	for _, f := range r.Files {
		if !f.Match() {
			out = append(out, f)
		}
	}
	return out
}

// Verifier compares checksums for a fixed change set.
type Verifier struct {
	BaseURL    string
	ChangeSet  ChangeSet
	HTTPClient *http.Client
}

// New returns a verifier reading from baseURL (DefaultBaseURL when empty).
func New(baseURL string, cs ChangeSet) *Verifier {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Verifier{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		ChangeSet:  cs,
		HTTPClient: &http.Client{Timeout: 2 * time.Minute, Transport: telemetry.NewTransport(nil)},
	}
}

func (v *Verifier) http() *http.Client {
	if v.HTTPClient != nil {
		return v.HTTPClient
	}
	return http.DefaultClient
}

// RawFileURL returns the raw-file URL of path in repo at the change set's revision.
func (v *Verifier) RawFileURL(repo, path string) string {
	return fmt.Sprintf("%s/%s/raw-file/%s/%s", v.BaseURL, repo, v.ChangeSet.rev(repo), path)
}

// Verify reports whether every file listed in the manifest matches its digest.
func (v *Verifier) Verify(ctx context.Context) (bool, error) {
	report, err := v.Compare(ctx)
	if err != nil {
		return false, err
	}
	for _, f := range report.Mismatches() {
		slog.Info("checksum mismatch", slog.String("path", f.Path), slog.String("url", f.URL), slog.String("component", "checksums"))
	}
	return report.Consistent(), nil
}

// Compare downloads the manifest and all tracked files and returns per-file
// results. A failure to fetch any file fails the whole comparison.
func (v *Verifier) Compare(ctx context.Context) (*Report, error) {
	ctx, span := telemetry.StartSpan(ctx, "checksums", "checksums.compare",
		attribute.String("checksums.mozilla_rev", v.ChangeSet.rev(MozillaCentral)),
		attribute.String("checksums.comm_rev", v.ChangeSet.rev(CommCentral)),
	)
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	manifest, err := v.fetchManifest(ctx)
	if err != nil {
		return nil, err
	}

	files := manifest.Files()
	results := make([]FileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			url := v.RawFileURL(MozillaCentral, f.Path)
			actual, ferr := v.digest(gctx, url)
			if ferr != nil {
				return ferr
			}
			results[i] = FileResult{Path: f.Path, URL: url, Expected: f.Expected, Actual: actual}
			slog.Debug("comparing checksums", slog.String("url", url), slog.String("expected", f.Expected), slog.String("actual", actual), slog.String("component", "checksums"))
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	report := &Report{Files: results}
	span.SetAttributes(attribute.Bool("checksums.consistent", report.Consistent()))
	return report, nil
}

func (v *Verifier) fetchManifest(ctx context.Context) (*Manifest, error) {
	const op = "fetch checksum manifest"
	resp, err := v.get(ctx, v.RawFileURL(CommCentral, ManifestPath), op)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, errclass.Protocol(op, err)
	}
	for _, f := range m.Files() {
		if f.Expected == "" {
			return nil, errclass.Protocol(op, fmt.Errorf("manifest has no checksum for %s", f.Path))
		}
	}
	return &m, nil
}

// digest downloads url and returns the lowercase hex SHA-512 of its body.
func (v *Verifier) digest(ctx context.Context, url string) (string, error) {
	const op = "fetch file"
	resp, err := v.get(ctx, url, op)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)

	h := sha512.New()
	if _, err := io.Copy(h, resp.Body); err != nil {
		return "", errclass.Network(op, fmt.Errorf("read %s: %w", url, err))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// get performs a GET and treats any non-2xx status as a protocol error: these
// are statically served files.
func (v *Verifier) get(ctx context.Context, url, op string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errclass.Protocol(op, err)
	}
	resp, err := v.http().Do(req)
	if err != nil {
		return nil, errclass.Network(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		closeBody(resp)
		return nil, errclass.Protocol(op, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode))
	}
	return resp, nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err), slog.String("component", "checksums"))
	}
}
