// Command checksums runs one checksum verification from the command line and
// logs the per-file comparison. It exits 0 when every checksum matches, 1 on
// a mismatch or any error.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/checksum-sentinel/checksums"
)

// errMismatch reports a completed comparison that found differences.
var errMismatch = errors.New("checksums do not match")

func main() {
	_ = godotenv.Load()

	lvl := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	if err := newCommand().Execute(); err != nil {
		if !errors.Is(err, errMismatch) {
			slog.Error("error while verifying files", slog.Any("err", err))
		}
		os.Exit(1)
	}
}

type options struct {
	mozillaRev string
	commRev    string
	baseURL    string
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "checksums",
		Short: "Compare comm-central's rust/checksums.json against mozilla-central",
		Long: `Downloads rust/checksums.json from comm-central and the files it covers from
mozilla-central, then compares their SHA-512 digests.

Example:
  checksums --mozilla-rev 1a2b3c4d5e6f --comm-rev tip`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			v := checksums.New(opts.baseURL, checksums.ChangeSet{MozillaRev: opts.mozillaRev, CommRev: opts.commRev})
			return check(ctx, v, slog.Default())
		},
	}
	cmd.Flags().StringVarP(&opts.mozillaRev, "mozilla-rev", "m", "", `the mozilla-central revision to use (default "tip")`)
	cmd.Flags().StringVarP(&opts.commRev, "comm-rev", "c", "", `the comm-central revision to use (default "tip")`)
	cmd.Flags().StringVar(&opts.baseURL, "base-url", checksums.DefaultBaseURL, "Mercurial web frontend hosting both repositories")
	return cmd
}

// check runs the comparison and logs one line per file.
func check(ctx context.Context, v *checksums.Verifier, logger *slog.Logger) error {
	report, err := v.Compare(ctx)
	if err != nil {
		return err
	}
	for _, f := range report.Files {
		level := slog.LevelInfo
		if !f.Match() {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "compared file",
			slog.String("path", f.Path),
			slog.Bool("match", f.Match()),
			slog.String("expected", f.Expected),
			slog.String("actual", f.Actual))
	}
	ok := report.Consistent()
	logger.Info("checksums match", slog.Bool("ok", ok))
	if !ok {
		return errMismatch
	}
	return nil
}
