// Package matrix contains the minimal Matrix client-server API surface the bot
// needs: a long-polling /sync request filtered to one room, and sending
// m.notice messages into that room.
//
// Every error returned by this package is tagged with errclass: transport
// failures as Network, non-2xx statuses and undecodable bodies as Protocol.
package matrix

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/checksum-sentinel/errclass"
	"github.com/onnwee/checksum-sentinel/telemetry"
)

// Client talks to one homeserver with one access token.
type Client struct {
	// BaseURL is the homeserver root, e.g. https://matrix.example.org.
	BaseURL    *url.URL
	HTTPClient *http.Client
}

// NewClient builds a client for serverHost. serverHost may be a bare host
// (https is assumed) or a full base URL. Requests carry accessToken as a
// bearer token and are traced.
func NewClient(serverHost, accessToken string) (*Client, error) {
	base, err := ParseBaseURL(serverHost)
	if err != nil {
		return nil, err
	}
	transport := &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
		Base:   telemetry.NewTransport(nil),
	}
	// The homeserver holds a sync open for LongPollTimeout; anything far
	// beyond that is a dead connection.
	return &Client{BaseURL: base, HTTPClient: &http.Client{Transport: transport, Timeout: LongPollTimeout + 90*time.Second}}, nil
}

// ParseBaseURL turns a configured server host into a base URL.
func ParseBaseURL(serverHost string) (*url.URL, error) {
	serverHost = strings.TrimSpace(serverHost)
	if serverHost == "" {
		return nil, fmt.Errorf("server host empty")
	}
	if !strings.Contains(serverHost, "://") {
		serverHost = "https://" + serverHost
	}
	u, err := url.Parse(serverHost)
	if err != nil {
		return nil, fmt.Errorf("parse server host: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server host %q has no host", serverHost)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u, nil
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// endpoint resolves an already-escaped API path against the base URL.
func (c *Client) endpoint(escapedPath string) (*url.URL, error) {
	return url.Parse(c.BaseURL.String() + escapedPath)
}

// do sends req and returns the response when its status is 2xx. Any other
// status is returned as a Protocol error that includes the start of the body,
// where the homeserver puts its errcode.
func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, errclass.Network(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		closeBody(resp)
		return nil, errclass.Protocol(op, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
	return resp, nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err), slog.String("component", "matrix"))
	}
}

func newRequest(ctx context.Context, method string, u *url.URL, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
