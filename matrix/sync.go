package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/checksum-sentinel/errclass"
	"github.com/onnwee/checksum-sentinel/telemetry"
)

// LongPollTimeout is how long the homeserver may hold a sync request open
// when there is nothing new to return.
const LongPollTimeout = 30 * time.Second

const syncPath = "/_matrix/client/v3/sync"

// SyncURL builds the sync request target. since is only included when non-empty.
func (c *Client) SyncURL(filter Filter, since string) (string, error) {
	encoded, err := filter.Encode()
	if err != nil {
		return "", err
	}
	u, err := c.endpoint(syncPath)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("filter", encoded)
	q.Set("timeout", strconv.FormatInt(LongPollTimeout.Milliseconds(), 10))
	if since != "" {
		q.Set("since", since)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Poll issues one long-poll sync request and returns the events of the
// filtered rooms with the next cursor. It never retries.
func (c *Client) Poll(ctx context.Context, filter Filter, since string) (*Batch, error) {
	const op = "sync"
	ctx, span := telemetry.StartSpan(ctx, "matrix", "matrix.sync", attribute.Bool("matrix.since_present", since != ""))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	target, err := c.SyncURL(filter, since)
	if err != nil {
		err = errclass.Protocol(op, err)
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		err = errclass.Protocol(op, err)
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req, op)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	span.SetAttributes(telemetry.HTTPStatusAttr(resp.StatusCode))

	var body SyncResponse
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if ctx.Err() != nil {
			// The body read was cut short by cancellation, not a bad payload.
			err = errclass.Network(op, err)
			return nil, err
		}
		err = errclass.Protocol(op, err)
		return nil, err
	}
	if body.NextBatch == "" {
		err = errclass.Protocol(op, errors.New("response has no next_batch"))
		return nil, err
	}

	batch := &Batch{NextBatch: body.NextBatch}
	for _, roomID := range filter.Room.Timeline.Rooms {
		batch.Events = append(batch.Events, body.EventsFor(roomID)...)
	}
	slog.Debug("sync response", slog.Int("events", len(batch.Events)), slog.String("next_batch", body.NextBatch), slog.String("component", "matrix"))
	return batch, nil
}
