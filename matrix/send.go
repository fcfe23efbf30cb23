package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/onnwee/checksum-sentinel/errclass"
	"github.com/onnwee/checksum-sentinel/telemetry"
)

// NewTxnID returns the transaction id used for a send. Overridden in tests.
var NewTxnID = func() string { return uuid.NewString() }

// SendNotice sends an m.room.message event with the m.notice message type and
// text as its body into roomID.
func (c *Client) SendNotice(ctx context.Context, roomID, text string) error {
	const op = "send notice"
	ctx, span := telemetry.StartSpan(ctx, "matrix", "matrix.send_notice")
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	payload, err := json.Marshal(Notice(text))
	if err != nil {
		err = errclass.Protocol(op, err)
		return err
	}

	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID), url.PathEscape(EventTypeRoomMessage), url.PathEscape(NewTxnID()))
	u, err := c.endpoint(path)
	if err != nil {
		err = errclass.Protocol(op, err)
		return err
	}
	req, err := newRequest(ctx, http.MethodPut, u, bytes.NewReader(payload))
	if err != nil {
		err = errclass.Protocol(op, err)
		return err
	}

	resp, err := c.do(req, op)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	_, _ = io.Copy(io.Discard, resp.Body)
	span.SetAttributes(telemetry.HTTPStatusAttr(resp.StatusCode))
	slog.Debug("notice sent", slog.String("room_id", roomID), slog.String("component", "matrix"))
	return nil
}

// Notify implements the bot's notifier with SendNotice.
func (c *Client) Notify(ctx context.Context, roomID, text string) error {
	return c.SendNotice(ctx, roomID, text)
}
