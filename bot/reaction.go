package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/checksum-sentinel/matrix"
	"github.com/onnwee/checksum-sentinel/telemetry"
)

// Verifier performs the cross-repository checksum comparison.
type Verifier interface {
	Verify(ctx context.Context) (bool, error)
}

// Notifier delivers a notice to a room.
type Notifier interface {
	Notify(ctx context.Context, roomID, text string) error
}

// Messages are the two canned notice texts.
type Messages struct {
	UpToDate  string
	OutOfDate string
}

// Select returns the template for a verification result.
func (m Messages) Select(upToDate bool) string {
	if upToDate {
		return m.UpToDate
	}
	return m.OutOfDate
}

// Outcome is the result of reacting to one batch.
type Outcome int

const (
	// OutcomeNoop means no event in the batch matched the trigger.
	OutcomeNoop Outcome = iota
	// OutcomeTriggered means verification ran and a notice was sent.
	OutcomeTriggered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoop:
		return "noop"
	case OutcomeTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// Reactor turns trigger notices into one verification and one notice.
type Reactor struct {
	Trigger  string
	RoomID   string
	Messages Messages
	Verifier Verifier
	Notifier Notifier
}

// Matches counts events in batch that are notices whose body contains
// trigger. A notice without a body is treated as having an empty body.
func Matches(batch *matrix.Batch, trigger string) int {
	if batch == nil {
		return 0
	}
	n := 0
	for _, ev := range batch.Events {
		if !ev.Content.IsNotice() {
			continue
		}
		if strings.Contains(ev.Content.Text(), trigger) {
			n++
		}
	}
	return n
}

// React verifies and notifies at most once per batch, however many trigger
// notices it holds. Collaborator errors are returned unchanged and nothing is
// retried.
func (r *Reactor) React(ctx context.Context, batch *matrix.Batch) (Outcome, error) {
	matches := Matches(batch, r.Trigger)
	if matches == 0 {
		return OutcomeNoop, nil
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "reaction"))
	logger.Info("trigger notice received", slog.Int("matches", matches))
	telemetry.Inc(telemetry.Triggers)

	ctx, span := telemetry.StartSpan(ctx, "bot", "bot.react", attribute.Int("bot.matches", matches))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	var upToDate bool
	telemetry.TimeFunc(telemetry.VerifyDuration, func() {
		upToDate, err = r.Verifier.Verify(ctx)
	})
	if err != nil {
		return OutcomeTriggered, err
	}
	telemetry.RecordVerification(upToDate)
	span.SetAttributes(attribute.Bool("bot.up_to_date", upToDate))

	text := r.Messages.Select(upToDate)
	if err = r.Notifier.Notify(ctx, r.RoomID, text); err != nil {
		return OutcomeTriggered, err
	}
	telemetry.Inc(telemetry.NoticesSent)
	logger.Info("verification notice sent", slog.Bool("up_to_date", upToDate))
	return OutcomeTriggered, nil
}

// Validate reports configuration that would make the reactor misbehave.
func (r *Reactor) Validate() error {
	if r.Trigger == "" {
		return fmt.Errorf("empty trigger substring")
	}
	if r.Verifier == nil || r.Notifier == nil {
		return fmt.Errorf("reactor needs a verifier and a notifier")
	}
	return nil
}
