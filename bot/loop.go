package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/checksum-sentinel/errclass"
	"github.com/onnwee/checksum-sentinel/matrix"
	"github.com/onnwee/checksum-sentinel/storage"
	"github.com/onnwee/checksum-sentinel/telemetry"
)

// DefaultRetryDelay is the fixed wait after a retryable failure.
const DefaultRetryDelay = 30 * time.Second

// Poller issues one long-poll request.
type Poller interface {
	Poll(ctx context.Context, filter matrix.Filter, since string) (*matrix.Batch, error)
}

// CursorStore persists the single resumption cursor.
type CursorStore interface {
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, cursor string) error
}

// State is a Loop state.
type State int

const (
	StateStarting State = iota
	StatePolling
	StateReacting
	StatePersisting
	StateBackingOff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StatePolling:
		return "polling"
	case StateReacting:
		return "reacting"
	case StatePersisting:
		return "persisting"
	case StateBackingOff:
		return "backing_off"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON status snapshots.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a point-in-time view of the loop for probes.
type Status struct {
	State      State     `json:"state"`
	Cursor     string    `json:"cursor"`
	LastSyncAt time.Time `json:"last_sync_at,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
	Cycles     int64     `json:"cycles"`
	Triggers   int64     `json:"triggers"`
	Failures   int64     `json:"failures"`
}

// Healthy reports whether the loop is still running.
func (s Status) Healthy() bool { return s.State != StateStopped }

// Ready reports whether the loop has completed a cycle and is not backing off.
func (s Status) Ready() bool {
	return s.Cycles > 0 && s.State != StateBackingOff && s.State != StateStopped
}

// Options tune the loop. Zero values select defaults.
type Options struct {
	RetryDelay time.Duration
	// Sleep waits d or until ctx is done. Tests replace it to avoid real delays.
	Sleep      func(ctx context.Context, d time.Duration) error
	Now        func() time.Time
}

// Loop is the sync orchestrator.
type Loop struct {
	poller  Poller
	reactor *Reactor
	store   CursorStore
	filter  matrix.Filter
	opts    Options

	mu     sync.Mutex
	status Status
}

// NewLoop wires a loop. It returns a Config error when the reactor is unusable.
func NewLoop(poller Poller, reactor *Reactor, store CursorStore, opts Options) (*Loop, error) {
	if poller == nil || reactor == nil || store == nil {
		return nil, errclass.Configf("build sync loop: poller, reactor and store are required")
	}
	if err := reactor.Validate(); err != nil {
		return nil, errclass.Config("build sync loop", err)
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loop{
		poller:  poller,
		reactor: reactor,
		store:   store,
		filter:  matrix.NewFilter(reactor.RoomID),
		opts:    opts,
		status:  Status{State: StateStarting},
	}, nil
}

// Status returns a snapshot safe to read from other goroutines.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.status.State = s
	l.mu.Unlock()
}

// Run reads the stored cursor and loops until ctx is cancelled (nil error) or
// a fatal error occurs (returned). Retryable failures never leave Run.
func (l *Loop) Run(ctx context.Context) error {
	logger := slog.Default().With(slog.String("component", "sync_loop"))
	l.setState(StateStarting)

	cursor, err := l.store.Read(context.WithoutCancel(ctx))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		cursor = ""
		logger.Info("no stored cursor, starting from the beginning")
	case err != nil:
		err = asIo("read cursor", err)
		return l.fail(logger, err)
	default:
		logger.Info("resuming from stored cursor", slog.String("cursor", cursor))
	}
	l.mu.Lock()
	l.status.Cursor = cursor
	l.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return l.stop(logger, cursor)
		}
		cycleCtx := telemetry.WithCorrelation(ctx, uuid.NewString())
		next, err := l.cycle(cycleCtx, cursor)
		if err == nil {
			cursor = next
			l.succeed(cursor)
			continue
		}
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return l.stop(logger, cursor)
		}
		if errclass.IsFatal(err) {
			return l.fail(logger, err)
		}

		kind := errclass.KindOf(err)
		telemetry.RecordFailure(kind.String())
		l.mu.Lock()
		l.status.Failures++
		l.status.LastError = err.Error()
		l.status.State = StateBackingOff
		l.mu.Unlock()
		telemetry.LoggerWithCorr(cycleCtx).Warn("sync cycle failed, retrying",
			slog.Any("err", err),
			slog.String("kind", kind.String()),
			slog.Duration("retry_in", l.opts.RetryDelay),
			slog.String("component", "sync_loop"))

		telemetry.SetBackingOff(true)
		serr := l.opts.Sleep(ctx, l.opts.RetryDelay)
		telemetry.SetBackingOff(false)
		if serr != nil {
			return l.stop(logger, cursor)
		}
	}
}

// cycle runs one poll, reaction and persist. It returns the cursor that is now
// durable. Only the poll observes cancellation.
func (l *Loop) cycle(ctx context.Context, cursor string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "bot", "bot.cycle", attribute.Bool("bot.since_present", cursor != ""))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "sync_loop"))

	l.setState(StatePolling)
	var batch *matrix.Batch
	telemetry.TimeFunc(telemetry.PollDuration, func() {
		batch, err = l.poller.Poll(ctx, l.filter, cursor)
	})
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("poll abandoned: %w", ctx.Err())
		}
		return cursor, err
	}
	logger.Debug("poll returned", slog.Int("events", len(batch.Events)), slog.String("next_batch", batch.NextBatch))

	// The batch is accepted: reaction and persistence finish even if a
	// cancellation arrives meanwhile.
	work := context.WithoutCancel(ctx)

	l.setState(StateReacting)
	outcome, err := l.reactor.React(work, batch)
	if err != nil {
		return cursor, err
	}
	if outcome == OutcomeTriggered {
		l.mu.Lock()
		l.status.Triggers++
		l.mu.Unlock()
	}

	l.setState(StatePersisting)
	if err = l.store.Write(work, batch.NextBatch); err != nil {
		err = asIo("persist cursor", err)
		return cursor, err
	}
	telemetry.Inc(telemetry.CursorWrites)
	return batch.NextBatch, nil
}

func (l *Loop) succeed(cursor string) {
	now := l.opts.Now()
	telemetry.RecordCycle(now)
	l.mu.Lock()
	l.status.Cursor = cursor
	l.status.LastSyncAt = now
	l.status.LastError = ""
	l.status.Cycles++
	l.mu.Unlock()
}

func (l *Loop) stop(logger *slog.Logger, cursor string) error {
	l.setState(StateStopped)
	logger.Info("sync loop stopped", slog.String("last_cursor", cursor))
	return nil
}

func (l *Loop) fail(logger *slog.Logger, err error) error {
	telemetry.RecordFailure(errclass.KindOf(err).String())
	l.mu.Lock()
	l.status.State = StateStopped
	l.status.LastError = err.Error()
	l.mu.Unlock()
	logger.Error("sync loop terminated by fatal error", slog.Any("err", err), slog.String("kind", errclass.KindOf(err).String()))
	return err
}

// asIo tags an untagged cursor store failure so it is treated as fatal.
func asIo(op string, err error) error {
	if errclass.KindOf(err) == errclass.KindUnknown {
		return errclass.Io(op, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
