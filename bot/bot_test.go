package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/checksum-sentinel/errclass"
	"github.com/onnwee/checksum-sentinel/matrix"
	"github.com/onnwee/checksum-sentinel/storage"
	"github.com/onnwee/checksum-sentinel/telemetry"
)

const (
	testRoom  = "!room:example.org"
	trigger   = "push:"
	upToDate  = "deps are up to date"
	outOfDate = "deps are OUT OF DATE"
)

// fakes ---------------------------------------------------------------------

type fakeVerifier struct {
	mu     sync.Mutex
	calls  int
	result bool
	err    error
	onCall func(ctx context.Context)
}

func (v *fakeVerifier) Verify(ctx context.Context) (bool, error) {
	v.mu.Lock()
	v.calls++
	onCall := v.onCall
	v.mu.Unlock()
	if onCall != nil {
		onCall(ctx)
	}
	return v.result, v.err
}

type sent struct {
	room, text string
	ctxErr     error
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (n *fakeNotifier) Notify(ctx context.Context, roomID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{room: roomID, text: text, ctxErr: ctx.Err()})
	return n.err
}

type pollResult struct {
	batch *matrix.Batch
	err   error
}

// fakePoller replays results in order. Once they run out it cancels the run
// and blocks like a long-poll until the context ends.
type fakePoller struct {
	mu      sync.Mutex
	results []pollResult
	sinces  []string
	cancel  context.CancelFunc
}

func (p *fakePoller) Poll(ctx context.Context, _ matrix.Filter, since string) (*matrix.Batch, error) {
	p.mu.Lock()
	p.sinces = append(p.sinces, since)
	if len(p.results) == 0 {
		p.mu.Unlock()
		if p.cancel != nil {
			p.cancel()
		}
		<-ctx.Done()
		return nil, errclass.Network("sync", ctx.Err())
	}
	r := p.results[0]
	p.results = p.results[1:]
	p.mu.Unlock()
	return r.batch, r.err
}

type memStore struct {
	mu       sync.Mutex
	cursor   string
	present  bool
	writes   []string
	readErr  error
	writeErr error
}

func (s *memStore) Read(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return "", s.readErr
	}
	if !s.present {
		return "", storage.ErrNotFound
	}
	return s.cursor, nil
}

func (s *memStore) Write(_ context.Context, c string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.cursor, s.present = c, true
	s.writes = append(s.writes, c)
	return nil
}

type sleepRecorder struct {
	delays []time.Duration
	err    error
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return s.err
}

// helpers -------------------------------------------------------------------

func notice(body string) matrix.Event { return matrix.Event{Content: matrix.Notice(body)} }

func text(body string) matrix.Event {
	t := matrix.MsgTypeText
	return matrix.Event{Content: matrix.MessageContent{Body: &body, MsgType: &t}}
}

func redactedNotice() matrix.Event {
	t := matrix.MsgTypeNotice
	return matrix.Event{Content: matrix.MessageContent{MsgType: &t}}
}

func batch(next string, events ...matrix.Event) *matrix.Batch {
	return &matrix.Batch{NextBatch: next, Events: events}
}

func newReactor(v Verifier, n Notifier) *Reactor {
	return &Reactor{
		Trigger:  trigger,
		RoomID:   testRoom,
		Messages: Messages{UpToDate: upToDate, OutOfDate: outOfDate},
		Verifier: v,
		Notifier: n,
	}
}

type harness struct {
	ctx      context.Context
	poller   *fakePoller
	store    *memStore
	verifier *fakeVerifier
	notifier *fakeNotifier
	sleeper  *sleepRecorder
	loop     *Loop
}

func newHarness(t *testing.T, results ...pollResult) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := &harness{
		ctx:      ctx,
		poller:   &fakePoller{results: results, cancel: cancel},
		store:    &memStore{},
		verifier: &fakeVerifier{result: true},
		notifier: &fakeNotifier{},
		sleeper:  &sleepRecorder{},
	}
	loop, err := NewLoop(h.poller, newReactor(h.verifier, h.notifier), h.store, Options{Sleep: h.sleeper.Sleep})
	require.NoError(t, err)
	h.loop = loop
	return h
}

// Reactor -------------------------------------------------------------------

func TestMatches(t *testing.T) {
	tests := []struct {
		name    string
		events  []matrix.Event
		trigger string
		want    int
	}{
		{"empty batch", nil, trigger, 0},
		{"text with trigger ignored", []matrix.Event{text("push: deps")}, trigger, 0},
		{"notice without trigger", []matrix.Event{notice("hello")}, trigger, 0},
		{"notice with trigger", []matrix.Event{notice("push: deps updated")}, trigger, 1},
		{"case sensitive", []matrix.Event{notice("PUSH: deps")}, trigger, 0},
		{"substring anywhere", []matrix.Event{notice("new push: x")}, trigger, 1},
		{"redacted notice does not contain trigger", []matrix.Event{redactedNotice()}, trigger, 0},
		{"redacted notice matches empty trigger", []matrix.Event{redactedNotice()}, "", 1},
		{"missing msgtype", []matrix.Event{{Content: matrix.MessageContent{}}}, "", 0},
		{"several", []matrix.Event{notice("push: a"), text("push: b"), notice("push: c")}, trigger, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(batch("n", tt.events...), tt.trigger))
		})
	}
	assert.Equal(t, 0, Matches(nil, trigger))
}

func TestReactNoop(t *testing.T) {
	v, n := &fakeVerifier{result: true}, &fakeNotifier{}
	out, err := newReactor(v, n).React(context.Background(), batch("t", text("push: x"), notice("hi"), redactedNotice()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	assert.Zero(t, v.calls)
	assert.Empty(t, n.sent)
}

func TestReactCollapsesTriggers(t *testing.T) {
	v, n := &fakeVerifier{result: true}, &fakeNotifier{}
	out, err := newReactor(v, n).React(context.Background(),
		batch("t", notice("push: 1"), notice("push: 2"), notice("push: 3")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTriggered, out)
	assert.Equal(t, 1, v.calls)
	require.Len(t, n.sent, 1)
	assert.Equal(t, testRoom, n.sent[0].room)
}

func TestReactSelectsTemplate(t *testing.T) {
	for _, result := range []bool{true, false} {
		v, n := &fakeVerifier{result: result}, &fakeNotifier{}
		_, err := newReactor(v, n).React(context.Background(), batch("t", notice("push: deps")))
		require.NoError(t, err)
		require.Len(t, n.sent, 1)
		want := outOfDate
		if result {
			want = upToDate
		}
		assert.Equal(t, want, n.sent[0].text)
	}
}

func TestReactPropagatesErrors(t *testing.T) {
	verr := errclass.Network("fetch file", errors.New("connection reset"))
	v, n := &fakeVerifier{err: verr}, &fakeNotifier{}
	_, err := newReactor(v, n).React(context.Background(), batch("t", notice("push: deps")))
	assert.Same(t, verr, err)
	assert.Empty(t, n.sent, "notifier must not run after a failed verification")

	nerr := errors.New("send failed")
	v, n = &fakeVerifier{result: true}, &fakeNotifier{err: nerr}
	_, err = newReactor(v, n).React(context.Background(), batch("t", notice("push: deps")))
	assert.Same(t, nerr, err)
	assert.Equal(t, 1, v.calls)
	assert.Len(t, n.sent, 1)
}

func TestReactRecordsMetrics(t *testing.T) {
	telemetry.Init()
	before := promtest.ToFloat64(telemetry.NoticesSent)
	triggers := promtest.ToFloat64(telemetry.Triggers)

	_, err := newReactor(&fakeVerifier{result: true}, &fakeNotifier{}).React(context.Background(), batch("t", notice("push: a"), notice("push: b")))
	require.NoError(t, err)
	assert.Equal(t, before+1, promtest.ToFloat64(telemetry.NoticesSent))
	assert.Equal(t, triggers+1, promtest.ToFloat64(telemetry.Triggers))
}

func TestNewLoopRejectsEmptyTrigger(t *testing.T) {
	r := newReactor(&fakeVerifier{}, &fakeNotifier{})
	r.Trigger = ""
	_, err := NewLoop(&fakePoller{}, r, &memStore{}, Options{})
	require.Error(t, err)
	assert.Equal(t, errclass.KindConfig, errclass.KindOf(err))
}

// Loop ----------------------------------------------------------------------

func TestLoopColdStart(t *testing.T) {
	h := newHarness(t, pollResult{batch: batch("t1")})

	require.NoError(t, h.loop.Run(h.ctx))

	assert.Equal(t, []string{"t1"}, h.store.writes)
	assert.Empty(t, h.notifier.sent)
	assert.Equal(t, []string{"", "t1"}, h.poller.sinces, "second poll resumes from the persisted cursor")
	st := h.loop.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, "t1", st.Cursor)
	assert.EqualValues(t, 1, st.Cycles)
}

func TestLoopResumesFromStoredCursor(t *testing.T) {
	h := newHarness(t, pollResult{batch: batch("c1")})
	h.store.cursor, h.store.present = "c0", true

	require.NoError(t, h.loop.Run(h.ctx))
	assert.Equal(t, []string{"c0", "c1"}, h.poller.sinces)
}

func TestLoopTriggeredAdvancesCursor(t *testing.T) {
	h := newHarness(t, pollResult{batch: batch("t2", notice("push: deps updated"))})

	require.NoError(t, h.loop.Run(h.ctx))

	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, upToDate, h.notifier.sent[0].text)
	assert.Equal(t, 1, h.verifier.calls)
	assert.Equal(t, []string{"t2"}, h.store.writes)
	assert.EqualValues(t, 1, h.loop.Status().Triggers)
}

func TestLoopPersistsEveryCycle(t *testing.T) {
	h := newHarness(t,
		pollResult{batch: batch("a")},
		pollResult{batch: batch("b", notice("push: x"))},
		pollResult{batch: batch("c")},
	)

	require.NoError(t, h.loop.Run(h.ctx))
	assert.Equal(t, []string{"a", "b", "c"}, h.store.writes)
	assert.Equal(t, []string{"", "a", "b", "c"}, h.poller.sinces)
}

func TestLoopRetryableFailureKeepsCursor(t *testing.T) {
	tests := []struct {
		name    string
		results []pollResult
		setup   func(h *harness)
	}{
		{
			name:    "network failure",
			results: []pollResult{{err: errclass.Network("sync", errors.New("dial tcp: connection refused"))}},
		},
		{
			name:    "protocol failure",
			results: []pollResult{{err: errclass.Protocol("sync", errors.New("unexpected status 502"))}},
		},
		{
			name:    "verification failure",
			results: []pollResult{{batch: batch("skipped", notice("push: x"))}},
			setup: func(h *harness) {
				h.verifier.err = errors.New("manifest unreadable")
			},
		},
		{
			name:    "notification failure",
			results: []pollResult{{batch: batch("skipped", notice("push: x"))}},
			setup: func(h *harness) {
				h.notifier.err = errclass.Protocol("send notice", errors.New("403"))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.results...)
			h.store.cursor, h.store.present = "c0", true
			if tt.setup != nil {
				tt.setup(h)
			}

			require.NoError(t, h.loop.Run(h.ctx))

			assert.Empty(t, h.store.writes, "cursor must not advance on failure")
			assert.Equal(t, "c0", h.store.cursor)
			assert.Equal(t, []time.Duration{DefaultRetryDelay}, h.sleeper.delays)
			assert.Equal(t, []string{"c0", "c0"}, h.poller.sinces, "retry uses the unchanged cursor")
			st := h.loop.Status()
			assert.EqualValues(t, 1, st.Failures)
			assert.NotEmpty(t, st.LastError)
		})
	}
}

func TestLoopRecoversAfterFailure(t *testing.T) {
	h := newHarness(t,
		pollResult{err: errclass.Network("sync", errors.New("timeout"))},
		pollResult{batch: batch("t1")},
	)

	require.NoError(t, h.loop.Run(h.ctx))
	assert.Equal(t, []string{"t1"}, h.store.writes)
	st := h.loop.Status()
	assert.EqualValues(t, 1, st.Cycles)
	assert.Empty(t, st.LastError)
}

func TestLoopCustomRetryDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sl := &sleepRecorder{}
	p := &fakePoller{results: []pollResult{{err: errors.New("untagged")}}, cancel: cancel}
	loop, err := NewLoop(p, newReactor(&fakeVerifier{}, &fakeNotifier{}), &memStore{}, Options{RetryDelay: time.Second, Sleep: sl.Sleep})
	require.NoError(t, err)

	require.NoError(t, loop.Run(ctx))
	assert.Equal(t, []time.Duration{time.Second}, sl.delays, "untagged errors are retryable")
}

func TestLoopWriteFailureIsFatal(t *testing.T) {
	h := newHarness(t,
		pollResult{batch: batch("t1")},
		pollResult{batch: batch("t2")},
	)
	h.store.writeErr = errors.New("disk full")

	err := h.loop.Run(h.ctx)
	require.Error(t, err)
	assert.True(t, errclass.IsFatal(err))
	assert.Equal(t, errclass.KindIo, errclass.KindOf(err))
	assert.Len(t, h.poller.sinces, 1, "no polls after a fatal error")
	assert.Empty(t, h.sleeper.delays)
	assert.Equal(t, StateStopped, h.loop.Status().State)
	assert.False(t, h.loop.Status().Healthy())
}

func TestLoopReadFailureIsFatal(t *testing.T) {
	h := newHarness(t, pollResult{batch: batch("t1")})
	h.store.readErr = errclass.Io("read cursor", errors.New("permission denied"))

	err := h.loop.Run(h.ctx)
	require.Error(t, err)
	assert.True(t, errclass.IsFatal(err))
	assert.Empty(t, h.poller.sinces)
}

func TestLoopCancelDuringPoll(t *testing.T) {
	h := newHarness(t)
	h.store.cursor, h.store.present = "c9", true

	require.NoError(t, h.loop.Run(h.ctx))
	assert.Empty(t, h.store.writes)
	assert.Empty(t, h.sleeper.delays)
	st := h.loop.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, "c9", st.Cursor)
}

func TestLoopCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &fakePoller{results: []pollResult{{err: errclass.Network("sync", errors.New("reset"))}, {batch: batch("never")}}}
	store := &memStore{}
	sleep := func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepCtx(ctx, d)
	}
	loop, err := NewLoop(p, newReactor(&fakeVerifier{}, &fakeNotifier{}), store, Options{Sleep: sleep})
	require.NoError(t, err)

	require.NoError(t, loop.Run(ctx))
	assert.Len(t, p.sinces, 1)
	assert.Empty(t, store.writes)
}

func TestLoopCancelDuringReactionCompletes(t *testing.T) {
	h := newHarness(t, pollResult{batch: batch("t5", notice("push: deps"))})
	h.verifier.onCall = func(context.Context) { h.poller.cancel() }

	require.NoError(t, h.loop.Run(h.ctx))

	require.Len(t, h.notifier.sent, 1, "notice still sent after cancellation")
	assert.NoError(t, h.notifier.sent[0].ctxErr, "reaction runs outside the cancellable context")
	assert.Equal(t, []string{"t5"}, h.store.writes, "cursor persisted before stopping")
	assert.Len(t, h.poller.sinces, 1, "no further poll after cancellation")
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))
}

func TestStatusReadiness(t *testing.T) {
	assert.False(t, Status{State: StatePolling}.Ready())
	assert.True(t, Status{State: StatePolling, Cycles: 1}.Ready())
	assert.False(t, Status{State: StateBackingOff, Cycles: 3}.Ready())
	assert.True(t, Status{State: StateBackingOff}.Healthy())
	assert.False(t, Status{State: StateStopped, Cycles: 3}.Healthy())

	b, err := StateBackingOff.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "backing_off", string(b))
}
