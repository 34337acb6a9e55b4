package frame

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type recordingWriter struct {
	mu     sync.Mutex
	frames []Frame
	err    error
}

func (w *recordingWriter) WriteFrame(_ context.Context, frame Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, frame)
	return nil
}

func (w *recordingWriter) written() []Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Frame(nil), w.frames...)
}

func TestDispatcherResolvesOnlyMatchingCorrelation(t *testing.T) {
	writer := &recordingWriter{}
	d := NewDispatcher(writer, WithRequestTimeout(time.Second))
	ctx := context.Background()

	first, err := d.Request(ctx, Frame{Type: "a", CorrelationID: "x"})
	if err != nil {
		t.Fatalf("request x: %v", err)
	}
	second, err := d.Request(ctx, Frame{Type: "b", CorrelationID: "y"})
	if err != nil {
		t.Fatalf("request y: %v", err)
	}
	if d.Pending() != 2 {
		t.Fatalf("expected 2 pending, got %d", d.Pending())
	}

	if _, err := d.Deliver(ctx, Frame{Kind: KindData, CorrelationID: "x", Payload: json.RawMessage(`{"n":1}`)}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	response, err := first.Await(ctx)
	if err != nil {
		t.Fatalf("await x: %v", err)
	}
	if string(response.Payload) != `{"n":1}` {
		t.Fatalf("unexpected payload %s", response.Payload)
	}
	select {
	case <-second.Done():
		t.Fatalf("expected y to remain pending")
	default:
	}
	if d.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", d.Pending())
	}
	if len(writer.written()) != 2 {
		t.Fatalf("expected both requests written")
	}
}

func TestDispatcherDiscardsUnknownCorrelation(t *testing.T) {
	d := NewDispatcher(&recordingWriter{})
	signal, err := d.Deliver(context.Background(), Frame{Kind: KindData, CorrelationID: "ghost"})
	if err != nil || signal != SignalNone {
		t.Fatalf("expected silent discard, got signal=%s err=%v", signal, err)
	}
	if err := d.Resolve(Frame{Kind: KindData, CorrelationID: "ghost"}); !errors.Is(err, ErrUnknownCorrelation) {
		t.Fatalf("expected ErrUnknownCorrelation, got %v", err)
	}
}

func TestDispatcherTimeoutRemovesPendingEntry(t *testing.T) {
	d := NewDispatcher(&recordingWriter{})
	pending, err := d.RequestWithTimeout(context.Background(), Frame{Type: "slow"}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_, err = pending.Await(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) || timeoutErr.Type != "slow" {
		t.Fatalf("expected TimeoutError for slow, got %#v", err)
	}
	if envelope := timeoutErr.ToServiceError(); envelope.Category != goerrors.CategoryOperation {
		t.Fatalf("expected operation category, got %s", envelope.Category)
	}
	if d.Pending() != 0 {
		t.Fatalf("expected pending table empty, got %d", d.Pending())
	}
	if _, err := d.Deliver(context.Background(), Frame{Kind: KindData, CorrelationID: pending.ID()}); err != nil {
		t.Fatalf("late response should be discarded, got %v", err)
	}
}

func TestDispatcherCancelAllYieldsCancelledNotTimeout(t *testing.T) {
	d := NewDispatcher(&recordingWriter{}, WithRequestTimeout(time.Hour))
	pending, err := d.Request(context.Background(), Frame{Type: "a"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if n := d.CancelAll(errors.New("shutdown")); n != 1 {
		t.Fatalf("expected 1 cancelled, got %d", n)
	}
	_, err = pending.Await(context.Background())
	if !errors.Is(err, ErrCancelled) || errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestDispatcherTimeoutWhileDrainingYieldsCancelled(t *testing.T) {
	d := NewDispatcher(&recordingWriter{})
	pending, err := d.RequestWithTimeout(context.Background(), Frame{Type: "slow"}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	shutdown := errors.New("shutdown")
	d.BeginDrain(shutdown)

	_, err = pending.Await(context.Background())
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, shutdown) || errors.Is(err, ErrTimeout) {
		t.Fatalf("expected cancellation carrying the drain cause, got %v", err)
	}
	if d.Pending() != 0 {
		t.Fatalf("expected pending table empty, got %d", d.Pending())
	}
	if _, err := d.Request(context.Background(), Frame{Type: "late"}); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected new requests refused while draining, got %v", err)
	}
}

func TestPendingCancelLeavesOthers(t *testing.T) {
	d := NewDispatcher(&recordingWriter{}, WithRequestTimeout(time.Hour))
	first, _ := d.Request(context.Background(), Frame{Type: "a"})
	second, _ := d.Request(context.Background(), Frame{Type: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := first.Await(ctx); !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled with context cause, got %v", err)
	}
	if d.Pending() != 1 {
		t.Fatalf("expected second request still pending, got %d", d.Pending())
	}
	second.Cancel()
	if d.Pending() != 0 {
		t.Fatalf("expected empty table, got %d", d.Pending())
	}
}

func TestDispatcherRequestWriteFailureRemovesEntry(t *testing.T) {
	writeErr := errors.New("broken pipe")
	d := NewDispatcher(&recordingWriter{err: writeErr})
	if _, err := d.Request(context.Background(), Frame{Type: "a"}); !errors.Is(err, writeErr) {
		t.Fatalf("expected write error, got %v", err)
	}
	if d.Pending() != 0 {
		t.Fatalf("expected no pending entries, got %d", d.Pending())
	}
}

func TestDispatcherRejectsDuplicateCorrelation(t *testing.T) {
	d := NewDispatcher(&recordingWriter{}, WithRequestTimeout(time.Hour))
	if _, err := d.Request(context.Background(), Frame{Type: "a", CorrelationID: "dup"}); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := d.Request(context.Background(), Frame{Type: "a", CorrelationID: "dup"}); !errors.Is(err, ErrDuplicateCorrelation) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestDispatcherRemoteErrorResolvesWithCode(t *testing.T) {
	d := NewDispatcher(&recordingWriter{}, WithRequestTimeout(time.Hour))
	pending, _ := d.Request(context.Background(), Frame{Type: "a", CorrelationID: "r"})
	_, _ = d.Deliver(context.Background(), Frame{Kind: KindData, CorrelationID: "r", Code: 400, Reason: "bad"})
	_, err := pending.Await(context.Background())
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != 400 {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestDispatcherRoutesEventsToTypedHandler(t *testing.T) {
	d := NewDispatcher(&recordingWriter{})
	type message struct {
		Text string `json:"text"`
	}
	var got message
	err := d.Register("im.message.receive_v1", Typed(func(_ context.Context, event Event, payload message) error {
		got = payload
		return nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.Register("im.message.receive_v1", HandlerFunc(func(context.Context, Event) error { return nil })); !errors.Is(err, ErrHandlerExists) {
		t.Fatalf("expected duplicate handler error, got %v", err)
	}

	event := Frame{Kind: KindData, Payload: json.RawMessage(`{"header":{"event_type":"im.message.receive_v1"},"text":"hello"}`)}
	if _, err := d.Deliver(context.Background(), event); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got.Text != "hello" {
		t.Fatalf("expected typed payload, got %#v", got)
	}
}

func TestDispatcherDropsUnregisteredEvent(t *testing.T) {
	d := NewDispatcher(&recordingWriter{})
	signal, err := d.Deliver(context.Background(), Frame{Kind: KindData, Type: "future.event"})
	if err != nil || signal != SignalNone {
		t.Fatalf("expected drop without error, got signal=%s err=%v", signal, err)
	}
}

func TestDispatcherAnswersPingWithPong(t *testing.T) {
	writer := &recordingWriter{}
	d := NewDispatcher(writer)
	signal, err := d.Deliver(context.Background(), Frame{Kind: KindPing, CorrelationID: "hb-1"})
	if err != nil || signal != SignalNone {
		t.Fatalf("unexpected ping result signal=%s err=%v", signal, err)
	}
	frames := writer.written()
	if len(frames) != 1 || frames[0].Kind != KindPong || frames[0].CorrelationID != "hb-1" {
		t.Fatalf("expected pong echo, got %#v", frames)
	}

	for kind, want := range map[Kind]Signal{KindPong: SignalPong, KindClose: SignalClose, KindHandshake: SignalHandshake} {
		signal, err := d.Deliver(context.Background(), Frame{Kind: kind})
		if err != nil || signal != want {
			t.Fatalf("kind %s: expected %s, got %s err=%v", kind, want, signal, err)
		}
	}
}

func TestDispatcherDrainWaitsForPending(t *testing.T) {
	d := NewDispatcher(&recordingWriter{}, WithRequestTimeout(time.Hour))
	pending, _ := d.Request(context.Background(), Frame{Type: "a", CorrelationID: "d"})

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = d.Deliver(context.Background(), Frame{Kind: KindData, CorrelationID: "d"})
	}()
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if _, err := pending.Await(context.Background()); err != nil {
		t.Fatalf("expected resolved request, got %v", err)
	}

	_, _ = d.Request(context.Background(), Frame{Type: "a", CorrelationID: "stuck"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := d.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected drain deadline, got %v", err)
	}
}
