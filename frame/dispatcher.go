package frame

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-appclient/core"
)

const DefaultRequestTimeout = 15 * time.Second

// Writer writes one frame to the wire. Implementations serialize writes.
type Writer interface {
	WriteFrame(ctx context.Context, frame Frame) error
}

type WriterFunc func(ctx context.Context, frame Frame) error

func (f WriterFunc) WriteFrame(ctx context.Context, frame Frame) error {
	return f(ctx, frame)
}

// Event is an inbound uncorrelated data frame routed by its discriminator.
type Event struct {
	Type      string
	SessionID string
	Payload   json.RawMessage
	Frame     Frame
}

func (e Event) Decode(v any) error {
	return e.Frame.Decode(v)
}

type Handler interface {
	Handle(ctx context.Context, event Event) error
}

type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Typed decodes the event payload into T before calling fn.
func Typed[T any](fn func(ctx context.Context, event Event, payload T) error) Handler {
	return HandlerFunc(func(ctx context.Context, event Event) error {
		var payload T
		if err := event.Decode(&payload); err != nil {
			return fmt.Errorf("frame: decode %s payload: %w", event.Type, err)
		}
		return fn(ctx, event, payload)
	})
}

// Signal tells the connection owner what a delivered frame means for
// its lifecycle.
type Signal int

const (
	SignalNone Signal = iota
	SignalPong
	SignalHandshake
	SignalClose
)

func (s Signal) String() string {
	switch s {
	case SignalPong:
		return "pong"
	case SignalHandshake:
		return "handshake"
	case SignalClose:
		return "close"
	default:
		return "none"
	}
}

type DispatcherOption func(*Dispatcher)

func WithLogger(logger core.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetricsRecorder(metrics core.MetricsRecorder) DispatcherOption {
	return func(d *Dispatcher) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

func WithRequestTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// Dispatcher owns the pending correlation table and the event handler
// registry of one connection.
type Dispatcher struct {
	writer  Writer
	timeout time.Duration
	logger  core.Logger
	metrics core.MetricsRecorder
	obs     *core.Observer

	mu       sync.Mutex
	pending  map[string]*Pending
	handlers map[string]Handler
	draining error
}

func NewDispatcher(writer Writer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		writer:   writer,
		timeout:  DefaultRequestTimeout,
		pending:  map[string]*Pending{},
		handlers: map[string]Handler{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.obs = core.NewObserver("appclient.frame", d.logger, d.metrics)
	return d
}

// BeginDrain marks the dispatcher as closing. Requests still pending when
// their timeout fires fail with a CancelledError carrying cause instead of
// a TimeoutError, and new requests are refused.
func (d *Dispatcher) BeginDrain(cause error) {
	if d == nil {
		return
	}
	if cause == nil {
		cause = ErrDispatcherClosed
	}
	d.mu.Lock()
	d.draining = cause
	d.mu.Unlock()
}

func (d *Dispatcher) Register(eventType string, handler Handler) error {
	if d == nil {
		return fmt.Errorf("frame: dispatcher is required")
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return fmt.Errorf("frame: event type is required")
	}
	if handler == nil {
		return fmt.Errorf("frame: handler is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[eventType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, eventType)
	}
	d.handlers[eventType] = handler
	return nil
}

func (d *Dispatcher) Unregister(eventType string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	delete(d.handlers, strings.TrimSpace(eventType))
	d.mu.Unlock()
}

// EventTypes lists registered discriminators in sorted order.
func (d *Dispatcher) EventTypes() []string {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	types := make([]string, 0, len(d.handlers))
	for eventType := range d.handlers {
		types = append(types, eventType)
	}
	sort.Strings(types)
	return types
}

// Request registers frame in the pending table and then writes it. The
// pending entry is removed on response, timeout or cancellation.
func (d *Dispatcher) Request(ctx context.Context, frame Frame) (*Pending, error) {
	return d.RequestWithTimeout(ctx, frame, 0)
}

func (d *Dispatcher) RequestWithTimeout(ctx context.Context, frame Frame, timeout time.Duration) (*Pending, error) {
	if d == nil {
		return nil, fmt.Errorf("frame: dispatcher is required")
	}
	if frame.Kind == "" {
		frame.Kind = KindData
	}
	if frame.Kind != KindData {
		return nil, fmt.Errorf("frame: request frames must be data frames, got %q", frame.Kind)
	}
	frame.CorrelationID = strings.TrimSpace(frame.CorrelationID)
	if frame.CorrelationID == "" {
		frame.CorrelationID = NewCorrelationID()
	}
	if timeout <= 0 {
		timeout = d.timeout
	}

	pending := &Pending{
		id:        frame.CorrelationID,
		eventType: frame.EventType(),
		timeout:   timeout,
		done:      make(chan struct{}),
		owner:     d,
	}

	d.mu.Lock()
	if d.draining != nil {
		d.mu.Unlock()
		return nil, &CancelledError{CorrelationID: pending.id, Type: pending.eventType, Cause: d.draining}
	}
	if _, exists := d.pending[pending.id]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelation, pending.id)
	}
	d.pending[pending.id] = pending
	writer := d.writer
	pending.timer = time.AfterFunc(timeout, func() { d.expire(pending) })
	d.mu.Unlock()

	if writer == nil {
		d.complete(pending.id, Frame{}, ErrDispatcherClosed)
		return nil, ErrDispatcherClosed
	}
	if err := writer.WriteFrame(ctx, frame); err != nil {
		d.complete(pending.id, Frame{}, err)
		return nil, err
	}
	return pending, nil
}

// Deliver handles one inbound frame. Pings are answered with pongs,
// correlated frames resolve their pending request and events go to the
// registered handler.
func (d *Dispatcher) Deliver(ctx context.Context, frame Frame) (Signal, error) {
	if d == nil {
		return SignalNone, fmt.Errorf("frame: dispatcher is required")
	}
	switch frame.Kind {
	case KindPing:
		d.mu.Lock()
		writer := d.writer
		d.mu.Unlock()
		if writer == nil {
			return SignalNone, ErrDispatcherClosed
		}
		pong := Frame{Kind: KindPong, CorrelationID: frame.CorrelationID, SessionID: frame.SessionID}
		if err := writer.WriteFrame(ctx, pong); err != nil {
			return SignalNone, fmt.Errorf("frame: write pong: %w", err)
		}
		return SignalNone, nil
	case KindPong:
		return SignalPong, nil
	case KindHandshake:
		return SignalHandshake, nil
	case KindClose:
		return SignalClose, nil
	case KindData:
	default:
		return SignalNone, fmt.Errorf("frame: unsupported kind %q", frame.Kind)
	}

	if frame.Correlated() {
		if err := d.Resolve(frame); err != nil {
			d.obs.Debug(ctx, "discarding response for unknown correlation id", map[string]any{
				"correlation_id": frame.CorrelationID,
				"type":           frame.Type,
			})
		}
		return SignalNone, nil
	}

	eventType := frame.EventType()
	d.mu.Lock()
	handler := d.handlers[eventType]
	d.mu.Unlock()
	if handler == nil {
		d.obs.Warn(ctx, "dropping event with unregistered type", map[string]any{
			"event_type": eventType,
			"session_id": frame.SessionID,
		})
		d.obs.Counter(ctx, "events.dropped.total", 1, map[string]string{"event_type": eventType})
		return SignalNone, nil
	}

	err := handler.Handle(ctx, Event{
		Type:      eventType,
		SessionID: frame.SessionID,
		Payload:   frame.Payload,
		Frame:     frame,
	})
	if err != nil {
		d.obs.Error(ctx, "event handler failed", map[string]any{
			"event_type": eventType,
			"error":      err.Error(),
		})
	}
	d.obs.Counter(ctx, "events.handled.total", 1, map[string]string{"event_type": eventType})
	return SignalNone, err
}

// Resolve completes the pending request matching frame.CorrelationID.
func (d *Dispatcher) Resolve(frame Frame) error {
	if d == nil {
		return fmt.Errorf("frame: dispatcher is required")
	}
	var err error
	if frame.Code != 0 {
		err = &RemoteError{
			CorrelationID: frame.CorrelationID,
			Type:          frame.EventType(),
			Code:          frame.Code,
			Reason:        frame.Reason,
		}
	}
	if !d.complete(strings.TrimSpace(frame.CorrelationID), frame, err) {
		return fmt.Errorf("%w: %s", ErrUnknownCorrelation, frame.CorrelationID)
	}
	return nil
}

// CancelAll fails every pending request with a CancelledError.
func (d *Dispatcher) CancelAll(cause error) int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	ids := make([]string, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	cancelled := 0
	for _, id := range ids {
		d.mu.Lock()
		pending := d.pending[id]
		d.mu.Unlock()
		if pending == nil {
			continue
		}
		if d.complete(id, Frame{}, &CancelledError{CorrelationID: id, Type: pending.eventType, Cause: cause}) {
			cancelled++
		}
	}
	return cancelled
}

func (d *Dispatcher) Pending() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Drain waits until every request pending at call time has completed or
// ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	waiting := make([]*Pending, 0, len(d.pending))
	for _, pending := range d.pending {
		waiting = append(waiting, pending)
	}
	d.mu.Unlock()

	for _, pending := range waiting {
		select {
		case <-pending.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) expire(pending *Pending) {
	d.mu.Lock()
	cause := d.draining
	d.mu.Unlock()
	var err error = &TimeoutError{
		CorrelationID: pending.id,
		Type:          pending.eventType,
		After:         pending.timeout,
	}
	if cause != nil {
		err = &CancelledError{CorrelationID: pending.id, Type: pending.eventType, Cause: cause}
	}
	d.complete(pending.id, Frame{}, err)
}

func (d *Dispatcher) complete(id string, frame Frame, err error) bool {
	d.mu.Lock()
	pending, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	pending.finish(frame, err)
	return true
}

// Pending is the handle for one outstanding correlated request.
type Pending struct {
	id        string
	eventType string
	timeout   time.Duration
	timer     *time.Timer
	owner     *Dispatcher

	once  sync.Once
	done  chan struct{}
	frame Frame
	err   error
}

func (p *Pending) ID() string {
	if p == nil {
		return ""
	}
	return p.id
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Await blocks until the response arrives, the request times out or ctx is
// done. A done ctx cancels only this request.
func (p *Pending) Await(ctx context.Context) (Frame, error) {
	if p == nil {
		return Frame{}, fmt.Errorf("frame: pending request is required")
	}
	select {
	case <-p.done:
		return p.frame, p.err
	case <-ctx.Done():
		p.cancel(ctx.Err())
		<-p.done
		return p.frame, p.err
	}
}

func (p *Pending) Cancel() {
	p.cancel(nil)
}

func (p *Pending) cancel(cause error) {
	if p == nil || p.owner == nil {
		return
	}
	p.owner.complete(p.id, Frame{}, &CancelledError{CorrelationID: p.id, Type: p.eventType, Cause: cause})
}

func (p *Pending) finish(frame Frame, err error) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.frame = frame
		p.err = err
		close(p.done)
	})
}
