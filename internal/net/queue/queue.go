// Package queue correlates requests and replies on the shared socket. Requests
// are sent strictly one at a time in FIFO order: the next request leaves only
// after the previous one was answered, timed out, or failed to send.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/free-drones/drone-interactive-map-sub000/internal/net/proto"
	"github.com/free-drones/drone-interactive-map-sub000/internal/net/ws"
	"github.com/free-drones/drone-interactive-map-sub000/internal/telemetry"
	"github.com/free-drones/drone-interactive-map-sub000/logging"
	loggingnetwork "github.com/free-drones/drone-interactive-map-sub000/logging/network"
)

// DefaultTimeout bounds the wait for a reply.
const DefaultTimeout = 10 * time.Second

// Outcome labels recorded for every finished request.
const (
	OutcomeAck               = "ack"
	OutcomeError             = "error"
	OutcomeTimeout           = "timeout"
	OutcomeProtocolViolation = "protocol_violation"
	OutcomeSendFailed        = "send_failed"
	OutcomeDropped           = "dropped"
)

// Transport is the part of the socket session the queue needs.
type Transport interface {
	SendRaw(channel string, payload any) error
	Once(channel string, handler ws.Handler) (cancel func())
	Connected() bool
}

// Callback receives the decoded reply of a request.
type Callback func(reply proto.Reply)

// Recorder receives request metrics.
type Recorder interface {
	RequestSent(kind string)
	RequestFinished(kind, outcome string, elapsed time.Duration)
	QueueDepth(depth int)
}

type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// Request is one pending exchange. It is consumed exactly once.
type Request struct {
	ID         uuid.UUID
	Kind       string
	Payload    any
	Callback   Callback
	EnqueuedAt time.Time

	ctx context.Context
}

type Config struct {
	Transport Transport
	Timeout   time.Duration
	// OnError receives server errors, timeouts, protocol violations and
	// dropped requests.
	OnError   func(err error)
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Recorder  Recorder
	Tracer    trace.Tracer
	AfterFunc AfterFunc
	Now       func() time.Time
}

type inflight struct {
	req       *Request
	ctx       context.Context
	timer     Timer
	cancel    func()
	startedAt time.Time
	span      trace.Span
	done      bool
}

type Queue struct {
	cfg Config

	mu      sync.Mutex
	pending []*Request
	current *inflight
}

func New(cfg Config) *Queue {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.OnError == nil {
		cfg.OnError = func(error) {}
	}
	cfg.Logger = telemetry.OrDefault(cfg.Logger)
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/free-drones/drone-interactive-map-sub000/internal/net/queue")
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{cfg: cfg}
}

// Enqueue appends a request for kind and starts it when the queue is idle.
// It fails immediately with ErrNotConnected when the transport is down.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any, cb Callback) (uuid.UUID, error) {
	if kind == "" {
		return uuid.Nil, errors.New("queue: request kind is empty")
	}
	if q.cfg.Transport == nil || !q.cfg.Transport.Connected() {
		return uuid.Nil, ErrNotConnected
	}
	if ctx == nil {
		ctx = context.Background()
	}

	req := &Request{
		ID:         uuid.New(),
		Kind:       kind,
		Payload:    payload,
		Callback:   cb,
		EnqueuedAt: q.cfg.Now(),
		ctx:        ctx,
	}

	q.mu.Lock()
	q.pending = append(q.pending, req)
	var next *inflight
	if q.current == nil {
		next = q.advanceLocked()
	}
	depth := len(q.pending)
	q.mu.Unlock()

	q.cfg.Recorder.QueueDepth(depth)
	q.dispatch(next)
	return req.ID, nil
}

// Len reports how many requests wait behind the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the request currently awaiting its reply.
func (q *Queue) InFlight() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil || q.current.done {
		return Request{}, false
	}
	return *q.current.req, true
}

// Reset abandons the in-flight request and everything queued behind it. Each
// abandoned request is reported as a DroppedError. Late replies are ignored.
func (q *Queue) Reset() int {
	q.mu.Lock()
	var dropped []*inflight
	if cur := q.current; cur != nil && !cur.done {
		cur.done = true
		if cur.timer != nil {
			cur.timer.Stop()
			cur.cancel()
		}
		dropped = append(dropped, cur)
	}
	for _, req := range q.pending {
		dropped = append(dropped, &inflight{req: req})
	}
	q.pending = nil
	q.current = nil
	q.mu.Unlock()

	for _, f := range dropped {
		q.finishSpan(f, OutcomeDropped, ErrNotConnected)
		q.cfg.Recorder.RequestFinished(f.req.Kind, OutcomeDropped, q.elapsed(f))
		q.cfg.OnError(&DroppedError{Kind: f.req.Kind, RequestID: f.req.ID})
	}
	q.cfg.Recorder.QueueDepth(0)
	return len(dropped)
}

// advanceLocked pops the next request and marks it in flight.
func (q *Queue) advanceLocked() *inflight {
	if len(q.pending) == 0 {
		return nil
	}
	req := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	f := &inflight{req: req}
	q.current = f
	return f
}

func (q *Queue) dispatch(f *inflight) {
	for f != nil {
		f = q.send(f)
	}
}

// send arms the timer and the reply listener, then writes the request. When
// the write fails the request is finished and the next one is returned.
func (q *Queue) send(f *inflight) *inflight {
	req := f.req
	ctx, span := q.cfg.Tracer.Start(req.ctx, "imm.request "+req.Kind, trace.WithAttributes(
		attribute.String("imm.request.kind", req.Kind),
		attribute.String("imm.request.id", req.ID.String()),
	))

	q.mu.Lock()
	if q.current != f {
		q.mu.Unlock()
		span.End()
		return nil
	}
	f.ctx = ctx
	f.span = span
	f.startedAt = q.cfg.Now()
	f.timer = q.cfg.AfterFunc(q.cfg.Timeout, func() { q.expire(f) })
	f.cancel = q.cfg.Transport.Once(proto.ResponseChannel(req.Kind), func(data json.RawMessage) { q.complete(f, data) })
	depth := len(q.pending)
	q.mu.Unlock()

	loggingnetwork.RequestSent(ctx, q.cfg.Publisher, req.ID.String(), loggingnetwork.RequestPayload{Kind: req.Kind, QueueDepth: depth}, traceExtra(span))
	q.cfg.Recorder.RequestSent(req.Kind)

	err := q.cfg.Transport.SendRaw(req.Kind, req.Payload)
	if err == nil {
		return nil
	}

	q.mu.Lock()
	if f.done || q.current != f {
		q.mu.Unlock()
		return nil
	}
	f.done = true
	f.timer.Stop()
	f.cancel()
	q.mu.Unlock()

	q.cfg.Logger.Printf("failed to send %s request %s: %v", req.Kind, req.ID, err)
	q.finishSpan(f, OutcomeSendFailed, err)
	q.cfg.Recorder.RequestFinished(req.Kind, OutcomeSendFailed, q.elapsed(f))
	q.cfg.OnError(fmt.Errorf("queue: send %s: %w", req.Kind, err))
	return q.release(f)
}

func (q *Queue) complete(f *inflight, data json.RawMessage) {
	q.mu.Lock()
	if f.done || q.current != f {
		q.mu.Unlock()
		return
	}
	f.done = true
	f.timer.Stop()
	q.mu.Unlock()

	req := f.req
	elapsed := q.elapsed(f)
	payload := loggingnetwork.RequestPayload{Kind: req.Kind, ElapsedMillis: elapsed.Milliseconds()}

	reply, err := proto.DecodeReply(data)
	if err == nil && reply.FcnName != "" && reply.FcnName != req.Kind {
		err = fmt.Errorf("reply names %q", reply.FcnName)
	}
	if err != nil {
		violation := &ProtocolViolationError{Channel: proto.ResponseChannel(req.Kind), Reason: err.Error()}
		loggingnetwork.ProtocolViolation(f.ctx, q.cfg.Publisher, violation.Channel, loggingnetwork.ViolationPayload{Reason: violation.Reason}, nil)
		q.finishSpan(f, OutcomeProtocolViolation, violation)
		q.cfg.Recorder.RequestFinished(req.Kind, OutcomeProtocolViolation, elapsed)
		q.cfg.OnError(violation)
		q.dispatch(q.release(f))
		return
	}

	// Only acks reach the callback; everything else goes to OnError.
	var failure error
	outcome := OutcomeAck
	switch reply.Fcn {
	case proto.FcnAck:
		loggingnetwork.ReplyReceived(f.ctx, q.cfg.Publisher, req.ID.String(), payload, nil)
	case proto.FcnError:
		outcome = OutcomeError
		payload.Report = reply.ErrorReport
		failure = &RemoteError{Kind: req.Kind, Report: reply.ErrorReport}
		loggingnetwork.RemoteError(f.ctx, q.cfg.Publisher, req.ID.String(), payload, nil)
	default:
		outcome = OutcomeProtocolViolation
		violation := &ProtocolViolationError{
			Channel: proto.ResponseChannel(req.Kind),
			Reason:  fmt.Sprintf("unexpected fcn %q", reply.Fcn),
		}
		failure = violation
		loggingnetwork.ProtocolViolation(f.ctx, q.cfg.Publisher, violation.Channel, loggingnetwork.ViolationPayload{Reason: violation.Reason}, nil)
	}
	q.finishSpan(f, outcome, failure)
	q.cfg.Recorder.RequestFinished(req.Kind, outcome, elapsed)

	if failure != nil {
		q.cfg.OnError(failure)
	} else if req.Callback != nil {
		req.Callback(reply)
	}
	q.dispatch(q.release(f))
}

func (q *Queue) expire(f *inflight) {
	q.mu.Lock()
	if f.done || q.current != f {
		q.mu.Unlock()
		return
	}
	f.done = true
	f.cancel()
	q.mu.Unlock()

	req := f.req
	timeout := &TimeoutError{Kind: req.Kind, RequestID: req.ID, After: q.cfg.Timeout}
	loggingnetwork.RequestTimeout(f.ctx, q.cfg.Publisher, req.ID.String(), loggingnetwork.RequestPayload{
		Kind:          req.Kind,
		TimeoutMillis: q.cfg.Timeout.Milliseconds(),
	}, nil)
	q.cfg.Logger.Printf("%s request %s timed out after %s", req.Kind, req.ID, q.cfg.Timeout)
	q.finishSpan(f, OutcomeTimeout, timeout)
	q.cfg.Recorder.RequestFinished(req.Kind, OutcomeTimeout, q.elapsed(f))
	q.cfg.OnError(timeout)
	q.dispatch(q.release(f))
}

// release clears f from the in-flight slot and returns the next request to send.
func (q *Queue) release(f *inflight) *inflight {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != f {
		return nil
	}
	q.current = nil
	return q.advanceLocked()
}

func (q *Queue) elapsed(f *inflight) time.Duration {
	if f.startedAt.IsZero() {
		return 0
	}
	return q.cfg.Now().Sub(f.startedAt)
}

func (q *Queue) finishSpan(f *inflight, outcome string, err error) {
	if f.span == nil {
		return
	}
	f.span.SetAttributes(attribute.String("imm.request.outcome", outcome))
	if err != nil {
		f.span.RecordError(err)
		f.span.SetStatus(codes.Error, outcome)
	}
	f.span.End()
}

func traceExtra(span trace.Span) map[string]any {
	sc := span.SpanContext()
	if !sc.HasTraceID() {
		return nil
	}
	return map[string]any{"traceId": sc.TraceID().String()}
}

// WithErrorReport routes a reply by its discriminator: acks reach cb, server
// errors become a RemoteError and anything else a ProtocolViolationError, both
// passed to report. The queue already routes its own replies this way; this
// is for replies handled outside it.
func WithErrorReport(cb Callback, report func(error)) Callback {
	return func(reply proto.Reply) {
		switch reply.Fcn {
		case proto.FcnAck:
			if cb != nil {
				cb(reply)
			}
		case proto.FcnError:
			if report != nil {
				report(&RemoteError{Kind: reply.FcnName, Report: reply.ErrorReport})
			}
		default:
			if report != nil {
				report(&ProtocolViolationError{
					Channel: proto.ResponseChannel(reply.FcnName),
					Reason:  fmt.Sprintf("unexpected fcn %q", reply.Fcn),
				})
			}
		}
	}
}

type nopRecorder struct{}

func (nopRecorder) RequestSent(string) {}

func (nopRecorder) RequestFinished(string, string, time.Duration) {}

func (nopRecorder) QueueDepth(int) {}
