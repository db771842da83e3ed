package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amoylab/timerbridge/internal/common/cnst"
	"github.com/amoylab/timerbridge/internal/upstream"
	"github.com/amoylab/timerbridge/pkg/metrics"
	"github.com/amoylab/timerbridge/pkg/trace"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of a SessionBridge
type State int32

const (
	StateIdle State = iota
	StateDialing
	StateActive
	StateRecovering
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateActive:
		return "active"
	case StateRecovering:
		return "recovering"
	case StateTornDown:
		return "torn_down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Sink receives the upstream notifications of a session. Notify runs on the
// bridge goroutine and must not block.
type Sink interface {
	Notify(kind string, data json.RawMessage)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(kind string, data json.RawMessage)

func (f SinkFunc) Notify(kind string, data json.RawMessage) { f(kind, data) }

// Options configures a SessionBridge
type Options struct {
	ID     string
	Target string
	Dial   upstream.DialFunc
	Sink   Sink
	// RedialInterval spaces consecutive connects; zero disables throttling
	RedialInterval time.Duration
	RedialBurst    int
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Stats are the running counters of one session
type Stats struct {
	Requests      uint64 `json:"requests"`
	Replies       uint64 `json:"replies"`
	Notifications uint64 `json:"notifications"`
	Connects      uint64 `json:"connects"`
	Unmatched     uint64 `json:"unmatched"`
	Malformed     uint64 `json:"malformed"`
	Dropped       uint64 `json:"dropped"`
}

type counters struct {
	requests, replies, notifications, connects, unmatched, malformed, dropped atomic.Uint64
}

// SessionBridge joins one downstream session to its own upstream link. All
// bridge state is owned by a single goroutine; callers talk to it through
// Enqueue and Close, and the link reports to it through its inbox.
type SessionBridge struct {
	id      string
	router  *EventRouter
	sink    Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  *trace.Builder
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	calls  chan *PendingRequest
	inbox  chan upstream.Event
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	state atomic.Int32
	stats counters

	// owned by the loop goroutine
	link        *upstream.Link
	queue       *RequestQueue
	correlator  *ReplyCorrelator
	redial      *time.Timer
	redialC     <-chan time.Time
	dialPending bool
	dialSpan    *trace.SpanScope
}

// NewSessionBridge creates the bridge and starts its goroutine
func NewSessionBridge(opts Options) *SessionBridge {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = SinkFunc(func(string, json.RawMessage) {})
	}
	limit := rate.Inf
	if opts.RedialInterval > 0 {
		limit = rate.Every(opts.RedialInterval)
	}
	burst := opts.RedialBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &SessionBridge{
		id:         opts.ID,
		router:     NewEventRouter(),
		sink:       sink,
		logger:     logger.Named("bridge.session").With(zap.String("session_id", opts.ID)),
		metrics:    opts.Metrics,
		tracer:     trace.Tracer(cnst.TraceUpstream),
		limiter:    rate.NewLimiter(limit, burst),
		ctx:        ctx,
		cancel:     cancel,
		calls:      make(chan *PendingRequest),
		inbox:      make(chan upstream.Event, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		queue:      NewRequestQueue(),
		correlator: NewReplyCorrelator(),
	}
	b.link = upstream.NewLink(opts.Target, opts.Dial, b.inbox, b.done, logger)
	go b.run()
	return b
}

func (b *SessionBridge) ID() string { return b.id }

func (b *SessionBridge) State() State { return State(b.state.Load()) }

// Stats returns a snapshot of the session counters
func (b *SessionBridge) Stats() Stats {
	return Stats{
		Requests:      b.stats.requests.Load(),
		Replies:       b.stats.replies.Load(),
		Notifications: b.stats.notifications.Load(),
		Connects:      b.stats.connects.Load(),
		Unmatched:     b.stats.unmatched.Load(),
		Malformed:     b.stats.malformed.Load(),
		Dropped:       b.stats.dropped.Load(),
	}
}

// Done is closed after the bridge has been torn down
func (b *SessionBridge) Done() <-chan struct{} { return b.done }

// Prepare builds the request for a downstream event without submitting it,
// so the caller can attach continuations to its Future first. Those
// continuations run on the bridge goroutine, ordered with Sink calls, and
// must not call back into the bridge.
func (b *SessionBridge) Prepare(event string, data json.RawMessage) (*PendingRequest, error) {
	return b.router.Build(event, data)
}

// Enqueue submits req. Requests are written upstream in submission order.
func (b *SessionBridge) Enqueue(req *PendingRequest) error {
	select {
	case b.calls <- req:
		return nil
	case <-b.done:
		if req.Reply != nil {
			req.Reply.resolve(nil, ErrSessionClosed)
		}
		return ErrSessionClosed
	}
}

// Invoke prepares and submits event, returning the reply Future or nil for
// fire-and-forget events
func (b *SessionBridge) Invoke(event string, data json.RawMessage) (*Future, error) {
	req, err := b.Prepare(event, data)
	if err != nil {
		return nil, err
	}
	if err := b.Enqueue(req); err != nil {
		return nil, err
	}
	return req.Reply, nil
}

// Close tears the session down and waits for the bridge goroutine to exit.
// It is safe to call more than once.
func (b *SessionBridge) Close() {
	b.once.Do(func() { close(b.stop) })
	<-b.done
}

func (b *SessionBridge) run() {
	defer close(b.done)
	for {
		select {
		case req := <-b.calls:
			b.enqueue(req)
		case ev := <-b.inbox:
			b.handle(ev)
		case <-b.redialC:
			b.redialC = nil
			b.redial = nil
			b.dialPending = false
			b.dial()
		case <-b.stop:
			b.teardown()
			return
		}
	}
}

func (b *SessionBridge) setState(s State) {
	if old := State(b.state.Swap(int32(s))); old != s {
		b.logger.Debug("session state changed", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

func (b *SessionBridge) enqueue(req *PendingRequest) {
	b.stats.requests.Add(1)
	b.metrics.Request(req.Event)
	b.queue.Push(req)
	b.drain()
}

// drain writes queued requests while the link is open. A closed or failed
// link gets exactly one connect; a link that is connecting is left alone
// and drained on its ready event.
func (b *SessionBridge) drain() {
	switch b.link.State() {
	case upstream.StateOpen:
		for b.queue.Len() > 0 && b.link.State() == upstream.StateOpen {
			b.send(b.queue.Pop())
		}
	case upstream.StateConnecting:
	default:
		if b.queue.Len() > 0 {
			b.connect()
		}
	}
}

func (b *SessionBridge) send(req *PendingRequest) {
	if err := b.link.Send(req.Payload); err != nil {
		b.logger.Warn("failed to write upstream", zap.String("event", req.Event), zap.Error(err))
		if req.Reply != nil {
			if req.Reply.resolve(nil, err) {
				b.metrics.AcceptorsFlushed(flushReason(err), 1)
			}
		} else {
			b.stats.dropped.Add(1)
			b.metrics.RequestsDropped(1)
		}
		b.down(err)
		return
	}
	if req.Reply != nil {
		b.correlator.Expect(req.Reply)
	}
}

func (b *SessionBridge) connect() {
	if b.dialPending {
		return
	}
	if s := b.link.State(); s == upstream.StateConnecting || s == upstream.StateOpen {
		return
	}

	b.setState(StateDialing)
	if d := b.limiter.Reserve().Delay(); d > 0 {
		b.logger.Debug("connect throttled", zap.Duration("delay", d))
		b.dialPending = true
		b.redial = time.NewTimer(d)
		b.redialC = b.redial.C
		return
	}
	b.dial()
}

// dial starts the connect the limiter already admitted
func (b *SessionBridge) dial() {
	b.dialSpan = b.tracer.Start(b.ctx, cnst.SpanUpstreamDial).
		WithAttrs(attribute.String(cnst.AttrSessionID, b.id), attribute.String(cnst.AttrUpstreamTarget, b.link.Target()))
	if err := b.link.Connect(b.ctx); err != nil {
		b.logger.Warn("connect rejected", zap.Error(err))
		b.dialSpan.Fail(err).End()
		b.dialSpan = nil
		return
	}
	b.stats.connects.Add(1)
	b.logger.Info("connecting upstream", zap.String("target", b.link.Target()))
}

func (b *SessionBridge) handle(ev upstream.Event) {
	if !b.link.Accept(ev) {
		b.logger.Debug("ignoring stale link event", zap.Stringer("type", ev.Type), zap.Uint64("gen", ev.Gen))
		return
	}

	switch ev.Type {
	case upstream.EventReady:
		b.metrics.UpstreamConnect(metrics.ResultOK)
		b.endDialSpan(nil)
		b.logger.Info("upstream connected", zap.String("target", b.link.Target()))
		b.setState(StateActive)
		b.drain()
	case upstream.EventDown:
		if errors.Is(ev.Err, upstream.ErrLinkConnect) {
			b.metrics.UpstreamConnect(metrics.ResultFailed)
			b.endDialSpan(ev.Err)
		}
		b.logger.Warn("upstream down", zap.Error(ev.Err))
		b.down(ev.Err)
	case upstream.EventMessage:
		b.message(ev)
	}
}

func (b *SessionBridge) message(ev upstream.Event) {
	if ev.Err != nil {
		b.stats.malformed.Add(1)
		b.metrics.MalformedMessage()
		b.logger.Warn("dropping upstream message", zap.Error(ev.Err))
		return
	}

	msg := ev.Message
	if msg.Kind == upstream.KindNotification {
		b.stats.notifications.Add(1)
		b.metrics.Notification(msg.Notification)
		b.sink.Notify(msg.Notification, msg.Data)
		return
	}

	if err := b.correlator.Resolve(msg.Data); err != nil {
		b.stats.unmatched.Add(1)
		b.metrics.ReplyUnmatched()
		b.logger.Warn("dropping upstream reply", zap.Error(err), zap.ByteString("data", msg.Data))
		return
	}
	b.stats.replies.Add(1)
	b.metrics.ReplyResolved()
}

// down fails every reply waiting on the lost link. Unsent fire-and-forget
// requests stay queued in order and go out after the next connect, which the
// next enqueue triggers.
func (b *SessionBridge) down(cause error) {
	b.setState(StateRecovering)
	flushed := b.correlator.FlushAsError(cause)
	n := b.queue.Len()
	for i := 0; i < n; i++ {
		req := b.queue.Pop()
		if req.Reply == nil {
			b.queue.Push(req)
			continue
		}
		if req.Reply.resolve(nil, cause) {
			flushed++
		}
	}
	b.metrics.AcceptorsFlushed(flushReason(cause), flushed)
	if flushed > 0 {
		b.logger.Info("pending replies failed",
			zap.Int("replies", flushed), zap.Int("queued", b.queue.Len()), zap.Error(cause))
	}
	b.setState(StateIdle)
}

// discard empties the queue and the correlator on teardown
func (b *SessionBridge) discard(cause error) (flushed, dropped int) {
	flushed = b.correlator.FlushAsError(cause)
	b.queue.Drain(func(req *PendingRequest) {
		if req.Reply == nil {
			dropped++
			return
		}
		if req.Reply.resolve(nil, cause) {
			flushed++
		}
	})
	b.stats.dropped.Add(uint64(dropped))
	b.metrics.AcceptorsFlushed(flushReason(cause), flushed)
	b.metrics.RequestsDropped(dropped)
	return flushed, dropped
}

func (b *SessionBridge) teardown() {
	if b.redial != nil {
		b.redial.Stop()
		b.redial, b.redialC = nil, nil
	}
	b.link.Close()
	b.endDialSpan(ErrSessionClosed)
	b.router.Unbind()
	flushed, dropped := b.discard(ErrSessionClosed)
	b.cancel()
	b.setState(StateTornDown)
	b.logger.Info("session torn down", zap.Int("replies_failed", flushed), zap.Int("dropped", dropped))
}

func (b *SessionBridge) endDialSpan(err error) {
	if b.dialSpan != nil {
		b.dialSpan.Fail(err).End()
		b.dialSpan = nil
	}
}

func flushReason(err error) string {
	switch {
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, upstream.ErrLinkConnect):
		return "connect_failed"
	default:
		return "link_down"
	}
}
