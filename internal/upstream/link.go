package upstream

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// State is the lifecycle state of a Link
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is one established message-oriented connection to the device
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc opens a connection to target
type DialFunc func(ctx context.Context, target string) (Conn, error)

// EventType enumerates what a Link reports to its owner
type EventType int

const (
	EventReady EventType = iota
	EventDown
	EventMessage
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventDown:
		return "down"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is posted by the link goroutines to the owner's inbox. The owner
// must pass every event through Link.Accept before acting on it.
type Event struct {
	Type    EventType
	Gen     uint64
	Message Message
	Err     error

	conn Conn
}

// Link owns at most one upstream connection. Every method must be called
// from the owner's goroutine; the dialer and reader goroutines only post
// events to the inbox.
type Link struct {
	target string
	dial   DialFunc
	inbox  chan<- Event
	done   <-chan struct{}
	logger *zap.Logger

	state  State
	conn   Conn
	cancel context.CancelFunc

	// gen is written by the owner under mu and read by dialers
	mu     sync.Mutex
	gen    uint64
	dialed Conn // established but not yet accepted
}

// NewLink creates a closed link. Events are delivered to inbox until done
// is closed.
func NewLink(target string, dial DialFunc, inbox chan<- Event, done <-chan struct{}, logger *zap.Logger) *Link {
	return &Link{
		target: target,
		dial:   dial,
		inbox:  inbox,
		done:   done,
		logger: logger.Named("upstream.link"),
	}
}

func (l *Link) Target() string { return l.target }

func (l *Link) State() State { return l.state }

// Generation identifies the current connection attempt
func (l *Link) Generation() uint64 { return l.gen }

// Connect starts an asynchronous dial. The outcome arrives as EventReady or
// as EventDown carrying ErrLinkConnect.
func (l *Link) Connect(ctx context.Context) error {
	if l.state == StateConnecting || l.state == StateOpen {
		return ErrLinkBusy
	}

	gen := l.bump()
	l.state = StateConnecting
	dctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.logger.Debug("dialing upstream", zap.String("target", l.target), zap.Uint64("gen", gen))
	go func() {
		defer cancel()
		conn, err := l.dial(dctx, l.target)
		if err != nil {
			l.post(Event{Type: EventDown, Gen: gen, Err: fmt.Errorf("%w: %v", ErrLinkConnect, err)})
			return
		}
		if !l.handoff(gen, conn) {
			_ = conn.Close()
			return
		}
		l.post(Event{Type: EventReady, Gen: gen, conn: conn})
	}()
	return nil
}

// Send writes one frame. A write error fails the link and is returned
// wrapped in ErrLinkDown; no EventDown follows for that connection.
func (l *Link) Send(payload []byte) error {
	if l.state != StateOpen {
		return ErrLinkNotOpen
	}
	if err := l.conn.WriteMessage(payload); err != nil {
		l.bump()
		l.state = StateFailed
		l.release()
		return fmt.Errorf("%w: %v", ErrLinkDown, err)
	}
	return nil
}

// Accept applies the transition carried by ev and reports whether ev belongs
// to the current connection attempt. Stale events must be ignored.
func (l *Link) Accept(ev Event) bool {
	if ev.Gen != l.gen {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return false
	}

	switch ev.Type {
	case EventReady:
		if l.state != StateConnecting {
			_ = ev.conn.Close()
			return false
		}
		l.mu.Lock()
		l.dialed = nil
		l.mu.Unlock()
		l.cancel = nil
		l.conn = ev.conn
		l.state = StateOpen
		go l.read(ev.Gen, ev.conn)
		return true
	case EventDown:
		switch l.state {
		case StateConnecting:
			l.state = StateFailed
		case StateOpen:
			l.state = StateClosed
		default:
			return false
		}
		l.cancel = nil
		l.release()
		return true
	case EventMessage:
		return l.state == StateOpen
	default:
		return false
	}
}

// Close drops the connection or the dial in progress. Close is idempotent and
// no event of the previous attempt is accepted afterwards.
func (l *Link) Close() {
	l.bump()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.release()
	l.state = StateClosed
}

// bump starts a new generation and closes a connection that was dialed for
// the previous one but never accepted
func (l *Link) bump() uint64 {
	l.mu.Lock()
	l.gen++
	gen, dialed := l.gen, l.dialed
	l.dialed = nil
	l.mu.Unlock()
	if dialed != nil {
		_ = dialed.Close()
	}
	return gen
}

// handoff parks conn until the owner accepts it; false means the attempt
// is already stale
func (l *Link) handoff(gen uint64, conn Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return false
	}
	l.dialed = conn
	return true
}

func (l *Link) release() {
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
}

func (l *Link) read(gen uint64, conn Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			l.post(Event{Type: EventDown, Gen: gen, Err: fmt.Errorf("%w: %v", ErrLinkDown, err)})
			return
		}
		msg, err := ParseMessage(raw)
		if err != nil {
			err = fmt.Errorf("%w: %q", err, truncate(raw, 128))
		}
		if !l.post(Event{Type: EventMessage, Gen: gen, Message: msg, Err: err}) {
			return
		}
	}
}

func (l *Link) post(ev Event) bool {
	select {
	case l.inbox <- ev:
		return true
	case <-l.done:
		return false
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
