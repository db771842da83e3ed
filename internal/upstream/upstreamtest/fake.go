// Package upstreamtest provides an in-memory device connection for tests.
package upstreamtest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/amoylab/timerbridge/internal/upstream"
)

// Conn is an upstream.Conn whose peer is driven by the test
type Conn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	written  []string
	writeErr error
}

func NewConn() *Conn {
	return &Conn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

// Push delivers a frame from the device side
func (c *Conn) Push(frame string) {
	select {
	case c.in <- []byte(frame):
	case <-c.closed:
	}
}

// Hangup closes the connection from the device side
func (c *Conn) Hangup() { _ = c.Close() }

// FailWrites makes every following write return err
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// Written returns the frames sent to the device so far
func (c *Conn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.IsClosed() {
		return io.ErrClosedPipe
	}
	c.written = append(c.written, string(data))
	return nil
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// ErrRefused is the default dial failure of Dialer.FailNext
var ErrRefused = errors.New("connection refused")

// Dialer hands out a fresh Conn per dial and records every attempt
type Dialer struct {
	mu      sync.Mutex
	conns   []*Conn
	targets []string
	fails   []error
	gate    chan struct{}
}

func NewDialer() *Dialer { return &Dialer{} }

// Dial implements upstream.DialFunc
func (d *Dialer) Dial(ctx context.Context, target string) (upstream.Conn, error) {
	d.mu.Lock()
	d.targets = append(d.targets, target)
	gate := d.gate
	var fail error
	if len(d.fails) > 0 {
		fail, d.fails = d.fails[0], d.fails[1:]
	}
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}

	c := NewConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// FailNext makes the next dial fail with err, ErrRefused when nil
func (d *Dialer) FailNext(err error) {
	if err == nil {
		err = ErrRefused
	}
	d.mu.Lock()
	d.fails = append(d.fails, err)
	d.mu.Unlock()
}

// Hold blocks every following dial until Release
func (d *Dialer) Hold() {
	d.mu.Lock()
	d.gate = make(chan struct{})
	d.mu.Unlock()
}

// Release lets held dials proceed
func (d *Dialer) Release() {
	d.mu.Lock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
	d.mu.Unlock()
}

// Attempts returns the number of dials started
func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

// Targets returns every dialed target in order
func (d *Dialer) Targets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.targets...)
}

// Conns returns the connections established so far
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent connection or nil
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
