package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// MemoryStore implements Store using in-memory storage
type MemoryStore struct {
	logger    *zap.Logger
	queueSize int
	mu        sync.RWMutex
	conns     map[string]*MemoryConnection
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory session store
func NewMemoryStore(logger *zap.Logger, queueSize int) *MemoryStore {
	return &MemoryStore{
		logger:    logger.Named("session.store.memory"),
		queueSize: queueSize,
		conns:     make(map[string]*MemoryConnection),
	}
}

// Register implements Store.Register
func (s *MemoryStore) Register(_ context.Context, meta *Meta) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conns[meta.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, meta.ID)
	}
	conn := &MemoryConnection{
		store: s,
		meta:  meta,
		queue: newLocalQueue(s.queueSize),
	}
	s.conns[meta.ID] = conn
	return conn, nil
}

// Get implements Store.Get
func (s *MemoryStore) Get(_ context.Context, id string) (Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.conns[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return conn, nil
}

// Unregister implements Store.Unregister
func (s *MemoryStore) Unregister(_ context.Context, id string) error {
	s.mu.Lock()
	conn, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	conn.queue.close()
	return nil
}

// List implements Store.List, ordered by creation time
func (s *MemoryStore) List(_ context.Context) ([]Connection, error) {
	s.mu.RLock()
	conns := make([]*MemoryConnection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].meta.CreatedAt.Before(conns[j].meta.CreatedAt)
	})
	out := make([]Connection, len(conns))
	for i, c := range conns {
		out[i] = c
	}
	return out, nil
}

// Close implements Store.Close
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*MemoryConnection)
	s.mu.Unlock()

	for _, c := range conns {
		c.queue.close()
	}
	return nil
}

// MemoryConnection implements Connection using in-memory storage
type MemoryConnection struct {
	store *MemoryStore
	meta  *Meta
	queue *localQueue
}

var _ Connection = (*MemoryConnection)(nil)

// EventQueue implements Connection.EventQueue
func (c *MemoryConnection) EventQueue() <-chan *Message {
	return c.queue.ch
}

// Send implements Connection.Send
func (c *MemoryConnection) Send(ctx context.Context, msg *Message) error {
	return c.queue.push(ctx, msg)
}

// Close implements Connection.Close
func (c *MemoryConnection) Close(ctx context.Context) error {
	if err := c.store.Unregister(ctx, c.meta.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	c.queue.close()
	return nil
}

// Refresh implements Connection.Refresh; memory sessions do not expire
func (c *MemoryConnection) Refresh(context.Context) error {
	if c.queue.isClosed() {
		return ErrConnectionClosed
	}
	return nil
}

// Meta implements Connection.Meta
func (c *MemoryConnection) Meta() *Meta {
	return c.meta
}
