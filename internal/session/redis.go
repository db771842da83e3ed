package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amoylab/timerbridge/internal/common/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore implements Store using Redis. Metadata lives in Redis so every
// bridge instance can list every session; events travel over pub/sub and are
// queued by the instance that holds the downstream socket.
type RedisStore struct {
	logger    *zap.Logger
	client    *redis.Client
	prefix    string
	topic     string
	ttl       time.Duration
	queueSize int
	pubsub    *redis.PubSub
	done      chan struct{}

	mu    sync.RWMutex
	local map[string]*RedisConnection
}

var _ Store = (*RedisStore)(nil)

type update struct {
	Action  string   `json:"action"` // "create", "delete", "event"
	Meta    *Meta    `json:"meta"`
	Message *Message `json:"message,omitempty"`
}

// NewRedisStore creates a new Redis-based session store
func NewRedisStore(ctx context.Context, logger *zap.Logger, cfg config.SessionRedisConfig, queueSize int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	prefix := "session:"
	if cfg.Prefix != "" {
		prefix = cfg.Prefix + ":"
	}
	s := &RedisStore{
		logger:    logger.Named("session.store.redis"),
		client:    client,
		prefix:    prefix,
		topic:     cfg.Topic,
		ttl:       ttl,
		queueSize: queueSize,
		done:      make(chan struct{}),
		local:     make(map[string]*RedisConnection),
	}

	s.pubsub = client.Subscribe(ctx, cfg.Topic)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", cfg.Topic, err)
	}
	go s.handleUpdates()

	return s, nil
}

func (s *RedisStore) idsKey() string { return s.prefix + "ids" }

// handleUpdates delivers published events to the connections held locally
func (s *RedisStore) handleUpdates() {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		var u update
		if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil || u.Meta == nil {
			s.logger.Error("failed to unmarshal session update",
				zap.Error(err),
				zap.String("payload", msg.Payload))
			continue
		}

		switch u.Action {
		case "create", "delete":
			s.logger.Debug("received session update",
				zap.String("action", u.Action),
				zap.String("id", u.Meta.ID))
		case "event":
			if u.Message == nil {
				continue
			}
			s.mu.RLock()
			conn, ok := s.local[u.Meta.ID]
			s.mu.RUnlock()
			if !ok {
				// held by another instance
				continue
			}
			if err := conn.queue.push(context.Background(), u.Message); err != nil {
				s.logger.Warn("dropping session event",
					zap.String("id", u.Meta.ID),
					zap.String("event", u.Message.Event),
					zap.Error(err))
			}
		}
	}
}

func (s *RedisStore) publish(ctx context.Context, action string, meta *Meta, msg *Message) error {
	data, err := json.Marshal(update{Action: action, Meta: meta, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal session update: %w", err)
	}
	return s.client.Publish(ctx, s.topic, data).Err()
}

// Register implements Store.Register
func (s *RedisStore) Register(ctx context.Context, meta *Meta) (Connection, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.prefix+meta.ID, data, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to store session metadata in Redis: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, meta.ID)
	}
	if err := s.client.SAdd(ctx, s.idsKey(), meta.ID).Err(); err != nil {
		s.forget(meta.ID)
		return nil, fmt.Errorf("failed to add session ID to list: %w", err)
	}
	if err := s.client.Expire(ctx, s.idsKey(), s.ttl).Err(); err != nil {
		s.forget(meta.ID)
		return nil, fmt.Errorf("failed to set TTL for session ID set: %w", err)
	}

	conn := &RedisConnection{store: s, meta: meta, queue: newLocalQueue(s.queueSize)}
	s.mu.Lock()
	s.local[meta.ID] = conn
	s.mu.Unlock()

	if err := s.publish(ctx, "create", meta, nil); err != nil {
		s.logger.Warn("failed to publish session creation", zap.String("id", meta.ID), zap.Error(err))
	}
	return conn, nil
}

// forget removes what a failed Register left behind. It does not use the
// caller's context, which may be the reason Register failed.
func (s *RedisStore) forget(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Del(ctx, s.prefix+id).Err(); err != nil {
		s.logger.Warn("failed to remove session metadata", zap.String("id", id), zap.Error(err))
	}
	if err := s.client.SRem(ctx, s.idsKey(), id).Err(); err != nil {
		s.logger.Warn("failed to remove session ID from list", zap.String("id", id), zap.Error(err))
	}
}

// Get implements Store.Get. Sessions held by other instances come back as
// send-only connections whose EventQueue is nil.
func (s *RedisStore) Get(ctx context.Context, id string) (Connection, error) {
	s.mu.RLock()
	conn, ok := s.local[id]
	s.mu.RUnlock()
	if ok {
		return conn, nil
	}

	meta, err := s.loadMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RedisConnection{store: s, meta: meta}, nil
}

func (s *RedisStore) loadMeta(ctx context.Context, id string) (*Meta, error) {
	data, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session metadata from Redis: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session metadata: %w", err)
	}
	return &meta, nil
}

// Unregister implements Store.Unregister
func (s *RedisStore) Unregister(ctx context.Context, id string) error {
	s.mu.Lock()
	conn, local := s.local[id]
	delete(s.local, id)
	s.mu.Unlock()
	if local {
		conn.refresh.Lock()
		conn.queue.close()
		conn.refresh.Unlock()
	}

	n, err := s.client.Del(ctx, s.prefix+id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session metadata from Redis: %w", err)
	}
	if err := s.client.SRem(ctx, s.idsKey(), id).Err(); err != nil {
		return fmt.Errorf("failed to remove session ID from list: %w", err)
	}
	if n == 0 && !local {
		return ErrSessionNotFound
	}
	return s.publish(ctx, "delete", &Meta{ID: id}, nil)
}

// List implements Store.List, ordered by creation time
func (s *RedisStore) List(ctx context.Context) ([]Connection, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session IDs: %w", err)
	}

	conns := make([]Connection, 0, len(ids))
	for _, id := range ids {
		conn, err := s.Get(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			// metadata expired, prune the index
			_ = s.client.SRem(ctx, s.idsKey(), id).Err()
			continue
		}
		if err != nil {
			s.logger.Error("failed to load session", zap.String("id", id), zap.Error(err))
			continue
		}
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].Meta().CreatedAt.Before(conns[j].Meta().CreatedAt)
	})
	return conns, nil
}

// Close implements Store.Close. Local sessions are unregistered first.
func (s *RedisStore) Close() error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.local))
	for id := range s.local {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := s.Unregister(ctx, id); err != nil {
			s.logger.Warn("failed to unregister session", zap.String("id", id), zap.Error(err))
		}
	}

	if err := s.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub: %w", err)
	}
	<-s.done
	return s.client.Close()
}

// RedisConnection implements Connection using Redis
type RedisConnection struct {
	store *RedisStore
	meta  *Meta
	queue *localQueue // nil for sessions held elsewhere
	// refresh orders Refresh against Unregister so a removed session is
	// never written back
	refresh sync.Mutex
}

var _ Connection = (*RedisConnection)(nil)

// EventQueue implements Connection.EventQueue
func (c *RedisConnection) EventQueue() <-chan *Message {
	if c.queue == nil {
		return nil
	}
	return c.queue.ch
}

// Send implements Connection.Send. Sessions held by this instance are
// queued directly; the others get the message over pub/sub.
func (c *RedisConnection) Send(ctx context.Context, msg *Message) error {
	if c.queue != nil {
		return c.queue.push(ctx, msg)
	}
	return c.store.publish(ctx, "event", c.meta, msg)
}

// Refresh implements Connection.Refresh. The metadata is written again so a
// session survives an expired key or a flushed Redis. Sessions held by other
// instances are left to them.
func (c *RedisConnection) Refresh(ctx context.Context) error {
	if c.queue == nil {
		return nil
	}
	c.refresh.Lock()
	defer c.refresh.Unlock()
	if c.queue.isClosed() {
		return ErrConnectionClosed
	}
	data, err := json.Marshal(c.meta)
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	store := c.store
	_, err = store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, store.prefix+c.meta.ID, data, store.ttl)
		pipe.SAdd(ctx, store.idsKey(), c.meta.ID)
		pipe.Expire(ctx, store.idsKey(), store.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh session in Redis: %w", err)
	}
	return nil
}

// Close implements Connection.Close
func (c *RedisConnection) Close(ctx context.Context) error {
	err := c.store.Unregister(ctx, c.meta.ID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}

// Meta implements Connection.Meta
func (c *RedisConnection) Meta() *Meta {
	return c.meta
}
