package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/amoylab/timerbridge/internal/bridge"
	"github.com/amoylab/timerbridge/internal/common/cnst"
	"github.com/amoylab/timerbridge/internal/session"
	"github.com/amoylab/timerbridge/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	// disconnectEvent asks the bridge to end the session
	disconnectEvent = "disconnect"

	writeWait    = 10 * time.Second
	maxFrameSize = 64 << 10
)

// Close reasons recorded in the session journal
const (
	ReasonClientDisconnect = "client_disconnect"
	ReasonConnectionClosed = "connection_closed"
	ReasonServerShutdown   = "server_shutdown"
)

// inbound is one frame from a downstream consumer
type inbound struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type socketSession struct {
	id     string
	ws     *websocket.Conn
	conn   session.Connection
	bridge *bridge.SessionBridge
	kicked atomic.Bool
}

// kick closes the socket so the read loop returns
func (ss *socketSession) kick() {
	ss.kicked.Store(true)
	_ = ss.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
		time.Now().Add(time.Second))
	_ = ss.ws.Close()
}

// handleSocket serves one downstream session for its whole lifetime
func (s *Server) handleSocket(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer ws.Close()

	meta := &session.Meta{
		ID:         uuid.New().String(),
		CreatedAt:  time.Now(),
		RemoteAddr: c.Request.RemoteAddr,
		UserAgent:  c.Request.UserAgent(),
		Target:     s.target,
		Instance:   s.instance,
	}
	conn, err := s.sessions.Register(c.Request.Context(), meta)
	if err != nil {
		s.logger.Error("failed to register session", zap.Error(err))
		s.writeFrame(ws, session.NewError("failed to create session"))
		return
	}

	scope := s.tracer.Start(c.Request.Context(), cnst.SpanSessionServe).WithAttrs(
		attribute.String(cnst.AttrSessionID, meta.ID),
		attribute.String(cnst.AttrClientAddr, meta.RemoteAddr),
		attribute.String(cnst.AttrUpstreamTarget, s.target),
	)
	logger := s.logger.With(zap.String("session_id", meta.ID))

	ss := &socketSession{id: meta.ID, ws: ws, conn: conn}
	ss.bridge = bridge.NewSessionBridge(bridge.Options{
		ID:             meta.ID,
		Target:         s.target,
		Dial:           s.dial,
		Sink:           s.sink(conn),
		RedialInterval: s.cfg.Upstream.RedialInterval,
		RedialBurst:    s.cfg.Upstream.RedialBurst,
		Logger:         s.logger,
		Metrics:        s.metrics,
	})
	if !s.track(ss) {
		ss.bridge.Close()
		_ = s.sessions.Unregister(context.Background(), meta.ID)
		scope.WithAttrs(attribute.String(cnst.AttrCloseReason, ReasonServerShutdown)).End()
		return
	}
	defer s.untrack(meta.ID)

	s.metrics.SessionOpened()
	logger.Info("session opened",
		zap.String("remote_addr", meta.RemoteAddr),
		zap.String("target", s.target))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ss, logger)
	}()

	reason := s.readLoop(ss, logger)
	if ss.kicked.Load() {
		reason = ReasonServerShutdown
	}

	// pending acks are answered through the queue before it closes
	ss.bridge.Close()
	if err := s.sessions.Unregister(context.Background(), meta.ID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		logger.Warn("failed to unregister session", zap.Error(err))
	}
	<-writerDone
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))

	stats := ss.bridge.Stats()
	s.record(meta, stats, reason)
	s.metrics.SessionClosed(meta.CreatedAt)
	scope.WithAttrs(attribute.String(cnst.AttrCloseReason, reason)).End()
	logger.Info("session closed",
		zap.String("reason", reason),
		zap.Uint64("requests", stats.Requests),
		zap.Uint64("replies", stats.Replies),
		zap.Uint64("notifications", stats.Notifications))
}

func (s *Server) readLoop(ss *socketSession, logger *zap.Logger) string {
	ping := s.cfg.Session.PingInterval
	extend := func() {
		if ping > 0 {
			_ = ss.ws.SetReadDeadline(time.Now().Add(2 * ping))
		}
	}
	ss.ws.SetReadLimit(maxFrameSize)
	ss.ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	extend()

	for {
		typ, data, err := ss.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug("downstream read failed", zap.Error(err))
			}
			return ReasonConnectionClosed
		}
		extend()
		if typ != websocket.TextMessage {
			s.send(ss, session.NewError("only text frames are supported"), logger)
			continue
		}
		if !s.dispatch(ss, data, logger) {
			return ReasonClientDisconnect
		}
	}
}

// dispatch routes one inbound frame to the bridge; false ends the session
func (s *Server) dispatch(ss *socketSession, data []byte, logger *zap.Logger) bool {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil || in.Event == "" {
		s.send(ss, session.NewError(`malformed frame, expected {"event":"<name>","ack":<id>,"data":<any>}`), logger)
		return true
	}
	if in.Event == disconnectEvent {
		return false
	}

	req, err := ss.bridge.Prepare(in.Event, in.Data)
	if err != nil {
		logger.Debug("event rejected", zap.String("event", in.Event), zap.Error(err))
		if in.Ack != nil {
			s.send(ss, session.NewAck(*in.Ack, nil, err), logger)
		} else {
			s.send(ss, session.NewError(err.Error()), logger)
		}
		return !errors.Is(err, bridge.ErrSessionClosed)
	}

	if in.Ack != nil && req.Reply != nil {
		id := *in.Ack
		req.Reply.Then(func(data json.RawMessage, err error) {
			s.send(ss, session.NewAck(id, data, err), logger)
		})
	}
	return ss.bridge.Enqueue(req) == nil
}

func (s *Server) writeLoop(ss *socketSession, logger *zap.Logger) {
	var tick <-chan time.Time
	if ping := s.cfg.Session.PingInterval; ping > 0 {
		t := time.NewTicker(ping)
		defer t.Stop()
		tick = t.C
	}

	queue := ss.conn.EventQueue()
	for {
		select {
		case msg, ok := <-queue:
			if !ok {
				return
			}
			if err := s.writeFrame(ss.ws, msg); err != nil {
				logger.Debug("downstream write failed", zap.Error(err))
				_ = ss.ws.Close()
				return
			}
		case <-tick:
			if err := ss.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug("downstream ping failed", zap.Error(err))
				_ = ss.ws.Close()
				return
			}
			s.refresh(ss.conn, logger)
		}
	}
}

// refresh keeps the registration of a live session from expiring
func (s *Server) refresh(conn session.Connection, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := conn.Refresh(ctx); err != nil && !errors.Is(err, session.ErrConnectionClosed) {
		logger.Warn("failed to refresh session", zap.Error(err))
	}
}

func (s *Server) writeFrame(ws *websocket.Conn, msg *session.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) send(ss *socketSession, msg *session.Message, logger *zap.Logger) {
	if err := ss.conn.Send(context.Background(), msg); err != nil {
		logger.Debug("dropped downstream message", zap.Error(err))
	}
}

// sink delivers the notifications of one bridge according to the fan-out
// mode. It runs on the bridge goroutine, so fan-out reads the sessions this
// instance holds instead of querying the store.
func (s *Server) sink(owner session.Connection) bridge.Sink {
	id := owner.Meta().ID
	if s.cfg.Notification.Fanout != cnst.FanoutAll {
		return bridge.SinkFunc(func(kind string, data json.RawMessage) {
			s.notify(owner, session.NewEvent(kind, data))
		})
	}

	return bridge.SinkFunc(func(kind string, data json.RawMessage) {
		if !s.claimFanout(id) {
			return
		}
		msg := session.NewEvent(kind, data)
		for _, conn := range s.localConns() {
			s.notify(conn, msg)
		}
	})
}

func (s *Server) notify(conn session.Connection, msg *session.Message) {
	if err := conn.Send(context.Background(), msg); err != nil {
		s.logger.Debug("dropped notification",
			zap.String("session_id", conn.Meta().ID),
			zap.String("kind", msg.Event),
			zap.Error(err))
	}
}

// record writes the journal entry of a finished session
func (s *Server) record(meta *session.Meta, stats bridge.Stats, reason string) {
	rec := &storage.SessionRecord{
		ID:             meta.ID,
		RemoteAddr:     meta.RemoteAddr,
		UserAgent:      meta.UserAgent,
		Target:         meta.Target,
		ConnectedAt:    meta.CreatedAt,
		DisconnectedAt: time.Now(),
		Requests:       stats.Requests,
		Replies:        stats.Replies,
		Notifications:  stats.Notifications,
		Connects:       stats.Connects,
		Unmatched:      stats.Unmatched,
		Malformed:      stats.Malformed,
		Dropped:        stats.Dropped,
		CloseReason:    reason,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.Save(ctx, rec); err != nil {
		s.logger.Error("failed to save session record",
			zap.String("session_id", meta.ID),
			zap.Error(err))
	}
}
