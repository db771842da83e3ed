package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/amoylab/timerbridge/internal/common/config"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	MajorVersion = 0
	MinorVersion = 1

	// TriggerRSSI is reported for every node in get_settings
	TriggerRSSI = 32
	// IdleRSSI is the level every node reports in heartbeats
	IdleRSSI = 34
)

type (
	// Version is the reply to get_version
	Version struct {
		Major int `json:"major"`
		Minor int `json:"minor"`
	}

	// Node is one receiver as reported by get_settings
	Node struct {
		Frequency   int `json:"frequency"`
		TriggerRSSI int `json:"trigger_rssi"`
	}

	// Settings is the reply to get_settings
	Settings struct {
		Nodes                []Node `json:"nodes"`
		CalibrationThreshold int    `json:"calibration_threshold"`
		CalibrationOffset    int    `json:"calibration_offset"`
		TriggerThreshold     int    `json:"trigger_threshold"`
	}

	// Timestamp is the reply to get_timestamp
	Timestamp struct {
		Timestamp int64 `json:"timestamp"`
	}

	// Heartbeat is the data of a heartbeat notification
	Heartbeat struct {
		CurrentRSSI []int `json:"current_rssi"`
	}

	// Pass is the data of a pass_record notification
	Pass struct {
		Timestamp int64 `json:"timestamp"`
		Node      int   `json:"node"`
		Frequency int   `json:"frequency"`
	}

	notification struct {
		Notification string `json:"notification"`
		Data         any    `json:"data"`
	}
)

// Device emulates a timing device speaking the text protocol over WebSocket:
// bare command names are answered with a JSON reply, JSON objects update
// settings, and notifications are pushed unprompted.
type Device struct {
	logger    *zap.Logger
	port      int
	path      string
	heartbeat time.Duration
	router    *gin.Engine
	upgrader  websocket.Upgrader
	srv       *http.Server
	now       func() time.Time

	mu          sync.RWMutex
	settings    Settings
	clients     map[*client]struct{}
	received    []string
	silent      bool
	shutdownCh  chan struct{}
	shutdownOne sync.Once
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// New creates a device from its configuration; call SetDefaults first
func New(logger *zap.Logger, cfg *config.MockTimerConfig) *Device {
	nodes := make([]Node, len(cfg.Frequencies))
	for i, f := range cfg.Frequencies {
		nodes[i] = Node{Frequency: f, TriggerRSSI: TriggerRSSI}
	}
	d := &Device{
		logger:    logger.Named("device"),
		port:      cfg.Port,
		path:      cfg.Path,
		heartbeat: cfg.HeartbeatInterval,
		router:    gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(*http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		now: time.Now,
		settings: Settings{
			Nodes:                nodes,
			CalibrationThreshold: 2,
			CalibrationOffset:    3,
			TriggerThreshold:     4,
		},
		clients:    make(map[*client]struct{}),
		shutdownCh: make(chan struct{}),
	}
	d.router.Use(gin.Recovery())
	d.registerRoutes()
	return d
}

func (d *Device) registerRoutes() {
	d.router.GET(d.path, d.handleSocket)
	d.router.GET("/health_check", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": d.ClientCount()})
	})
	d.router.GET("/api/settings", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Settings())
	})
	d.router.POST("/api/pass", d.handlePass)
}

// Handler exposes the device routes, mainly for httptest servers
func (d *Device) Handler() http.Handler {
	return d.router
}

// ListenAndServe serves on the configured port until Shutdown
func (d *Device) ListenAndServe() error {
	d.mu.Lock()
	select {
	case <-d.shutdownCh:
		d.mu.Unlock()
		return nil
	default:
	}
	d.srv = &http.Server{Addr: fmt.Sprintf(":%d", d.port), Handler: d.router}
	srv := d.srv
	d.mu.Unlock()

	d.logger.Info("mock timing device listening",
		zap.Int("port", d.port),
		zap.String("path", d.path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes every client and stops the listener
func (d *Device) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down mock timing device")
	d.shutdownOne.Do(func() { close(d.shutdownCh) })

	d.mu.Lock()
	srv := d.srv
	for c := range d.clients {
		_ = c.conn.Close()
	}
	d.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Settings returns a copy of the current settings
func (d *Device) Settings() Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.settings
	s.Nodes = append([]Node(nil), d.settings.Nodes...)
	return s
}

// ClientCount is the number of connected clients
func (d *Device) ClientCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.clients)
}

// SetSilent makes the device swallow commands without replying, as a
// stalled timer would
func (d *Device) SetSilent(silent bool) {
	d.mu.Lock()
	d.silent = silent
	d.mu.Unlock()
}

// Received returns every text frame the device has read, in order
func (d *Device) Received() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.received...)
}

// SendPass pushes a pass_record notification for node to every client and
// returns how many clients it reached
func (d *Device) SendPass(node int) (int, error) {
	d.mu.RLock()
	if node < 0 || node >= len(d.settings.Nodes) {
		d.mu.RUnlock()
		return 0, fmt.Errorf("unknown node %d", node)
	}
	freq := d.settings.Nodes[node].Frequency
	d.mu.RUnlock()

	pass := Pass{Timestamp: d.now().UnixMilli(), Node: node, Frequency: freq}
	return d.broadcast("pass_record", pass)
}

// Notify pushes an arbitrary notification to every client
func (d *Device) Notify(kind string, data any) (int, error) {
	return d.broadcast(kind, data)
}

func (d *Device) broadcast(kind string, data any) (int, error) {
	frame, err := json.Marshal(notification{Notification: kind, Data: data})
	if err != nil {
		return 0, err
	}

	d.mu.RLock()
	clients := make([]*client, 0, len(d.clients))
	for c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if err := c.send(frame); err != nil {
			d.logger.Warn("failed to send notification",
				zap.String("kind", kind),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

func (d *Device) handlePass(c *gin.Context) {
	node, err := strconv.Atoi(c.DefaultQuery("node", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node must be an integer"})
		return
	}
	sent, err := d.SendPass(node)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"clients": sent})
}

func (d *Device) handleSocket(c *gin.Context) {
	conn, err := d.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		d.logger.Error("failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	cl := &client{conn: conn}

	d.mu.Lock()
	d.clients[cl] = struct{}{}
	d.mu.Unlock()
	d.logger.Info("client connected", zap.String("remote_addr", c.Request.RemoteAddr))

	stop := make(chan struct{})
	go d.sendHeartbeats(cl, stop)

	defer func() {
		close(stop)
		d.mu.Lock()
		delete(d.clients, cl)
		d.mu.Unlock()
		_ = conn.Close()
		d.logger.Info("client disconnected", zap.String("remote_addr", c.Request.RemoteAddr))
	}()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				d.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		reply := d.handleMessage(data)
		if reply == nil {
			continue
		}
		if err := cl.send(reply); err != nil {
			d.logger.Warn("failed to send reply", zap.Error(err))
			return
		}
	}
}

// handleMessage applies one inbound frame and returns the reply, if any
func (d *Device) handleMessage(data []byte) []byte {
	msg := string(data)
	d.mu.Lock()
	d.received = append(d.received, msg)
	silent := d.silent
	d.mu.Unlock()

	if len(msg) == 0 || silent {
		return nil
	}
	if msg[0] == '{' {
		d.set(data)
		return nil
	}

	var reply any
	switch msg {
	case "get_version":
		reply = Version{Major: MajorVersion, Minor: MinorVersion}
	case "get_settings":
		reply = d.Settings()
	case "get_timestamp":
		reply = Timestamp{Timestamp: d.now().UnixMilli()}
	default:
		d.logger.Debug("ignoring command", zap.String("command", msg))
		return nil
	}
	out, err := json.Marshal(reply)
	if err != nil {
		d.logger.Error("failed to encode reply", zap.Error(err))
		return nil
	}
	return out
}

func (d *Device) set(data []byte) {
	if !gjson.ValidBytes(data) {
		d.logger.Warn("ignoring malformed setter", zap.ByteString("frame", data))
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if node := gjson.GetBytes(data, "node"); node.Exists() {
		idx := int(node.Int())
		freq := gjson.GetBytes(data, "frequency")
		if idx < 0 || idx >= len(d.settings.Nodes) || !freq.Exists() {
			d.logger.Warn("ignoring frequency update", zap.ByteString("frame", data))
			return
		}
		d.settings.Nodes[idx].Frequency = int(freq.Int())
		d.logger.Info("node frequency updated",
			zap.Int("node", idx),
			zap.Int64("frequency", freq.Int()))
		return
	}

	fields := map[string]*int{
		"calibration_threshold": &d.settings.CalibrationThreshold,
		"calibration_offset":    &d.settings.CalibrationOffset,
		"trigger_threshold":     &d.settings.TriggerThreshold,
	}
	for key, dst := range fields {
		if v := gjson.GetBytes(data, key); v.Exists() {
			*dst = int(v.Int())
		}
	}
}

func (d *Device) sendHeartbeats(cl *client, stop <-chan struct{}) {
	if d.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-d.shutdownCh:
			return
		case <-ticker.C:
			d.mu.RLock()
			rssi := make([]int, len(d.settings.Nodes))
			d.mu.RUnlock()
			for i := range rssi {
				rssi[i] = IdleRSSI
			}
			frame, _ := json.Marshal(notification{Notification: "heartbeat", Data: Heartbeat{CurrentRSSI: rssi}})
			if err := cl.send(frame); err != nil {
				d.logger.Debug("heartbeat stopped", zap.Error(err))
				return
			}
		}
	}
}
