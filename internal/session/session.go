package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session is not found
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when registering a duplicate session ID
	ErrSessionExists = errors.New("session already exists")
	// ErrConnectionClosed is returned by Send after Close
	ErrConnectionClosed = errors.New("session connection closed")
	// ErrQueueFull is returned by Send when the outbound queue has no room
	ErrQueueFull = errors.New("session queue is full")
)

// Message is one outbound frame for a downstream consumer. Exactly one of
// Event or Ack is set.
type Message struct {
	Event string          `json:"event,omitempty"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewEvent builds a named event frame
func NewEvent(name string, data json.RawMessage) *Message {
	return &Message{Event: name, Data: data}
}

// NewAck builds the acknowledgement of request id. A non-nil err replaces data.
func NewAck(id int64, data json.RawMessage, err error) *Message {
	msg := &Message{Ack: &id}
	if err != nil {
		msg.Error = err.Error()
		return msg
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	msg.Data = data
	return msg
}

// NewError builds the protocol error event sent for bad inbound frames
func NewError(message string) *Message {
	data, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{message})
	return &Message{Event: "error", Data: data}
}

// Meta holds immutable metadata about a session.
type Meta struct {
	ID         string    `json:"id"`          // Unique session ID
	CreatedAt  time.Time `json:"created_at"`  // Timestamp of session creation
	RemoteAddr string    `json:"remote_addr"` // Downstream peer address
	UserAgent  string    `json:"user_agent"`  // Downstream user agent
	Target     string    `json:"target"`      // Upstream device URL
	Instance   string    `json:"instance"`    // Bridge instance holding the socket
}

// Connection represents an active session connection capable of sending messages.
type Connection interface {
	// EventQueue returns a read-only channel where outbound messages are
	// published. It is closed when the connection closes.
	EventQueue() <-chan *Message

	// Send pushes a message to the session without blocking.
	Send(ctx context.Context, msg *Message) error

	// Close terminates the session connection; it is idempotent.
	Close(ctx context.Context) error

	// Refresh renews the registration of a live session in stores that
	// expire it.
	Refresh(ctx context.Context) error

	// Meta returns metadata associated with the session.
	Meta() *Meta
}

// Store manages the lifecycle and lookup of active session connections.
type Store interface {
	// Register creates and registers a new session connection.
	Register(ctx context.Context, meta *Meta) (Connection, error)

	// Get retrieves an active session connection by ID.
	Get(ctx context.Context, id string) (Connection, error)

	// Unregister removes a session connection by ID and closes it.
	Unregister(ctx context.Context, id string) error

	// List returns all currently active session connections.
	List(ctx context.Context) ([]Connection, error)

	// Close releases the store's resources.
	Close() error
}
