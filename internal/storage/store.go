package storage

import (
	"context"
	"time"
)

// SessionRecord is the journal entry written when a downstream session ends
type SessionRecord struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	RemoteAddr     string    `json:"remote_addr" gorm:"type:varchar(255)"`
	UserAgent      string    `json:"user_agent" gorm:"type:varchar(512)"`
	Target         string    `json:"target" gorm:"type:varchar(255)"`
	ConnectedAt    time.Time `json:"connected_at" gorm:"index"`
	DisconnectedAt time.Time `json:"disconnected_at"`
	Requests       uint64    `json:"requests"`
	Replies        uint64    `json:"replies"`
	Notifications  uint64    `json:"notifications"`
	Connects       uint64    `json:"connects"`
	Unmatched      uint64    `json:"unmatched"`
	Malformed      uint64    `json:"malformed"`
	Dropped        uint64    `json:"dropped"`
	CloseReason    string    `json:"close_reason" gorm:"type:varchar(255)"`
}

// TableName sets the table name for the SessionRecord model
func (SessionRecord) TableName() string {
	return "session_records"
}

// Duration is how long the session lasted
func (r *SessionRecord) Duration() time.Duration {
	if r.DisconnectedAt.IsZero() {
		return 0
	}
	return r.DisconnectedAt.Sub(r.ConnectedAt)
}

// Store keeps finished session records
type Store interface {
	// Save writes or replaces a record
	Save(ctx context.Context, rec *SessionRecord) error

	// Get returns the record of one session
	Get(ctx context.Context, id string) (*SessionRecord, error)

	// List returns up to limit records, most recent first; limit <= 0 means all
	List(ctx context.Context, limit int) ([]*SessionRecord, error)

	// Close releases the store's resources
	Close() error
}
