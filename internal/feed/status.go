package feed

import (
	"fmt"
	"time"
)

// Status is the connection/sync state of a session.
type Status int32

const (
	Disconnected Status = iota
	Connecting
	BufferingForSync
	Synced
	// Failed is terminal: the reconnect budget was exhausted.
	Failed
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case BufferingForSync:
		return "buffering"
	case Synced:
		return "synced"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// MarshalText renders the status by name in JSON responses.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SessionInfo is a point-in-time view of a session for reporting.
type SessionInfo struct {
	Exchange          string    `json:"exchange"`
	Status            Status    `json:"status"`
	LastUpdateID      int64     `json:"lastUpdateId"`
	BidLevels         int       `json:"bidLevels"`
	AskLevels         int       `json:"askLevels"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	Restarts          int       `json:"restarts"`
	LastError         string    `json:"lastError,omitempty"`
	SyncedAt          time.Time `json:"syncedAt,omitzero"`
}
