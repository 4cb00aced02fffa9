package store

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindText     Kind = "text"
	KindPhoto    Kind = "photo"
	KindDocument Kind = "document"
	KindVoice    Kind = "voice"
	KindVideo    Kind = "video"
)

// Event is one inbound message to relay. ID is the source-assigned message
// id, unique only within its chat; Key() combines the two.
type Event struct {
	ID        string          `json:"id"`
	ChatID    string          `json:"chat_id"`
	ChatTitle string          `json:"chat_title"`
	UserID    string          `json:"user_id"`
	Username  string          `json:"username"`
	Text      string          `json:"text"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      Kind            `json:"kind"`
	FileIDs   []string        `json:"file_ids,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

func (e Event) Key() string {
	return e.ChatID + ":" + e.ID
}

// WebhookPayload builds the JSON body POSTed to the sink. Non-text kinds
// carry a field named after the kind holding the file id (an array for
// photos, which arrive in multiple resolutions).
func (e Event) WebhookPayload() ([]byte, error) {
	body := map[string]any{
		"message_id":   e.ID,
		"chat_id":      e.ChatID,
		"chat_title":   e.ChatTitle,
		"user_id":      e.UserID,
		"username":     e.Username,
		"text":         e.Text,
		"timestamp":    e.Timestamp.Format(time.RFC3339),
		"message_type": string(e.Kind),
	}
	if len(e.Raw) > 0 {
		body["raw_message"] = e.Raw
	} else {
		body["raw_message"] = nil
	}
	switch e.Kind {
	case KindPhoto:
		body["photo"] = e.FileIDs
	case KindDocument, KindVoice, KindVideo:
		if len(e.FileIDs) > 0 {
			body[string(e.Kind)] = e.FileIDs[0]
		}
	}
	return json.Marshal(body)
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
)

// DeliveryRecord is the persisted delivery state for an Event. The store is
// the sole owner; dispatcher and recovery monitor mutate it only through
// the store's transactional operations.
type DeliveryRecord struct {
	Event         Event
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Stats struct {
	PendingCount  int    `json:"pending_count"`
	InFlightCount int    `json:"in_flight_count"`
	SentCount     int    `json:"sent_count"`
	FailedCount   int    `json:"failed_count"`
	DatabaseType  string `json:"database_type"`
}
