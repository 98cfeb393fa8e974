package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempIDPrefix marks client-generated message ids awaiting server confirmation.
const TempIDPrefix = "temp-"

// MessageStatus is the client-side delivery state of a message.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusRead    MessageStatus = "read"
	StatusFailed  MessageStatus = "failed"
)

// Message is a chat message as seen by the client.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"chatId"`

	// TempID is the client correlation id of an outgoing message. It is kept
	// after confirmation so a late acknowledgement can still find the entry.
	TempID string `json:"tempId,omitempty"`

	// Content
	SenderUserID string `json:"senderUserId"`
	Content      string `json:"content"`

	CreatedAt time.Time     `json:"createdAt"`
	IsRead    bool          `json:"isRead"`
	Status    MessageStatus `json:"status,omitempty"`
}

// MessageAck correlates a temporary id with the durable id assigned by the server.
type MessageAck struct {
	TempID string `json:"tempId"`
	RealID string `json:"realId"`
}

// NewTempID returns a locally unique temporary message id.
func NewTempID() string {
	return TempIDPrefix + uuid.Must(uuid.NewV7()).String()
}

// IsTempID reports whether id was generated locally.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// DeriveStatus computes the client status of a message delivered by the server.
func DeriveStatus(m Message, currentUserID string) MessageStatus {
	switch {
	case IsTempID(m.ID):
		return StatusSending
	case m.IsRead && m.SenderUserID == currentUserID:
		return StatusRead
	default:
		return StatusSent
	}
}
