// Package model defines data structures shared by the chat sync core.
package model

import (
	"time"
)

// ConversationSummary is one entry of the conversation list.
type ConversationSummary struct {
	ConversationID        string     `json:"conversationId"`
	OtherParticipantID    string     `json:"otherParticipantId"`
	OtherParticipantName  string     `json:"otherParticipantName"`
	OtherParticipantPhoto *string    `json:"otherParticipantPhoto,omitempty"`
	LastMessageText       *string    `json:"lastMessageText,omitempty"`
	LastMessageTime       *time.Time `json:"lastMessageTime,omitempty"`
	UnreadCount           int        `json:"unreadCount"`
	IsSuperLikeOrigin     bool       `json:"isSuperLikeOrigin"`
	SuperLikeOriginUserID *string    `json:"superLikeOriginUserId,omitempty"`
}

// Active reports whether the conversation has at least one message. Conversations
// without messages are pending matches and are listed separately.
func (c ConversationSummary) Active() bool {
	return c.LastMessageText != nil && *c.LastMessageText != ""
}

// Clone returns a copy that shares no pointers with c.
func (c ConversationSummary) Clone() ConversationSummary {
	out := c
	out.OtherParticipantPhoto = cloneString(c.OtherParticipantPhoto)
	out.LastMessageText = cloneString(c.LastMessageText)
	out.SuperLikeOriginUserID = cloneString(c.SuperLikeOriginUserID)
	if c.LastMessageTime != nil {
		t := *c.LastMessageTime
		out.LastMessageTime = &t
	}
	return out
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
