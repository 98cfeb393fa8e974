package model

import (
	"encoding/json"
)

// ConnectionStatus is the state of the realtime hub connection.
type ConnectionStatus string

const (
	Disconnected ConnectionStatus = "disconnected"
	Reconnecting ConnectionStatus = "reconnecting"
	Connected    ConnectionStatus = "connected"
)

// MatchNotification is the payload of a ReceiveMatch push event. Only the
// fields the client needs are decoded; the rest is kept in Raw.
type MatchNotification struct {
	UserID      string          `json:"userId,omitempty"`
	MatchID     string          `json:"matchId,omitempty"`
	ChatID      string          `json:"chatId,omitempty"`
	IsSuperLike bool            `json:"isSuperLike,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the known fields and keeps the original payload.
func (n *MatchNotification) UnmarshalJSON(data []byte) error {
	type plain MatchNotification
	var p plain
	// Payloads that are not objects are still valid notifications.
	if len(data) > 0 && data[0] == '{' {
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
	}
	*n = MatchNotification(p)
	n.Raw = append(json.RawMessage(nil), data...)
	return nil
}
