package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/amora-app/chatsync/internal/model"
)

// Hub method names.
const (
	TargetReceiveMessage = "ReceiveMessage"
	TargetMessageSentAck = "MessageSentAck"
	TargetReceiveMatch   = "ReceiveMatch"

	TargetJoinChat    = "JoinChat"
	TargetLeaveChat   = "LeaveChat"
	TargetSendMessage = "SendMessage"
)

// FrameType discriminates hub frames.
type FrameType string

const (
	FrameInvocation FrameType = "invocation"
	FrameCompletion FrameType = "completion"
	FrameEvent      FrameType = "event"
	FramePing       FrameType = "ping"

	// FrameStatus is produced locally by connections that reconnect on their
	// own. It never travels on the wire.
	FrameStatus FrameType = "status"
)

// Frame is one hub protocol message.
type Frame struct {
	Type         FrameType         `json:"type"`
	Target       string            `json:"target,omitempty"`
	InvocationID string            `json:"invocationId,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Error        string            `json:"error,omitempty"`

	Status model.ConnectionStatus `json:"-"`
}

// ErrConnectionClosed is returned by Conn methods once the connection is gone.
var ErrConnectionClosed = errors.New("hub connection closed")

// InvocationError carries an error reported by the hub for an invocation.
type InvocationError struct {
	Target  string
	Message string
}

func (e *InvocationError) Error() string {
	return "hub " + e.Target + ": " + e.Message
}

// Credentials authenticate a hub connection.
type Credentials struct {
	Token  string
	UserID string
}

// Dialer opens hub connections.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is an open hub connection.
type Conn interface {
	// Invoke calls a hub method and waits for its completion.
	Invoke(ctx context.Context, target string, args ...any) error
	// Next blocks until the next event or status frame. It returns an error
	// once the connection is lost.
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// wireMessage is the ReceiveMessage payload. Older hubs send conversationId
// instead of chatId.
type wireMessage struct {
	model.Message
	AltConversationID string `json:"conversationId"`
}

func decodeMessage(raw json.RawMessage) (model.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.Message{}, err
	}
	m := w.Message
	if m.ConversationID == "" {
		m.ConversationID = w.AltConversationID
	}
	m.Status = ""
	return m, nil
}

func decodeAck(args []json.RawMessage) (model.MessageAck, error) {
	var ack model.MessageAck
	if len(args) == 0 {
		return ack, errors.New("ack without arguments")
	}
	if err := json.Unmarshal(args[0], &ack); err == nil && ack.TempID != "" {
		return ack, nil
	}
	// Positional form: MessageSentAck(tempId, realId).
	if len(args) >= 2 {
		if err := json.Unmarshal(args[0], &ack.TempID); err != nil {
			return ack, err
		}
		if err := json.Unmarshal(args[1], &ack.RealID); err != nil {
			return ack, err
		}
		return ack, nil
	}
	return ack, errors.New("malformed ack")
}
