package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nats-io/nats.go"
)

func TestNATSConn_Subjects(t *testing.T) {
	c := &natsConn{prefix: "chathub"}
	if got := c.userSubject("u1"); got != "chathub.user.u1.>" {
		t.Errorf("userSubject = %q", got)
	}
	if got := c.invokeSubject(TargetSendMessage); got != "chathub.invoke.SendMessage" {
		t.Errorf("invokeSubject = %q", got)
	}
}

func TestNATSConn_OnMsg(t *testing.T) {
	tests := []struct {
		name string
		msg  *nats.Msg
		want Frame
	}{
		{
			name: "ArgumentsArray",
			msg:  &nats.Msg{Subject: "chathub.user.u1.MessageSentAck", Data: []byte(`["temp-1","m1"]`)},
			want: Frame{Type: FrameEvent, Target: TargetMessageSentAck, Arguments: []json.RawMessage{
				json.RawMessage(`"temp-1"`), json.RawMessage(`"m1"`),
			}},
		},
		{
			name: "SingleObject",
			msg:  &nats.Msg{Subject: "chathub.user.u1.ReceiveMatch", Data: []byte(`{"userId":"u2"}`)},
			want: Frame{Type: FrameEvent, Target: TargetReceiveMatch, Arguments: []json.RawMessage{
				json.RawMessage(`{"userId":"u2"}`),
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &natsConn{frames: make(chan Frame, 1), closed: make(chan struct{})}
			c.onMsg(tt.msg)

			got, err := c.Next(context.Background())
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("frame mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNATSConn_NextAfterClose(t *testing.T) {
	c := &natsConn{frames: make(chan Frame, 1), closed: make(chan struct{})}
	c.markClosed()
	c.markClosed()

	if _, err := c.Next(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Next = %v, want ErrConnectionClosed", err)
	}
	// Pushing after close must not block.
	c.push(Frame{Type: FrameStatus})
	c.push(Frame{Type: FrameStatus})
}

func TestNATSDialer_RequiresUser(t *testing.T) {
	d := &NATSDialer{URL: "nats://127.0.0.1:1"}
	if _, err := d.Dial(context.Background(), Credentials{Token: "t"}); err == nil {
		t.Fatal("Dial without user id succeeded")
	}
}

func TestMaxReconnects(t *testing.T) {
	tests := []struct {
		name   string
		wait   time.Duration
		budget time.Duration
		want   int
	}{
		{name: "Unbounded", wait: 2 * time.Second, budget: 0, want: -1},
		{name: "Divides", wait: 2 * time.Second, budget: 2 * time.Minute, want: 60},
		{name: "AtLeastOne", wait: 2 * time.Second, budget: time.Second, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maxReconnects(tt.wait, tt.budget); got != tt.want {
				t.Errorf("maxReconnects(%v, %v) = %d, want %d", tt.wait, tt.budget, got, tt.want)
			}
		})
	}
}
