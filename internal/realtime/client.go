// Package realtime maintains the persistent connection to the message hub.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/amora-app/chatsync/internal/model"
	"github.com/amora-app/chatsync/internal/pubsub"
	"github.com/amora-app/chatsync/pkg/logger"
	"github.com/amora-app/chatsync/pkg/metrics"
)

var (
	// ErrNotConnected is returned by invocations while no connection is up.
	ErrNotConnected = errors.New("hub not connected")
	// ErrNoToken stops reconnecting once the user logged out.
	ErrNoToken = errors.New("no access token")
)

// CredentialSource supplies the identity used to authenticate with the hub.
type CredentialSource interface {
	Token() (string, bool)
	CurrentUserID() (string, bool)
}

// Options tune the client.
type Options struct {
	InvokeTimeout        time.Duration
	ReconnectInitial     time.Duration
	ReconnectMaxInterval time.Duration
	ReconnectMaxElapsed  time.Duration
}

func (o *Options) withDefaults() {
	if o.InvokeTimeout <= 0 {
		o.InvokeTimeout = 10 * time.Second
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = time.Second
	}
	if o.ReconnectMaxInterval <= 0 {
		o.ReconnectMaxInterval = 30 * time.Second
	}
	if o.ReconnectMaxElapsed <= 0 {
		o.ReconnectMaxElapsed = 2 * time.Minute
	}
}

// Client is the realtime transport. It owns at most one hub connection and
// republishes hub events as typed streams.
type Client struct {
	dialer Dialer
	creds  CredentialSource
	opts   Options
	log    *logger.Logger

	// life serializes Start and Stop.
	life sync.Mutex

	mu     sync.Mutex
	conn   Conn
	cancel context.CancelFunc
	done   chan struct{}
	joined map[string]struct{}

	statusMu sync.Mutex
	status   *pubsub.Value[model.ConnectionStatus]
	messages pubsub.Broadcaster[model.Message]
	acks     pubsub.Broadcaster[model.MessageAck]
	matches  pubsub.Broadcaster[model.MatchNotification]
}

// NewClient creates a disconnected client.
func NewClient(dialer Dialer, creds CredentialSource, opts Options, log *logger.Logger) *Client {
	opts.withDefaults()
	if log == nil {
		log = logger.Nop()
	}
	metrics.SetConnectionState(string(model.Disconnected))
	return &Client{
		dialer: dialer,
		creds:  creds,
		opts:   opts,
		log:    log.Named("realtime"),
		joined: make(map[string]struct{}),
		status: pubsub.NewValue(model.Disconnected),
	}
}

// Start connects to the hub. It is a no-op while a connection exists or is
// being re-established, and when no token is available. A failed initial
// connection is reported to the caller and not retried.
func (c *Client) Start(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()

	c.mu.Lock()
	running := c.cancel != nil
	c.mu.Unlock()
	if running {
		return nil
	}

	token, ok := c.creds.Token()
	if !ok {
		c.log.Debug("Hub start skipped, no token")
		return nil
	}
	userID, _ := c.creds.CurrentUserID()

	conn, err := c.dialer.Dial(ctx, Credentials{Token: token, UserID: userID})
	if err != nil {
		c.setStatus(model.Disconnected)
		return fmt.Errorf("connect hub: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.done = done
	rejoin := c.joinedLocked()
	c.mu.Unlock()

	c.setStatus(model.Connected)
	c.log.Info("Hub connected", zap.String("user_id", userID))

	if len(rejoin) > 0 {
		go c.rejoin(runCtx, conn, rejoin)
	}
	go c.run(runCtx, conn, done)
	return nil
}

// Stop closes the connection, cancels a running reconnect and reports Disconnected.
func (c *Client) Stop() {
	c.life.Lock()
	defer c.life.Unlock()

	c.mu.Lock()
	cancel, conn, done := c.cancel, c.conn, c.done
	c.cancel, c.conn, c.done = nil, nil, nil
	c.joined = make(map[string]struct{})
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.log.Debug("Hub close failed", zap.Error(err))
		}
	}
	if done != nil {
		<-done
	}
	c.setStatus(model.Disconnected)
}

// Status returns the current connection state.
func (c *Client) Status() model.ConnectionStatus {
	return c.status.Get()
}

// OnStatus calls fn with the current state and every change.
func (c *Client) OnStatus(fn func(model.ConnectionStatus)) (unsubscribe func()) {
	return c.status.Subscribe(fn)
}

// OnMessage subscribes to ReceiveMessage events.
func (c *Client) OnMessage(fn func(model.Message)) (unsubscribe func()) {
	return c.messages.Subscribe(fn)
}

// OnAck subscribes to MessageSentAck events.
func (c *Client) OnAck(fn func(model.MessageAck)) (unsubscribe func()) {
	return c.acks.Subscribe(fn)
}

// OnMatch subscribes to ReceiveMatch events.
func (c *Client) OnMatch(fn func(model.MatchNotification)) (unsubscribe func()) {
	return c.matches.Subscribe(fn)
}

// JoinConversation subscribes the connection to a conversation. The
// conversation is remembered and joined again after a reconnect. Without a
// connection the call does nothing.
func (c *Client) JoinConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.joined[conversationID] = struct{}{}
	c.mu.Unlock()

	err := c.invoke(ctx, TargetJoinChat, conversationID)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// LeaveConversation undoes JoinConversation. Without a connection the call
// does nothing.
func (c *Client) LeaveConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	delete(c.joined, conversationID)
	c.mu.Unlock()

	err := c.invoke(ctx, TargetLeaveChat, conversationID)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// SendMessage asks the hub to deliver a message. tempID is echoed back in the
// acknowledgement. It fails with ErrNotConnected while disconnected.
func (c *Client) SendMessage(ctx context.Context, conversationID, content, tempID string) error {
	return c.invoke(ctx, TargetSendMessage, conversationID, content, tempID)
}

func (c *Client) invoke(ctx context.Context, target string, args ...any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		metrics.RealtimeInvocationsTotal.WithLabelValues(target, "not_connected").Inc()
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.InvokeTimeout)
	defer cancel()

	if err := conn.Invoke(ctx, target, args...); err != nil {
		metrics.RealtimeInvocationsTotal.WithLabelValues(target, "error").Inc()
		return fmt.Errorf("invoke %s: %w", target, err)
	}
	metrics.RealtimeInvocationsTotal.WithLabelValues(target, "ok").Inc()
	return nil
}

func (c *Client) run(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)

	for {
		err := c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("Hub connection lost", zap.Error(err))
		_ = conn.Close()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.setStatus(model.Reconnecting)

		next, err := c.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("Hub reconnect gave up", zap.Error(err))
			metrics.RealtimeReconnectsTotal.WithLabelValues("exhausted").Inc()
			c.mu.Lock()
			if c.done == done {
				c.cancel()
				c.cancel, c.done = nil, nil
			}
			c.mu.Unlock()
			c.setStatus(model.Disconnected)
			return
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			_ = next.Close()
			return
		}
		c.conn = next
		rejoin := c.joinedLocked()
		c.mu.Unlock()

		metrics.RealtimeReconnectsTotal.WithLabelValues("success").Inc()
		c.setStatus(model.Connected)
		c.log.Info("Hub reconnected", zap.Int("conversations", len(rejoin)))
		go c.rejoin(ctx, next, rejoin)
		conn = next
	}
}

func (c *Client) readLoop(ctx context.Context, conn Conn) error {
	for {
		f, err := conn.Next(ctx)
		if err != nil {
			return err
		}
		c.dispatch(ctx, conn, f)
	}
}

func (c *Client) dispatch(ctx context.Context, conn Conn, f Frame) {
	switch f.Type {
	case FrameStatus:
		prev := c.Status()
		c.setStatus(f.Status)
		if f.Status == model.Connected && prev != model.Connected {
			c.mu.Lock()
			rejoin := c.joinedLocked()
			c.mu.Unlock()
			go c.rejoin(ctx, conn, rejoin)
		}
		return
	case FrameEvent:
	default:
		return
	}

	metrics.RealtimeEventsTotal.WithLabelValues(f.Target).Inc()

	switch f.Target {
	case TargetReceiveMessage:
		if len(f.Arguments) == 0 {
			c.log.Warn("ReceiveMessage without payload")
			return
		}
		msg, err := decodeMessage(f.Arguments[0])
		if err != nil || msg.ID == "" {
			c.log.Warn("Dropping malformed message event", zap.Error(err))
			return
		}
		c.messages.Publish(msg)

	case TargetMessageSentAck:
		ack, err := decodeAck(f.Arguments)
		if err != nil || ack.TempID == "" || ack.RealID == "" {
			c.log.Warn("Dropping malformed ack", zap.Error(err))
			return
		}
		c.acks.Publish(ack)

	case TargetReceiveMatch:
		var n model.MatchNotification
		if len(f.Arguments) > 0 {
			if err := n.UnmarshalJSON(f.Arguments[0]); err != nil {
				c.log.Warn("Dropping malformed match event", zap.Error(err))
				return
			}
		}
		c.matches.Publish(n)

	default:
		c.log.Debug("Ignoring hub event", zap.String("target", f.Target))
	}
}

func (c *Client) reconnect(ctx context.Context) (Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectInitial
	b.MaxInterval = c.opts.ReconnectMaxInterval
	b.MaxElapsedTime = c.opts.ReconnectMaxElapsed

	var conn Conn
	attempt := 0
	op := func() error {
		attempt++
		token, ok := c.creds.Token()
		if !ok {
			return backoff.Permanent(ErrNoToken)
		}
		userID, _ := c.creds.CurrentUserID()

		next, err := c.dialer.Dial(ctx, Credentials{Token: token, UserID: userID})
		if err != nil {
			metrics.RealtimeReconnectsTotal.WithLabelValues("failure").Inc()
			c.log.Info("Hub reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		conn = next
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) rejoin(ctx context.Context, conn Conn, ids []string) {
	for _, id := range ids {
		ictx, cancel := context.WithTimeout(ctx, c.opts.InvokeTimeout)
		err := conn.Invoke(ictx, TargetJoinChat, id)
		cancel()
		if err != nil {
			c.log.Warn("Rejoin failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
}

func (c *Client) joinedLocked() []string {
	ids := make([]string, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Client) setStatus(s model.ConnectionStatus) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if c.status.Get() == s {
		return
	}
	metrics.SetConnectionState(string(s))
	c.status.Set(s)
}
