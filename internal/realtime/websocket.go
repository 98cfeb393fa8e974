package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/amora-app/chatsync/pkg/logger"
)

const (
	defaultPingInterval = 54 * time.Second
	pingTimeout         = 10 * time.Second
	eventBuffer         = 256
	maxFrameSize        = 1 << 20
)

// WebsocketDialer connects to the hub over a JSON websocket.
type WebsocketDialer struct {
	URL          string
	PingInterval time.Duration
	HTTPClient   *http.Client
	Log          *logger.Logger
}

// Dial opens a websocket to the hub. The token is sent both as a bearer
// header and as the access_token query parameter.
func (d *WebsocketDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", creds.Token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)

	ws, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxFrameSize)

	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	interval := d.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		ws:      ws,
		log:     log.Named("websocket"),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan error),
		events:  make(chan Frame, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readPump()
	go c.pingPump(interval)
	return c, nil
}

type wsConn struct {
	ws     *websocket.Conn
	log    *logger.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan error
	err     error

	events    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) readPump() {
	defer close(c.done)

	for {
		var f Frame
		if err := wsjson.Read(c.ctx, c.ws, &f); err != nil {
			c.fail(err)
			return
		}

		switch f.Type {
		case FrameCompletion:
			c.complete(f)
		case FrameEvent:
			select {
			case c.events <- f:
			case <-c.ctx.Done():
				c.fail(ErrConnectionClosed)
				return
			}
		case FramePing:
		default:
			c.log.Debug("Unknown hub frame", zap.String("type", string(f.Type)))
		}
	}
}

func (c *wsConn) pingPump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, pingTimeout)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				c.log.Debug("Hub ping failed", zap.Error(err))
				_ = c.ws.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) complete(f Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.InvocationID]
	delete(c.pending, f.InvocationID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if f.Error != "" {
		ch <- &InvocationError{Target: f.Target, Message: f.Error}
		return
	}
	ch <- nil
}

func (c *wsConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	for id, ch := range c.pending {
		ch <- c.err
		delete(c.pending, id)
	}
}

// Invoke implements Conn.
func (c *wsConn) Invoke(ctx context.Context, target string, args ...any) error {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode argument: %w", err)
		}
		raw = append(raw, b)
	}

	id := uuid.NewString()
	ch := make(chan error, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	f := Frame{Type: FrameInvocation, InvocationID: id, Target: target, Arguments: raw}
	if err := wsjson.Write(ctx, c.ws, f); err != nil {
		return err
	}

	select {
	case err := <-ch:
		if ie, ok := err.(*InvocationError); ok && ie.Target == "" {
			ie.Target = target
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next implements Conn.
func (c *wsConn) Next(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.events:
		return f, nil
	default:
	}

	select {
	case f := <-c.events:
		return f, nil
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return Frame{}, err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close implements Conn.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, "")
		c.cancel()
		<-c.done
	})
	return err
}
