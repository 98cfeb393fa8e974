package realtime

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/amora-app/chatsync/internal/model"
	"github.com/amora-app/chatsync/pkg/logger"
)

// NATSDialer connects to a hub bridged onto NATS. Events for a user arrive on
// <prefix>.user.<userId>.<Target>; invocations are requests on
// <prefix>.invoke.<Target>.
type NATSDialer struct {
	URL           string
	SubjectPrefix string
	CAFile        string
	CertFile      string
	KeyFile       string
	ReconnectWait time.Duration
	// ReconnectMaxElapsed bounds the NATS client's own reconnect attempts.
	// Once they run out the connection closes and the Client takes over.
	ReconnectMaxElapsed time.Duration
	Log                 *logger.Logger
}

type invokeRequest struct {
	Token     string `json:"token"`
	Arguments []any  `json:"arguments"`
}

type invokeReply struct {
	Error string `json:"error,omitempty"`
}

// Dial connects to NATS and subscribes to the user's event subjects. The NATS
// client reconnects on its own; its transitions surface as status frames.
func (d *NATSDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if creds.UserID == "" {
		return nil, fmt.Errorf("nats hub: user id required")
	}

	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	log = log.Named("nats")

	wait := d.ReconnectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}

	c := &natsConn{
		prefix: strings.TrimSuffix(d.SubjectPrefix, "."),
		token:  creds.Token,
		frames: make(chan Frame, eventBuffer),
		closed: make(chan struct{}),
		log:    log,
	}

	opts := []nats.Option{
		nats.Name("chatsync"),
		nats.Token(creds.Token),
		nats.MaxReconnects(maxReconnects(wait, d.ReconnectMaxElapsed)),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
			c.push(Frame{Type: FrameStatus, Status: model.Reconnecting})
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
			c.push(Frame{Type: FrameStatus, Status: model.Connected})
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.markClosed()
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("NATS error", zap.String("subject", subject), zap.Error(err))
		}),
	}

	if d.CAFile != "" && d.CertFile != "" && d.KeyFile != "" {
		tlsConfig, err := createTLSConfig(d.CAFile, d.CertFile, d.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	nc, err := nats.Connect(d.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.nc = nc

	sub, err := nc.Subscribe(c.userSubject(creds.UserID), c.onMsg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe user events: %w", err)
	}
	c.sub = sub
	return c, nil
}

// maxReconnects converts a reconnect budget into a NATS attempt count.
// Zero budget means unlimited.
func maxReconnects(wait, budget time.Duration) int {
	if budget <= 0 {
		return -1
	}
	n := int(budget / wait)
	if n < 1 {
		n = 1
	}
	return n
}

type natsConn struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	prefix string
	token  string
	log    *logger.Logger

	frames    chan Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *natsConn) userSubject(userID string) string {
	return fmt.Sprintf("%s.user.%s.>", c.prefix, userID)
}

func (c *natsConn) invokeSubject(target string) string {
	return fmt.Sprintf("%s.invoke.%s", c.prefix, target)
}

func (c *natsConn) onMsg(m *nats.Msg) {
	target := m.Subject
	if i := strings.LastIndexByte(target, '.'); i >= 0 {
		target = target[i+1:]
	}

	var args []json.RawMessage
	if err := json.Unmarshal(m.Data, &args); err != nil {
		// A single non-array payload is the only argument.
		args = []json.RawMessage{append(json.RawMessage(nil), m.Data...)}
	}
	c.push(Frame{Type: FrameEvent, Target: target, Arguments: args})
}

func (c *natsConn) push(f Frame) {
	select {
	case c.frames <- f:
	case <-c.closed:
	}
}

func (c *natsConn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Invoke implements Conn.
func (c *natsConn) Invoke(ctx context.Context, target string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(invokeRequest{Token: c.token, Arguments: args})
	if err != nil {
		return fmt.Errorf("encode invocation: %w", err)
	}

	msg, err := c.nc.RequestWithContext(ctx, c.invokeSubject(target), data)
	if err != nil {
		return err
	}

	var reply invokeReply
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			return fmt.Errorf("decode reply: %w", err)
		}
	}
	if reply.Error != "" {
		return &InvocationError{Target: target, Message: reply.Error}
	}
	return nil
}

// Next implements Conn.
func (c *natsConn) Next(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	default:
	}

	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return Frame{}, ErrConnectionClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close implements Conn.
func (c *natsConn) Close() error {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	if c.nc != nil {
		c.nc.Close()
	}
	c.markClosed()
	return nil
}

func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
