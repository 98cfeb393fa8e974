// Package api is the client of the backend REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/amora-app/chatsync/internal/model"
	"github.com/amora-app/chatsync/pkg/logger"
	"github.com/amora-app/chatsync/pkg/metrics"
)

// ErrUnauthorized is matched by errors for 401 responses.
var ErrUnauthorized = errors.New("backend rejected credentials")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend responded %d", e.StatusCode)
	}
	return fmt.Sprintf("backend responded %d: %s", e.StatusCode, e.Body)
}

// Unwrap lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// TokenSource supplies the bearer token for backend calls.
type TokenSource interface {
	Token() (string, bool)
}

// Config defines REST client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// HTTPClient overrides the default client, e.g. in tests.
	HTTPClient *http.Client
}

// Client wraps the backend REST API.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	tokens  TokenSource
	tracer  trace.Tracer
	log     *logger.Logger
}

const maxErrorBody = 1024

// NewClient returns a client for the API rooted at cfg.BaseURL.
func NewClient(cfg Config, tokens TokenSource, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    httpClient,
		timeout: timeout,
		tokens:  tokens,
		tracer:  otel.Tracer("chatsync/api"),
		log:     log.Named("api"),
	}
}

// ListChats returns the conversation summaries of the current user.
func (c *Client) ListChats(ctx context.Context) ([]model.ConversationSummary, error) {
	dtos, err := get[[]chatDTO](ctx, c, "list_chats", "/chats", nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.ConversationSummary, 0, len(dtos))
	for _, dto := range dtos {
		out = append(out, mapChat(dto))
	}
	return out, nil
}

// ListMessages returns up to limit messages of a chat, newest first. When
// before is set only messages strictly older than it are returned.
func (c *Client) ListMessages(ctx context.Context, chatID string, limit int, before *time.Time) ([]model.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != nil {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	dtos, err := get[[]messageDTO](ctx, c, "list_messages", "/chats/"+url.PathEscape(chatID)+"/messages", q)
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(dtos))
	for _, dto := range dtos {
		m := mapMessage(dto)
		if m.ConversationID == "" {
			m.ConversationID = chatID
		}
		out = append(out, m)
	}
	return out, nil
}

// MarkChatRead marks every message of a chat as read.
func (c *Client) MarkChatRead(ctx context.Context, chatID string) error {
	return c.do(ctx, "mark_chat_read", http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/read", nil, nil, nil)
}

// ListMatches returns mutual matches.
func (c *Client) ListMatches(ctx context.Context) ([]model.MatchCandidate, error) {
	return c.listCandidates(ctx, "list_matches", "/interactions/matches", false)
}

// ListSuperLikes returns superlikes received by the current user.
func (c *Client) ListSuperLikes(ctx context.Context) ([]model.MatchCandidate, error) {
	return c.listCandidates(ctx, "list_super_likes", "/interactions/super-likes", true)
}

// ListLikesReceived returns likes received by the current user.
func (c *Client) ListLikesReceived(ctx context.Context) ([]model.MatchCandidate, error) {
	return c.listCandidates(ctx, "list_likes_received", "/interactions/likes-received", false)
}

func (c *Client) listCandidates(ctx context.Context, endpoint, path string, superLike bool) ([]model.MatchCandidate, error) {
	dtos, err := get[[]matchDTO](ctx, c, endpoint, path, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.MatchCandidate, 0, len(dtos))
	for _, dto := range dtos {
		out = append(out, mapMatch(dto, superLike))
	}
	return out, nil
}

// MarkMatchViewed persists that a match was seen.
func (c *Client) MarkMatchViewed(ctx context.Context, matchID string) error {
	return c.do(ctx, "mark_match_viewed", http.MethodPost, "/interactions/matches/"+url.PathEscape(matchID)+"/view", nil, nil, nil)
}

// Unmatch dissolves a match.
func (c *Client) Unmatch(ctx context.Context, matchID string) error {
	return c.do(ctx, "unmatch", http.MethodPost, "/interactions/matches/"+url.PathEscape(matchID)+"/unmatch", nil, nil, nil)
}

// ReportUser reports another user.
func (c *Client) ReportUser(ctx context.Context, userID, reason string) error {
	return c.do(ctx, "report_user", http.MethodPost, "/chat/report", nil, reportRequest{UserID: userID, Reason: reason}, nil)
}

// Me returns the profile of the current user.
func (c *Client) Me(ctx context.Context) (model.Profile, error) {
	return get[model.Profile](ctx, c, "me", "/me/profile", nil)
}

func get[T any](ctx context.Context, c *Client, endpoint, path string, query url.Values) (T, error) {
	var env Envelope[T]
	if err := c.do(ctx, endpoint, http.MethodGet, path, query, nil, &env); err != nil {
		var zero T
		return zero, err
	}
	return env.Data, nil
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, query url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "backend."+endpoint, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		))
	defer span.End()

	start := time.Now()
	status, err := c.roundTrip(ctx, method, path, query, body, out)
	metrics.RecordBackendRequest(endpoint, statusLabel(status), time.Since(start).Seconds())

	span.SetAttributes(attribute.Int("http.status_code", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Debug("Backend call failed",
			zap.String("endpoint", endpoint),
			zap.Int("status", status),
			zap.Error(err),
		)
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", uuid.New().String())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token, ok := c.tokens.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func statusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}
