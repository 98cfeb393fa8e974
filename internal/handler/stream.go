package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amora-app/chatsync/internal/conversations"
	"github.com/amora-app/chatsync/internal/matches"
	"github.com/amora-app/chatsync/internal/middleware"
	"github.com/amora-app/chatsync/internal/model"
	"github.com/amora-app/chatsync/internal/notify"
	"github.com/amora-app/chatsync/internal/service"
	"github.com/amora-app/chatsync/internal/session"
	"github.com/amora-app/chatsync/pkg/logger"
	"github.com/amora-app/chatsync/pkg/metrics"
)

// DefaultHeartbeat is the interval between heartbeat events.
const DefaultHeartbeat = 30 * time.Second

// MatchesEvent is the payload of a matches event.
type MatchesEvent struct {
	Kind  model.MatchKind        `json:"kind"`
	Items []model.MatchCandidate `json:"items"`
}

// StatusEvent is the payload of a status event.
type StatusEvent struct {
	Status model.ConnectionStatus `json:"status"`
}

// HeartbeatEvent is the payload of a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// StreamHandler pushes state changes to the UI as Server-Sent Events.
type StreamHandler struct {
	service       *service.ChatService
	conversations *conversations.Cache
	matches       *matches.Cache
	badge         *notify.Aggregator
	logger        *logger.Logger

	// Heartbeat defaults to DefaultHeartbeat.
	Heartbeat time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(
	svc *service.ChatService,
	convs *conversations.Cache,
	cache *matches.Cache,
	badge *notify.Aggregator,
	log *logger.Logger,
) *StreamHandler {
	return &StreamHandler{
		service:       svc,
		conversations: convs,
		matches:       cache,
		badge:         badge,
		logger:        log,
		Heartbeat:     DefaultHeartbeat,
	}
}

// Stream handles GET /api/v1/stream
//
// Every event carries a full snapshot, so a slow client only ever misses
// intermediate states: pending snapshots are replaced per key until written.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	q := newEventQueue()
	defer q.close()

	q.track(h.conversations.Subscribe(func(items []model.ConversationSummary) {
		q.push("conversations", "conversations", items)
	}))
	for _, kind := range []model.MatchKind{model.KindMatch, model.KindSuperlike, model.KindLike} {
		q.track(h.matches.Subscribe(kind, func(items []model.MatchCandidate) {
			q.push("matches:"+string(kind), "matches", MatchesEvent{Kind: kind, Items: items})
		}))
	}
	q.track(h.badge.Subscribe(func(b notify.Breakdown) {
		q.push("badge", "badge", b)
	}))
	q.track(h.service.OnStatus(func(s model.ConnectionStatus) {
		q.push("status", "status", StatusEvent{Status: s})
	}))
	q.track(h.service.OnSession(func(sess *session.Session) {
		q.follow(sess)
	}))

	userID := middleware.GetUserID(ctx)
	sendSSEEvent(w, flusher, "connected", map[string]string{
		"userId": userID,
	})

	interval := h.Heartbeat
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", zap.String("user_id", userID))
			return

		case <-q.ready:
			for _, ev := range q.drain() {
				if err := sendSSEEvent(w, flusher, ev.name, ev.data); err != nil {
					h.logger.Warn("SSE write failed", zap.String("event", ev.name), zap.Error(err))
					return
				}
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

type sseEvent struct {
	name string
	data interface{}
}

// eventQueue buffers the latest event per key. push never blocks, so it is
// safe to call from the publishers' goroutines.
type eventQueue struct {
	mu      sync.Mutex
	pending map[string]sseEvent
	order   []string
	ready   chan struct{}

	unsubs   []func()
	timeline func()
	closed   bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		pending: make(map[string]sseEvent),
		ready:   make(chan struct{}, 1),
	}
}

func (q *eventQueue) push(key, name string, data interface{}) {
	q.mu.Lock()
	if _, ok := q.pending[key]; !ok {
		q.order = append(q.order, key)
	}
	q.pending[key] = sseEvent{name: name, data: data}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []sseEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]sseEvent, 0, len(q.order))
	for _, key := range q.order {
		out = append(out, q.pending[key])
	}
	q.pending = make(map[string]sseEvent)
	q.order = q.order[:0]
	return out
}

func (q *eventQueue) track(unsubscribe func()) {
	q.mu.Lock()
	q.unsubs = append(q.unsubs, unsubscribe)
	q.mu.Unlock()
}

// follow moves the messages subscription to sess.
func (q *eventQueue) follow(sess *session.Session) {
	q.mu.Lock()
	prev := q.timeline
	q.timeline = nil
	q.mu.Unlock()
	if prev != nil {
		prev()
	}
	if sess == nil {
		return
	}

	unsubscribe := sess.Subscribe(func(tl session.Timeline) {
		q.push("messages", "messages", tl)
	})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		unsubscribe()
		return
	}
	q.timeline = unsubscribe
	q.mu.Unlock()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	unsubs := append(q.unsubs, q.timeline)
	q.unsubs, q.timeline = nil, nil
	q.closed = true
	q.mu.Unlock()

	for _, unsubscribe := range unsubs {
		if unsubscribe != nil {
			unsubscribe()
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
