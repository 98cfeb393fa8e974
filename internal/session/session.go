// Package session controls the message timeline of one open conversation.
//
// A Session loads history, follows the live message stream of its
// conversation and layers optimistic sends on top. Confirmations reach the
// client twice, as an acknowledgement to the sender and as a push to every
// participant, in any order. Both paths resolve to the same entry so each
// logical message appears exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amora-app/chatsync/internal/model"
	"github.com/amora-app/chatsync/internal/pubsub"
	"github.com/amora-app/chatsync/pkg/logger"
	"github.com/amora-app/chatsync/pkg/metrics"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrEmptyMessage is returned when sending blank content.
	ErrEmptyMessage = errors.New("message is empty")
)

// State is the loading state of a session.
type State string

const (
	StateLoading     State = "loading"
	StateReady       State = "ready"
	StateLoadingMore State = "loading_more"
	StateClosed      State = "closed"
)

// DefaultPageSize is the number of messages fetched per history page.
const DefaultPageSize = 30

// Transport is the part of the realtime client a session uses.
type Transport interface {
	JoinConversation(ctx context.Context, conversationID string) error
	LeaveConversation(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, conversationID, content, tempID string) error
	OnMessage(fn func(model.Message)) (unsubscribe func())
	OnAck(fn func(model.MessageAck)) (unsubscribe func())
}

// History pages through stored messages, newest first.
type History interface {
	ListMessages(ctx context.Context, chatID string, limit int, before *time.Time) ([]model.Message, error)
}

// Reader marks a conversation read.
type Reader interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// Config holds the collaborators of a session.
type Config struct {
	ConversationID string
	UserID         string
	PageSize       int

	Transport Transport
	History   History
	Reader    Reader
	Log       *logger.Logger
}

// Timeline is a snapshot of a session.
type Timeline struct {
	ConversationID string          `json:"conversationId"`
	State          State           `json:"state"`
	HasMore        bool            `json:"hasMore"`
	Messages       []model.Message `json:"messages"`
}

// Session is the controller of one open conversation.
type Session struct {
	id        string
	userID    string
	pageSize  int
	transport Transport
	history   History
	reader    Reader
	log       *logger.Logger
	now       func() time.Time

	// emit serializes mutations with their notifications.
	emit sync.Mutex

	mu       sync.RWMutex
	state    State
	messages []model.Message
	hasMore  bool
	sentAt   map[string]time.Time
	failed   map[string]struct{}
	unsubs   []func()

	timeline *pubsub.Value[Timeline]
}

// Open joins the conversation, loads its latest page of history and marks it
// read. When the history cannot be loaded the session is closed again and the
// error returned.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}

	s := &Session{
		id:        cfg.ConversationID,
		userID:    cfg.UserID,
		pageSize:  cfg.PageSize,
		transport: cfg.Transport,
		history:   cfg.History,
		reader:    cfg.Reader,
		log:       log.Named("session").WithConversation(cfg.ConversationID),
		now:       time.Now,
		state:     StateLoading,
		sentAt:    make(map[string]time.Time),
		failed:    make(map[string]struct{}),
	}
	s.timeline = pubsub.NewValue(Timeline{ConversationID: s.id, State: StateLoading})

	// Subscribe before loading so nothing pushed meanwhile is lost.
	s.unsubs = append(s.unsubs,
		s.transport.OnMessage(s.handleIncoming),
		s.transport.OnAck(s.handleAck),
	)
	if err := s.transport.JoinConversation(ctx, s.id); err != nil {
		s.log.Warn("Failed to join conversation", zap.Error(err))
	}

	page, err := s.history.ListMessages(ctx, s.id, s.pageSize, nil)
	if err != nil {
		s.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("load history: %w", err)
	}
	s.applyInitial(page)

	if s.reader != nil {
		if err := s.reader.MarkRead(ctx, s.id); err != nil {
			s.log.Warn("Failed to mark conversation read", zap.Error(err))
		}
	}
	return s, nil
}

func (s *Session) applyInitial(page []model.Message) {
	s.emit.Lock()
	defer s.emit.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	history := s.chronological(page, nil)
	// Messages pushed while loading are newer than the page.
	present := make(map[string]struct{}, len(history))
	for _, m := range history {
		present[m.ID] = struct{}{}
	}
	for _, m := range s.messages {
		if _, ok := present[m.ID]; !ok {
			history = append(history, m)
		}
	}
	s.messages = history
	s.hasMore = len(page) == s.pageSize
	s.state = StateReady
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.timeline.Set(snap)
}

// chronological reverses a newest-first page, dropping messages that are
// already present in existing or repeated within the page.
func (s *Session) chronological(page []model.Message, existing []model.Message) []model.Message {
	seen := make(map[string]struct{}, len(existing)+len(page))
	for _, m := range existing {
		seen[m.ID] = struct{}{}
	}
	out := make([]model.Message, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		m := page[i]
		if _, dup := seen[m.ID]; dup || m.ID == "" {
			continue
		}
		seen[m.ID] = struct{}{}
		if m.ConversationID == "" {
			m.ConversationID = s.id
		}
		m.Status = model.DeriveStatus(m, s.userID)
		out = append(out, m)
	}
	return out
}

// LoadOlder fetches the page before the oldest loaded message and prepends
// it. It returns the number of messages added.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	s.emit.Lock()
	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		s.emit.Unlock()
		return 0, ErrClosed
	case s.state != StateReady || !s.hasMore || len(s.messages) == 0:
		s.mu.Unlock()
		s.emit.Unlock()
		return 0, nil
	}
	before := s.messages[0].CreatedAt
	s.state = StateLoadingMore
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.timeline.Set(snap)
	s.emit.Unlock()

	page, err := s.history.ListMessages(ctx, s.id, s.pageSize, &before)

	s.emit.Lock()
	defer s.emit.Unlock()
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.state = StateReady
	if err != nil {
		snap = s.snapshotLocked()
		s.mu.Unlock()
		s.timeline.Set(snap)
		s.log.Error("Failed to load older messages", zap.Error(err))
		return 0, fmt.Errorf("load older: %w", err)
	}
	older := s.chronological(page, s.messages)
	s.messages = append(older, s.messages...)
	s.hasMore = len(page) == s.pageSize
	snap = s.snapshotLocked()
	s.mu.Unlock()

	s.timeline.Set(snap)
	return len(older), nil
}

// AnchorOffset returns the scroll offset that keeps previously visible content
// in place after content was prepended above it.
func AnchorOffset(prevHeight, prevTop, newHeight float64) float64 {
	return newHeight - prevHeight + prevTop
}

// Send appends content as a pending message and hands it to the transport.
// When the transport fails the entry stays in the timeline marked failed and
// the error is returned.
func (s *Session) Send(ctx context.Context, content string) (model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return model.Message{}, ErrEmptyMessage
	}

	tempID := model.NewTempID()
	now := s.now()
	msg := model.Message{
		ID:             tempID,
		TempID:         tempID,
		ConversationID: s.id,
		SenderUserID:   s.userID,
		Content:        content,
		CreatedAt:      now,
		Status:         model.StatusSending,
	}

	s.emit.Lock()
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.emit.Unlock()
		return model.Message{}, ErrClosed
	}
	s.messages = append(s.messages, msg)
	s.sentAt[tempID] = now
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.timeline.Set(snap)
	s.emit.Unlock()

	if err := s.transport.SendMessage(ctx, s.id, content, tempID); err != nil {
		metrics.MessagesSentTotal.WithLabelValues("failed").Inc()
		s.log.Warn("Send failed", zap.String("temp_id", tempID), zap.Error(err))
		s.markFailed(tempID)
		msg.Status = model.StatusFailed
		return msg, fmt.Errorf("send message: %w", err)
	}
	metrics.MessagesSentTotal.WithLabelValues("ok").Inc()
	return msg, nil
}

func (s *Session) markFailed(tempID string) {
	s.emit.Lock()
	defer s.emit.Unlock()

	s.mu.Lock()
	s.failed[tempID] = struct{}{}
	idx := s.indexLocked(func(m *model.Message) bool { return m.TempID == tempID })
	if idx < 0 || s.messages[idx].ID != tempID {
		// Confirmed meanwhile.
		s.mu.Unlock()
		return
	}
	s.messages[idx].Status = model.StatusFailed
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.timeline.Set(snap)
}

// Reconciliation paths, also used as metric labels.
const (
	pathAck            = "ack"
	pathPushCorrelated = "push_correlated"
	pathPushHeuristic  = "push_heuristic"
	pathDuplicate      = "duplicate"
	pathReassigned     = "reassigned"
)

func (s *Session) handleAck(ack model.MessageAck) {
	s.emit.Lock()
	defer s.emit.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	path := s.resolveLocked(ack.TempID, ack.RealID, nil)
	if path == "" {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	metrics.RecordReconciliation(path)
	s.timeline.Set(snap)
}

func (s *Session) handleIncoming(m model.Message) {
	if m.ConversationID != s.id {
		return
	}

	s.emit.Lock()
	defer s.emit.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}

	var path string
	switch {
	case s.indexByIDLocked(m.ID) >= 0:
		s.mu.Unlock()
		metrics.RecordReconciliation(pathDuplicate)
		return

	case m.TempID != "" && s.indexLocked(func(e *model.Message) bool { return e.TempID == m.TempID }) >= 0:
		path = s.resolveLocked(m.TempID, m.ID, &m)
		if path == pathAck {
			path = pathPushCorrelated
		}

	case m.TempID == "" && m.SenderUserID == s.userID && s.pendingLocked(m.Content) >= 0:
		// No correlation id on the push: the earliest pending send with the
		// same text is taken as confirmed. Two identical texts sent in quick
		// succession may be matched crosswise; acknowledgements repair that.
		idx := s.pendingLocked(m.Content)
		s.confirmLocked(idx, m.ID, &m)
		path = pathPushHeuristic

	default:
		m.TempID = ""
		m.Status = model.DeriveStatus(m, s.userID)
		s.messages = append(s.messages, m)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if path != "" {
		metrics.RecordReconciliation(path)
	}
	s.timeline.Set(snap)
}

// resolveLocked assigns realID to the send correlated by tempID and returns
// the path taken, or "" when no entry carries tempID.
func (s *Session) resolveLocked(tempID, realID string, pushed *model.Message) string {
	ti := s.indexLocked(func(m *model.Message) bool { return m.TempID == tempID })
	if ti < 0 {
		return ""
	}
	entry := &s.messages[ti]
	if entry.ID == realID {
		if pushed != nil {
			s.applyPushLocked(entry, pushed)
		}
		return pathDuplicate
	}

	if ri := s.indexByIDLocked(realID); ri >= 0 {
		other := &s.messages[ri]
		if other.TempID != "" {
			// other was matched to our send by content but belongs to another
			// one: trade correlation ids.
			entry.TempID, other.TempID = other.TempID, entry.TempID
			if entry.ID == tempID {
				entry.ID = entry.TempID
				entry.Status = s.unconfirmedStatusLocked(entry.TempID)
			}
			s.observeAck(tempID)
			if pushed != nil {
				s.applyPushLocked(other, pushed)
			}
			return pathReassigned
		}

		// realID arrived as a plain message.
		other.TempID = tempID
		s.observeAck(tempID)
		if entry.ID == tempID {
			s.messages = append(s.messages[:ti], s.messages[ti+1:]...)
			return pathDuplicate
		}
		entry.TempID = ""
		return pathReassigned
	}

	if entry.ID == tempID {
		s.confirmLocked(ti, realID, pushed)
		return pathAck
	}

	// entry holds a real id it got by content that belongs to another send.
	displaced := *entry
	s.confirmLocked(ti, realID, pushed)
	if pi := s.pendingLocked(displaced.Content); pi >= 0 {
		s.confirmLocked(pi, displaced.ID, nil)
	} else {
		displaced.TempID = ""
		displaced.Status = model.StatusSent
		s.messages = append(s.messages, displaced)
	}
	return pathReassigned
}

// confirmLocked gives the entry at idx its durable id.
func (s *Session) confirmLocked(idx int, realID string, pushed *model.Message) {
	entry := &s.messages[idx]
	s.observeAck(entry.TempID)
	entry.ID = realID
	entry.Status = model.StatusSent
	if pushed != nil {
		s.applyPushLocked(entry, pushed)
	}
}

func (s *Session) applyPushLocked(entry *model.Message, pushed *model.Message) {
	if !pushed.CreatedAt.IsZero() {
		entry.CreatedAt = pushed.CreatedAt
	}
	entry.IsRead = pushed.IsRead
	entry.Status = model.DeriveStatus(*entry, s.userID)
}

func (s *Session) observeAck(tempID string) {
	if at, ok := s.sentAt[tempID]; ok {
		metrics.SendAckLatency.Observe(s.now().Sub(at).Seconds())
		delete(s.sentAt, tempID)
	}
}

// pendingLocked returns the earliest unconfirmed send with content. Sends
// in flight win over failed ones.
func (s *Session) pendingLocked(content string) int {
	for _, status := range []model.MessageStatus{model.StatusSending, model.StatusFailed} {
		idx := s.indexLocked(func(m *model.Message) bool {
			return m.TempID != "" && m.ID == m.TempID && m.Content == content && m.Status == status
		})
		if idx >= 0 {
			return idx
		}
	}
	return -1
}

// unconfirmedStatusLocked is the status of a send that has no durable id.
func (s *Session) unconfirmedStatusLocked(tempID string) model.MessageStatus {
	if _, ok := s.failed[tempID]; ok {
		return model.StatusFailed
	}
	return model.StatusSending
}

func (s *Session) indexByIDLocked(id string) int {
	return s.indexLocked(func(m *model.Message) bool { return m.ID == id })
}

func (s *Session) indexLocked(match func(*model.Message) bool) int {
	for i := range s.messages {
		if match(&s.messages[i]) {
			return i
		}
	}
	return -1
}

// Close unsubscribes from the live stream and leaves the conversation.
// Closing twice is a no-op.
func (s *Session) Close(ctx context.Context) {
	s.emit.Lock()
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.emit.Unlock()
		return
	}
	s.state = StateClosed
	unsubs := s.unsubs
	s.unsubs = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.timeline.Set(snap)
	s.emit.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	if err := s.transport.LeaveConversation(ctx, s.id); err != nil {
		s.log.Warn("Failed to leave conversation", zap.Error(err))
	}
}

// ConversationID returns the id of the conversation.
func (s *Session) ConversationID() string { return s.id }

// State returns the loading state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Messages returns the timeline in chronological order.
func (s *Session) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Message(nil), s.messages...)
}

// Timeline returns a snapshot of the session.
func (s *Session) Timeline() Timeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Subscribe calls fn with the current timeline and after every change.
func (s *Session) Subscribe(fn func(Timeline)) (unsubscribe func()) {
	return s.timeline.Subscribe(fn)
}

func (s *Session) snapshotLocked() Timeline {
	return Timeline{
		ConversationID: s.id,
		State:          s.state,
		HasMore:        s.hasMore,
		Messages:       append([]model.Message(nil), s.messages...),
	}
}
