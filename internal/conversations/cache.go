// Package conversations keeps the observable list of conversation summaries.
package conversations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/amora-app/chatsync/internal/auth"
	"github.com/amora-app/chatsync/internal/model"
	"github.com/amora-app/chatsync/internal/pubsub"
	"github.com/amora-app/chatsync/pkg/logger"
)

// ErrSessionEnded is returned when no user is logged in, or when the user
// changed while a fetch was in flight.
var ErrSessionEnded = errors.New("session ended")

// Backend is the part of the REST API the cache uses.
type Backend interface {
	ListChats(ctx context.Context) ([]model.ConversationSummary, error)
	MarkChatRead(ctx context.Context, chatID string) error
}

// SessionSource reports the logged in user and its changes.
type SessionSource interface {
	OnChange(fn func(auth.Identity)) (unsubscribe func())
}

// Cache is the single source of truth for conversation summaries. Entries are
// ordered by last activity, most recent first.
type Cache struct {
	backend Backend
	log     *logger.Logger
	group   singleflight.Group
	now     func() time.Time

	// emit serializes mutations with their notifications.
	emit sync.Mutex

	mu     sync.RWMutex
	items  []model.ConversationSummary
	loaded bool
	userID string
	gen    uint64

	list        *pubsub.Value[[]model.ConversationSummary]
	unsubscribe func()
}

// New creates a cache bound to session changes.
func New(backend Backend, session SessionSource, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.Nop()
	}
	c := &Cache{
		backend: backend,
		log:     log.Named("conversations"),
		now:     time.Now,
		list:    pubsub.NewValue[[]model.ConversationSummary](nil),
	}
	c.unsubscribe = session.OnChange(c.onIdentity)
	return c
}

// Close detaches the cache from session changes.
func (c *Cache) Close() {
	c.unsubscribe()
}

func (c *Cache) onIdentity(id auth.Identity) {
	c.emit.Lock()
	defer c.emit.Unlock()

	c.mu.Lock()
	if id.UserID == c.userID {
		c.mu.Unlock()
		return
	}
	c.userID = id.UserID
	c.resetLocked()
	c.mu.Unlock()

	c.list.Set(nil)
}

// Clear drops all entries. A fetch started before Clear is discarded.
func (c *Cache) Clear() {
	c.emit.Lock()
	defer c.emit.Unlock()

	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()

	c.list.Set(nil)
}

func (c *Cache) resetLocked() {
	c.items = nil
	c.loaded = false
	c.gen++
}

// Load returns the cached conversations, fetching them first when the cache
// is cold or force is set. Concurrent fetches are coalesced. On failure the
// cached entries are kept.
func (c *Cache) Load(ctx context.Context, force bool) ([]model.ConversationSummary, error) {
	c.mu.RLock()
	userID, gen, loaded := c.userID, c.gen, c.loaded
	c.mu.RUnlock()

	if userID == "" {
		return nil, ErrSessionEnded
	}
	if loaded && !force {
		return c.Snapshot(), nil
	}

	_, err, _ := c.group.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		items, err := c.backend.ListChats(ctx)
		if err != nil {
			return nil, err
		}
		return nil, c.replace(gen, items)
	})
	if err != nil {
		if !errors.Is(err, ErrSessionEnded) {
			c.log.Error("Failed to load conversations", zap.String("user_id", userID), zap.Error(err))
		}
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	return c.Snapshot(), nil
}

func (c *Cache) replace(gen uint64, items []model.ConversationSummary) error {
	c.emit.Lock()
	defer c.emit.Unlock()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrSessionEnded
	}
	next := make([]model.ConversationSummary, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.ConversationID == "" {
			continue
		}
		if _, dup := seen[it.ConversationID]; dup {
			continue
		}
		seen[it.ConversationID] = struct{}{}
		next = append(next, it.Clone())
	}
	sortByActivity(next)
	c.items = next
	c.loaded = true
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.list.Set(snap)
	return nil
}

// HandleMessage applies a pushed message to its conversation. Messages for
// unknown conversations trigger a refresh. Nothing happens while logged out.
func (c *Cache) HandleMessage(m model.Message) {
	c.emit.Lock()
	defer c.emit.Unlock()

	c.mu.Lock()
	if c.userID == "" {
		c.mu.Unlock()
		return
	}
	idx := c.indexLocked(m.ConversationID)
	if idx < 0 {
		gen := c.gen
		c.mu.Unlock()
		go c.refresh(gen)
		return
	}

	item := c.items[idx]
	text := m.Content
	at := m.CreatedAt
	if at.IsZero() {
		at = c.now()
	}
	item.LastMessageText = &text
	item.LastMessageTime = &at
	if m.SenderUserID != c.userID {
		item.UnreadCount++
	}

	copy(c.items[1:idx+1], c.items[:idx])
	c.items[0] = item
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.list.Set(snap)
}

func (c *Cache) refresh(gen uint64) {
	c.mu.RLock()
	current := c.gen
	c.mu.RUnlock()
	if gen != current {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.Load(ctx, true); err != nil {
		c.log.Debug("Refresh after unknown conversation failed", zap.Error(err))
	}
}

// MarkRead zeroes the unread count locally, then tells the backend. A backend
// failure is returned but the local count stays zero.
func (c *Cache) MarkRead(ctx context.Context, conversationID string) error {
	c.emit.Lock()
	c.mu.Lock()
	changed := false
	if idx := c.indexLocked(conversationID); idx >= 0 && c.items[idx].UnreadCount != 0 {
		c.items[idx].UnreadCount = 0
		changed = true
	}
	var snap []model.ConversationSummary
	if changed {
		snap = c.snapshotLocked()
	}
	c.mu.Unlock()
	if changed {
		c.list.Set(snap)
	}
	c.emit.Unlock()

	if err := c.backend.MarkChatRead(ctx, conversationID); err != nil {
		c.log.Warn("Failed to mark conversation read",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Remove drops a conversation locally.
func (c *Cache) Remove(conversationID string) bool {
	c.emit.Lock()
	defer c.emit.Unlock()

	c.mu.Lock()
	idx := c.indexLocked(conversationID)
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	c.items = append(c.items[:idx], c.items[idx+1:]...)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.list.Set(snap)
	return true
}

// RemoveByParticipant drops every conversation with userID and returns their ids.
func (c *Cache) RemoveByParticipant(userID string) []string {
	c.emit.Lock()
	defer c.emit.Unlock()

	c.mu.Lock()
	var removed []string
	kept := c.items[:0]
	for _, it := range c.items {
		if it.OtherParticipantID == userID {
			removed = append(removed, it.ConversationID)
			continue
		}
		kept = append(kept, it)
	}
	c.items = kept
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if len(removed) > 0 {
		c.list.Set(snap)
	}
	return removed
}

// Get returns one conversation.
func (c *Cache) Get(conversationID string) (model.ConversationSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if idx := c.indexLocked(conversationID); idx >= 0 {
		return c.items[idx].Clone(), true
	}
	return model.ConversationSummary{}, false
}

// Loaded reports whether a fetch has populated the cache for the current user.
func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Snapshot returns all conversations, most recent first.
func (c *Cache) Snapshot() []model.ConversationSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Active returns conversations that have at least one message.
func (c *Cache) Active() []model.ConversationSummary {
	return Active(c.Snapshot())
}

// Pending returns conversations without messages, i.e. pending matches.
func (c *Cache) Pending() []model.ConversationSummary {
	var out []model.ConversationSummary
	for _, it := range c.Snapshot() {
		if !it.Active() {
			out = append(out, it)
		}
	}
	return out
}

// TotalUnread counts active conversations with unread messages.
func (c *Cache) TotalUnread() int {
	return TotalUnread(c.Snapshot())
}

// Subscribe calls fn with the current list and after every change.
func (c *Cache) Subscribe(fn func([]model.ConversationSummary)) (unsubscribe func()) {
	return c.list.Subscribe(fn)
}

// Active filters items down to conversations with messages.
func Active(items []model.ConversationSummary) []model.ConversationSummary {
	var out []model.ConversationSummary
	for _, it := range items {
		if it.Active() {
			out = append(out, it)
		}
	}
	return out
}

// TotalUnread counts active conversations in items with unread messages.
func TotalUnread(items []model.ConversationSummary) int {
	n := 0
	for _, it := range items {
		if it.Active() && it.UnreadCount > 0 {
			n++
		}
	}
	return n
}

func (c *Cache) indexLocked(id string) int {
	for i := range c.items {
		if c.items[i].ConversationID == id {
			return i
		}
	}
	return -1
}

func (c *Cache) snapshotLocked() []model.ConversationSummary {
	out := make([]model.ConversationSummary, len(c.items))
	for i, it := range c.items {
		out[i] = it.Clone()
	}
	return out
}

// sortByActivity orders by last message time, newest first. Conversations
// without messages keep their relative order after the active ones.
func sortByActivity(items []model.ConversationSummary) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].LastMessageTime, items[j].LastMessageTime
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}
