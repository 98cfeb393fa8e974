// Package matches keeps the observable match, superlike and received-like lists.
package matches

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/amora-app/chatsync/internal/auth"
	"github.com/amora-app/chatsync/internal/model"
	"github.com/amora-app/chatsync/internal/pubsub"
	"github.com/amora-app/chatsync/pkg/logger"
)

var (
	// ErrSessionEnded is returned when no user is logged in, or when the user
	// changed while a fetch was in flight.
	ErrSessionEnded = errors.New("session ended")
	// ErrNotFound is returned for operations on entries that are not cached.
	ErrNotFound = errors.New("match not found")
)

// Backend is the part of the REST API the cache uses.
type Backend interface {
	ListMatches(ctx context.Context) ([]model.MatchCandidate, error)
	ListSuperLikes(ctx context.Context) ([]model.MatchCandidate, error)
	ListLikesReceived(ctx context.Context) ([]model.MatchCandidate, error)
	MarkMatchViewed(ctx context.Context, matchID string) error
	Unmatch(ctx context.Context, matchID string) error
	ReportUser(ctx context.Context, userID, reason string) error
}

// ConversationRemover drops conversations that end with a match.
type ConversationRemover interface {
	Remove(conversationID string) bool
	RemoveByParticipant(userID string) []string
}

// SessionSource reports the logged in user and its changes.
type SessionSource interface {
	OnChange(fn func(auth.Identity)) (unsubscribe func())
}

var kinds = []model.MatchKind{model.KindMatch, model.KindSuperlike, model.KindLike}

// Cache owns the three candidate lists.
type Cache struct {
	backend       Backend
	conversations ConversationRemover
	log           *logger.Logger
	group         singleflight.Group

	emit sync.Mutex

	mu     sync.RWMutex
	lists  map[model.MatchKind][]model.MatchCandidate
	userID string
	gen    uint64

	values      map[model.MatchKind]*pubsub.Value[[]model.MatchCandidate]
	unsubscribe func()
}

// New creates a cache bound to session changes. conversations may be nil.
func New(backend Backend, conversations ConversationRemover, session SessionSource, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.Nop()
	}
	c := &Cache{
		backend:       backend,
		conversations: conversations,
		log:           log.Named("matches"),
		lists:         make(map[model.MatchKind][]model.MatchCandidate),
		values:        make(map[model.MatchKind]*pubsub.Value[[]model.MatchCandidate]),
	}
	for _, k := range kinds {
		c.values[k] = pubsub.NewValue[[]model.MatchCandidate](nil)
	}
	c.unsubscribe = session.OnChange(c.onIdentity)
	return c
}

// Close detaches the cache from session changes.
func (c *Cache) Close() {
	c.unsubscribe()
}

func (c *Cache) onIdentity(id auth.Identity) {
	c.mu.RLock()
	same := id.UserID == c.userID
	c.mu.RUnlock()
	if same {
		return
	}
	c.reset(id.UserID, true)
}

// Clear drops every list. Fetches started before Clear are discarded.
func (c *Cache) Clear() {
	c.mu.RLock()
	userID := c.userID
	c.mu.RUnlock()
	c.reset(userID, false)
}

func (c *Cache) reset(userID string, setUser bool) {
	c.emit.Lock()
	defer c.emit.Unlock()

	c.mu.Lock()
	if setUser {
		c.userID = userID
	}
	c.lists = make(map[model.MatchKind][]model.MatchCandidate)
	c.gen++
	c.mu.Unlock()

	for _, k := range kinds {
		c.values[k].Set(nil)
	}
}

// Fetch refreshes the list of kind. On failure the list keeps its entries.
func (c *Cache) Fetch(ctx context.Context, kind model.MatchKind) error {
	return c.fetch(ctx, kind)
}

// FetchMatches refreshes the matches list.
func (c *Cache) FetchMatches(ctx context.Context) error {
	return c.fetch(ctx, model.KindMatch)
}

// FetchSuperlikes refreshes the superlikes list.
func (c *Cache) FetchSuperlikes(ctx context.Context) error {
	return c.fetch(ctx, model.KindSuperlike)
}

// FetchReceivedLikes refreshes the received likes list.
func (c *Cache) FetchReceivedLikes(ctx context.Context) error {
	return c.fetch(ctx, model.KindLike)
}

// FetchAll refreshes the three lists in parallel. A list whose fetch fails
// keeps its previous entries.
func (c *Cache) FetchAll(ctx context.Context) error {
	var g errgroup.Group
	for _, k := range kinds {
		g.Go(func() error {
			return c.fetch(ctx, k)
		})
	}
	return g.Wait()
}

func (c *Cache) fetch(ctx context.Context, kind model.MatchKind) error {
	c.mu.RLock()
	userID, gen := c.userID, c.gen
	c.mu.RUnlock()
	if userID == "" {
		return ErrSessionEnded
	}

	key := string(kind) + ":" + strconv.FormatUint(gen, 10)
	_, err, _ := c.group.Do(key, func() (any, error) {
		items, err := c.list(ctx, kind)
		if err != nil {
			return nil, err
		}
		return nil, c.replace(gen, kind, items)
	})
	if err != nil {
		if !errors.Is(err, ErrSessionEnded) {
			c.log.Error("Failed to fetch candidates",
				zap.String("kind", string(kind)),
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
		return fmt.Errorf("fetch %s: %w", kind, err)
	}
	return nil
}

func (c *Cache) list(ctx context.Context, kind model.MatchKind) ([]model.MatchCandidate, error) {
	switch kind {
	case model.KindSuperlike:
		return c.backend.ListSuperLikes(ctx)
	case model.KindLike:
		return c.backend.ListLikesReceived(ctx)
	default:
		return c.backend.ListMatches(ctx)
	}
}

func (c *Cache) replace(gen uint64, kind model.MatchKind, items []model.MatchCandidate) error {
	c.emit.Lock()
	defer c.emit.Unlock()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrSessionEnded
	}
	next := make([]model.MatchCandidate, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, dup := seen[it.UserID]; dup || it.UserID == "" {
			continue
		}
		seen[it.UserID] = struct{}{}
		next = append(next, it)
	}
	c.lists[kind] = next
	snap := clone(next)
	c.mu.Unlock()

	c.values[kind].Set(snap)
	return nil
}

// AddMatch inserts a match created locally, e.g. when a like became mutual.
// It returns false for duplicates by user id and while logged out.
func (c *Cache) AddMatch(m model.MatchCandidate) bool {
	c.emit.Lock()
	defer c.emit.Unlock()

	c.mu.Lock()
	if c.userID == "" || m.UserID == "" || indexOf(c.lists[model.KindMatch], m.UserID) >= 0 {
		c.mu.Unlock()
		return false
	}
	c.lists[model.KindMatch] = append([]model.MatchCandidate{m}, c.lists[model.KindMatch]...)
	snap := clone(c.lists[model.KindMatch])
	c.mu.Unlock()

	c.values[model.KindMatch].Set(snap)
	return true
}

// MarkAsViewed clears the new flag of userID's entry in the kind list. Views of
// matches are also persisted; a persistence failure is returned but the local
// flag stays cleared.
func (c *Cache) MarkAsViewed(ctx context.Context, userID string, kind model.MatchKind) error {
	c.emit.Lock()
	c.mu.Lock()
	list := c.lists[kind]
	idx := indexOf(list, userID)
	if idx < 0 {
		c.mu.Unlock()
		c.emit.Unlock()
		return ErrNotFound
	}
	entry := list[idx]
	changed := entry.IsNew
	list[idx].IsNew = false
	snap := clone(list)
	c.mu.Unlock()
	if changed {
		c.values[kind].Set(snap)
	}
	c.emit.Unlock()

	if kind != model.KindMatch || entry.MatchID == "" {
		return nil
	}
	if err := c.backend.MarkMatchViewed(ctx, entry.MatchID); err != nil {
		c.log.Warn("Failed to persist match view",
			zap.String("match_id", entry.MatchID),
			zap.Error(err),
		)
		return fmt.Errorf("mark viewed: %w", err)
	}
	return nil
}

// Unmatch dissolves the match identified by matchID. On success the entry and
// its conversation are removed locally.
func (c *Cache) Unmatch(ctx context.Context, matchID string) error {
	if matchID == "" {
		return ErrNotFound
	}
	if err := c.backend.Unmatch(ctx, matchID); err != nil {
		c.log.Error("Unmatch failed", zap.String("match_id", matchID), zap.Error(err))
		return fmt.Errorf("unmatch: %w", err)
	}

	c.emit.Lock()
	c.mu.Lock()
	list := c.lists[model.KindMatch]
	var removed *model.MatchCandidate
	kept := make([]model.MatchCandidate, 0, len(list))
	for _, it := range list {
		if it.MatchID == matchID {
			it := it
			removed = &it
			continue
		}
		kept = append(kept, it)
	}
	c.lists[model.KindMatch] = kept
	snap := clone(kept)
	c.mu.Unlock()
	if removed != nil {
		c.values[model.KindMatch].Set(snap)
	}
	c.emit.Unlock()

	if removed != nil && removed.ChatID != "" && c.conversations != nil {
		c.conversations.Remove(removed.ChatID)
	}
	return nil
}

// Report reports userID. On success every entry and conversation with that
// user is removed locally.
func (c *Cache) Report(ctx context.Context, userID, reason string) error {
	if err := c.backend.ReportUser(ctx, userID, reason); err != nil {
		c.log.Error("Report failed", zap.String("reported_user_id", userID), zap.Error(err))
		return fmt.Errorf("report: %w", err)
	}

	c.emit.Lock()
	c.mu.Lock()
	snaps := make(map[model.MatchKind][]model.MatchCandidate)
	for _, k := range kinds {
		list := c.lists[k]
		if indexOf(list, userID) < 0 {
			continue
		}
		kept := make([]model.MatchCandidate, 0, len(list))
		for _, it := range list {
			if it.UserID != userID {
				kept = append(kept, it)
			}
		}
		c.lists[k] = kept
		snaps[k] = clone(kept)
	}
	c.mu.Unlock()
	for _, k := range kinds {
		if snap, ok := snaps[k]; ok {
			c.values[k].Set(snap)
		}
	}
	c.emit.Unlock()

	if c.conversations != nil {
		c.conversations.RemoveByParticipant(userID)
	}
	return nil
}

// HandleMatchReceived refetches every list.
func (c *Cache) HandleMatchReceived(model.MatchNotification) {
	if !c.loggedIn() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = c.FetchAll(ctx)
	}()
}

// HandleMessageReceived refetches matches, since a first message turns a
// pending match into a conversation.
func (c *Cache) HandleMessageReceived(model.Message) {
	if !c.loggedIn() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = c.FetchMatches(ctx)
	}()
}

func (c *Cache) loggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID != ""
}

// Matches returns the matches list.
func (c *Cache) Matches() []model.MatchCandidate { return c.List(model.KindMatch) }

// Superlikes returns the superlikes list.
func (c *Cache) Superlikes() []model.MatchCandidate { return c.List(model.KindSuperlike) }

// ReceivedLikes returns the received likes list.
func (c *Cache) ReceivedLikes() []model.MatchCandidate { return c.List(model.KindLike) }

// List returns the kind list.
func (c *Cache) List(kind model.MatchKind) []model.MatchCandidate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.lists[kind])
}

// Subscribe calls fn with the kind list now and after every change.
func (c *Cache) Subscribe(kind model.MatchKind, fn func([]model.MatchCandidate)) (unsubscribe func()) {
	v, ok := c.values[kind]
	if !ok {
		v = c.values[model.KindMatch]
	}
	return v.Subscribe(fn)
}

func indexOf(list []model.MatchCandidate, userID string) int {
	for i := range list {
		if list[i].UserID == userID {
			return i
		}
	}
	return -1
}

func clone(list []model.MatchCandidate) []model.MatchCandidate {
	if list == nil {
		return nil
	}
	return append([]model.MatchCandidate(nil), list...)
}
