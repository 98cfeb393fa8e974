// Package notify derives the notification badge from the conversation and
// match caches.
package notify

import (
	"sync"

	"github.com/amora-app/chatsync/internal/auth"
	"github.com/amora-app/chatsync/internal/model"
	"github.com/amora-app/chatsync/internal/pubsub"
	"github.com/amora-app/chatsync/pkg/metrics"
)

// Breakdown is the badge count with its parts.
type Breakdown struct {
	UnreadConversations int  `json:"unreadConversations"`
	NewMatches          int  `json:"newMatches"`
	NewSuperlikes       int  `json:"newSuperlikes"`
	NewLikes            int  `json:"newLikes"`
	Premium             bool `json:"premium"`
	Total               int  `json:"total"`
}

// Badge computes the badge.
//
// Active conversations with unread messages count once each. New matches
// count unless they are superlikes or already have an active conversation.
// New superlikes and received likes count only for premium users, since free
// users cannot act on them.
func Badge(conversations []model.ConversationSummary, matches, superlikes, likes []model.MatchCandidate, premium bool) Breakdown {
	var b Breakdown
	b.Premium = premium

	active := make(map[string]struct{})
	for _, c := range conversations {
		if !c.Active() {
			continue
		}
		active[c.ConversationID] = struct{}{}
		if c.UnreadCount > 0 {
			b.UnreadConversations++
		}
	}

	for _, m := range matches {
		if !m.IsNew || m.IsSuperLike {
			continue
		}
		if _, ok := active[m.ChatID]; ok && m.ChatID != "" {
			continue
		}
		b.NewMatches++
	}

	if premium {
		b.NewSuperlikes = countNew(superlikes)
		b.NewLikes = countNew(likes)
	}

	b.Total = b.UnreadConversations + b.NewMatches + b.NewSuperlikes + b.NewLikes
	return b
}

func countNew(list []model.MatchCandidate) int {
	n := 0
	for _, m := range list {
		if m.IsNew {
			n++
		}
	}
	return n
}

// ConversationSource is the conversation cache.
type ConversationSource interface {
	Snapshot() []model.ConversationSummary
	Subscribe(fn func([]model.ConversationSummary)) (unsubscribe func())
}

// MatchSource is the match cache.
type MatchSource interface {
	List(kind model.MatchKind) []model.MatchCandidate
	Subscribe(kind model.MatchKind, fn func([]model.MatchCandidate)) (unsubscribe func())
}

// IdentitySource reports premium status and its changes.
type IdentitySource interface {
	IsPremium() bool
	OnChange(fn func(auth.Identity)) (unsubscribe func())
}

// Aggregator recomputes the badge whenever one of its inputs changes.
type Aggregator struct {
	conversations ConversationSource
	matches       MatchSource
	identity      IdentitySource

	mu     sync.Mutex
	badge  *pubsub.Value[Breakdown]
	unsubs []func()
}

// NewAggregator subscribes to the caches and the identity.
func NewAggregator(conversations ConversationSource, matches MatchSource, identity IdentitySource) *Aggregator {
	a := &Aggregator{
		conversations: conversations,
		matches:       matches,
		identity:      identity,
		badge:         pubsub.NewValue(Breakdown{}),
	}
	a.unsubs = append(a.unsubs,
		conversations.Subscribe(func([]model.ConversationSummary) { a.recompute() }),
		matches.Subscribe(model.KindMatch, func([]model.MatchCandidate) { a.recompute() }),
		matches.Subscribe(model.KindSuperlike, func([]model.MatchCandidate) { a.recompute() }),
		matches.Subscribe(model.KindLike, func([]model.MatchCandidate) { a.recompute() }),
		identity.OnChange(func(auth.Identity) { a.recompute() }),
	)
	return a
}

// Close stops following the inputs.
func (a *Aggregator) Close() {
	for _, unsubscribe := range a.unsubs {
		unsubscribe()
	}
}

// Current returns the last computed badge.
func (a *Aggregator) Current() Breakdown {
	return a.badge.Get()
}

// Subscribe calls fn with the current badge and every change.
func (a *Aggregator) Subscribe(fn func(Breakdown)) (unsubscribe func()) {
	return a.badge.Subscribe(fn)
}

func (a *Aggregator) recompute() {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := Badge(
		a.conversations.Snapshot(),
		a.matches.List(model.KindMatch),
		a.matches.List(model.KindSuperlike),
		a.matches.List(model.KindLike),
		a.identity.IsPremium(),
	)
	if b == a.badge.Get() {
		return
	}
	metrics.BadgeCount.Set(float64(b.Total))
	a.badge.Set(b)
}
