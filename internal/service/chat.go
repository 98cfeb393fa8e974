// Package service wires the sync core together for one logged in user.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amora-app/chatsync/internal/auth"
	"github.com/amora-app/chatsync/internal/model"
	"github.com/amora-app/chatsync/internal/pubsub"
	"github.com/amora-app/chatsync/internal/session"
	"github.com/amora-app/chatsync/pkg/logger"
)

var (
	// ErrNotLoggedIn is returned by operations that need a current user.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrNoSession is returned when the conversation is not the open one.
	ErrNoSession = errors.New("conversation is not open")
)

// Identity is the auth provider.
type Identity interface {
	Validate(token string) (auth.Identity, error)
	Login(token string) (auth.Identity, error)
	Logout()
	Identity() auth.Identity
	SetPremium(userID string, premium bool)
}

// Transport is the realtime client.
type Transport interface {
	session.Transport
	Start(ctx context.Context) error
	Stop()
	Status() model.ConnectionStatus
	OnStatus(fn func(model.ConnectionStatus)) (unsubscribe func())
	OnMatch(fn func(model.MatchNotification)) (unsubscribe func())
}

// Profiles fetches the current user's profile.
type Profiles interface {
	Me(ctx context.Context) (model.Profile, error)
}

// ConversationCache is the part of the conversation cache the service drives.
type ConversationCache interface {
	Load(ctx context.Context, force bool) ([]model.ConversationSummary, error)
	HandleMessage(m model.Message)
	MarkRead(ctx context.Context, conversationID string) error
}

// MatchCache is the part of the match cache the service drives.
type MatchCache interface {
	FetchAll(ctx context.Context) error
	HandleMatchReceived(n model.MatchNotification)
	HandleMessageReceived(m model.Message)
}

// Config holds the collaborators of a ChatService.
type Config struct {
	Identity      Identity
	Transport     Transport
	History       session.History
	Profiles      Profiles
	Conversations ConversationCache
	Matches       MatchCache
	PageSize      int
	Log           *logger.Logger
}

// ChatService starts and stops the core on login and logout, routes hub
// events to the caches and keeps at most one conversation session open.
type ChatService struct {
	identity      Identity
	transport     Transport
	history       session.History
	profiles      Profiles
	conversations ConversationCache
	matches       MatchCache
	pageSize      int
	log           *logger.Logger

	// life serializes Login, Logout and session changes.
	life    sync.Mutex
	current *session.Session

	// open mirrors current for observers.
	open   *pubsub.Value[*session.Session]
	unsubs []func()
}

// New creates a ChatService and subscribes the caches to the transport.
func New(cfg Config) *ChatService {
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	s := &ChatService{
		identity:      cfg.Identity,
		transport:     cfg.Transport,
		history:       cfg.History,
		profiles:      cfg.Profiles,
		conversations: cfg.Conversations,
		matches:       cfg.Matches,
		pageSize:      cfg.PageSize,
		log:           log.Named("service"),
		open:          pubsub.NewValue[*session.Session](nil),
	}
	s.unsubs = append(s.unsubs,
		cfg.Transport.OnMessage(func(m model.Message) {
			s.conversations.HandleMessage(m)
			s.matches.HandleMessageReceived(m)
		}),
		cfg.Transport.OnMatch(s.matches.HandleMatchReceived),
	)
	return s
}

// Close detaches the service from the transport.
func (s *ChatService) Close() {
	for _, unsubscribe := range s.unsubs {
		unsubscribe()
	}
}

// Login switches to the user carrying token. It connects the hub and loads
// the caches; failures of these steps are logged and leave the user logged
// in with whatever could be loaded.
func (s *ChatService) Login(ctx context.Context, token string) (auth.Identity, error) {
	s.life.Lock()
	defer s.life.Unlock()

	// A rejected token leaves the current user untouched.
	if _, err := s.identity.Validate(token); err != nil {
		return auth.Identity{}, fmt.Errorf("login: %w", err)
	}

	s.closeSessionLocked(ctx)
	s.transport.Stop()

	id, err := s.identity.Login(token)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("login: %w", err)
	}
	log := s.log.WithUser(id.UserID)
	log.Info("logged in", zap.Bool("premium", id.Premium))

	if err := s.transport.Start(ctx); err != nil {
		log.Warn("hub connection failed", zap.Error(err))
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := s.conversations.Load(ctx, true)
		return err
	})
	g.Go(func() error {
		return s.matches.FetchAll(ctx)
	})
	g.Go(func() error {
		profile, err := s.profiles.Me(ctx)
		if err != nil {
			return fmt.Errorf("profile: %w", err)
		}
		s.identity.SetPremium(id.UserID, profile.IsPremium)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Warn("initial load incomplete", zap.Error(err))
	}

	return s.identity.Identity(), nil
}

// Connect starts the hub connection again after it was lost for good.
func (s *ChatService) Connect(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()

	if !s.identity.Identity().LoggedIn() {
		return ErrNotLoggedIn
	}
	return s.transport.Start(ctx)
}

// Logout closes the open session, disconnects and forgets the user. The
// caches clear themselves on the identity change.
func (s *ChatService) Logout(ctx context.Context) {
	s.life.Lock()
	defer s.life.Unlock()

	s.closeSessionLocked(ctx)
	s.transport.Stop()
	s.identity.Logout()
	s.log.Info("logged out")
}

// Identity returns the current identity.
func (s *ChatService) Identity() auth.Identity {
	return s.identity.Identity()
}

// Status returns the hub connection status.
func (s *ChatService) Status() model.ConnectionStatus {
	return s.transport.Status()
}

// OnStatus calls fn with the hub connection status and every change.
func (s *ChatService) OnStatus(fn func(model.ConnectionStatus)) (unsubscribe func()) {
	return s.transport.OnStatus(fn)
}

// OnSession calls fn with the open session, or nil, and every change.
func (s *ChatService) OnSession(fn func(*session.Session)) (unsubscribe func()) {
	return s.open.Subscribe(fn)
}

// Ready reports whether a user is logged in and the hub is connected.
func (s *ChatService) Ready() bool {
	return s.identity.Identity().LoggedIn() && s.transport.Status() == model.Connected
}

// OpenSession opens conversationID, closing any other open conversation.
// Opening the conversation that is already open returns its session.
func (s *ChatService) OpenSession(ctx context.Context, conversationID string) (*session.Session, error) {
	s.life.Lock()
	defer s.life.Unlock()

	id := s.identity.Identity()
	if !id.LoggedIn() {
		return nil, ErrNotLoggedIn
	}
	if cur := s.current; cur != nil && cur.ConversationID() == conversationID && cur.State() != session.StateClosed {
		return cur, nil
	}
	s.closeSessionLocked(ctx)

	sess, err := session.Open(ctx, session.Config{
		ConversationID: conversationID,
		UserID:         id.UserID,
		PageSize:       s.pageSize,
		Transport:      s.transport,
		History:        s.history,
		Reader:         s.conversations,
		Log:            s.log.WithUser(id.UserID),
	})
	if err != nil {
		return nil, err
	}
	s.current = sess
	s.open.Set(sess)
	return sess, nil
}

// Session returns the open session of conversationID.
func (s *ChatService) Session(conversationID string) (*session.Session, error) {
	s.life.Lock()
	defer s.life.Unlock()

	if s.current == nil || s.current.ConversationID() != conversationID || s.current.State() == session.StateClosed {
		return nil, ErrNoSession
	}
	return s.current, nil
}

// CurrentSession returns the open session, if any.
func (s *ChatService) CurrentSession() (*session.Session, bool) {
	s.life.Lock()
	defer s.life.Unlock()
	return s.current, s.current != nil
}

// CloseSession closes conversationID if it is the open conversation.
func (s *ChatService) CloseSession(ctx context.Context, conversationID string) error {
	s.life.Lock()
	defer s.life.Unlock()

	if s.current == nil || s.current.ConversationID() != conversationID {
		return ErrNoSession
	}
	s.closeSessionLocked(ctx)
	return nil
}

func (s *ChatService) closeSessionLocked(ctx context.Context) {
	if s.current == nil {
		return
	}
	s.current.Close(ctx)
	s.current = nil
	s.open.Set(nil)
}
