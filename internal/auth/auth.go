// Package auth holds the authenticated session of the local user.
//
// Tokens are issued by the backend; the client cannot verify their signature
// and only extracts the claims it needs (user id, premium flag, expiry).
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/amora-app/chatsync/internal/pubsub"
)

var (
	// ErrInvalidToken is returned for tokens that cannot be parsed or carry no user id.
	ErrInvalidToken = errors.New("invalid access token")
	// ErrTokenExpired is returned for tokens whose exp claim is in the past.
	ErrTokenExpired = errors.New("access token expired")
)

// Claims represents the JWT claims read by the client.
type Claims struct {
	jwt.RegisteredClaims
	UserID  string `json:"userId"`
	NameID  string `json:"nameid"`
	Premium any    `json:"isPremium"`
}

func (c *Claims) userID() string {
	for _, id := range []string{c.UserID, c.NameID, c.Subject} {
		if id != "" {
			return id
		}
	}
	return ""
}

func (c *Claims) premium() bool {
	switch v := c.Premium.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

// Identity describes the current user. The zero value means logged out.
type Identity struct {
	UserID  string `json:"userId"`
	Premium bool   `json:"isPremium"`
}

// LoggedIn reports whether the identity belongs to an authenticated user.
func (i Identity) LoggedIn() bool {
	return i.UserID != ""
}

// Provider stores the access token and publishes identity changes.
type Provider struct {
	mu    sync.RWMutex
	token string

	identity *pubsub.Value[Identity]
	now      func() time.Time
}

// NewProvider creates a logged-out provider.
func NewProvider() *Provider {
	return &Provider{
		identity: pubsub.NewValue(Identity{}),
		now:      time.Now,
	}
}

// ParseToken extracts the identity carried by a token without verifying its signature.
func ParseToken(token string, now time.Time) (Identity, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return Identity{}, ErrTokenExpired
	}
	id := claims.userID()
	if id == "" {
		return Identity{}, fmt.Errorf("%w: no user id claim", ErrInvalidToken)
	}
	return Identity{UserID: id, Premium: claims.premium()}, nil
}

// Validate returns the identity token carries without logging in.
func (p *Provider) Validate(token string) (Identity, error) {
	return ParseToken(normalizeToken(token), p.now())
}

// Login stores token and announces the identity it carries.
func (p *Provider) Login(token string) (Identity, error) {
	token = normalizeToken(token)
	id, err := ParseToken(token, p.now())
	if err != nil {
		return Identity{}, err
	}

	p.mu.Lock()
	p.token = token
	p.mu.Unlock()

	p.identity.Set(id)
	return id, nil
}

// Logout forgets the token and announces the logged-out identity.
func (p *Provider) Logout() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()

	p.identity.Set(Identity{})
}

// Token returns the access token, if any.
func (p *Provider) Token() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token, p.token != ""
}

// CurrentUserID returns the id of the logged in user, if any.
func (p *Provider) CurrentUserID() (string, bool) {
	id := p.identity.Get()
	return id.UserID, id.LoggedIn()
}

// IsAuthenticated reports whether a user is logged in.
func (p *Provider) IsAuthenticated() bool {
	return p.identity.Get().LoggedIn()
}

// IsPremium reports whether the logged in user has a premium plan.
func (p *Provider) IsPremium() bool {
	return p.identity.Get().Premium
}

// Identity returns the current identity.
func (p *Provider) Identity() Identity {
	return p.identity.Get()
}

// SetPremium updates the premium flag of the current user, e.g. after the
// profile was fetched. It is ignored when logged out or when userID no longer
// matches the current user.
func (p *Provider) SetPremium(userID string, premium bool) {
	id := p.identity.Get()
	if !id.LoggedIn() || id.UserID != userID || id.Premium == premium {
		return
	}
	id.Premium = premium
	p.identity.Set(id)
}

// OnChange calls fn with the current identity and every later change.
func (p *Provider) OnChange(fn func(Identity)) (unsubscribe func()) {
	return p.identity.Subscribe(fn)
}

func normalizeToken(token string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
}
