package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
)

func signToken(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("backend-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestParseToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		claims  jwt.Claims
		raw     string
		want    Identity
		wantErr error
	}{
		{
			name:   "Subject",
			claims: jwt.RegisteredClaims{Subject: "u1", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
			want:   Identity{UserID: "u1"},
		},
		{
			name:   "UserIDClaimWins",
			claims: jwt.MapClaims{"sub": "s", "userId": "u2", "isPremium": true},
			want:   Identity{UserID: "u2", Premium: true},
		},
		{
			name:   "NameIDAndStringPremium",
			claims: jwt.MapClaims{"nameid": "u3", "isPremium": "True"},
			want:   Identity{UserID: "u3", Premium: true},
		},
		{
			name:    "Expired",
			claims:  jwt.RegisteredClaims{Subject: "u1", ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute))},
			wantErr: ErrTokenExpired,
		},
		{
			name:    "NoUser",
			claims:  jwt.MapClaims{"email": "a@b.c"},
			wantErr: ErrInvalidToken,
		},
		{
			name:    "Garbage",
			raw:     "not-a-token",
			wantErr: ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := tt.raw
			if token == "" {
				token = signToken(t, tt.claims)
			}
			got, err := ParseToken(token, now)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got error %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("identity mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProvider_LoginLogout(t *testing.T) {
	p := NewProvider()
	var seen []Identity
	p.OnChange(func(id Identity) { seen = append(seen, id) })

	token := signToken(t, jwt.MapClaims{"sub": "u1"})
	if _, err := p.Login("Bearer " + token); err != nil {
		t.Fatalf("login: %v", err)
	}

	if got, ok := p.Token(); !ok || got != token {
		t.Errorf("Token() = %q, %v", got, ok)
	}
	if id, ok := p.CurrentUserID(); !ok || id != "u1" {
		t.Errorf("CurrentUserID() = %q, %v", id, ok)
	}

	p.SetPremium("u1", true)
	p.SetPremium("someone-else", false)
	if !p.IsPremium() {
		t.Error("IsPremium() = false after SetPremium")
	}

	p.Logout()
	if p.IsAuthenticated() {
		t.Error("IsAuthenticated() = true after logout")
	}
	if _, ok := p.Token(); ok {
		t.Error("token kept after logout")
	}

	want := []Identity{{}, {UserID: "u1"}, {UserID: "u1", Premium: true}, {}}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("identity changes mismatch (-want +got):\n%s", diff)
	}
}

func TestProvider_LoginRejectsInvalidToken(t *testing.T) {
	p := NewProvider()
	if _, err := p.Login("junk"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
	if p.IsAuthenticated() {
		t.Error("authenticated after rejected login")
	}
}

func TestProvider_ValidateDoesNotLogIn(t *testing.T) {
	p := NewProvider()
	var changes int
	p.OnChange(func(Identity) { changes++ })

	token := signToken(t, jwt.MapClaims{"sub": "u2", "isPremium": true})
	id, err := p.Validate("Bearer " + token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if diff := cmp.Diff(Identity{UserID: "u2", Premium: true}, id); diff != "" {
		t.Errorf("identity mismatch (-want +got):\n%s", diff)
	}
	if p.IsAuthenticated() || changes != 1 {
		t.Errorf("authenticated=%v changes=%d after Validate", p.IsAuthenticated(), changes)
	}

	if _, err := p.Validate("junk"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate(junk) = %v, want ErrInvalidToken", err)
	}
}
