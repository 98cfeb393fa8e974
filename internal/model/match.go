package model

import "fmt"

// MatchKind selects one of the match cache lists.
type MatchKind string

const (
	KindMatch     MatchKind = "match"
	KindSuperlike MatchKind = "superlike"
	KindLike      MatchKind = "like"
)

// ParseMatchKind validates a kind received from outside the process.
func ParseMatchKind(s string) (MatchKind, error) {
	switch MatchKind(s) {
	case KindMatch, KindSuperlike, KindLike:
		return MatchKind(s), nil
	case "":
		return KindMatch, nil
	default:
		return "", fmt.Errorf("unknown match kind %q", s)
	}
}

// MatchCandidate is an entry of the matches, superlikes or received-likes lists.
type MatchCandidate struct {
	UserID string `json:"userId"`

	// MatchID identifies the backend match entity once one exists. It is the
	// canonical identifier for view and unmatch operations.
	MatchID string `json:"matchId,omitempty"`

	Name        string `json:"name"`
	Photo       string `json:"photo,omitempty"`
	IsNew       bool   `json:"isNew"`
	ChatID      string `json:"chatId,omitempty"`
	IsSuperLike bool   `json:"isSuperLike"`
}

// Profile is the part of the current user's profile the core depends on.
type Profile struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	IsPremium bool   `json:"isPremium"`
}
