package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength is the longest message content accepted, in runes.
const MaxMessageLength = 4000

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return errors.New("content exceeds maximum length")
	}
	return nil
}

// ValidateID validates an id taken from the request path.
func ValidateID(kind, id string) error {
	if id == "" {
		return errors.New(kind + " ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New(kind + " ID exceeds maximum length")
	}
	if strings.ContainsAny(id, "/?#% ") {
		return errors.New("invalid " + kind + " ID format")
	}
	return nil
}

// ValidateReason validates a report reason.
func ValidateReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return errors.New("reason cannot be empty")
	}
	if len(reason) > 1000 {
		return errors.New("reason exceeds maximum length")
	}
	if !utf8.ValidString(reason) {
		return errors.New("reason must be valid UTF-8")
	}
	return nil
}
