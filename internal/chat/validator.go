package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max body size
	MaxBodyChars    = 2000 // max character count
)

// ValidateSend checks an inbound send payload and returns the body with
// surrounding whitespace removed. Every failure wraps ErrInvalidPayload.
func ValidateSend(conversationID, body string) (string, error) {
	if strings.TrimSpace(conversationID) == "" {
		return "", fmt.Errorf("%w: conversation_id is required", ErrInvalidPayload)
	}
	if !utf8.ValidString(body) {
		return "", fmt.Errorf("%w: body contains invalid UTF-8", ErrInvalidPayload)
	}
	trimmed := strings.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("%w: body is empty", ErrInvalidPayload)
	}
	if len(trimmed) > MaxMessageBytes {
		return "", fmt.Errorf("%w: body exceeds %d byte limit", ErrInvalidPayload, MaxMessageBytes)
	}
	if utf8.RuneCountInString(trimmed) > MaxBodyChars {
		return "", fmt.Errorf("%w: body exceeds %d character limit", ErrInvalidPayload, MaxBodyChars)
	}
	return trimmed, nil
}
