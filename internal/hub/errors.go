package hub

import (
	"errors"

	"github.com/huddle/chat-app/internal/chat"
	"github.com/huddle/chat-app/internal/presence"
	"github.com/huddle/chat-app/internal/registry"
)

// ErrAuth means the credential was rejected or could not be checked. The
// connection stays open and the client may retry.
var ErrAuth = errors.New("hub: authentication failed")

// Error codes sent to clients in error frames.
const (
	CodeInvalidPayload       = "invalid_payload"
	CodeUnauthorized         = "unauthorized"
	CodeAuthError            = "auth_error"
	CodeForbidden            = "forbidden"
	CodeStorageError         = "storage_error"
	CodeAlreadyAuthenticated = "already_authenticated"
	CodeConnectionClosed     = "connection_closed"
	CodeRateLimited          = "rate_limited"
	CodeInternal             = "internal"
)

// ErrorCode maps an error returned by the hub to the code clients see.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, chat.ErrInvalidPayload),
		errors.Is(err, presence.ErrInvalidStatus),
		errors.Is(err, presence.ErrStatusTooLong),
		errors.Is(err, presence.ErrInvalidMessage):
		return CodeInvalidPayload
	case errors.Is(err, registry.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrAuth):
		return CodeAuthError
	case errors.Is(err, chat.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, chat.ErrStorage):
		return CodeStorageError
	case errors.Is(err, registry.ErrAlreadyAuthenticated),
		errors.Is(err, registry.ErrAuthInProgress):
		return CodeAlreadyAuthenticated
	case errors.Is(err, registry.ErrConnectionClosed):
		return CodeConnectionClosed
	default:
		return CodeInternal
	}
}
