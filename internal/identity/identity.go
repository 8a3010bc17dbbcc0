// Package identity verifies client credentials and resolves them to a user id.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredential means the credential was rejected.
	ErrInvalidCredential = errors.New("identity: invalid credential")

	// ErrTimeout means the verifier did not answer in time.
	ErrTimeout = errors.New("identity: verification timed out")
)

// Verifier resolves a bearer credential to the user it was issued for.
type Verifier interface {
	Verify(ctx context.Context, credential string) (userID string, err error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, credential string) (string, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, credential string) (string, error) {
	return f(ctx, credential)
}

type timeoutVerifier struct {
	next    Verifier
	timeout time.Duration
}

// WithTimeout bounds every call to next by d. The call also returns as soon
// as the caller's context is done, even if next ignores its context.
func WithTimeout(next Verifier, d time.Duration) Verifier {
	return &timeoutVerifier{next: next, timeout: d}
}

func (v *timeoutVerifier) Verify(ctx context.Context, credential string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	type result struct {
		userID string
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		id, err := v.next.Verify(ctx, credential)
		ch <- result{id, err}
	}()

	select {
	case r := <-ch:
		return r.userID, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, v.timeout)
		}
		return "", ctx.Err()
	}
}
