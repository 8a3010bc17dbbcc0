// Package registry tracks live transport connections and the identity each
// one authenticated as. It is the authoritative answer to "which connections
// does this user currently hold".
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrConnectionClosed is returned for operations on a connection id that
	// is not (or no longer) registered.
	ErrConnectionClosed = errors.New("registry: connection closed")

	// ErrUnauthorized is returned when a chat or presence operation is
	// attempted on a connection that has not authenticated.
	ErrUnauthorized = errors.New("registry: connection not authenticated")

	// ErrAlreadyAuthenticated is returned when a bound connection tries to
	// authenticate again.
	ErrAlreadyAuthenticated = errors.New("registry: connection already authenticated")

	// ErrAuthInProgress is returned when a second authenticate arrives while
	// the first one is still waiting on the identity verifier.
	ErrAuthInProgress = errors.New("registry: authentication already in progress")
)

// Identity is the authenticated (user, company) pair bound to a connection.
type Identity struct {
	UserID    string
	CompanyID string
}

// Connection is the registry's view of one live transport session.
type Connection struct {
	ID        string
	CreatedAt time.Time
	Identity  *Identity // nil until authenticated
}

type entry struct {
	id             string
	createdAt      time.Time
	identity       *Identity
	authenticating bool
	ctx            context.Context
	cancel         context.CancelFunc
}

// Registry maps connection ids to identities and user ids back to the set of
// connections they hold. All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*entry
	byUser map[string]map[string]struct{} // user_id -> set of connection ids
	now    func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		conns:  make(map[string]*entry),
		byUser: make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

// Open registers a new unauthenticated connection and returns its id.
func (r *Registry) Open() string {
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		id:        uuid.New().String(),
		createdAt: r.now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	r.mu.Lock()
	r.conns[e.id] = e
	r.mu.Unlock()
	return e.id
}

// BeginAuth marks the connection as authenticating and returns a context
// that is cancelled when the connection closes. Every successful BeginAuth
// must be followed by either Bind or AbortAuth.
func (r *Registry) BeginAuth(id string) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return nil, ErrConnectionClosed
	}
	if e.identity != nil {
		return nil, ErrAlreadyAuthenticated
	}
	if e.authenticating {
		return nil, ErrAuthInProgress
	}
	e.authenticating = true
	return e.ctx, nil
}

// AbortAuth clears the authenticating flag so the client may retry.
func (r *Registry) AbortAuth(id string) {
	r.mu.Lock()
	if e, ok := r.conns[id]; ok {
		e.authenticating = false
	}
	r.mu.Unlock()
}

// Bind attaches identity to the connection and records it in the reverse
// index. It fails if the connection closed while authentication was running.
func (r *Registry) Bind(id string, identity Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return ErrConnectionClosed
	}
	if e.identity != nil {
		return ErrAlreadyAuthenticated
	}
	e.authenticating = false
	e.identity = &identity

	set := r.byUser[identity.UserID]
	if set == nil {
		set = make(map[string]struct{})
		r.byUser[identity.UserID] = set
	}
	set[id] = struct{}{}
	return nil
}

// Remove drops the connection from every index and cancels its context.
// It reports the identity the connection was bound to, if any, and whether
// the connection existed at all. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) (identity Identity, bound bool, existed bool) {
	r.mu.Lock()
	e, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		if e.identity != nil {
			identity, bound = *e.identity, true
			if set := r.byUser[identity.UserID]; set != nil {
				delete(set, id)
				if len(set) == 0 {
					delete(r.byUser, identity.UserID)
				}
			}
		}
	}
	r.mu.Unlock()

	if ok {
		e.cancel()
	}
	return identity, bound, ok
}

// Identity returns the identity bound to the connection.
func (r *Registry) Identity(id string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[id]
	if !ok {
		return Identity{}, ErrConnectionClosed
	}
	if e.identity == nil {
		return Identity{}, ErrUnauthorized
	}
	return *e.identity, nil
}

// Bound returns the identity bound to the connection together with a
// context that is cancelled when the connection is removed.
func (r *Registry) Bound(id string) (Identity, context.Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[id]
	if !ok {
		return Identity{}, nil, ErrConnectionClosed
	}
	if e.identity == nil {
		return Identity{}, nil, ErrUnauthorized
	}
	return *e.identity, e.ctx, nil
}

// Get returns a copy of the connection's registry state.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	c := Connection{ID: e.id, CreatedAt: e.createdAt}
	if e.identity != nil {
		ident := *e.identity
		c.Identity = &ident
	}
	return c, true
}

// ConnectionsFor returns the ids of every open connection bound to userID,
// sorted for stable iteration.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	set := r.byUser[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Count returns the number of open connections and how many of them are
// authenticated.
func (r *Registry) Count() (open int, authenticated int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.conns {
		if e.identity != nil {
			authenticated++
		}
	}
	return len(r.conns), authenticated
}
