package registry

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
)

func mustBind(t *testing.T, r *Registry, id string, ident Identity) {
	t.Helper()
	if _, err := r.BeginAuth(id); err != nil {
		t.Fatalf("BeginAuth(%s): %v", id, err)
	}
	if err := r.Bind(id, ident); err != nil {
		t.Fatalf("Bind(%s): %v", id, err)
	}
}

func TestOpenIsUnauthenticated(t *testing.T) {
	r := New()
	id := r.Open()

	if _, err := r.Identity(id); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	open, authed := r.Count()
	if open != 1 || authed != 0 {
		t.Fatalf("expected 1 open / 0 authenticated, got %d / %d", open, authed)
	}
}

func TestBindAndConnectionsFor(t *testing.T) {
	r := New()
	a1 := r.Open()
	a2 := r.Open()
	b1 := r.Open()

	mustBind(t, r, a1, Identity{UserID: "alice", CompanyID: "acme"})
	mustBind(t, r, a2, Identity{UserID: "alice", CompanyID: "acme"})
	mustBind(t, r, b1, Identity{UserID: "bob", CompanyID: "acme"})

	got := r.ConnectionsFor("alice")
	want := []string{a1, a2}
	sort.Strings(want)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("ConnectionsFor(alice) = %v, want %v", got, want)
	}

	ident, err := r.Identity(b1)
	if err != nil {
		t.Fatalf("Identity(b1): %v", err)
	}
	if ident.UserID != "bob" || ident.CompanyID != "acme" {
		t.Errorf("unexpected identity %+v", ident)
	}
}

func TestSecondAuthenticateFails(t *testing.T) {
	r := New()
	id := r.Open()
	mustBind(t, r, id, Identity{UserID: "alice", CompanyID: "acme"})

	if _, err := r.BeginAuth(id); !errors.Is(err, ErrAlreadyAuthenticated) {
		t.Fatalf("expected ErrAlreadyAuthenticated, got %v", err)
	}
	if err := r.Bind(id, Identity{UserID: "mallory", CompanyID: "acme"}); !errors.Is(err, ErrAlreadyAuthenticated) {
		t.Fatalf("expected ErrAlreadyAuthenticated from Bind, got %v", err)
	}
}

func TestConcurrentAuthenticateRejected(t *testing.T) {
	r := New()
	id := r.Open()

	if _, err := r.BeginAuth(id); err != nil {
		t.Fatalf("BeginAuth: %v", err)
	}
	if _, err := r.BeginAuth(id); !errors.Is(err, ErrAuthInProgress) {
		t.Fatalf("expected ErrAuthInProgress, got %v", err)
	}

	// A failed attempt leaves the connection retryable.
	r.AbortAuth(id)
	if _, err := r.BeginAuth(id); err != nil {
		t.Fatalf("BeginAuth after abort: %v", err)
	}
}

func TestRemoveCancelsContextAndIsIdempotent(t *testing.T) {
	r := New()
	id := r.Open()

	ctx, err := r.BeginAuth(id)
	if err != nil {
		t.Fatalf("BeginAuth: %v", err)
	}

	if _, _, existed := r.Remove(id); !existed {
		t.Fatal("expected first Remove to report existed=true")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected connection context to be cancelled on Remove")
	}

	if _, _, existed := r.Remove(id); existed {
		t.Fatal("expected second Remove to be a no-op")
	}
	if err := r.Bind(id, Identity{UserID: "alice", CompanyID: "acme"}); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed binding a removed connection, got %v", err)
	}
	if got := r.ConnectionsFor("alice"); len(got) != 0 {
		t.Fatalf("expected no connections for alice, got %v", got)
	}
}

func TestBoundContextEndsWithConnection(t *testing.T) {
	r := New()
	id := r.Open()

	if _, _, err := r.Bound(id); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized before bind, got %v", err)
	}
	mustBind(t, r, id, Identity{UserID: "alice", CompanyID: "acme"})

	ident, ctx, err := r.Bound(id)
	if err != nil {
		t.Fatalf("Bound: %v", err)
	}
	if ident.UserID != "alice" || ctx.Err() != nil {
		t.Fatalf("unexpected identity %+v ctx err %v", ident, ctx.Err())
	}

	r.Remove(id)
	if ctx.Err() == nil {
		t.Error("expected context cancelled after Remove")
	}
	if _, _, err := r.Bound(id); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed after Remove, got %v", err)
	}
}

func TestRemoveReportsBoundIdentity(t *testing.T) {
	r := New()
	id := r.Open()
	mustBind(t, r, id, Identity{UserID: "alice", CompanyID: "acme"})

	ident, bound, existed := r.Remove(id)
	if !existed || !bound {
		t.Fatalf("expected existed and bound, got existed=%v bound=%v", existed, bound)
	}
	if ident.UserID != "alice" {
		t.Errorf("expected alice, got %q", ident.UserID)
	}
}

// TestConnectionsForMatchesModel drives random Open/Authenticate/Close
// sequences and checks the reverse index against a simple model after every
// step.
func TestConnectionsForMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	users := []string{"u1", "u2", "u3"}

	r := New()
	var open []string
	model := map[string]string{} // conn -> user (bound only)

	for step := 0; step < 2000; step++ {
		switch op := rng.Intn(3); {
		case op == 0 || len(open) == 0:
			open = append(open, r.Open())
		case op == 1:
			id := open[rng.Intn(len(open))]
			if _, bound := model[id]; bound {
				continue
			}
			user := users[rng.Intn(len(users))]
			mustBind(t, r, id, Identity{UserID: user, CompanyID: "c"})
			model[id] = user
		default:
			i := rng.Intn(len(open))
			id := open[i]
			open = append(open[:i], open[i+1:]...)
			r.Remove(id)
			delete(model, id)
		}

		for _, u := range users {
			var want []string
			for id, owner := range model {
				if owner == u {
					want = append(want, id)
				}
			}
			sort.Strings(want)
			got := r.ConnectionsFor(u)
			if len(got) != len(want) {
				t.Fatalf("step %d: ConnectionsFor(%s) = %v, want %v", step, u, got, want)
			}
			for i := range got {
				if got[i] != want[i] {
					t.Fatalf("step %d: ConnectionsFor(%s) = %v, want %v", step, u, got, want)
				}
			}
		}
	}
}

func TestConcurrentChurn(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := r.Open()
				if _, err := r.BeginAuth(id); err != nil {
					t.Errorf("BeginAuth: %v", err)
					return
				}
				_ = r.Bind(id, Identity{UserID: fmt.Sprintf("user-%d", n%5), CompanyID: "c"})
				_ = r.ConnectionsFor("user-0")
				r.Remove(id)
			}
		}(g)
	}
	wg.Wait()

	open, authed := r.Count()
	if open != 0 || authed != 0 {
		t.Fatalf("expected empty registry, got %d open / %d authenticated", open, authed)
	}
}
