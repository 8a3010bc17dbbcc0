package presence

import (
	"context"
	"log"
	"sync"
	"time"
)

// Snapshot is the persisted view of one (user, company) presence. An empty
// Status means "leave the stored explicit status unchanged".
type Snapshot struct {
	UserID    string
	CompanyID string
	Status    string
	IsOnline  bool
	LastSeen  time.Time
}

// Store persists presence snapshots.
type Store interface {
	UpsertPresenceSnapshot(ctx context.Context, s Snapshot) error
}

// SnapshotWriter persists snapshots from a single background goroutine so
// that writes land in the order transitions happened. Pending writes for the
// same pair coalesce to the most recent one.
type SnapshotWriter struct {
	store   Store
	timeout time.Duration

	mu      sync.Mutex
	pending map[key]Snapshot
	order   []key

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewSnapshotWriter creates a writer. Each store call is bounded by timeout.
func NewSnapshotWriter(store Store, timeout time.Duration) *SnapshotWriter {
	return &SnapshotWriter{
		store:   store,
		timeout: timeout,
		pending: make(map[key]Snapshot),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the write loop.
func (w *SnapshotWriter) Start() {
	go w.loop()
}

// Enqueue schedules s for persistence. It never blocks on the store.
func (w *SnapshotWriter) Enqueue(s Snapshot) {
	k := key{s.UserID, s.CompanyID}

	w.mu.Lock()
	if prev, ok := w.pending[k]; ok {
		// Keep an explicit status from an earlier pending write if the newer
		// one does not carry one.
		if s.Status == "" {
			s.Status = prev.Status
		}
	} else {
		w.order = append(w.order, k)
	}
	w.pending[k] = s
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop flushes everything still pending and waits for the loop to exit.
func (w *SnapshotWriter) Stop() {
	w.once.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *SnapshotWriter) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.wake:
			w.flush()
		case <-w.done:
			w.flush()
			return
		}
	}
}

func (w *SnapshotWriter) flush() {
	for {
		w.mu.Lock()
		if len(w.order) == 0 {
			w.mu.Unlock()
			return
		}
		order, pending := w.order, w.pending
		w.order = nil
		w.pending = make(map[key]Snapshot)
		w.mu.Unlock()

		for _, k := range order {
			s := pending[k]
			ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
			err := w.store.UpsertPresenceSnapshot(ctx, s)
			cancel()
			if err != nil {
				log.Printf("[presence] snapshot write failed user=%s company=%s online=%v: %v",
					s.UserID, s.CompanyID, s.IsOnline, err)
			}
		}
	}
}
