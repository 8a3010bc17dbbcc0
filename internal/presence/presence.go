// Package presence derives the company-wide "who is online" view from
// connection churn and explicit user status changes. Connection-derived
// online/offline and the explicit status are independent axes; both are
// broadcast and both end up in the persisted snapshot.
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"
	"unicode/utf8"
)

// Connection-derived statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Explicit statuses a user may choose. "offline" here means "appear offline"
// and does not touch the connection count.
const (
	StatusAvailable = "available"
	StatusAway      = "away"
	StatusBusy      = "busy"
	StatusEmergency = "emergency"
)

// Transition sources.
const (
	SourceConnection = "connection"
	SourceStatus     = "status"
)

// MaxStatusMessageChars caps the free-text message attached to a status.
const MaxStatusMessageChars = 140

var (
	ErrInvalidStatus  = errors.New("presence: invalid status")
	ErrStatusTooLong  = errors.New("presence: status message too long")
	ErrInvalidMessage = errors.New("presence: status message contains invalid UTF-8")
)

var explicitStatuses = map[string]bool{
	StatusAvailable: true,
	StatusAway:      true,
	StatusBusy:      true,
	StatusEmergency: true,
	StatusOffline:   true,
}

// ValidStatus reports whether s is an accepted explicit status.
func ValidStatus(s string) bool {
	return explicitStatuses[s]
}

// Transition is one broadcastable presence change.
type Transition struct {
	UserID    string
	CompanyID string
	Status    string // online/offline for SourceConnection, the explicit status otherwise
	Source    string
	IsOnline  bool
	Message   string
	At        time.Time
}

// Record is the in-memory presence state of one (user, company) pair.
type Record struct {
	UserID                string
	CompanyID             string
	OnlineConnectionCount int
	Status                string // explicit status, empty if never set in this process
	StatusMessage         string
	LastTransitionAt      time.Time
}

// Online reports the connection-derived axis.
func (r Record) Online() bool {
	return r.OnlineConnectionCount > 0
}

type key struct {
	userID    string
	companyID string
}

// Coordinator owns every presence Record. All methods are safe for
// concurrent use; transitions are only produced when the connection count
// crosses the 0/1 boundary, so reconnect storms never flap. A record is
// dropped once it is offline and carries no explicit status.
type Coordinator struct {
	mu      sync.Mutex
	records map[key]*Record
	writer  *SnapshotWriter
	now     func() time.Time
}

// NewCoordinator creates a Coordinator. writer may be nil, in which case no
// snapshots are persisted.
func NewCoordinator(writer *SnapshotWriter) *Coordinator {
	return &Coordinator{
		records: make(map[key]*Record),
		writer:  writer,
		now:     time.Now,
	}
}

func (c *Coordinator) recordLocked(userID, companyID string) *Record {
	k := key{userID, companyID}
	r := c.records[k]
	if r == nil {
		r = &Record{UserID: userID, CompanyID: companyID}
		c.records[k] = r
	}
	return r
}

// Connected records one more bound connection for the pair. It returns an
// "online" transition only when this is the pair's first live connection.
func (c *Coordinator) Connected(userID, companyID string) (Transition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.recordLocked(userID, companyID)
	r.OnlineConnectionCount++
	if r.OnlineConnectionCount != 1 {
		return Transition{}, false
	}

	now := c.now()
	r.LastTransitionAt = now
	c.snapshotLocked(r, now)
	return Transition{
		UserID:    userID,
		CompanyID: companyID,
		Status:    StatusOnline,
		Source:    SourceConnection,
		IsOnline:  true,
		At:        now,
	}, true
}

// Disconnected records the loss of one bound connection. It returns an
// "offline" transition only when the last live connection went away.
func (c *Coordinator) Disconnected(userID, companyID string) (Transition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[key{userID, companyID}]
	if !ok || r.OnlineConnectionCount == 0 {
		return Transition{}, false
	}
	r.OnlineConnectionCount--
	if r.OnlineConnectionCount != 0 {
		return Transition{}, false
	}

	now := c.now()
	r.LastTransitionAt = now
	c.snapshotLocked(r, now)
	// Nothing left to remember about an offline user without an explicit
	// status; the snapshot already carries the last-seen time.
	if r.Status == "" {
		delete(c.records, key{userID, companyID})
	}
	return Transition{
		UserID:    userID,
		CompanyID: companyID,
		Status:    StatusOffline,
		Source:    SourceConnection,
		IsOnline:  false,
		At:        now,
	}, true
}

// SetStatus applies an explicit status change. It always produces a
// transition, even when the status is unchanged, so clients can use it to
// refresh the status message.
func (c *Coordinator) SetStatus(userID, companyID, status, message string) (Transition, error) {
	if !ValidStatus(status) {
		return Transition{}, ErrInvalidStatus
	}
	if !utf8.ValidString(message) {
		return Transition{}, ErrInvalidMessage
	}
	if utf8.RuneCountInString(message) > MaxStatusMessageChars {
		return Transition{}, ErrStatusTooLong
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	r := c.recordLocked(userID, companyID)
	r.Status = status
	r.StatusMessage = message
	r.LastTransitionAt = now
	c.snapshotLocked(r, now)

	return Transition{
		UserID:    userID,
		CompanyID: companyID,
		Status:    status,
		Source:    SourceStatus,
		IsOnline:  r.Online(),
		Message:   message,
		At:        now,
	}, nil
}

func (c *Coordinator) snapshotLocked(r *Record, now time.Time) {
	if c.writer == nil {
		return
	}
	c.writer.Enqueue(Snapshot{
		UserID:    r.UserID,
		CompanyID: r.CompanyID,
		Status:    r.Status,
		IsOnline:  r.Online(),
		LastSeen:  now,
	})
}

// Get returns a copy of the pair's record.
func (c *Coordinator) Get(userID, companyID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[key{userID, companyID}]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Online returns the records of every user with at least one live
// connection in companyID, sorted by user id.
func (c *Coordinator) Online(companyID string) []Record {
	c.mu.Lock()
	out := make([]Record, 0)
	for k, r := range c.records {
		if k.companyID == companyID && r.Online() {
			out = append(out, *r)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
