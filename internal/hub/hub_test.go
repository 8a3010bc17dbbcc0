package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/huddle/chat-app/internal/chat"
	"github.com/huddle/chat-app/internal/identity"
	"github.com/huddle/chat-app/internal/messaging"
	"github.com/huddle/chat-app/internal/presence"
	"github.com/huddle/chat-app/internal/protocol"
	"github.com/huddle/chat-app/internal/registry"
	"github.com/huddle/chat-app/internal/room"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// tokens look like "tok-<user>"; anything else is rejected.
var tokenVerifier = identity.VerifierFunc(func(ctx context.Context, credential string) (string, error) {
	if !strings.HasPrefix(credential, "tok-") {
		return "", identity.ErrInvalidCredential
	}
	return strings.TrimPrefix(credential, "tok-"), nil
})

type fakeStore struct {
	mu           sync.Mutex
	members      map[string]bool     // "user|company"
	participants map[string][]string // user -> conversations
	persistErr   error
	memberErr    error
	persistHold  chan struct{} // when set, PersistMessage waits on it
	persistSeen  chan struct{} // signalled when a held PersistMessage starts
	persisted    []chat.Message
	seq          int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members:      make(map[string]bool),
		participants: make(map[string][]string),
	}
}

func (s *fakeStore) member(userID, companyID string, conversations ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[userID+"|"+companyID] = true
	s.participants[userID] = append(s.participants[userID], conversations...)
}

func (s *fakeStore) leave(userID, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.participants[userID][:0]
	for _, c := range s.participants[userID] {
		if c != conversationID {
			kept = append(kept, c)
		}
	}
	s.participants[userID] = kept
}

func (s *fakeStore) IsCompanyMember(ctx context.Context, userID, companyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memberErr != nil {
		return false, s.memberErr
	}
	return s.members[userID+"|"+companyID], nil
}

func (s *fakeStore) ConversationsFor(ctx context.Context, userID, companyID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.participants[userID]...), nil
}

func (s *fakeStore) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.participants[userID] {
		if c == conversationID {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) PersistMessage(ctx context.Context, conversationID, senderUserID, body string) (chat.Message, error) {
	s.mu.Lock()
	hold, seen := s.persistHold, s.persistSeen
	s.mu.Unlock()
	if hold != nil {
		seen <- struct{}{}
		select {
		case <-hold:
		case <-ctx.Done():
			return chat.Message{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return chat.Message{}, s.persistErr
	}
	s.seq++
	m := chat.Message{
		ID:             fmt.Sprintf("m%d", s.seq),
		ConversationID: conversationID,
		SenderUserID:   senderUserID,
		Body:           body,
		CreatedAt:      time.Unix(int64(s.seq), 0).UTC(),
	}
	s.persisted = append(s.persisted, m)
	return m, nil
}

func (s *fakeStore) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	return nil
}

func (s *fakeStore) persistedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.persisted)
}

type frame struct {
	Type string
	Raw  []byte
}

// recorder stands in for the WebSocket server.
type recorder struct {
	mu     sync.Mutex
	frames map[string][]frame
}

func newRecorder() *recorder {
	return &recorder{frames: make(map[string][]frame)}
}

func (r *recorder) Deliver(connID string, data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	r.mu.Lock()
	r.frames[connID] = append(r.frames[connID], frame{Type: env.Type, Raw: data})
	r.mu.Unlock()
	return nil
}

func (r *recorder) of(connID, msgType string) []frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []frame
	for _, f := range r.frames[connID] {
		if f.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) types(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, f := range r.frames[connID] {
		out = append(out, f.Type)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.frames = make(map[string][]frame)
	r.mu.Unlock()
}

type fakePublisher struct {
	mu     sync.Mutex
	events []messaging.PresenceEvent
}

func (p *fakePublisher) PublishPresence(ev messaging.PresenceEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// fakeDirectory records directory entries by connection id. When bindHold
// is set, Bind signals bindSeen and waits on bindHold before writing.
type fakeDirectory struct {
	mu       sync.Mutex
	entries  map[string]string // conn -> user, "" until bound
	touched  []string
	bindHold chan struct{}
	bindSeen chan struct{}
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{entries: make(map[string]string)}
}

func (d *fakeDirectory) Create(ctx context.Context, connID string) error {
	d.mu.Lock()
	d.entries[connID] = ""
	d.mu.Unlock()
	return nil
}

func (d *fakeDirectory) Bind(ctx context.Context, connID, userID, companyID string) error {
	if d.bindHold != nil {
		d.bindSeen <- struct{}{}
		<-d.bindHold
	}
	d.mu.Lock()
	d.entries[connID] = userID
	d.mu.Unlock()
	return nil
}

func (d *fakeDirectory) Touch(ctx context.Context, connID string) error {
	d.mu.Lock()
	d.touched = append(d.touched, connID)
	d.mu.Unlock()
	return nil
}

func (d *fakeDirectory) Delete(ctx context.Context, connID string) error {
	d.mu.Lock()
	delete(d.entries, connID)
	d.mu.Unlock()
	return nil
}

func (d *fakeDirectory) has(connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[connID]
	return ok
}

func (d *fakeDirectory) touchedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.touched...)
}

type fixture struct {
	hub   *Hub
	store *fakeStore
	out   *recorder
	pub   *fakePublisher
}

func newFixture(t *testing.T, v identity.Verifier, opts ...Option) *fixture {
	t.Helper()
	if v == nil {
		v = tokenVerifier
	}
	f := &fixture{store: newFakeStore(), out: newRecorder(), pub: &fakePublisher{}}
	opts = append([]Option{WithPublisher(f.pub)}, opts...)
	f.hub = New(DefaultConfig(), v, f.store, nil, opts...)
	f.hub.SetDeliverer(f.out)
	return f
}

func (f *fixture) login(t *testing.T, userID, companyID string) string {
	t.Helper()
	id := f.hub.Open()
	if _, err := f.hub.Authenticate(context.Background(), id, "tok-"+userID, companyID); err != nil {
		t.Fatalf("authenticate %s: %v", userID, err)
	}
	return id
}

func decode[T any](t *testing.T, f frame) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(f.Raw, &v); err != nil {
		t.Fatalf("decode %s: %v", f.Type, err)
	}
	return v
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestAuthenticate_SnapshotAndOnlineBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	f.store.member("alice", "acme", "general")
	f.store.member("bob", "acme", "general")

	a := f.login(t, "alice", "acme")

	types := f.out.types(a)
	want := []string{protocol.TypeAuthenticated, protocol.TypePresenceSnapshot, protocol.TypePresenceChanged}
	if len(types) < 2 || types[0] != want[0] || types[1] != want[1] {
		t.Fatalf("alice frames = %v, want prefix %v", types, want[:2])
	}

	b := f.login(t, "bob", "acme")

	snap := decode[protocol.PresenceSnapshotMsg](t, f.out.of(b, protocol.TypePresenceSnapshot)[0])
	if len(snap.Users) != 2 || snap.Users[0].UserID != "alice" || !snap.Users[0].IsOnline {
		t.Errorf("bob snapshot = %+v, want alice and bob online", snap.Users)
	}

	changed := f.out.of(a, protocol.TypePresenceChanged)
	if len(changed) != 2 {
		t.Fatalf("alice presence_changed frames = %d, want 2", len(changed))
	}
	msg := decode[protocol.PresenceChangedMsg](t, changed[1])
	if msg.UserID != "bob" || msg.Status != presence.StatusOnline || !msg.IsOnline || msg.Source != presence.SourceConnection {
		t.Errorf("presence_changed = %+v, want bob online via connection", msg)
	}
	if f.pub.count() != 2 {
		t.Errorf("published events = %d, want 2", f.pub.count())
	}
}

func TestAuthenticate_SecondDeviceNoTransition(t *testing.T) {
	f := newFixture(t, nil)
	f.store.member("alice", "acme")
	f.store.member("bob", "acme")

	b := f.login(t, "bob", "acme")
	f.login(t, "alice", "acme")
	f.login(t, "alice", "acme")

	if n := len(f.out.of(b, protocol.TypePresenceChanged)); n != 2 {
		t.Errorf("bob saw %d presence_changed, want 2 (bob's own + alice once)", n)
	}
	rec, ok := f.hub.Presence("alice", "acme")
	if !ok || rec.OnlineConnectionCount != 2 {
		t.Errorf("alice record = %+v, want 2 connections", rec)
	}
}

func TestAuthenticate_FailureThenRetry(t *testing.T) {
	f := newFixture(t, nil)
	f.store.member("alice", "acme")

	id := f.hub.Open()
	_, err := f.hub.Authenticate(context.Background(), id, "garbage", "acme")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if ErrorCode(err) != CodeAuthError {
		t.Errorf("code = %q, want %q", ErrorCode(err), CodeAuthError)
	}
	if _, err := f.hub.Identity(id); !errors.Is(err, registry.ErrUnauthorized) {
		t.Errorf("identity after failure: %v, want ErrUnauthorized", err)
	}

	ident, err := f.hub.Authenticate(context.Background(), id, "tok-alice", "acme")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if ident.UserID != "alice" || ident.CompanyID != "acme" {
		t.Errorf("identity = %+v", ident)
	}
}

func TestAuthenticate_Twice(t *testing.T) {
	f := newFixture(t, nil)
	f.store.member("alice", "acme")
	id := f.login(t, "alice", "acme")

	_, err := f.hub.Authenticate(context.Background(), id, "tok-alice", "acme")
	if ErrorCode(err) != CodeAlreadyAuthenticated {
		t.Errorf("second authenticate code = %q, want %q", ErrorCode(err), CodeAlreadyAuthenticated)
	}
}

func TestAuthenticate_NotCompanyMember(t *testing.T) {
	f := newFixture(t, nil)
	f.store.member("alice", "acme")

	id := f.hub.Open()
	_, err := f.hub.Authenticate(context.Background(), id, "tok-alice", "globex")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if _, ok := f.hub.Presence("alice", "globex"); ok {
		t.Error("presence record created for rejected company")
	}
}

func TestAuthenticate_MembershipStoreError(t *testing.T) {
	f := newFixture(t, nil)
	f.store.memberErr = errors.New("db down")

	id := f.hub.Open()
	_, err := f.hub.Authenticate(context.Background(), id, "tok-alice", "acme")
	if ErrorCode(err) != CodeStorageError {
		t.Errorf("code = %q, want %q", ErrorCode(err), CodeStorageError)
	}
}

func TestAuthenticate_MissingCompany(t *testing.T) {
	f := newFixture(t, nil)
	id := f.hub.Open()
	_, err := f.hub.Authenticate(context.Background(), id, "tok-alice", "")
	if ErrorCode(err) != CodeInvalidPayload {
		t.Errorf("code = %q, want %q", ErrorCode(err), CodeInvalidPayload)
	}
}

func TestAuthenticate_CloseDuringVerification(t *testing.T) {
	entered := make(chan struct{})
	blocking := identity.VerifierFunc(func(ctx context.Context, credential string) (string, error) {
		close(entered)
		<-ctx.Done()
		return "", ctx.Err()
	})
	f := newFixture(t, blocking)
	f.store.member("alice", "acme", "general")

	id := f.hub.Open()
	done := make(chan error, 1)
	go func() {
		_, err := f.hub.Authenticate(context.Background(), id, "tok-alice", "acme")
		done <- err
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("verifier never called")
	}
	f.hub.Close(id)

	select {
	case err := <-done:
		if !errors.Is(err, registry.ErrConnectionClosed) {
			t.Errorf("err = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("authenticate did not return after close")
	}

	if _, ok := f.hub.Presence("alice", "acme"); ok {
		t.Error("closed connection left a presence record")
	}
	if open, authed, topics := f.hub.Stats(); open != 0 || authed != 0 || topics != 0 {
		t.Errorf("stats = %d/%d/%d, want all zero", open, authed, topics)
	}
}

func TestAuthenticate_CloseDuringDirectoryBind(t *testing.T) {
	d := newFakeDirectory()
	d.bindHold = make(chan struct{})
	d.bindSeen = make(chan struct{}, 1)
	f := newFixture(t, nil, WithDirectory(d))
	f.store.member("alice", "acme", "general")

	id := f.hub.Open()
	if !d.has(id) {
		t.Fatal("open did not create a directory entry")
	}
	done := make(chan error, 1)
	go func() {
		_, err := f.hub.Authenticate(context.Background(), id, "tok-alice", "acme")
		done <- err
	}()

	select {
	case <-d.bindSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("directory bind never called")
	}
	f.hub.Close(id)
	close(d.bindHold)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("authenticate: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("authenticate did not return")
	}
	if d.has(id) {
		t.Error("directory entry outlived the closed connection")
	}
}

func TestTouch_RefreshesLiveDirectoryEntries(t *testing.T) {
	d := newFakeDirectory()
	f := newFixture(t, nil, WithDirectory(d))
	f.store.member("alice", "acme")

	a := f.login(t, "alice", "acme")
	anon := f.hub.Open()
	f.hub.Touch(a)
	f.hub.Touch(anon)

	f.hub.Close(a)
	f.hub.Touch(a)

	got := d.touchedIDs()
	if len(got) != 2 || got[0] != a || got[1] != anon {
		t.Errorf("touched = %v, want [%s %s]", got, a, anon)
	}
	if d.has(a) {
		t.Error("closed connection still in directory")
	}
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func TestClose_LastConnectionGoesOffline(t *testing.T) {
	f := newFixture(t, nil)
	f.store.member("alice", "acme", "general")
	f.store.member("bob", "acme", "general")

	a1 := f.login(t, "alice", "acme")
	a2 := f.login(t, "alice", "acme")
	b := f.login(t, "bob", "acme")
	f.out.reset()

	f.hub.Close(a1)
	if n := len(f.out.of(b, protocol.TypePresenceChanged)); n != 0 {
		t.Fatalf("offline broadcast with a device still connected (%d)", n)
	}

	f.hub.Close(a2)
	changed := f.out.of(b, protocol.TypePresenceChanged)
	if len(changed) != 1 {
		t.Fatalf("bob presence_changed = %d, want 1", len(changed))
	}
	msg := decode[protocol.PresenceChangedMsg](t, changed[0])
	if msg.UserID != "alice" || msg.IsOnline || msg.Status != presence.StatusOffline {
		t.Errorf("presence_changed = %+v, want alice offline", msg)
	}

	// Idempotent.
	f.hub.Close(a2)
	f.hub.Close("never-existed")
	if n := len(f.out.of(b, protocol.TypePresenceChanged)); n != 1 {
		t.Errorf("repeat close emitted more transitions (%d)", n)
	}
}

func TestClose_UnauthenticatedNoPresence(t *testing.T) {
	f := newFixture(t, nil)
	id := f.hub.Open()
	f.hub.Close(id)

	if f.pub.count() != 0 {
		t.Errorf("published %d events for an anonymous connection", f.pub.count())
	}
	if open, _, _ := f.hub.Stats(); open != 0 {
		t.Errorf("open = %d, want 0", open)
	}
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

func TestSend_BroadcastAndAck(t *testing.T) {
	f := newFixture(t, nil)
	f.store.member("alice", "acme", "general")
	f.store.member("bob", "acme", "general")
	f.store.member("carol", "acme")

	a1 := f.login(t, "alice", "acme")
	a2 := f.login(t, "alice", "acme")
	b := f.login(t, "bob", "acme")
	c := f.login(t, "carol", "acme")

	msg, err := f.hub.Send(context.Background(), a1, protocol.SendMsg{
		ConversationID: "general", Body: "  hello  ", ClientID: "c-1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Body != "hello" {
		t.Errorf("body = %q, want trimmed", msg.Body)
	}

	acks := f.out.of(a1, protocol.TypeMessageAck)
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	ack := decode[protocol.MessageAckMsg](t, acks[0])
	if ack.ClientID != "c-1" || ack.Message.ID != msg.ID {
		t.Errorf("ack = %+v", ack)
	}
	if n := len(f.out.of(a1, protocol.TypeMessage)); n != 0 {
		t.Errorf("originating connection got %d message frames", n)
	}
	if n := len(f.out.of(a2, protocol.TypeMessage)); n != 1 {
		t.Errorf("sender's other device got %d message frames, want 1", n)
	}
	if n := len(f.out.of(b, protocol.TypeMessage)); n != 1 {
		t.Errorf("bob got %d message frames, want 1", n)
	}
	if n := len(f.out.of(c, protocol.TypeMessage)); n != 0 {
		t.Errorf("non-participant got %d message frames", n)
	}
}

func TestSend_Unauthenticated(t *testing.T) {
	f := newFixture(t, nil)
	id := f.hub.Open()

	_, err := f.hub.Send(context.Background(), id, protocol.SendMsg{ConversationID: "general", Body: "hi"})
	if ErrorCode(err) != CodeUnauthorized {
		t.Errorf("code = %q, want %q", ErrorCode(err), CodeUnauthorized)
	}
	if f.store.persistedCount() != 0 {
		t.Error("unauthenticated send persisted")
	}
}

func TestSend_Forbidden(t *testing.T) {
	f := newFixture(t, nil)
	f.store.member("alice", "acme")
	f.store.member("bob", "acme", "secret")

	a := f.login(t, "alice", "acme")
	b := f.login(t, "bob", "acme")

	_, err := f.hub.Send(context.Background(), a, protocol.SendMsg{ConversationID: "secret", Body: "peek"})
	if ErrorCode(err) != CodeForbidden {
		t.Errorf("code = %q, want %q", ErrorCode(err), CodeForbidden)
	}
	if f.store.persistedCount() != 0 {
		t.Error("forbidden send persisted")
	}
	if n := len(f.out.of(b, protocol.TypeMessage)); n != 0 {
		t.Errorf("forbidden send broadcast %d frames", n)
	}
}

func TestSend_StorageError(t *testing.T) {
	f := newFixture(t, nil)
	f.store.member("alice", "acme", "general")
	f.store.member("bob", "acme", "general")

	a := f.login(t, "alice", "acme")
	b := f.login(t, "bob", "acme")
	f.store.persistErr = errors.New("disk full")

	_, err := f.hub.Send(context.Background(), a, protocol.SendMsg{ConversationID: "general", Body: "lost"})
	if ErrorCode(err) != CodeStorageError {
		t.Errorf("code = %q, want %q", ErrorCode(err), CodeStorageError)
	}
	if n := len(f.out.of(b, protocol.TypeMessage)); n != 0 {
		t.Errorf("unpersisted message broadcast %d frames", n)
	}
	if n := len(f.out.of(a, protocol.TypeMessageAck)); n != 0 {
		t.Errorf("unpersisted message acked")
	}
}

func TestSend_CloseAbandonsPendingPersist(t *testing.T) {
	f := newFixture(t, nil)
	f.store.member("alice", "acme", "general")
	a := f.login(t, "alice", "acme")

	f.store.mu.Lock()
	f.store.persistHold = make(chan struct{})
	f.store.persistSeen = make(chan struct{}, 1)
	f.store.mu.Unlock()
	defer close(f.store.persistHold)

	done := make(chan error, 1)
	go func() {
		_, err := f.hub.Send(context.Background(), a, protocol.SendMsg{ConversationID: "general", Body: "late"})
		done <- err
	}()

	select {
	case <-f.store.persistSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("persist never called")
	}
	f.hub.Close(a)

	select {
	case err := <-done:
		if !errors.Is(err, registry.ErrConnectionClosed) {
			t.Errorf("err = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after close")
	}
	if f.store.persistedCount() != 0 {
		t.Error("abandoned send persisted")
	}
	if n := len(f.out.of(a, protocol.TypeMessageAck)); n != 0 {
		t.Error("abandoned send acked")
	}
}

// ---------------------------------------------------------------------------
// Typing
// ---------------------------------------------------------------------------

func TestTyping_ExcludesAllSenderDevices(t *testing.T) {
	f := newFixture(t, nil)
	f.store.member("alice", "acme", "general")
	f.store.member("bob", "acme", "general")

	a1 := f.login(t, "alice", "acme")
	a2 := f.login(t, "alice", "acme")
	b := f.login(t, "bob", "acme")

	if err := f.hub.Typing(context.Background(), a1, protocol.TypingMsg{ConversationID: "general", IsTyping: true}); err != nil {
		t.Fatalf("typing: %v", err)
	}
	if n := len(f.out.of(a1, protocol.TypeTyping)) + len(f.out.of(a2, protocol.TypeTyping)); n != 0 {
		t.Errorf("sender devices got %d typing frames", n)
	}
	got := f.out.of(b, protocol.TypeTyping)
	if len(got) != 1 {
		t.Fatalf("bob typing frames = %d, want 1", len(got))
	}
	msg := decode[protocol.ServerTypingMsg](t, got[0])
	if msg.UserID != "alice" || !msg.IsTyping {
		t.Errorf("typing = %+v", msg)
	}
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

func TestSetStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.store.member("alice", "acme")
	f.store.member("bob", "acme")

	a := f.login(t, "alice", "acme")
	b := f.login(t, "bob", "acme")
	f.out.reset()

	t.Run("broadcast", func(t *testing.T) {
		err := f.hub.SetStatus(a, protocol.SetStatusMsg{CompanyID: "acme", Status: presence.StatusBusy, Message: "focus"})
		if err != nil {
			t.Fatalf("set status: %v", err)
		}
		got := f.out.of(b, protocol.TypePresenceChanged)
		if len(got) != 1 {
			t.Fatalf("bob frames = %d, want 1", len(got))
		}
		msg := decode[protocol.PresenceChangedMsg](t, got[0])
		if msg.Status != presence.StatusBusy || msg.Source != presence.SourceStatus || !msg.IsOnline || msg.Message != "focus" {
			t.Errorf("presence_changed = %+v", msg)
		}
	})

	t.Run("other company", func(t *testing.T) {
		err := f.hub.SetStatus(a, protocol.SetStatusMsg{CompanyID: "globex", Status: presence.StatusAway})
		if ErrorCode(err) != CodeForbidden {
			t.Errorf("code = %q, want %q", ErrorCode(err), CodeForbidden)
		}
	})

	t.Run("invalid status", func(t *testing.T) {
		err := f.hub.SetStatus(a, protocol.SetStatusMsg{Status: "sleeping"})
		if ErrorCode(err) != CodeInvalidPayload {
			t.Errorf("code = %q, want %q", ErrorCode(err), CodeInvalidPayload)
		}
	})

	t.Run("unauthenticated", func(t *testing.T) {
		id := f.hub.Open()
		err := f.hub.SetStatus(id, protocol.SetStatusMsg{Status: presence.StatusAway})
		if ErrorCode(err) != CodeUnauthorized {
			t.Errorf("code = %q, want %q", ErrorCode(err), CodeUnauthorized)
		}
	})
}

// ---------------------------------------------------------------------------
// Membership changes
// ---------------------------------------------------------------------------

func TestMembershipChanged(t *testing.T) {
	f := newFixture(t, nil)
	f.store.member("alice", "acme")
	f.store.member("bob", "acme", "new")

	a := f.login(t, "alice", "acme")
	b := f.login(t, "bob", "acme")
	topic := room.ConversationTopic("new")

	// Not yet a participant: the change is ignored.
	if err := f.hub.MembershipChanged(context.Background(), messaging.MembershipChange{
		UserID: "alice", ConversationID: "new", Action: messaging.ActionAdded,
	}); err != nil {
		t.Fatalf("added: %v", err)
	}
	if f.hub.rooms.IsSubscribed(a, topic) {
		t.Fatal("subscribed without store confirmation")
	}

	f.store.member("alice", "acme", "new")
	if err := f.hub.MembershipChanged(context.Background(), messaging.MembershipChange{
		UserID: "alice", ConversationID: "new", CompanyID: "acme", Action: messaging.ActionAdded,
	}); err != nil {
		t.Fatalf("added: %v", err)
	}
	if !f.hub.rooms.IsSubscribed(a, topic) {
		t.Fatal("not subscribed after added")
	}

	if _, err := f.hub.Send(context.Background(), b, protocol.SendMsg{ConversationID: "new", Body: "welcome"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := len(f.out.of(a, protocol.TypeMessage)); n != 1 {
		t.Errorf("alice got %d messages, want 1", n)
	}

	f.store.leave("alice", "new")
	if err := f.hub.MembershipChanged(context.Background(), messaging.MembershipChange{
		UserID: "alice", ConversationID: "new", Action: messaging.ActionRemoved,
	}); err != nil {
		t.Fatalf("removed: %v", err)
	}
	if f.hub.rooms.IsSubscribed(a, topic) {
		t.Error("still subscribed after removed")
	}

	err := f.hub.MembershipChanged(context.Background(), messaging.MembershipChange{
		UserID: "alice", ConversationID: "new", Action: "renamed",
	})
	if ErrorCode(err) != CodeInvalidPayload {
		t.Errorf("unknown action code = %q", ErrorCode(err))
	}
}

// ---------------------------------------------------------------------------
// Error codes
// ---------------------------------------------------------------------------

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("x: %w", chat.ErrInvalidPayload), CodeInvalidPayload},
		{presence.ErrInvalidStatus, CodeInvalidPayload},
		{presence.ErrStatusTooLong, CodeInvalidPayload},
		{registry.ErrUnauthorized, CodeUnauthorized},
		{fmt.Errorf("%w: bad sig", ErrAuth), CodeAuthError},
		{chat.ErrForbidden, CodeForbidden},
		{chat.ErrStorage, CodeStorageError},
		{registry.ErrAlreadyAuthenticated, CodeAlreadyAuthenticated},
		{registry.ErrAuthInProgress, CodeAlreadyAuthenticated},
		{registry.ErrConnectionClosed, CodeConnectionClosed},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Churn
// ---------------------------------------------------------------------------

func TestChurn_IndexesReturnToEmpty(t *testing.T) {
	f := newFixture(t, nil)
	users := []string{"u0", "u1", "u2", "u3", "u4"}
	for _, u := range users {
		f.store.member(u, "acme", "general", "random")
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				u := users[rng.Intn(len(users))]
				id := f.hub.Open()
				if rng.Intn(3) > 0 {
					_, _ = f.hub.Authenticate(context.Background(), id, "tok-"+u, "acme")
					_, _ = f.hub.Send(context.Background(), id, protocol.SendMsg{ConversationID: "general", Body: "x"})
				}
				f.hub.Close(id)
			}
		}(int64(w))
	}
	wg.Wait()

	if open, authed, topics := f.hub.Stats(); open != 0 || authed != 0 || topics != 0 {
		t.Errorf("stats after churn = %d/%d/%d, want all zero", open, authed, topics)
	}
	for _, u := range users {
		if rec, ok := f.hub.Presence(u, "acme"); ok && rec.Online() {
			t.Errorf("%s still online after churn: %+v", u, rec)
		}
		if ids := f.hub.ConnectionsFor(u); len(ids) != 0 {
			t.Errorf("%s still has connections %v", u, ids)
		}
	}
}
