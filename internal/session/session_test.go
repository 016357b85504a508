package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"emberroom/go-backend/internal/relay"
	"emberroom/go-backend/internal/wire"
	"emberroom/go-backend/pkg/models"
)

// memRelay wires sessions to a real registry through in-process transports,
// replaying the relay's connection handling: identity binding at join and
// sender validation on routed frames.
type memRelay struct {
	reg *relay.Registry

	mu       sync.Mutex
	failDial bool
}

func newMemRelay() *memRelay {
	return &memRelay{reg: relay.NewRegistry(8, clock.NewMock(), nil, testLogger())}
}

func (r *memRelay) setFailDial(fail bool) {
	r.mu.Lock()
	r.failDial = fail
	r.mu.Unlock()
}

func (r *memRelay) Dial(roomID string, h TransportHandlers) (Transport, error) {
	r.mu.Lock()
	fail := r.failDial
	r.mu.Unlock()
	if fail {
		return nil, errors.New("relay unreachable")
	}
	t := &memTransport{
		relay:  r,
		roomID: roomID,
		h:      h,
		sendQ:  make(chan wire.Frame, 64),
		done:   make(chan struct{}),
	}
	t.end = &relayEnd{t: t}
	go t.sendLoop()
	return t, nil
}

type memTransport struct {
	relay  *memRelay
	roomID string
	h      TransportHandlers
	end    *relayEnd

	sendQ chan wire.Frame
	done  chan struct{}

	mu       sync.Mutex
	closed   bool
	identity string
}

func (t *memTransport) SendFrame(f wire.Frame) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	if j, ok := f.(wire.Join); ok {
		t.identity = j.IdentityKey
	}
	t.mu.Unlock()
	select {
	case t.sendQ <- f:
		return nil
	default:
		return errors.New("send queue full")
	}
}

func (t *memTransport) sendLoop() {
	for {
		select {
		case <-t.done:
			return
		case f := <-t.sendQ:
			t.mu.Lock()
			identity := t.identity
			t.mu.Unlock()
			switch fr := f.(type) {
			case wire.Join:
				_ = t.relay.reg.Join(t.roomID, t.end, fr)
			case wire.KeyShare:
				if fr.SenderIdentityKey == identity {
					t.relay.reg.RouteKeyShare(t.roomID, fr)
				}
			case wire.Encrypted:
				if fr.SenderIdentityKey == identity {
					t.relay.reg.RouteEncrypted(t.roomID, fr)
				}
			case wire.Purge:
				t.relay.reg.Purge(t.roomID, identity, t.end)
			}
		}
	}
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	identity := t.identity
	t.mu.Unlock()
	close(t.done)
	t.relay.reg.Disconnect(t.roomID, identity, t.end)
	if t.h.OnClose != nil {
		go t.h.OnClose(true)
	}
	return nil
}

// dropFromRelay simulates the relay killing the connection.
func (t *memTransport) dropFromRelay() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	identity := t.identity
	t.mu.Unlock()
	close(t.done)
	t.relay.reg.Disconnect(t.roomID, identity, t.end)
	if t.h.OnClose != nil {
		t.h.OnClose(false)
	}
}

// relayEnd is the registry's side of an in-process connection.
type relayEnd struct{ t *memTransport }

func (e *relayEnd) SendFrame(f wire.Frame) error {
	e.t.mu.Lock()
	closed := e.t.closed
	e.t.mu.Unlock()
	if closed {
		return errors.New("connection closed")
	}
	if e.t.h.OnFrame != nil {
		e.t.h.OnFrame(f)
	}
	return nil
}

func (e *relayEnd) CloseWithCode(int, string) {
	e.t.mu.Lock()
	if e.t.closed {
		e.t.mu.Unlock()
		return
	}
	e.t.closed = true
	e.t.mu.Unlock()
	close(e.t.done)
	if e.t.h.OnClose != nil {
		go e.t.h.OnClose(false)
	}
}

type capture struct {
	msgs   chan models.DecodedMessage
	events chan Event
}

func newCapture() *capture {
	return &capture{
		msgs:   make(chan models.DecodedMessage, 32),
		events: make(chan Event, 32),
	}
}

func (c *capture) handlers() Handlers {
	return Handlers{
		OnMessage: func(m models.DecodedMessage) { c.msgs <- m },
		OnEvent:   func(e Event) { c.events <- e },
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSession(t *testing.T, r *memRelay, roomID, name string, create bool, clk clock.Clock, policy models.PinPolicy) (*Session, *capture) {
	t.Helper()
	c := newCapture()
	s := New(Options{
		RoomID:      roomID,
		DisplayName: name,
		Create:      create,
		Ephemeral:   true,
		DataDir:     t.TempDir(),
		PinPolicy:   policy,
	}, r, clk, testLogger(), c.handlers())
	return s, c
}

func waitMsg(t *testing.T, c *capture) models.DecodedMessage {
	t.Helper()
	select {
	case m := <-c.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return models.DecodedMessage{}
	}
}

func waitEvent(t *testing.T, c *capture, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-c.events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %d", kind)
		}
	}
}

// waitInbound polls until a session holds n inbound group sessions, i.e. key
// exchange with n peers has completed.
func waitInbound(t *testing.T, s *Session, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := len(s.inbound)
		s.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("key exchange did not complete: want %d inbound sessions", n)
}

// waitRoom blocks until the registry holds the room with at least n members.
// Joins travel through each transport's send loop, so a second Connect must
// not race the creator's join into the registry.
func waitRoom(t *testing.T, r *memRelay, roomID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.reg.RoomExists(roomID) && r.reg.MemberCount(roomID) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %s did not reach %d members in time", roomID, n)
}

func waitTransport(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if currentTransport(s) != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session did not rejoin in time")
}

func currentTransport(s *Session) *memTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil
	}
	return s.transport.(*memTransport)
}

func outboundID(s *Session) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outbound == nil {
		return ""
	}
	return s.outbound.ID()
}

func startPair(t *testing.T) (*memRelay, *Session, *capture, *Session, *capture) {
	t.Helper()
	r := newMemRelay()
	a, ca := newSession(t, r, "r1", "alice", true, nil, models.PinPolicy{})
	b, cb := newSession(t, r, "r1", "bob", false, nil, models.PinPolicy{})
	if err := a.Connect(); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	waitRoom(t, r, "r1", 1)
	if err := b.Connect(); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	waitInbound(t, a, 1)
	waitInbound(t, b, 1)
	return r, a, ca, b, cb
}

func TestMessageRoundTrip(t *testing.T) {
	_, a, ca, b, cb := startPair(t)
	defer a.Close()
	defer b.Close()

	if err := a.Send("hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := waitMsg(t, cb)
	if msg.DecryptionFailed {
		t.Fatal("message must decrypt")
	}
	if msg.Text != "hello" {
		t.Fatalf("text = %q", msg.Text)
	}
	// The trusted sender is the transport-bound identity, regardless of any
	// claim inside the plaintext.
	if msg.SenderKey != a.IdentityKey() {
		t.Fatalf("sender = %q, want a's identity", msg.SenderKey)
	}

	if err := b.Send("hey"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	reply := waitMsg(t, ca)
	if reply.DecryptionFailed || reply.Text != "hey" || reply.SenderKey != b.IdentityKey() {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestForgedInnerSenderIsIgnored(t *testing.T) {
	_, a, _, b, cb := startPair(t)
	defer a.Close()
	defer b.Close()

	// Encrypt a payload whose inner sender claims to be someone else; the
	// receive path must still attribute it to a's bound identity.
	a.mu.Lock()
	plain, err := json.Marshal(models.MessagePayload{
		Kind:   models.PayloadKindText,
		Sender: "mallory",
		Text:   "spoofed",
		SentAt: 1,
	})
	if err != nil {
		a.mu.Unlock()
		t.Fatalf("marshal: %v", err)
	}
	gm, err := a.outbound.Encrypt(plain)
	sid := a.outbound.ID()
	sender := a.acct.IdentityKey()
	a.mu.Unlock()
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct, _ := json.Marshal(gm)

	b.handleEncrypted(wire.Encrypted{
		SenderIdentityKey: sender,
		SessionID:         sid,
		Ciphertext:        ct,
		Timestamp:         1,
	})
	msg := waitMsg(t, cb)
	if msg.DecryptionFailed {
		t.Fatal("message must decrypt")
	}
	if msg.SenderKey != sender {
		t.Fatalf("sender = %q, must be the transport identity", msg.SenderKey)
	}
}

func TestJoinNonexistentRoomEndsSession(t *testing.T) {
	r := newMemRelay()
	b, cb := newSession(t, r, "ghost", "bob", false, nil, models.PinPolicy{})
	if err := b.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitEvent(t, cb, EventRoomNotFound)
	if err := b.Send("x"); err != ErrSessionEnded {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}

func TestLateJoinerCannotReadHistory(t *testing.T) {
	r := newMemRelay()
	a, _ := newSession(t, r, "r1", "alice", true, nil, models.PinPolicy{})
	if err := a.Connect(); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	defer a.Close()
	waitRoom(t, r, "r1", 1)

	// A message sent before b joins; keep the frame for replay.
	a.mu.Lock()
	plain, _ := json.Marshal(models.MessagePayload{Kind: models.PayloadKindText, Text: "early", SentAt: 1})
	gm, err := a.outbound.Encrypt(plain)
	sid := a.outbound.ID()
	sender := a.acct.IdentityKey()
	a.mu.Unlock()
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct, _ := json.Marshal(gm)
	early := wire.Encrypted{SenderIdentityKey: sender, SessionID: sid, Ciphertext: ct, Timestamp: 1}

	b, cb := newSession(t, r, "r1", "bob", false, nil, models.PinPolicy{})
	if err := b.Connect(); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	defer b.Close()
	waitInbound(t, b, 1)

	// The export b received starts past the early message's index.
	b.handleEncrypted(early)
	if msg := waitMsg(t, cb); !msg.DecryptionFailed {
		t.Fatal("pre-join history must not decrypt")
	}

	if err := a.Send("now"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg := waitMsg(t, cb); msg.DecryptionFailed || msg.Text != "now" {
		t.Fatalf("post-join message must decrypt, got %+v", msg)
	}
}

func TestRotation(t *testing.T) {
	_, a, ca, b, cb := startPair(t)
	defer a.Close()
	defer b.Close()

	if err := a.Send("one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg := waitMsg(t, cb); msg.Text != "one" {
		t.Fatalf("pre-rotation message: %+v", msg)
	}
	oldID := outboundID(a)

	if err := a.Rotate("periodic"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	waitEvent(t, ca, EventRotated)

	notice := waitMsg(t, cb)
	if notice.DecryptionFailed || notice.Event != "rotation" {
		t.Fatalf("expected a rotation notice, got %+v", notice)
	}
	if notice.SenderKey != a.IdentityKey() {
		t.Fatalf("rotation sender = %q", notice.SenderKey)
	}

	if newID := outboundID(a); newID == oldID {
		t.Fatal("rotation must mint a new session id")
	}
	if err := a.Send("two"); err != nil {
		t.Fatalf("send after rotation: %v", err)
	}
	if msg := waitMsg(t, cb); msg.DecryptionFailed || msg.Text != "two" {
		t.Fatalf("post-rotation message: %+v", msg)
	}

	// The superseded session is discarded, so replays under it fail.
	b.handleEncrypted(wire.Encrypted{
		SenderIdentityKey: a.IdentityKey(),
		SessionID:         oldID,
		Ciphertext:        []byte(`{}`),
		Timestamp:         2,
	})
	if msg := waitMsg(t, cb); !msg.DecryptionFailed {
		t.Fatal("superseded-session frame must not decrypt")
	}
}

func TestDestroyAuthorization(t *testing.T) {
	r, a, _, b, cb := startPair(t)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := b.RequestDestroy(ctx); err != ErrDestroyUnauthorized {
		t.Fatalf("non-creator destroy: %v", err)
	}
	if !r.reg.RoomExists("r1") {
		t.Fatal("rejected destroy must not affect the room")
	}
	if err := b.Send("still here"); err != nil {
		t.Fatalf("messaging must survive a rejected destroy: %v", err)
	}

	if err := a.RequestDestroy(ctx); err != nil {
		t.Fatalf("creator destroy: %v", err)
	}
	waitEvent(t, cb, EventRoomDestroyed)
	if r.reg.RoomExists("r1") {
		t.Fatal("room must be gone after destroy")
	}
	if err := b.Send("x"); err != ErrSessionEnded {
		t.Fatalf("expected ErrSessionEnded after destroy, got %v", err)
	}
}

func TestInactivityLockAndPinUnlock(t *testing.T) {
	r := newMemRelay()
	mock := clock.NewMock()
	policy := models.PinPolicy{Required: true, InactivityTimeoutMinutes: 5}
	s, c := newSession(t, r, "p1", "alice", true, mock, policy)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	if err := s.SetPIN("2468"); err != nil {
		t.Fatalf("set pin: %v", err)
	}
	preLockID := outboundID(s)

	mock.Add(5 * time.Minute)
	waitEvent(t, c, EventLocked)
	if err := s.Send("x"); err != ErrLocked {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	// Two free failures, then the third starts the backoff window.
	for i := 0; i < 3; i++ {
		if err := s.UnlockWithPIN("0000"); err != ErrBadPIN {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if err := s.UnlockWithPIN("2468"); err != ErrPinThrottled {
		t.Fatalf("correct pin during backoff must throttle, got %v", err)
	}

	mock.Add(30 * time.Second)
	if err := s.UnlockWithPIN("2468"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	waitEvent(t, c, EventUnlocked)

	if err := s.Send("back"); err != nil {
		t.Fatalf("send after unlock: %v", err)
	}
	if outboundID(s) == preLockID {
		t.Fatal("unlock must mint a fresh outbound session, not resurrect the old one")
	}
}

func TestPinAttemptLimitWipes(t *testing.T) {
	r := newMemRelay()
	mock := clock.NewMock()
	policy := models.PinPolicy{Required: true, InactivityTimeoutMinutes: 5}
	s, c := newSession(t, r, "p1", "alice", true, mock, policy)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.SetPIN("2468"); err != nil {
		t.Fatalf("set pin: %v", err)
	}
	picklePath := s.picklePath()
	s.Lock()
	waitEvent(t, c, EventLocked)

	for i := 0; i < 9; i++ {
		if err := s.UnlockWithPIN("0000"); err != ErrBadPIN {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		mock.Add(time.Hour)
	}
	if err := s.UnlockWithPIN("0000"); err != ErrBadPIN {
		t.Fatalf("final attempt: %v", err)
	}
	waitEvent(t, c, EventWiped)

	if _, err := os.Stat(picklePath); !os.IsNotExist(err) {
		t.Fatal("wipe must remove the identity pickle")
	}
	if err := s.UnlockWithPIN("2468"); err != ErrSessionEnded {
		t.Fatalf("expected ErrSessionEnded after wipe, got %v", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	r := newMemRelay()
	mock := clock.NewMock()
	a, _ := newSession(t, r, "r1", "alice", true, nil, models.PinPolicy{})
	b, cb := newSession(t, r, "r1", "bob", false, mock, models.PinPolicy{})
	if err := a.Connect(); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	defer a.Close()
	waitRoom(t, r, "r1", 1)
	if err := b.Connect(); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	defer b.Close()
	waitInbound(t, b, 1)

	currentTransport(b).dropFromRelay()
	mock.Add(reconnectBaseDelay)
	waitTransport(t, b)

	// waitTransport returns once the new dial lands; the rejoin itself still
	// travels through the send loop, so wait for the registry to list b again
	// before routing anything to it.
	waitRoom(t, r, "r1", 2)
	waitInbound(t, b, 1)
	if err := a.Send("again"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg := waitMsg(t, cb); msg.DecryptionFailed || msg.Text != "again" {
		t.Fatalf("post-reconnect message: %+v", msg)
	}
}

func TestReconnectExhaustionEndsSession(t *testing.T) {
	r := newMemRelay()
	mock := clock.NewMock()
	s, c := newSession(t, r, "r1", "alice", true, mock, models.PinPolicy{})
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	r.setFailDial(true)
	currentTransport(s).dropFromRelay()

	// Attempts back off at 1, 2, 4, 8, and 16 seconds, then the session
	// gives up. Step the clock so each attempt can arm the next timer.
	for i := 0; i < 40; i++ {
		mock.Add(time.Second)
		time.Sleep(time.Millisecond)
	}
	waitEvent(t, c, EventReconnectFailed)
	if err := s.Send("x"); err != ErrSessionEnded {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}
