// Package session is the client-side orchestrator: it bootstraps a device
// identity, exchanges keys with peers, runs the group session, and enforces
// the PIN gate. Per-peer crypto failures never end the session; only relay
// confirmations (destroyed, not found) or reconnect exhaustion do.
package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"emberroom/go-backend/internal/cryptobox"
	"emberroom/go-backend/internal/gate"
	"emberroom/go-backend/internal/identity"
	"emberroom/go-backend/internal/pinlock"
	"emberroom/go-backend/internal/wire"
	"emberroom/go-backend/pkg/models"
)

var (
	ErrNotConnected        = errors.New("session is not connected")
	ErrSessionEnded        = errors.New("session has ended")
	ErrLocked              = errors.New("session is locked")
	ErrNoPinSet            = errors.New("no pin configured for this room")
	ErrBadPIN              = errors.New("pin verification failed")
	ErrPinThrottled        = errors.New("pin attempts are temporarily throttled")
	ErrDestroyUnauthorized = errors.New("destroy rejected: not the room creator")
	ErrDestroyPending      = errors.New("destroy request already in flight")
)

const (
	oneTimeKeyBatch      = 20
	maxReconnectAttempts = 5
	reconnectBaseDelay   = time.Second
	defaultLockTimeout   = 15 * time.Minute
)

type EventKind int

const (
	EventRoomDestroyed EventKind = iota
	EventRoomNotFound
	EventReconnectFailed
	EventLocked
	EventUnlocked
	EventRotated
	EventWiped
)

// Event is a lifecycle notification. RoomDestroyed, RoomNotFound,
// ReconnectFailed and Wiped are terminal; the session is unusable after.
type Event struct {
	Kind   EventKind
	Reason string
}

type Handlers struct {
	OnMessage func(msg models.DecodedMessage)
	OnEvent   func(ev Event)
}

type Options struct {
	RoomID      string
	DisplayName string
	Create      bool
	Ephemeral   bool
	DataDir     string
	PinPolicy   models.PinPolicy
}

type memberState struct {
	info          models.RoomMember
	oneTimeKeys   map[string]string
	sharedCurrent bool
}

// Session is safe for concurrent use; transport callbacks, timers, and
// caller methods all serialize on one mutex.
type Session struct {
	opts     Options
	dialer   Dialer
	clk      clock.Clock
	log      *slog.Logger
	handlers Handlers

	pinStore *pinlock.Store
	gate     *gate.Gate

	mu          sync.Mutex
	seed        *identity.Seed
	acct        *cryptobox.Account
	attempts    gate.Attempts
	lockedUntil time.Time

	transport  Transport
	dialGen    int
	ended      bool
	locked     bool
	reconnects int

	outbound  *cryptobox.GroupSession
	inbound   map[string]*cryptobox.InboundGroupSession
	pairwise  map[string]*cryptobox.PairwiseSession
	members   map[string]*memberState
	destroyCh chan error
}

func New(opts Options, dialer Dialer, clk clock.Clock, log *slog.Logger, handlers Handlers) *Session {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	timeout := defaultLockTimeout
	if opts.PinPolicy.InactivityTimeoutMinutes > 0 {
		timeout = time.Duration(opts.PinPolicy.InactivityTimeoutMinutes) * time.Minute
	}
	s := &Session{
		opts:     opts,
		dialer:   dialer,
		clk:      clk,
		log:      log,
		handlers: handlers,
		pinStore: pinlock.NewStore(filepath.Join(opts.DataDir, "pinkeys.json")),
		inbound:  make(map[string]*cryptobox.InboundGroupSession),
		pairwise: make(map[string]*cryptobox.PairwiseSession),
		members:  make(map[string]*memberState),
	}
	s.gate = gate.New(clk, timeout, s.Lock)
	return s
}

// Connect restores or creates the device identity, mints a fresh outbound
// group session, and joins the room.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}

	if err := s.bootstrapIdentityLocked(); err != nil {
		return err
	}
	outbound, err := cryptobox.NewGroupSession()
	if err != nil {
		return err
	}
	s.outbound = outbound

	if err := s.dialLocked(); err != nil {
		return err
	}
	if s.opts.PinPolicy.Required {
		s.gate.Start()
	}
	s.log.Info("session connected", "room", s.opts.RoomID, "identity", s.acct.Fingerprint())
	return nil
}

// IdentityKey returns the device's public identity key once connected.
func (s *Session) IdentityKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acct == nil {
		return ""
	}
	return s.acct.IdentityKey()
}

// Activity, Hidden and Visible forward UI signals to the gate.
func (s *Session) Activity() { s.gate.Activity() }
func (s *Session) Hidden()   { s.gate.Hidden() }
func (s *Session) Visible()  { s.gate.Visible() }

// Close is the caller-initiated disconnect; it suppresses reconnection.
func (s *Session) Close() error {
	s.mu.Lock()
	s.ended = true
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	s.gate.Stop()
	if t != nil {
		return t.Close()
	}
	return nil
}

// RequestDestroy asks the relay to destroy the room. It resolves when the
// relay confirms destruction and fails if the relay reports this device is
// not the creator.
func (s *Session) RequestDestroy(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	t := s.transport
	if t == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.destroyCh != nil {
		s.mu.Unlock()
		return ErrDestroyPending
	}
	ch := make(chan error, 1)
	s.destroyCh = ch
	identityKey := s.acct.IdentityKey()
	s.mu.Unlock()

	if err := t.SendFrame(wire.Purge{IdentityKey: identityKey}); err != nil {
		s.mu.Lock()
		s.destroyCh = nil
		s.mu.Unlock()
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		s.destroyCh = nil
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *Session) bootstrapIdentityLocked() error {
	seed, _, err := identity.LoadOrCreate(filepath.Join(s.opts.DataDir, "seed"))
	if err != nil {
		return err
	}
	s.seed = seed

	picklePath := s.picklePath()
	data, err := os.ReadFile(picklePath)
	switch {
	case err == nil:
		// A pickle that does not open under this seed is a continuity bug;
		// fail loudly rather than minting a fresh identity over it.
		acct, err := cryptobox.UnpickleAccount(seed.PickleKey(), data)
		if err != nil {
			return err
		}
		s.acct = acct
	case os.IsNotExist(err):
		acct, err := cryptobox.NewAccount()
		if err != nil {
			return err
		}
		s.acct = acct
	default:
		return err
	}

	if err := s.acct.GenerateOneTimeKeys(oneTimeKeyBatch); err != nil {
		return err
	}
	return s.savePickleLocked()
}

func (s *Session) dialLocked() error {
	// Each dial gets a generation so a stale connection's close callback
	// cannot tear down the replacement.
	s.dialGen++
	gen := s.dialGen
	t, err := s.dialer.Dial(s.opts.RoomID, TransportHandlers{
		OnFrame: s.onFrame,
		OnClose: func(selfInitiated bool) { s.transportClosed(gen, selfInitiated) },
	})
	if err != nil {
		return err
	}
	s.transport = t

	join := wire.Join{
		IdentityKey: s.acct.IdentityKey(),
		SigningKey:  s.acct.SigningKey(),
		OneTimeKeys: s.acct.OneTimeKeys(),
		DisplayName: s.opts.DisplayName,
		Create:      s.opts.Create,
		Ephemeral:   s.opts.Ephemeral,
	}
	if err := t.SendFrame(join); err != nil {
		s.transport = nil
		_ = t.Close()
		return err
	}
	s.acct.MarkKeysPublished()
	return s.savePickleLocked()
}

func (s *Session) savePickleLocked() error {
	data, err := s.acct.Pickle(s.seed.PickleKey())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.opts.DataDir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.picklePath(), data, 0o600)
}

func (s *Session) picklePath() string {
	return filepath.Join(s.opts.DataDir, "account.pickle")
}

func (s *Session) onFrame(f wire.Frame) {
	switch frame := f.(type) {
	case wire.MemberList:
		s.handleMemberList(frame)
	case wire.NewMember:
		s.handleNewMember(frame)
	case wire.KeyShare:
		s.handleKeyShare(frame)
	case wire.Encrypted:
		s.handleEncrypted(frame)
	case wire.RoomDestroyed:
		s.resolveDestroy(nil)
		s.finish(Event{Kind: EventRoomDestroyed, Reason: frame.Reason})
	case wire.RoomNotFound:
		s.resolveDestroy(ErrNotConnected)
		s.finish(Event{Kind: EventRoomNotFound})
	case wire.PurgeUnauthorized:
		s.resolveDestroy(ErrDestroyUnauthorized)
	}
}

func (s *Session) transportClosed(gen int, selfInitiated bool) {
	s.mu.Lock()
	if selfInitiated || s.ended || gen != s.dialGen {
		s.mu.Unlock()
		return
	}
	s.transport = nil
	s.scheduleReconnectLocked()
	s.mu.Unlock()
}

// scheduleReconnectLocked arms the next reconnect attempt: base delay
// doubling per attempt, capped at maxReconnectAttempts.
func (s *Session) scheduleReconnectLocked() {
	if s.reconnects >= maxReconnectAttempts {
		s.ended = true
		s.log.Warn("reconnect attempts exhausted", "room", s.opts.RoomID)
		go s.emit(Event{Kind: EventReconnectFailed})
		return
	}
	delay := reconnectBaseDelay << s.reconnects
	s.reconnects++
	s.clk.AfterFunc(delay, s.tryReconnect)
}

func (s *Session) tryReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.transport != nil {
		return
	}
	if err := s.acct.GenerateOneTimeKeys(oneTimeKeyBatch); err != nil {
		s.scheduleReconnectLocked()
		return
	}
	if err := s.dialLocked(); err != nil {
		s.log.Warn("reconnect failed", "room", s.opts.RoomID, "attempt", s.reconnects, "err", err)
		s.transport = nil
		s.scheduleReconnectLocked()
		return
	}
	s.reconnects = 0
	s.log.Info("reconnected", "room", s.opts.RoomID)
}

func (s *Session) resolveDestroy(err error) {
	s.mu.Lock()
	ch := s.destroyCh
	s.destroyCh = nil
	s.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

// finish ends the session on a relay-confirmed terminal condition.
func (s *Session) finish(ev Event) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	t := s.transport
	s.transport = nil
	s.outbound = nil
	s.inbound = make(map[string]*cryptobox.InboundGroupSession)
	s.pairwise = make(map[string]*cryptobox.PairwiseSession)
	s.mu.Unlock()

	s.gate.Stop()
	if t != nil {
		_ = t.Close()
	}
	s.emit(ev)
}

func (s *Session) emit(ev Event) {
	if s.handlers.OnEvent != nil {
		s.handlers.OnEvent(ev)
	}
}

func (s *Session) deliver(msg models.DecodedMessage) {
	if s.handlers.OnMessage != nil {
		s.handlers.OnMessage(msg)
	}
}
