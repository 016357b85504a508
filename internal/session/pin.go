package session

import (
	"os"
	"time"

	"emberroom/go-backend/internal/cryptobox"
	"emberroom/go-backend/internal/pinlock"
)

// SetPIN derives and persists the room's PIN key, wrapped under the device
// seed. Setting a PIN again replaces the prior record.
func (s *Session) SetPIN(pin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seed == nil {
		return ErrNotConnected
	}
	salt, err := pinlock.GenerateSalt()
	if err != nil {
		return err
	}
	key, err := pinlock.Derive(pin, salt)
	if err != nil {
		return err
	}
	return s.pinStore.Save(s.opts.RoomID, key, salt, pinlock.Hash(key.Raw()), s.seed.WrappingSeed())
}

// Lock drops all group-session key material from memory. It is wired as the
// gate's lock callback and is also the manual lock entry point.
func (s *Session) Lock() {
	s.dropKeys()
	s.gate.Lock()
}

func (s *Session) dropKeys() {
	s.mu.Lock()
	if s.locked || s.ended {
		s.mu.Unlock()
		return
	}
	s.locked = true
	s.outbound = nil
	s.inbound = make(map[string]*cryptobox.InboundGroupSession)
	for _, m := range s.members {
		m.sharedCurrent = false
	}
	s.mu.Unlock()

	s.log.Info("session locked", "room", s.opts.RoomID)
	s.emit(Event{Kind: EventLocked})
}

// UnlockWithPIN verifies the PIN and restores messaging. Failed attempts
// follow the backoff policy; reaching the attempt limit wipes all local state
// for the room, with no recovery path.
func (s *Session) UnlockWithPIN(pin string) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	if s.seed == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if !s.lockedUntil.IsZero() && s.clk.Now().Before(s.lockedUntil) {
		s.mu.Unlock()
		return ErrPinThrottled
	}

	rec, err := s.pinStore.Load(s.opts.RoomID, s.seed.WrappingSeed())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if rec == nil {
		s.mu.Unlock()
		return ErrNoPinSet
	}

	if _, ok := pinlock.Verify(pin, rec.Salt, rec.KeyHash); !ok {
		outcome := s.attempts.Fail()
		if outcome.Wipe {
			s.mu.Unlock()
			s.wipe()
			return ErrBadPIN
		}
		if outcome.Delay > 0 {
			s.lockedUntil = s.clk.Now().Add(outcome.Delay)
		}
		s.mu.Unlock()
		return ErrBadPIN
	}

	s.attempts.Reset()
	s.lockedUntil = time.Time{}
	wasLocked := s.locked
	s.locked = false
	var restoreErr error
	if wasLocked {
		restoreErr = s.restoreMessagingLocked()
	}
	s.mu.Unlock()

	s.gate.Unlock()
	if restoreErr != nil {
		return restoreErr
	}
	if wasLocked {
		s.emit(Event{Kind: EventUnlocked})
	}
	return nil
}

// restoreMessagingLocked mints a fresh outbound session after an unlock and
// re-shares it over the surviving pairwise channels. The pre-lock outbound
// key was dropped and is never resurrected.
func (s *Session) restoreMessagingLocked() error {
	fresh, err := cryptobox.NewGroupSession()
	if err != nil {
		return err
	}
	s.outbound = fresh
	for peerKey := range s.members {
		s.sharePeerLocked(peerKey, false, "")
	}
	return nil
}

// wipe destroys the room's local state: the wrapped PIN key, the identity
// pickle, and every in-memory session. Terminal.
func (s *Session) wipe() {
	s.pinStore.Clear(s.opts.RoomID)
	_ = os.Remove(s.picklePath())

	s.mu.Lock()
	s.ended = true
	s.locked = true
	s.outbound = nil
	s.inbound = make(map[string]*cryptobox.InboundGroupSession)
	s.pairwise = make(map[string]*cryptobox.PairwiseSession)
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	s.gate.Stop()
	if t != nil {
		_ = t.Close()
	}
	s.log.Warn("pin attempt limit reached, local room state wiped", "room", s.opts.RoomID)
	s.emit(Event{Kind: EventWiped})
}
