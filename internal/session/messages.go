package session

import (
	"encoding/json"
	"time"

	"emberroom/go-backend/internal/cryptobox"
	"emberroom/go-backend/internal/wire"
	"emberroom/go-backend/pkg/models"
)

// Send broadcasts a text message under the current outbound group session.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(models.MessagePayload{
		Kind: models.PayloadKindText,
		Text: text,
	})
}

// SendEvent broadcasts a non-text event marker, e.g. "typing".
func (s *Session) SendEvent(event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(models.MessagePayload{
		Kind:  models.PayloadKindEvent,
		Event: event,
	})
}

func (s *Session) sendLocked(payload models.MessagePayload) error {
	if s.ended {
		return ErrSessionEnded
	}
	if s.locked || s.outbound == nil {
		return ErrLocked
	}
	if s.transport == nil {
		return ErrNotConnected
	}

	now := s.clk.Now()
	payload.Sender = s.opts.DisplayName
	payload.SentAt = now.UnixMilli()
	plain, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := s.outbound.Encrypt(plain)
	if err != nil {
		return err
	}
	ct, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	frame := wire.Encrypted{
		SenderIdentityKey: s.acct.IdentityKey(),
		SessionID:         s.outbound.ID(),
		Ciphertext:        ct,
		Timestamp:         now.UnixMilli(),
	}
	if err := s.transport.SendFrame(frame); err != nil {
		return err
	}
	s.gate.Activity()
	return nil
}

// Rotate replaces the outbound group session, redistributes the new key over
// the established pairwise channels, and announces the rotation with a signed
// notice under the new session. Messages sent under the old session remain
// decryptable by members who already hold it; the old key is never re-shared.
func (s *Session) Rotate(reason string) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	if s.locked || s.outbound == nil {
		s.mu.Unlock()
		return ErrLocked
	}
	if s.transport == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}

	supersededID := s.outbound.ID()
	fresh, err := cryptobox.NewGroupSession()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.outbound = fresh
	for _, m := range s.members {
		m.sharedCurrent = false
	}
	for peerKey := range s.members {
		s.sharePeerLocked(peerKey, true, supersededID)
	}

	err = s.sendLocked(models.MessagePayload{
		Kind:      models.PayloadKindRotation,
		Reason:    reason,
		Signature: s.acct.Sign(rotationSigningBytes(fresh.ID(), reason)),
	})
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.emit(Event{Kind: EventRotated, Reason: reason})
	return nil
}

// handleEncrypted is the receive path. The trusted sender is always the
// transport-level identity; the claim inside the plaintext is display-only.
// A missing session or failed open yields a DecryptionFailed placeholder so
// the caller can render a gap instead of silence.
func (s *Session) handleEncrypted(f wire.Encrypted) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}

	msg := models.DecodedMessage{
		SenderKey: f.SenderIdentityKey,
		SessionID: f.SessionID,
		Timestamp: time.UnixMilli(f.Timestamp),
	}

	in := s.inbound[f.SessionID]
	if in == nil || s.locked {
		msg.DecryptionFailed = true
		s.mu.Unlock()
		s.deliver(msg)
		return
	}

	var gm cryptobox.GroupMessage
	if err := json.Unmarshal(f.Ciphertext, &gm); err != nil {
		msg.DecryptionFailed = true
		s.mu.Unlock()
		s.deliver(msg)
		return
	}
	plain, err := in.Decrypt(gm)
	if err != nil {
		msg.DecryptionFailed = true
		s.mu.Unlock()
		s.deliver(msg)
		return
	}
	var payload models.MessagePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		msg.DecryptionFailed = true
		s.mu.Unlock()
		s.deliver(msg)
		return
	}

	switch payload.Kind {
	case models.PayloadKindText:
		msg.Text = payload.Text
	case models.PayloadKindEvent:
		msg.Event = payload.Event
	case models.PayloadKindRotation:
		signKey := ""
		if m := s.members[f.SenderIdentityKey]; m != nil {
			signKey = m.info.SigningKey
		}
		if signKey == "" || !cryptobox.VerifySignature(signKey, rotationSigningBytes(f.SessionID, payload.Reason), payload.Signature) {
			s.mu.Unlock()
			s.log.Warn("dropped rotation notice with invalid signature")
			return
		}
		msg.Event = "rotation"
	default:
		s.mu.Unlock()
		s.log.Warn("dropped message with unknown payload kind")
		return
	}
	s.mu.Unlock()
	s.deliver(msg)
}

// rotationSigningBytes is the canonical signed form of a rotation notice,
// binding the reason to the session it announces.
func rotationSigningBytes(sessionID, reason string) []byte {
	return []byte("emberroom/rotation/v1|" + sessionID + "|" + reason)
}
