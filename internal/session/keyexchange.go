package session

import (
	"encoding/json"
	"errors"

	"emberroom/go-backend/internal/cryptobox"
	"emberroom/go-backend/internal/wire"
	"emberroom/go-backend/pkg/models"
)

// keyShareEnvelope is the outer key_share payload: a handshake on first
// contact, then just the pairwise-sealed inner payload.
type keyShareEnvelope struct {
	Handshake  *cryptobox.PairwiseHandshake `json:"handshake,omitempty"`
	Ciphertext cryptobox.PairwiseCiphertext `json:"ciphertext"`
}

// keySharePayload is the sealed inner payload: the sender's current outbound
// group export, plus rotation metadata when it supersedes a prior session.
type keySharePayload struct {
	Export       cryptobox.GroupSessionExport `json:"export"`
	Rotation     bool                         `json:"rotation,omitempty"`
	SupersededID string                       `json:"superseded_id,omitempty"`
}

// handleMemberList records the roster a joiner receives. List entries carry
// no one-time keys, so the joiner waits for existing members to initiate.
func (s *Session) handleMemberList(f wire.MemberList) {
	s.mu.Lock()
	defer s.mu.Unlock()
	self := s.acct.IdentityKey()
	for _, m := range f.Members {
		if m.IdentityKey == self {
			continue
		}
		s.upsertMemberLocked(models.RoomMember{
			IdentityKey: m.IdentityKey,
			SigningKey:  m.SigningKey,
			DisplayName: m.DisplayName,
		}, nil)
	}
}

// handleNewMember records the joiner and initiates a pairwise share using one
// of its published one-time keys.
func (s *Session) handleNewMember(f wire.NewMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.IdentityKey == s.acct.IdentityKey() {
		return
	}
	s.upsertMemberLocked(models.RoomMember{
		IdentityKey: f.IdentityKey,
		SigningKey:  f.SigningKey,
		DisplayName: f.DisplayName,
	}, f.OneTimeKeys)
	s.sharePeerLocked(f.IdentityKey, false, "")
}

func (s *Session) upsertMemberLocked(info models.RoomMember, oneTimeKeys map[string]string) *memberState {
	m, ok := s.members[info.IdentityKey]
	if !ok {
		m = &memberState{oneTimeKeys: make(map[string]string)}
		s.members[info.IdentityKey] = m
	}
	if info.SigningKey != "" || m.info.IdentityKey == "" {
		m.info = info
	}
	for id, pub := range oneTimeKeys {
		m.oneTimeKeys[id] = pub
	}
	return m
}

// sharePeerLocked sends our current outbound group export to one peer over
// the pairwise channel, establishing it first when needed. Failures are
// contained: the peer just cannot decrypt us until a later share succeeds.
func (s *Session) sharePeerLocked(peerKey string, rotation bool, supersededID string) {
	m := s.members[peerKey]
	if m == nil || s.transport == nil || s.locked || s.outbound == nil {
		return
	}

	var env keyShareEnvelope
	ps := s.pairwise[peerKey]
	if ps == nil {
		var otkID, otkPub string
		for id, pub := range m.oneTimeKeys {
			otkID, otkPub = id, pub
			break
		}
		if otkID == "" {
			s.log.Warn("cannot establish pairwise session: peer published no one-time keys")
			return
		}
		delete(m.oneTimeKeys, otkID)

		fresh, hs, err := cryptobox.NewOutboundPairwise(s.acct, peerKey, otkID, otkPub)
		if err != nil {
			s.log.Warn("pairwise establishment failed", "err", err)
			return
		}
		ps = fresh
		s.pairwise[peerKey] = ps
		env.Handshake = &hs
	}

	payload := keySharePayload{
		Export:       s.outbound.ExportKey(),
		Rotation:     rotation,
		SupersededID: supersededID,
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ct, err := ps.Encrypt(plain)
	if err != nil {
		s.log.Warn("key share encryption failed", "err", err)
		return
	}
	env.Ciphertext = ct
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}

	frame := wire.KeyShare{
		TargetIdentityKey: peerKey,
		SenderIdentityKey: s.acct.IdentityKey(),
		EncryptedPayload:  raw,
	}
	if err := s.transport.SendFrame(frame); err != nil {
		s.log.Warn("key share send failed", "err", err)
		return
	}
	m.sharedCurrent = true
}

// handleKeyShare installs a peer's group session key. A first-contact share
// must carry a handshake; its one-time key reference is consumed on use, so a
// replayed handshake fails. If we had not yet shared our own key with this
// peer, we reciprocate exactly once over the now-established session.
func (s *Session) handleKeyShare(f wire.KeyShare) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var env keyShareEnvelope
	if err := json.Unmarshal(f.EncryptedPayload, &env); err != nil {
		s.log.Warn("rejected key share: bad envelope")
		return
	}

	ps, existed := s.pairwise[f.SenderIdentityKey]
	if !existed {
		if env.Handshake == nil {
			s.log.Warn("rejected key share: ciphertext without an established session")
			return
		}
		if env.Handshake.SenderIdentityKey != f.SenderIdentityKey {
			s.log.Warn("rejected key share: handshake identity mismatch")
			return
		}
		fresh, err := cryptobox.NewInboundPairwise(s.acct, *env.Handshake)
		if err != nil {
			if errors.Is(err, cryptobox.ErrOneTimeKeyMissing) {
				s.log.Warn("key share unavailable: one-time key already consumed")
			} else {
				s.log.Warn("rejected key share: handshake failed", "err", err)
			}
			return
		}
		ps = fresh
		s.pairwise[f.SenderIdentityKey] = ps
		// The handshake consumed one of our one-time keys.
		if err := s.savePickleLocked(); err != nil {
			s.log.Warn("pickle save failed after key claim", "err", err)
		}
	}

	plain, err := ps.Decrypt(env.Ciphertext)
	if err != nil {
		s.log.Warn("rejected key share: pairwise decryption failed")
		return
	}
	var payload keySharePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		s.log.Warn("rejected key share: bad inner payload")
		return
	}

	m := s.upsertMemberLocked(models.RoomMember{IdentityKey: f.SenderIdentityKey}, nil)
	if payload.Rotation && payload.SupersededID != "" {
		delete(s.inbound, payload.SupersededID)
	}
	in, err := cryptobox.NewInboundGroupSession(payload.Export)
	if err != nil {
		s.log.Warn("rejected key share: invalid export", "err", err)
		return
	}
	s.inbound[payload.Export.SessionID] = in

	if !existed && !m.sharedCurrent {
		s.sharePeerLocked(f.SenderIdentityKey, false, "")
	}
}
