package cryptobox

import (
	"crypto/rand"
	"errors"
	"strings"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

var (
	ErrPairwiseDecrypt = errors.New("pairwise decryption failed")
	ErrBadHandshake    = errors.New("invalid pairwise handshake")
)

// PairwiseHandshake is the public header an initiator attaches to its first
// key_share so the responder can establish the matching inbound session.
type PairwiseHandshake struct {
	SenderIdentityKey string `json:"sender_identity_key"`
	EphemeralKey      string `json:"ephemeral_key"`
	OneTimeKeyID      string `json:"one_time_key_id"`
}

// PairwiseSession is a one-to-one channel between two devices, used only to
// carry group-session key material. Directional keys are assigned by the
// normalized ordering of the two identity key strings so both sides agree
// without negotiation.
type PairwiseSession struct {
	localKey string
	peerKey  string
	sendKey  []byte
	recvKey  []byte
}

// NewOutboundPairwise establishes the initiator side against a peer's
// published identity and one-time keys.
func NewOutboundPairwise(acct *Account, peerIdentityKey, oneTimeKeyID, oneTimeKey string) (*PairwiseSession, PairwiseHandshake, error) {
	peerIdentityPub, err := decodeKey(peerIdentityKey)
	if err != nil {
		return nil, PairwiseHandshake{}, err
	}
	peerOneTimePub, err := decodeKey(oneTimeKey)
	if err != nil {
		return nil, PairwiseHandshake{}, err
	}

	ephPriv := make([]byte, 32)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, PairwiseHandshake{}, err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, PairwiseHandshake{}, err
	}

	dh1, err := curve25519.X25519(acct.identityPriv, peerIdentityPub)
	if err != nil {
		return nil, PairwiseHandshake{}, err
	}
	dh2, err := curve25519.X25519(ephPriv, peerIdentityPub)
	if err != nil {
		return nil, PairwiseHandshake{}, err
	}
	dh3, err := curve25519.X25519(ephPriv, peerOneTimePub)
	if err != nil {
		return nil, PairwiseHandshake{}, err
	}

	sess := buildPairwise(acct.IdentityKey(), peerIdentityKey, dh1, dh2, dh3)
	hs := PairwiseHandshake{
		SenderIdentityKey: acct.IdentityKey(),
		EphemeralKey:      base58.Encode(ephPub),
		OneTimeKeyID:      oneTimeKeyID,
	}
	return sess, hs, nil
}

// NewInboundPairwise establishes the responder side from an initiator's
// handshake. The referenced one-time key is consumed.
func NewInboundPairwise(acct *Account, hs PairwiseHandshake) (*PairwiseSession, error) {
	peerIdentityPub, err := decodeKey(hs.SenderIdentityKey)
	if err != nil {
		return nil, ErrBadHandshake
	}
	peerEphPub, err := decodeKey(hs.EphemeralKey)
	if err != nil {
		return nil, ErrBadHandshake
	}
	otkPriv, err := acct.claimOneTimeKey(hs.OneTimeKeyID)
	if err != nil {
		return nil, err
	}

	dh1, err := curve25519.X25519(acct.identityPriv, peerIdentityPub)
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(acct.identityPriv, peerEphPub)
	if err != nil {
		return nil, err
	}
	dh3, err := curve25519.X25519(otkPriv, peerEphPub)
	if err != nil {
		return nil, err
	}

	return buildPairwise(acct.IdentityKey(), hs.SenderIdentityKey, dh1, dh2, dh3), nil
}

func buildPairwise(localKey, peerKey string, dh1, dh2, dh3 []byte) *PairwiseSession {
	material := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	shared := kdf32(material, []byte("emberroom/pairwise/v1"))
	zeroBytes(material)

	idA, idB := normalizeKeys(localKey, peerKey)
	salt := []byte(idA + ":" + idB)
	a2b := kdf32(shared, append([]byte("emberroom/pairwise/a2b/v1|"), salt...))
	b2a := kdf32(shared, append([]byte("emberroom/pairwise/b2a/v1|"), salt...))
	zeroBytes(shared)

	sess := &PairwiseSession{localKey: localKey, peerKey: peerKey}
	if localKey == idA {
		sess.sendKey, sess.recvKey = a2b, b2a
	} else {
		sess.sendKey, sess.recvKey = b2a, a2b
	}
	return sess
}

// PairwiseCiphertext carries one sealed pairwise payload.
type PairwiseCiphertext struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func (s *PairwiseSession) Encrypt(plaintext []byte) (PairwiseCiphertext, error) {
	aead, err := chacha20poly1305.NewX(s.sendKey)
	if err != nil {
		return PairwiseCiphertext{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return PairwiseCiphertext{}, err
	}
	return PairwiseCiphertext{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, s.aad()),
	}, nil
}

func (s *PairwiseSession) Decrypt(ct PairwiseCiphertext) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.recvKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, ct.Nonce, ct.Ciphertext, s.aad())
	if err != nil {
		return nil, ErrPairwiseDecrypt
	}
	return plaintext, nil
}

func (s *PairwiseSession) PeerKey() string { return s.peerKey }

func (s *PairwiseSession) aad() []byte {
	idA, idB := normalizeKeys(s.localKey, s.peerKey)
	return []byte(idA + "|" + idB)
}

func normalizeKeys(a, b string) (string, string) {
	if strings.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}
