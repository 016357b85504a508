package cryptobox

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKey        = errors.New("invalid key")
	ErrOneTimeKeyMissing = errors.New("one-time key not found")
	ErrPickleFailed      = errors.New("account unpickle failed")
)

// Account holds a device's long-lived keypairs: an x25519 encryption key used
// for pairwise establishment and an ed25519 signing key. One account per
// device per run; continuity across runs goes through Pickle/UnpickleAccount.
type Account struct {
	identityPriv []byte
	identityPub  []byte
	signingPriv  ed25519.PrivateKey
	signingPub   ed25519.PublicKey
	oneTime      map[string]oneTimeKey
}

type oneTimeKey struct {
	priv      []byte
	pub       []byte
	published bool
}

func NewAccount() (*Account, error) {
	identityPriv := make([]byte, 32)
	if _, err := rand.Read(identityPriv); err != nil {
		return nil, err
	}
	identityPub, err := curve25519.X25519(identityPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	signingPub, signingPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Account{
		identityPriv: identityPriv,
		identityPub:  identityPub,
		signingPriv:  signingPriv,
		signingPub:   signingPub,
		oneTime:      make(map[string]oneTimeKey),
	}, nil
}

// IdentityKey returns the base58 public encryption key; this is the value the
// relay binds to a connection.
func (a *Account) IdentityKey() string {
	return base58.Encode(a.identityPub)
}

// SigningKey returns the base58 public signing key.
func (a *Account) SigningKey() string {
	return base58.Encode(a.signingPub)
}

// Fingerprint is a short log-safe handle for the identity key.
func (a *Account) Fingerprint() string {
	h := blake2b.Sum256(a.identityPub)
	return "ebr1" + base58.Encode(h[:8])
}

func (a *Account) Sign(payload []byte) []byte {
	return ed25519.Sign(a.signingPriv, payload)
}

// VerifySignature checks sig over payload against a base58 signing key.
func VerifySignature(signingKey string, payload, sig []byte) bool {
	pub, err := base58.Decode(signingKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}

// GenerateOneTimeKeys mints n fresh unpublished one-time x25519 keypairs.
func (a *Account) GenerateOneTimeKeys(n int) error {
	for i := 0; i < n; i++ {
		priv := make([]byte, 32)
		if _, err := rand.Read(priv); err != nil {
			return err
		}
		pub, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(pub)
		id := "otk_" + hex.EncodeToString(sum[:8])
		a.oneTime[id] = oneTimeKey{priv: priv, pub: pub}
	}
	return nil
}

// OneTimeKeys returns the unpublished keys as id -> base58 public key.
func (a *Account) OneTimeKeys() map[string]string {
	out := make(map[string]string)
	for id, k := range a.oneTime {
		if !k.published {
			out[id] = base58.Encode(k.pub)
		}
	}
	return out
}

// MarkKeysPublished flags all current one-time keys as shipped so they are
// not re-announced on the next join.
func (a *Account) MarkKeysPublished() {
	for id, k := range a.oneTime {
		k.published = true
		a.oneTime[id] = k
	}
}

// claimOneTimeKey consumes the private half of a one-time key. Single use:
// the key is deleted before the private bytes are returned.
func (a *Account) claimOneTimeKey(id string) ([]byte, error) {
	k, ok := a.oneTime[id]
	if !ok {
		return nil, ErrOneTimeKeyMissing
	}
	delete(a.oneTime, id)
	return k.priv, nil
}

func decodeKey(s string) ([]byte, error) {
	raw, err := base58.Decode(s)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidKey
	}
	return raw, nil
}

func kdf32(input, info []byte) []byte {
	reader := hkdf.New(sha256.New, input, nil, info)
	out := make([]byte, 32)
	_, _ = io.ReadFull(reader, out)
	return out
}
