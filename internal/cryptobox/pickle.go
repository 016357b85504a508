package cryptobox

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const pickleVersion = 1

type pickledAccount struct {
	Version      uint32            `json:"version"`
	IdentityPriv []byte            `json:"identity_priv"`
	SigningPriv  []byte            `json:"signing_priv"`
	OneTime      map[string][]byte `json:"one_time"`
	Published    map[string]bool   `json:"published"`
	Nonce        []byte            `json:"-"`
}

type pickleEnvelope struct {
	Version    uint32 `json:"version"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Pickle serializes the account and seals it under the supplied 32-byte key.
func (a *Account) Pickle(key []byte) ([]byte, error) {
	state := pickledAccount{
		Version:      pickleVersion,
		IdentityPriv: append([]byte(nil), a.identityPriv...),
		SigningPriv:  append([]byte(nil), a.signingPriv...),
		OneTime:      make(map[string][]byte, len(a.oneTime)),
		Published:    make(map[string]bool, len(a.oneTime)),
	}
	for id, k := range a.oneTime {
		state.OneTime[id] = append([]byte(nil), k.priv...)
		state.Published[id] = k.published
	}
	plaintext, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(plaintext)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	env := pickleEnvelope{
		Version:    pickleVersion,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}
	return json.Marshal(env)
}

// UnpickleAccount restores an account sealed by Pickle. A wrong key fails
// authentication and returns ErrPickleFailed.
func UnpickleAccount(key, data []byte) (*Account, error) {
	var env pickleEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrPickleFailed
	}
	if env.Version != pickleVersion {
		return nil, ErrPickleFailed
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrPickleFailed
	}
	defer zeroBytes(plaintext)

	var state pickledAccount
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return nil, ErrPickleFailed
	}
	if len(state.IdentityPriv) != 32 || len(state.SigningPriv) != ed25519.PrivateKeySize {
		return nil, ErrPickleFailed
	}

	identityPub, err := curve25519.X25519(state.IdentityPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	signingPriv := ed25519.PrivateKey(append([]byte(nil), state.SigningPriv...))
	acct := &Account{
		identityPriv: append([]byte(nil), state.IdentityPriv...),
		identityPub:  identityPub,
		signingPriv:  signingPriv,
		signingPub:   signingPriv.Public().(ed25519.PublicKey),
		oneTime:      make(map[string]oneTimeKey, len(state.OneTime)),
	}
	for id, priv := range state.OneTime {
		if len(priv) != 32 {
			return nil, ErrPickleFailed
		}
		pub, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return nil, err
		}
		acct.oneTime[id] = oneTimeKey{
			priv:      append([]byte(nil), priv...),
			pub:       pub,
			published: state.Published[id],
		}
	}
	return acct, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
