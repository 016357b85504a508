// Package identity manages the device continuity seed: the only thing that
// lets a device re-derive its pickle key and keystore wrapping key across
// restarts. Continuity is scoped to one device and its local storage; there
// is no cross-device account.
package identity

import (
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoPickle = "emberroom/identity/pickle/v1"
	hkdfInfoWrap   = "emberroom/identity/wrap/v1"
)

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// Seed is 256 bits of entropy with a bip39 mnemonic rendering for operator
// backup. Subkeys are HKDF-derived with purpose-specific info strings so the
// pickle key and the wrapping seed never collide.
type Seed struct {
	entropy  []byte
	mnemonic string
}

func NewSeed() (*Seed, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	return &Seed{entropy: entropy, mnemonic: mnemonic}, nil
}

func FromMnemonic(mnemonic string) (*Seed, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, ErrInvalidMnemonic
	}
	return &Seed{entropy: entropy, mnemonic: mnemonic}, nil
}

// LoadOrCreate restores the seed persisted at path, or mints and persists a
// fresh one. The bool reports whether a new seed was created.
func LoadOrCreate(path string) (*Seed, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := FromMnemonic(string(data))
		if err != nil {
			return nil, false, err
		}
		return seed, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}

	seed, err := NewSeed()
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(path, []byte(seed.mnemonic), 0o600); err != nil {
		return nil, false, err
	}
	return seed, true, nil
}

func (s *Seed) Mnemonic() string {
	return s.mnemonic
}

// PickleKey derives the 32-byte key protecting the account pickle.
func (s *Seed) PickleKey() []byte {
	return s.expand(hkdfInfoPickle)
}

// WrappingSeed derives the input for the pinlock wrapping key.
func (s *Seed) WrappingSeed() []byte {
	return s.expand(hkdfInfoWrap)
}

func (s *Seed) expand(info string) []byte {
	reader := hkdf.New(sha256.New, s.entropy, nil, []byte(info))
	out := make([]byte, 32)
	_, _ = io.ReadFull(reader, out)
	return out
}
