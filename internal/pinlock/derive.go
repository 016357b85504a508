package pinlock

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2-SHA256 parameters for PIN stretching. The iteration count is part
// of the stored-record contract: changing it invalidates every record.
const (
	pbkdf2Iterations = 600_000
	keySize          = 32
	saltSize         = 32
	nonceSize        = 12
)

var ErrShortSalt = errors.New("salt must be 32 bytes")

// Key is a PIN- or seed-derived symmetric key usable for AES-256-GCM
// seal/open and for wrapping other key material.
type Key struct {
	raw []byte
}

func newKey(raw []byte) *Key {
	return &Key{raw: append([]byte(nil), raw...)}
}

// Raw returns a copy of the key bytes.
func (k *Key) Raw() []byte {
	return append([]byte(nil), k.raw...)
}

// Seal encrypts plaintext under a fresh 96-bit nonce; the nonce is returned
// separately so callers persist it alongside the ciphertext.
func (k *Key) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := k.aead()
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func (k *Key) Open(ciphertext, nonce []byte) ([]byte, error) {
	aead, err := k.aead()
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func (k *Key) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.raw)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Derive stretches a PIN into a 256-bit key. Deterministic per (pin, salt).
func Derive(pin string, salt []byte) (*Key, error) {
	raw, err := DeriveRaw(pin, salt)
	if err != nil {
		return nil, err
	}
	return newKey(raw), nil
}

// DeriveRaw is Derive without the key handle, for verification paths.
func DeriveRaw(pin string, salt []byte) ([]byte, error) {
	if len(salt) != saltSize {
		return nil, ErrShortSalt
	}
	return pbkdf2.Key([]byte(pin), salt, pbkdf2Iterations, keySize, sha256.New), nil
}

// Hash fingerprints derived key bytes for quick PIN verification without
// decrypting the stored record.
func Hash(raw []byte) []byte {
	sum := sha256.Sum256(raw)
	return sum[:]
}

// Verify re-derives from the candidate PIN and compares fingerprints in
// constant time. Returns (nil, false) on any mismatch.
func Verify(pin string, salt, expectedHash []byte) (*Key, bool) {
	raw, err := DeriveRaw(pin, salt)
	if err != nil {
		return nil, false
	}
	if len(expectedHash) != sha256.Size {
		return nil, false
	}
	if subtle.ConstantTimeCompare(Hash(raw), expectedHash) != 1 {
		return nil, false
	}
	return newKey(raw), true
}

// GenerateSalt returns 32 cryptographically random bytes; one per PIN setup.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}
