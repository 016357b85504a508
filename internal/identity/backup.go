package identity

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// A seed backup is the mnemonic sealed under an operator passphrase with
// argon2id + XChaCha20-Poly1305. It is the only way to move a device
// identity to new storage; nothing else in the system is exportable.

const (
	backupVersion = 1
	backupSalt    = 16
	backupPrefix  = "EBRSEED1\n"
)

var (
	ErrBackupAuth    = errors.New("seed backup authentication failed")
	ErrBackupInvalid = errors.New("seed backup is invalid")
	ErrSeedExists    = errors.New("a seed already exists at this path")
)

type backupEnvelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// ExportBackup seals the mnemonic under the passphrase.
func (s *Seed) ExportBackup(passphrase string) ([]byte, error) {
	salt := make([]byte, backupSalt)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := backupKey(passphrase, salt)
	defer zeroBackupKey(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	env := backupEnvelope{
		Version:     backupVersion,
		KDF:         "argon2id",
		KDFTime:     2,
		KDFMemoryKB: 64 * 1024,
		KDFThreads:  1,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, []byte(s.mnemonic), nil),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(backupPrefix), raw...), nil
}

// ImportBackup opens a backup and reconstructs the seed. A wrong passphrase
// is indistinguishable from a tampered backup; both fail authentication.
func ImportBackup(passphrase string, data []byte) (*Seed, error) {
	if !strings.HasPrefix(string(data), backupPrefix) {
		return nil, ErrBackupInvalid
	}
	var env backupEnvelope
	if err := json.Unmarshal(data[len(backupPrefix):], &env); err != nil {
		return nil, ErrBackupInvalid
	}
	if env.Version != backupVersion || env.KDF != "argon2id" {
		return nil, ErrBackupInvalid
	}

	key := backupKey(passphrase, env.Salt)
	defer zeroBackupKey(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	mnemonic, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrBackupAuth
	}
	return FromMnemonic(string(mnemonic))
}

// RestoreBackup opens a backup and persists the seed at path. It refuses to
// overwrite an existing seed: the pickle and keystore records on disk are
// derived from it, and replacing it would orphan them.
func RestoreBackup(path, passphrase string, data []byte) (*Seed, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, ErrSeedExists
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	seed, err := ImportBackup(passphrase, data)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(seed.mnemonic), 0o600); err != nil {
		return nil, err
	}
	return seed, nil
}

func backupKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 2, 64*1024, 1, chacha20poly1305.KeySize)
}

func zeroBackupKey(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
