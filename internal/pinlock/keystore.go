package pinlock

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	wrapSalt = "emberroom/pinlock/wrap/salt/v1"
	wrapInfo = "emberroom/pinlock/wrap/v1"
)

var (
	ErrWrapFailed = errors.New("pin key record failed to unwrap")
	ErrBadRecord  = errors.New("pin key record is malformed")
)

// Record is the persisted at-rest shape of one room's PIN key. The derived
// key itself is only ever stored wrapped.
type Record struct {
	RoomID       string `json:"room_id"`
	Salt         []byte `json:"salt"`
	EncryptedKey []byte `json:"encrypted_key"`
	IV           []byte `json:"iv"`
	KeyHash      []byte `json:"key_hash"`
}

// LoadedRecord is the decrypted view handed back to callers.
type LoadedRecord struct {
	Key     *Key
	Salt    []byte
	KeyHash []byte
}

// DeriveWrappingKey turns the device continuity seed into the AES-GCM key
// that protects stored PIN keys. Deterministic per seed.
func DeriveWrappingKey(deviceSeed []byte) (*Key, error) {
	reader := hkdf.New(sha256.New, deviceSeed, []byte(wrapSalt), []byte(wrapInfo))
	raw := make([]byte, keySize)
	if _, err := reader.Read(raw); err != nil {
		return nil, err
	}
	return newKey(raw), nil
}

// Store persists one wrapped PIN key record per room in a JSON file.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save wraps the PIN key under the seed-derived wrapping key and writes the
// record. Writing the same room id again overwrites the prior record.
func (s *Store) Save(roomID string, pinKey *Key, salt, keyHash, deviceSeed []byte) error {
	wrapping, err := DeriveWrappingKey(deviceSeed)
	if err != nil {
		return err
	}
	encrypted, iv, err := wrapping.Seal(pinKey.Raw())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadAllLocked()
	if err != nil {
		return err
	}
	all[roomID] = Record{
		RoomID:       roomID,
		Salt:         append([]byte(nil), salt...),
		EncryptedKey: encrypted,
		IV:           iv,
		KeyHash:      append([]byte(nil), keyHash...),
	}
	return s.writeAllLocked(all)
}

// Load reads and unwraps the record for roomID. A missing record returns
// (nil, nil); a record that fails to unwrap returns ErrWrapFailed — the
// wrong-seed case is a device-continuity bug and must not be silent.
func (s *Store) Load(roomID string, deviceSeed []byte) (*LoadedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadAllLocked()
	if err != nil {
		return nil, err
	}
	rec, ok := all[roomID]
	if !ok {
		return nil, nil
	}
	if len(rec.Salt) != saltSize || len(rec.IV) != nonceSize || len(rec.KeyHash) != sha256.Size {
		return nil, ErrBadRecord
	}

	wrapping, err := DeriveWrappingKey(deviceSeed)
	if err != nil {
		return nil, err
	}
	raw, err := wrapping.Open(rec.EncryptedKey, rec.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: room %s", ErrWrapFailed, roomID)
	}
	return &LoadedRecord{
		Key:     newKey(raw),
		Salt:    append([]byte(nil), rec.Salt...),
		KeyHash: append([]byte(nil), rec.KeyHash...),
	}, nil
}

// Clear removes the record for roomID. Best effort: teardown paths call this
// when the store may already be gone, so errors are swallowed.
func (s *Store) Clear(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadAllLocked()
	if err != nil {
		return
	}
	if _, ok := all[roomID]; !ok {
		return
	}
	delete(all, roomID)
	_ = s.writeAllLocked(all)
}

func (s *Store) loadAllLocked() (map[string]Record, error) {
	result := make(map[string]Record)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	return result, nil
}

func (s *Store) writeAllLocked(all map[string]Record) error {
	payload, err := json.Marshal(all)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, payload, 0o600)
}
