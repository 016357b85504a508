package pinlock

import (
	"bytes"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"
)

func testSalt(t *testing.T) []byte {
	t.Helper()
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("generate salt failed: %v", err)
	}
	return salt
}

func TestDeriveDeterministic(t *testing.T) {
	salt := testSalt(t)
	raw1, err := DeriveRaw("1234", salt)
	if err != nil {
		t.Fatalf("derive raw failed: %v", err)
	}
	raw2, err := DeriveRaw("1234", salt)
	if err != nil {
		t.Fatalf("derive raw failed: %v", err)
	}
	if !bytes.Equal(raw1, raw2) {
		t.Fatal("same pin and salt must derive identical bytes")
	}

	key, err := Derive("1234", salt)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if !bytes.Equal(key.Raw(), raw1) {
		t.Fatal("Derive and DeriveRaw must agree")
	}
}

func TestDeriveDistinctInputs(t *testing.T) {
	salt := testSalt(t)
	otherSalt := testSalt(t)

	base, _ := DeriveRaw("1234", salt)
	differentPin, _ := DeriveRaw("1235", salt)
	differentSalt, _ := DeriveRaw("1234", otherSalt)

	if bytes.Equal(base, differentPin) {
		t.Fatal("different pins must derive different keys")
	}
	if bytes.Equal(base, differentSalt) {
		t.Fatal("different salts must derive different keys")
	}
}

func TestDeriveRejectsShortSalt(t *testing.T) {
	if _, err := DeriveRaw("1234", []byte("short")); !errors.Is(err, ErrShortSalt) {
		t.Fatalf("short salt should fail with ErrShortSalt, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	salt := testSalt(t)
	raw, _ := DeriveRaw("9876", salt)
	hash := Hash(raw)

	key, ok := Verify("9876", salt, hash)
	if !ok || key == nil {
		t.Fatal("correct pin must verify")
	}
	if !bytes.Equal(key.Raw(), raw) {
		t.Fatal("verified key must equal the derived key")
	}

	if _, ok := Verify("9877", salt, hash); ok {
		t.Fatal("wrong pin must not verify")
	}
	if _, ok := Verify("9876", salt, hash[:16]); ok {
		t.Fatal("truncated hash must not verify")
	}
	flipped := append([]byte(nil), hash...)
	flipped[0] ^= 0x01
	if _, ok := Verify("9876", salt, flipped); ok {
		t.Fatal("single-bit hash difference must not verify")
	}
}

func TestKeySealOpen(t *testing.T) {
	salt := testSalt(t)
	key, _ := Derive("2468", salt)

	ciphertext, nonce, err := key.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if len(nonce) != 12 {
		t.Fatalf("nonce must be 96 bits, got %d bytes", len(nonce))
	}
	plain, err := key.Open(ciphertext, nonce)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(plain) != "payload" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "pinkeys.json"))
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	salt := testSalt(t)
	raw, _ := DeriveRaw("1357", salt)
	key := &Key{raw: raw}
	hash := Hash(raw)

	if err := store.Save("room-1", key, salt, hash, seed); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := store.Load("room-1", seed)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("record must exist after save")
	}
	if !bytes.Equal(loaded.Key.Raw(), raw) {
		t.Fatal("loaded key must match stored key")
	}
	if !bytes.Equal(loaded.Salt, salt) || !bytes.Equal(loaded.KeyHash, hash) {
		t.Fatal("salt and hash must round-trip")
	}

	// The loaded key must decrypt material sealed by the original.
	ciphertext, nonce, err := key.Seal([]byte("check"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if plain, err := loaded.Key.Open(ciphertext, nonce); err != nil || string(plain) != "check" {
		t.Fatalf("loaded key failed to decrypt: %v %q", err, plain)
	}
}

func TestStoreWrongSeedFailsLoudly(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "pinkeys.json"))
	seed := bytes.Repeat([]byte{0x11}, 32)
	otherSeed := bytes.Repeat([]byte{0x22}, 32)

	salt := testSalt(t)
	raw, _ := DeriveRaw("4321", salt)
	if err := store.Save("room-1", &Key{raw: raw}, salt, Hash(raw), seed); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := store.Load("room-1", otherSeed); !errors.Is(err, ErrWrapFailed) {
		t.Fatalf("wrong seed should fail with ErrWrapFailed, got %v", err)
	}
}

func TestStoreMissingAndClear(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "pinkeys.json"))
	seed := bytes.Repeat([]byte{0x33}, 32)

	loaded, err := store.Load("absent", seed)
	if err != nil || loaded != nil {
		t.Fatalf("missing record should be (nil, nil), got %v %v", loaded, err)
	}

	salt := testSalt(t)
	raw, _ := DeriveRaw("0000", salt)
	if err := store.Save("room-1", &Key{raw: raw}, salt, Hash(raw), seed); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	store.Clear("room-1")
	loaded, err = store.Load("room-1", seed)
	if err != nil || loaded != nil {
		t.Fatalf("cleared record should be gone, got %v %v", loaded, err)
	}
	// Clearing again is a no-op.
	store.Clear("room-1")
}

func TestSaveOverwrites(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "pinkeys.json"))
	seed := bytes.Repeat([]byte{0x44}, 32)

	salt1 := testSalt(t)
	raw1, _ := DeriveRaw("1111", salt1)
	if err := store.Save("room-1", &Key{raw: raw1}, salt1, Hash(raw1), seed); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	salt2 := testSalt(t)
	raw2, _ := DeriveRaw("2222", salt2)
	if err := store.Save("room-1", &Key{raw: raw2}, salt2, Hash(raw2), seed); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, err := store.Load("room-1", seed)
	if err != nil || loaded == nil {
		t.Fatalf("load failed: %v", err)
	}
	if !bytes.Equal(loaded.Key.Raw(), raw2) {
		t.Fatal("second save must overwrite the first record")
	}
}

func TestDeriveWrappingKeyDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x55}, 32)
	k1, err := DeriveWrappingKey(seed)
	if err != nil {
		t.Fatalf("derive wrapping key failed: %v", err)
	}
	k2, err := DeriveWrappingKey(seed)
	if err != nil {
		t.Fatalf("derive wrapping key failed: %v", err)
	}
	if !bytes.Equal(k1.Raw(), k2.Raw()) {
		t.Fatal("wrapping key must be deterministic per seed")
	}
	other, _ := DeriveWrappingKey(bytes.Repeat([]byte{0x56}, 32))
	if bytes.Equal(k1.Raw(), other.Raw()) {
		t.Fatal("different seeds must yield different wrapping keys")
	}
}
