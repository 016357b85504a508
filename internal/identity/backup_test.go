package identity

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestBackupRoundTrip(t *testing.T) {
	seed, err := NewSeed()
	if err != nil {
		t.Fatalf("new seed: %v", err)
	}
	data, err := seed.ExportBackup("horse battery")
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	restored, err := ImportBackup("horse battery", data)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if restored.Mnemonic() != seed.Mnemonic() {
		t.Fatal("restored seed must match the original")
	}
	if !bytes.Equal(restored.PickleKey(), seed.PickleKey()) {
		t.Fatal("restored seed must derive the same subkeys")
	}
}

func TestBackupWrongPassphrase(t *testing.T) {
	seed, err := NewSeed()
	if err != nil {
		t.Fatalf("new seed: %v", err)
	}
	data, err := seed.ExportBackup("right")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := ImportBackup("wrong", data); err != ErrBackupAuth {
		t.Fatalf("expected ErrBackupAuth, got %v", err)
	}
}

func TestBackupRejectsGarbage(t *testing.T) {
	if _, err := ImportBackup("pw", []byte("not a backup")); err != ErrBackupInvalid {
		t.Fatalf("missing prefix: %v", err)
	}
	if _, err := ImportBackup("pw", []byte("EBRSEED1\n{broken")); err != ErrBackupInvalid {
		t.Fatalf("bad json: %v", err)
	}
}

func TestRestoreBackupPersistsSeed(t *testing.T) {
	seed, err := NewSeed()
	if err != nil {
		t.Fatalf("new seed: %v", err)
	}
	data, err := seed.ExportBackup("pw")
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	path := filepath.Join(t.TempDir(), "seed")
	restored, err := RestoreBackup(path, "pw", data)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Mnemonic() != seed.Mnemonic() {
		t.Fatal("restored seed must match the original")
	}

	loaded, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if created {
		t.Fatal("restore must persist the seed, not leave a fresh one to be minted")
	}
	if !bytes.Equal(loaded.PickleKey(), seed.PickleKey()) {
		t.Fatal("the persisted seed must derive the original subkeys")
	}
}

func TestRestoreBackupRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed")
	if _, _, err := LoadOrCreate(path); err != nil {
		t.Fatalf("seed setup: %v", err)
	}

	other, err := NewSeed()
	if err != nil {
		t.Fatalf("new seed: %v", err)
	}
	data, err := other.ExportBackup("pw")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := RestoreBackup(path, "pw", data); err != ErrSeedExists {
		t.Fatalf("expected ErrSeedExists, got %v", err)
	}
}

func TestBackupTamperDetected(t *testing.T) {
	seed, err := NewSeed()
	if err != nil {
		t.Fatalf("new seed: %v", err)
	}
	data, err := seed.ExportBackup("pw")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	data[len(data)-2] ^= 0x01
	if _, err := ImportBackup("pw", data); err == nil {
		t.Fatal("tampered backup must not import")
	}
}
