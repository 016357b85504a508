package privacylog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	return slog.New(h), &buf
}

func logged(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unparseable log line: %v", err)
	}
	return out
}

func TestSensitiveAttrsRedacted(t *testing.T) {
	cases := []string{"pin", "identity_key", "one_time_keys", "mnemonic", "wrapping_seed", "ciphertext"}
	for _, key := range cases {
		log, buf := captureLogger()
		log.Info("event", key, "super-secret-value")
		out := logged(t, buf)
		if out[key] != redactedValue {
			t.Fatalf("%s = %v, want redacted", key, out[key])
		}
		if strings.Contains(buf.String(), "super-secret-value") {
			t.Fatalf("%s leaked into the log line", key)
		}
	}
}

func TestIdentifiersFingerprinted(t *testing.T) {
	log, buf := captureLogger()
	log.Info("member joined", "room", "garden-7", "ip", "203.0.113.9")
	out := logged(t, buf)

	if _, ok := out["room"]; ok {
		t.Fatal("plain room attr must not survive")
	}
	fp, ok := out["room_fp"].(string)
	if !ok || !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("room_fp = %v", out["room_fp"])
	}
	if strings.Contains(buf.String(), "garden-7") || strings.Contains(buf.String(), "203.0.113.9") {
		t.Fatal("identifier leaked into the log line")
	}
}

func TestFingerprintStableWithinBoot(t *testing.T) {
	a := FingerprintID("garden-7")
	b := FingerprintID("garden-7")
	c := FingerprintID("garden-8")
	if a != b {
		t.Fatal("same input must fingerprint identically within one boot")
	}
	if a == c {
		t.Fatal("distinct inputs must not collide")
	}
	if FingerprintID("  ") != "" {
		t.Fatal("blank input fingerprints to empty")
	}
}

func TestHarmlessAttrsPassThrough(t *testing.T) {
	log, buf := captureLogger()
	log.Info("reconnect failed", "attempt", 3, "err", "relay unreachable")
	out := logged(t, buf)
	if out["attempt"] != float64(3) || out["err"] != "relay unreachable" {
		t.Fatalf("harmless attrs altered: %v", out)
	}
}

func TestWithAttrsSanitized(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	log := slog.New(h).With("room", "garden-7")
	log.Info("event")
	out := logged(t, &buf)
	if _, ok := out["room"]; ok {
		t.Fatal("With-bound attrs must be sanitized too")
	}
	fp, ok := out["room_fp"].(string)
	if !ok || !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("room_fp = %v", out["room_fp"])
	}
}
