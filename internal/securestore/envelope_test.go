package securestore

import (
	"errors"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	data, err := Encrypt("pass", []byte("resume state"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if !strings.HasPrefix(string(data), filePrefix) {
		t.Fatalf("missing envelope prefix: %q", string(data[:16]))
	}
	plain, err := Decrypt("pass", data)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(plain) != "resume state" {
		t.Fatalf("unexpected plaintext: %q", string(plain))
	}
}

func TestDecryptWrongPassphraseFailsAuth(t *testing.T) {
	data, err := Encrypt("pass", []byte("resume state"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := Decrypt("other", data); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestDecryptTamperedFailsDeterministically(t *testing.T) {
	data, err := Encrypt("pass", []byte("resume state"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	data[len(data)-2] ^= 0xFF
	if _, err := Decrypt("pass", data); !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrAuthFailed or ErrInvalid, got %v", err)
	}
}

func TestDecryptLegacyPlaintextIsDistinguishable(t *testing.T) {
	if _, err := Decrypt("pass", []byte(`{"plain":"snapshot"}`)); !errors.Is(err, ErrLegacyData) {
		t.Fatalf("expected ErrLegacyData, got %v", err)
	}
}
