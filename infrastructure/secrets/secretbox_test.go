package secrets

import (
	"bytes"
	"testing"

	"github.com/RohithBalasubramani/plc-logger/infrastructure/runtime"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box := New(runtime.ScopeUser, []byte("master"))
	plaintext := []byte(`{"username":"svc","password":"hunter2"}`)

	ciphertext, err := box.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatalf("ciphertext leaks plaintext")
	}

	opened, err := box.Open(ciphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("Open() = %q, want %q", opened, plaintext)
	}
}

func TestOpenWrongScopeFails(t *testing.T) {
	userBox := New(runtime.ScopeUser, []byte("master"))
	machineBox := New(runtime.ScopeMachine, []byte("master"))

	ciphertext, err := userBox.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := machineBox.Open(ciphertext); err != ErrInvalidCiphertext {
		t.Fatalf("Open() err = %v, want ErrInvalidCiphertext", err)
	}
}

func TestOpenTruncatedCiphertext(t *testing.T) {
	box := New(runtime.ScopeUser, []byte("master"))
	if _, err := box.Open([]byte("short")); err != ErrInvalidCiphertext {
		t.Fatalf("Open() err = %v, want ErrInvalidCiphertext", err)
	}
}

func TestRekeyMigratesScope(t *testing.T) {
	userBox := New(runtime.ScopeUser, []byte("master"))
	machineBox := New(runtime.ScopeMachine, []byte("master"))

	original := []byte("device-credential")
	sealed, err := userBox.Seal(original)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	migrated, err := Rekey(userBox, machineBox, sealed)
	if err != nil {
		t.Fatalf("Rekey: %v", err)
	}

	opened, err := machineBox.Open(migrated)
	if err != nil {
		t.Fatalf("Open after rekey: %v", err)
	}
	if !bytes.Equal(opened, original) {
		t.Fatalf("Open() = %q, want %q", opened, original)
	}

	if _, err := userBox.Open(migrated); err != ErrInvalidCiphertext {
		t.Fatalf("old box should no longer open migrated ciphertext, err = %v", err)
	}
}
