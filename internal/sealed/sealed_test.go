package sealed

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
)

func TestSealOpen_CompressOnly(t *testing.T) {
	s, err := New(Opts{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	plain := []byte(strings.Repeat(`{"token":"abc"}`, 20))

	blob, err := s.Seal(plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if blob[0] != formatZstd {
		t.Errorf("format tag = %q, want %q", blob[0], formatZstd)
	}
	if len(blob) >= len(plain) {
		t.Errorf("blob not compressed: %d >= %d", len(blob), len(plain))
	}

	got, err := s.Open(blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Open = %q, want %q", got, plain)
	}
}

func TestSealOpen_Encrypted(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(Opts{
		Recipients: []string{id.Recipient().String()},
		Identities: []age.Identity{id},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.Encrypting() {
		t.Fatal("expected Encrypting() = true")
	}

	plain := []byte(`{"app_token":"xapp-1","bot_token":"xoxb-2"}`)
	blob, err := s.Seal(plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if blob[0] != formatAgeZstd {
		t.Errorf("format tag = %q, want %q", blob[0], formatAgeZstd)
	}
	if bytes.Contains(blob, []byte("xoxb-2")) {
		t.Error("sealed blob leaks plaintext")
	}

	got, err := s.Open(blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Open = %q, want %q", got, plain)
	}
}

func TestOpen_EncryptedWithoutIdentity(t *testing.T) {
	id, _ := age.GenerateX25519Identity()
	writer, err := New(Opts{Recipients: []string{id.Recipient().String()}})
	if err != nil {
		t.Fatal(err)
	}
	blob, err := writer.Seal([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	reader, _ := New(Opts{})
	if _, err := reader.Open(blob); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("Open err = %v, want ErrNoIdentity", err)
	}
}

func TestOpen_PlainBlobReadableAfterEnablingEncryption(t *testing.T) {
	plainSealer, _ := New(Opts{})
	blob, err := plainSealer.Seal([]byte("legacy"))
	if err != nil {
		t.Fatal(err)
	}

	id, _ := age.GenerateX25519Identity()
	encSealer, err := New(Opts{
		Recipients: []string{id.Recipient().String()},
		Identities: []age.Identity{id},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := encSealer.Open(blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != "legacy" {
		t.Errorf("Open = %q, want legacy", got)
	}
}

func TestNew_IdentityFile(t *testing.T) {
	id, _ := age.GenerateX25519Identity()
	path := filepath.Join(t.TempDir(), "key.txt")
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := New(Opts{Recipients: []string{id.Recipient().String()}, IdentityFile: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	blob, _ := s.Seal([]byte("x"))
	got, err := s.Open(blob)
	if err != nil || string(got) != "x" {
		t.Errorf("Open = %q, %v", got, err)
	}
}

func TestNew_BadRecipient(t *testing.T) {
	_, err := New(Opts{Recipients: []string{"age1notakey"}})
	if err == nil || !strings.Contains(err.Error(), "parse recipient") {
		t.Errorf("err = %v, want parse recipient error", err)
	}
}

func TestSealOpen_Empty(t *testing.T) {
	s, _ := New(Opts{})
	blob, err := s.Seal(nil)
	if err != nil || blob != nil {
		t.Errorf("Seal(nil) = %v, %v; want nil, nil", blob, err)
	}
	plain, err := s.Open(nil)
	if err != nil || plain != nil {
		t.Errorf("Open(nil) = %v, %v; want nil, nil", plain, err)
	}
}

func TestOpen_UnknownFormat(t *testing.T) {
	s, _ := New(Opts{})
	if _, err := s.Open([]byte{'?', 1, 2}); err == nil {
		t.Error("expected error for unknown format")
	}
}
