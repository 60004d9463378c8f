// Package sealed encodes instance session blobs for storage. Blobs are
// zstd-compressed and, when recipients are configured, age-encrypted.
//
// Every sealed blob starts with a one-byte format tag so that blobs written
// before encryption was enabled stay readable.
package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
)

const (
	formatZstd    byte = 'z'
	formatAgeZstd byte = 'a'
)

// ErrNoIdentity is returned by Open for an encrypted blob when the Sealer
// holds no age identity.
var ErrNoIdentity = errors.New("sealed: blob is encrypted but no identity is configured")

// Sealer seals and opens session blobs. The zero value is not usable; build
// one with New. A Sealer is safe for concurrent use.
type Sealer struct {
	recipients []age.Recipient
	identities []age.Identity
	enc        *zstd.Encoder
	dec        *zstd.Decoder
}

// Opts configures a Sealer.
type Opts struct {
	// Recipients are age public keys (age1...). Empty disables encryption.
	Recipients []string
	// IdentityFile is an age identity file used to decrypt. Optional when
	// Identities is set.
	IdentityFile string
	// Identities are parsed directly, mainly for tests.
	Identities []age.Identity
}

// New builds a Sealer.
func New(opts Opts) (*Sealer, error) {
	s := &Sealer{identities: opts.Identities}

	for _, key := range opts.Recipients {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("sealed: parse recipient %q: %w", key, err)
		}
		s.recipients = append(s.recipients, r)
	}

	if opts.IdentityFile != "" {
		f, err := os.Open(opts.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("sealed: open identity file: %w", err)
		}
		defer f.Close()
		ids, err := age.ParseIdentities(f)
		if err != nil {
			return nil, fmt.Errorf("sealed: parse identity file: %w", err)
		}
		s.identities = append(s.identities, ids...)
	}

	var err error
	s.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("sealed: zstd encoder: %w", err)
	}
	s.dec, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("sealed: zstd decoder: %w", err)
	}
	return s, nil
}

// Encrypting reports whether Seal produces age-encrypted blobs.
func (s *Sealer) Encrypting() bool {
	return len(s.recipients) > 0
}

// Seal compresses plaintext and encrypts it when recipients are set. A nil
// or empty plaintext seals to nil.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	compressed := s.enc.EncodeAll(plaintext, nil)
	if !s.Encrypting() {
		return append([]byte{formatZstd}, compressed...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(formatAgeZstd)
	w, err := age.Encrypt(&buf, s.recipients...)
	if err != nil {
		return nil, fmt.Errorf("sealed: create encryptor: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return nil, fmt.Errorf("sealed: encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalize encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// Open reverses Seal. A nil or empty blob opens to nil.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	body := blob[1:]
	switch blob[0] {
	case formatZstd:
	case formatAgeZstd:
		if len(s.identities) == 0 {
			return nil, ErrNoIdentity
		}
		r, err := age.Decrypt(bytes.NewReader(body), s.identities...)
		if err != nil {
			return nil, fmt.Errorf("sealed: decrypt: %w", err)
		}
		body, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("sealed: read decrypted blob: %w", err)
		}
	default:
		return nil, fmt.Errorf("sealed: unknown blob format %q", blob[0])
	}

	plain, err := s.dec.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("sealed: decompress: %w", err)
	}
	return plain, nil
}
