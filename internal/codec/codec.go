// Package codec transforms message bodies before they are stored or sent.
// Callers treat the output as an opaque string.
package codec

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/matheus3301/linkchat/internal/chaterr"
)

// Codec is a reversible body transform.
type Codec interface {
	Encode(plain string) (string, error)
	Decode(body string) (string, error)
}

var hkdfInfo = []byte("linkchat message body v1")

// Sealed encrypts bodies with XChaCha20-Poly1305 under a key derived
// from a shared secret. Output is base64(nonce || ciphertext).
type Sealed struct {
	aead cipher.AEAD
}

// NewSealed derives the body key from secret.
func NewSealed(secret string) (*Sealed, error) {
	if secret == "" {
		return nil, errors.New("codec secret must not be empty")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &Sealed{aead: aead}, nil
}

func (s *Sealed) Encode(plain string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *Sealed) Decode(body string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", chaterr.New(chaterr.Decode, "codec.decode", err)
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return "", chaterr.Newf(chaterr.Decode, "codec.decode", "body too short")
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", chaterr.New(chaterr.Decode, "codec.decode", err)
	}
	return string(plain), nil
}

// Plain passes bodies through unchanged.
type Plain struct{}

func (Plain) Encode(plain string) (string, error) { return plain, nil }
func (Plain) Decode(body string) (string, error)  { return body, nil }

// New returns a Sealed codec for a non-empty secret and Plain otherwise.
func New(secret string) (Codec, error) {
	if secret == "" {
		return Plain{}, nil
	}
	return NewSealed(secret)
}

// Display decodes body for presentation. A body that fails to decode is
// returned unchanged.
func Display(c Codec, body string) string {
	if c == nil {
		return body
	}
	plain, err := c.Decode(body)
	if err != nil {
		return body
	}
	return plain
}
