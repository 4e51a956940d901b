package rpc

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the shared secret length required by secretbox.
const KeySize = 32

// nonceSize is fixed by secretbox's construction.
const nonceSize = 24

// Cipher encrypts and decrypts the params/result fields of a Frame with
// a pre-shared 32-byte key, using NaCl secretbox (XSalsa20-Poly1305):
// authenticated, MAC-then-cipher, random nonce per message.
type Cipher struct {
	key [KeySize]byte
}

// NewCipher returns a Cipher using key, which must be exactly KeySize
// bytes.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("rpc: shared key must be %d bytes, got %d", KeySize, len(key))
	}
	c := &Cipher{}
	copy(c.key[:], key)
	return c, nil
}

// Seal encrypts plaintext and returns the wire-encoded payload:
// base64(nonce || secretbox(plaintext, nonce, key)).
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("rpc: generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. It returns ErrUndecryptable if the payload is
// malformed or fails MAC authentication — never a transport error, so a
// tampered or mis-keyed frame doesn't tear down the connection.
func (c *Cipher) Open(wire string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		return nil, ErrUndecryptable
	}
	if len(sealed) < nonceSize {
		return nil, ErrUndecryptable
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, ErrUndecryptable
	}
	return plaintext, nil
}

// SealField encrypts a json.RawMessage field value, producing a new
// RawMessage holding the base64 wire string as a JSON string.
func (c *Cipher) SealField(field json.RawMessage) (json.RawMessage, error) {
	if len(field) == 0 {
		return field, nil
	}
	wire, err := c.Seal(field)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

// OpenField decrypts a field previously produced by SealField.
func (c *Cipher) OpenField(field json.RawMessage) (json.RawMessage, error) {
	if len(field) == 0 {
		return field, nil
	}
	var wire string
	if err := json.Unmarshal(field, &wire); err != nil {
		return nil, ErrUndecryptable
	}
	return c.Open(wire)
}
