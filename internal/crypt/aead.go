// Package crypt holds the wire and at-rest cryptography primitives: the
// AEAD payload envelope shared with agents, HMAC signatures for cluster
// membership records, and random token minting for sessions and CSRF.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// EnvelopeVersion is the only wire envelope version this server speaks.
const EnvelopeVersion = "1"

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // 96-bit GCM nonce
)

var (
	// ErrDecrypt is returned when an envelope fails authentication or the
	// ciphertext is malformed. Callers must not distinguish the two cases.
	ErrDecrypt = errors.New("payload decryption failed")

	// ErrBadEnvelope is returned for structurally invalid envelopes
	// (wrong version, missing fields, bad base64).
	ErrBadEnvelope = errors.New("malformed envelope")

	// ErrKeySize is returned when a configured key is not 32 bytes.
	ErrKeySize = errors.New("encryption key must be 32 bytes")
)

// Envelope is the encrypted wire shape exchanged with agents. The GCM auth
// tag is appended to Ciphertext, so the envelope carries two opaque fields.
type Envelope struct {
	Encrypted  bool   `json:"encrypted"`
	Version    string `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Cipher encrypts and decrypts payload envelopes with a fixed key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != keySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns the wire
// envelope.
func (c *Cipher) Encrypt(plaintext []byte) (*Envelope, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ct := c.aead.Seal(nil, nonce, plaintext, nil)
	return &Envelope{
		Encrypted:  true,
		Version:    EnvelopeVersion,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Decrypt verifies and opens an envelope, returning the original plaintext.
func (c *Cipher) Decrypt(env *Envelope) ([]byte, error) {
	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrBadEnvelope, env.Version)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != nonceSize {
		return nil, ErrBadEnvelope
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrBadEnvelope
	}
	pt, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// EncryptField seals a single value for at-rest storage and returns the
// envelope as compact JSON. Used by the data store when a storage key is
// configured.
func (c *Cipher) EncryptField(plaintext []byte) ([]byte, error) {
	env, err := c.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecryptField reverses EncryptField.
func (c *Cipher) DecryptField(data []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrBadEnvelope
	}
	return c.Decrypt(&env)
}

// IsEnvelope reports whether a raw JSON body looks like an encrypted
// envelope. Detection is by the "encrypted": true field per the wire
// contract; plain payloads pass through untouched.
func IsEnvelope(body []byte) bool {
	var probe struct {
		Encrypted bool `json:"encrypted"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Encrypted
}
