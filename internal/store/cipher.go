package store

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// SaltSize is the length of the per-database Argon2id salt
	SaltSize = 16

	fieldKeyInfo  = "honeygrid/fields/v1"
	keyCheckPlain = "honeygrid key check v1"
)

// KDFParams are the Argon2id cost parameters used to stretch the operator secret
type KDFParams struct {
	Time    uint32 `yaml:"time"`
	Memory  uint32 `yaml:"memory_kib"`
	Threads uint8  `yaml:"threads"`
}

// DefaultKDFParams returns the production Argon2id parameters
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Time:    3,
		Memory:  64 * 1024, // 64 MiB
		Threads: 4,
	}
}

// DeriveKey stretches secret with Argon2id and expands a field-encryption
// subkey from the result with HKDF-SHA256
func DeriveKey(secret, salt []byte, p KDFParams) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is empty")
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes", SaltSize)
	}
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		p = DefaultKDFParams()
	}
	master := argon2.IDKey(secret, salt, p.Time, p.Memory, p.Threads, chacha20poly1305.KeySize)
	defer zero(master)

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, master, nil, []byte(fieldKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to expand field key: %w", err)
	}
	return key, nil
}

// FieldCipher seals individual column values with XChaCha20-Poly1305.
// Every Seal draws a fresh random nonce, so equal plaintexts never produce
// equal ciphertexts.
type FieldCipher struct {
	aead cipher.AEAD
}

// NewFieldCipher creates a cipher from a 32-byte key
func NewFieldCipher(key []byte) (*FieldCipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create field cipher: %w", err)
	}
	return &FieldCipher{aead: aead}, nil
}

// Seal encrypts plaintext as nonce || ciphertext
func (c *FieldCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, encryptionErr("seal", "failed to generate nonce: %v", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value produced by Seal
func (c *FieldCipher) Open(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns+c.aead.Overhead() {
		return nil, encryptionErr("open", "ciphertext too short (%d bytes)", len(sealed))
	}
	plain, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, encryptionErr("open", "authentication failed")
	}
	return plain, nil
}

// String wraps plain so it is sealed when written to the database
func (c *FieldCipher) String(plain string) *EncryptedString {
	return &EncryptedString{Plain: plain, fc: c}
}

// EncryptedString is a string column stored encrypted at rest. It seals on
// Value and opens on Scan, so callers read and write plaintext.
type EncryptedString struct {
	Plain string
	fc    *FieldCipher
}

// Value implements driver.Valuer
func (e EncryptedString) Value() (driver.Value, error) {
	if e.fc == nil {
		return nil, encryptionErr("seal", "encrypted field has no cipher")
	}
	return e.fc.Seal([]byte(e.Plain))
}

// Scan implements sql.Scanner
func (e *EncryptedString) Scan(src any) error {
	if e.fc == nil {
		return encryptionErr("open", "encrypted field has no cipher")
	}
	var sealed []byte
	switch v := src.(type) {
	case []byte:
		sealed = v
	case string:
		sealed = []byte(v)
	case nil:
		e.Plain = ""
		return nil
	default:
		return encryptionErr("open", "unexpected column type %T", src)
	}
	plain, err := e.fc.Open(sealed)
	if err != nil {
		return err
	}
	e.Plain = string(plain)
	return nil
}

func (e *EncryptedString) String() string {
	return e.Plain
}

// sealExtra CBOR-encodes the extra payload fields and seals them. An empty
// map is stored as NULL.
func (c *FieldCipher) sealExtra(extra map[string]any) ([]byte, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	plain := make(map[string]any, len(extra))
	for k, v := range extra {
		plain[k] = cborValue(v)
	}
	raw, err := cborEnc.Marshal(plain)
	if err != nil {
		return nil, encryptionErr("seal", "failed to encode extra fields: %v", err)
	}
	return c.Seal(raw)
}

func (c *FieldCipher) openExtra(sealed []byte) (map[string]any, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	raw, err := c.Open(sealed)
	if err != nil {
		return nil, err
	}
	var extra map[string]any
	if err := cborDec.Unmarshal(raw, &extra); err != nil {
		return nil, encryptionErr("open", "failed to decode extra fields: %v", err)
	}
	return extra, nil
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{MaxNestedLevels: 4}.DecMode()
	if err != nil {
		panic(err)
	}
}

// cborValue turns json.Number into a native integer or float so numbers
// keep their type in the encoded form
func cborValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
