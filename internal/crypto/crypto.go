// Package crypto implements the Bitwarden key hierarchy and the
// EncString cipher format. Everything here is deterministic given its
// inputs except the random IVs used on encrypt.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Key sizes in bytes.
const (
	symmetricKeySize = 32
	fullKeySize      = 64
)

// SymmetricKey is an encryption key with an optional MAC half. Keys
// decoded from 32 bytes carry no MAC key and can only serve the
// MAC-less cipher types.
type SymmetricKey struct {
	Enc []byte
	Mac []byte
}

// HasMac reports whether the key can authenticate ciphertexts.
func (k SymmetricKey) HasMac() bool {
	return len(k.Mac) > 0
}

// DecodeSymmetricKey splits raw key bytes into their halves. A 64-byte
// blob is enc||mac, a 32-byte blob is enc only.
func DecodeSymmetricKey(raw []byte) (SymmetricKey, error) {
	switch len(raw) {
	case fullKeySize:
		return SymmetricKey{Enc: raw[:symmetricKeySize], Mac: raw[symmetricKeySize:]}, nil
	case symmetricKeySize:
		return SymmetricKey{Enc: raw}, nil
	default:
		return SymmetricKey{}, fmt.Errorf("symmetric key must be 32 or 64 bytes, got %d", len(raw))
	}
}

// MasterKey derives the account master key from the master password.
// The salt is the lowercased email, per the Bitwarden KDF convention.
func MasterKey(password, email string, iterations int) []byte {
	return pbkdf2.Key([]byte(password), []byte(strings.ToLower(email)), iterations, symmetricKeySize, sha256.New)
}

// PasswordKey derives the server authentication proof from the master
// key. This is what goes over the wire; the master key never does.
func PasswordKey(masterKey []byte, password string) []byte {
	return pbkdf2.Key(masterKey, []byte(password), 1, symmetricKeySize, sha256.New)
}

// StretchKey expands the 32-byte master key into separate encryption
// and MAC keys via HKDF-Expand.
func StretchKey(masterKey []byte) (SymmetricKey, error) {
	enc, err := hkdfExpand(masterKey, "enc", symmetricKeySize)
	if err != nil {
		return SymmetricKey{}, err
	}

	mac, err := hkdfExpand(masterKey, "mac", symmetricKeySize)
	if err != nil {
		return SymmetricKey{}, err
	}

	return SymmetricKey{Enc: enc, Mac: mac}, nil
}

func hkdfExpand(prk []byte, info string, size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("hkdf expand %q: %w", info, err)
	}

	return out, nil
}

// SendKey derives the per-send symmetric key from a send's 16-byte key
// material.
func SendKey(keyMaterial []byte) (SymmetricKey, error) {
	out := make([]byte, fullKeySize)

	r := hkdf.New(sha256.New, keyMaterial, []byte("bitwarden-send"), []byte("send"))
	if _, err := io.ReadFull(r, out); err != nil {
		return SymmetricKey{}, fmt.Errorf("deriving send key: %w", err)
	}

	return DecodeSymmetricKey(out)
}

// ParsePrivateKey decodes a PKCS#8 DER blob into an RSA private key.
func ParsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", key)
	}

	return rsaKey, nil
}

// SHA256 hashes data, used for URI integrity checksums before they
// are encrypted.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)

	return mac.Sum(nil)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}

	return b, nil
}
