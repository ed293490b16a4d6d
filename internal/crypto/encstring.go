package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// EncStringType identifies the algorithm of an EncString.
type EncStringType int

// EncString cipher types, matching the numeric prefixes on the wire.
const (
	AesCbc256B64             EncStringType = 0
	AesCbc128HmacSha256B64   EncStringType = 1
	AesCbc256HmacSha256B64   EncStringType = 2
	Rsa2048OaepSha256B64     EncStringType = 3
	Rsa2048OaepSha1B64       EncStringType = 4
	Rsa2048OaepSha256HmacB64 EncStringType = 5
	Rsa2048OaepSha1HmacB64   EncStringType = 6
)

// EncString is one encrypted blob in Bitwarden's "{type}.{parts}"
// format, parts base64-encoded and joined by "|".
type EncString struct {
	Type EncStringType

	// IV is set for the CBC types.
	IV []byte

	// Data is the ciphertext for every type.
	Data []byte

	// MAC is set for the HMAC-carrying types.
	MAC []byte
}

// partCount is the expected number of pipe-separated payload parts
// for the type, or zero for unknown types.
func (t EncStringType) partCount() int {
	switch t {
	case AesCbc256B64:
		return 2
	case AesCbc128HmacSha256B64, AesCbc256HmacSha256B64:
		return 3
	case Rsa2048OaepSha256B64, Rsa2048OaepSha1B64:
		return 1
	case Rsa2048OaepSha256HmacB64, Rsa2048OaepSha1HmacB64:
		return 2
	default:
		return 0
	}
}

func (t EncStringType) symmetric() bool {
	return t <= AesCbc256HmacSha256B64
}

// ParseEncString parses the wire form of an encrypted blob.
func ParseEncString(s string) (EncString, error) {
	head, payload, found := strings.Cut(s, ".")
	if !found {
		return EncString{}, fmt.Errorf("enc string has no type prefix")
	}

	typeNum, err := strconv.Atoi(head)
	if err != nil {
		return EncString{}, fmt.Errorf("enc string type %q is not a number", head)
	}

	typ := EncStringType(typeNum)
	want := typ.partCount()
	if want == 0 {
		return EncString{}, fmt.Errorf("unknown enc string type %d", typeNum)
	}

	rawParts := strings.Split(payload, "|")
	if len(rawParts) != want {
		return EncString{}, fmt.Errorf("enc string type %d wants %d parts, got %d", typeNum, want, len(rawParts))
	}

	parts := make([][]byte, len(rawParts))
	for i, p := range rawParts {
		decoded, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return EncString{}, fmt.Errorf("enc string part %d: %w", i, err)
		}

		parts[i] = decoded
	}

	out := EncString{Type: typ}

	if typ.symmetric() {
		out.IV = parts[0]
		out.Data = parts[1]
		if len(parts) == 3 {
			out.MAC = parts[2]
		}

		return out, nil
	}

	out.Data = parts[0]
	if len(parts) == 2 {
		out.MAC = parts[1]
	}

	return out, nil
}

// String renders the wire form.
func (e EncString) String() string {
	b64 := base64.StdEncoding.EncodeToString

	var parts []string
	if e.Type.symmetric() {
		parts = append(parts, b64(e.IV), b64(e.Data))
	} else {
		parts = append(parts, b64(e.Data))
	}

	if len(e.MAC) > 0 {
		parts = append(parts, b64(e.MAC))
	}

	return strconv.Itoa(int(e.Type)) + "." + strings.Join(parts, "|")
}

// DecryptSymmetric decrypts a CBC-type EncString with key. Types that
// carry a MAC are verified before decryption; a key without a MAC half
// cannot decrypt those types.
func (e EncString) DecryptSymmetric(key SymmetricKey) ([]byte, error) {
	switch e.Type {
	case AesCbc256B64:
		return aesCbcDecrypt(key.Enc, e.IV, e.Data)
	case AesCbc128HmacSha256B64, AesCbc256HmacSha256B64:
		if !key.HasMac() {
			return nil, fmt.Errorf("enc string type %d requires a mac key", e.Type)
		}

		expected := hmacSHA256(key.Mac, append(append([]byte{}, e.IV...), e.Data...))
		if !hmac.Equal(expected, e.MAC) {
			return nil, fmt.Errorf("enc string mac mismatch")
		}

		encKey := key.Enc
		if e.Type == AesCbc128HmacSha256B64 {
			encKey = key.Enc[:16]
		}

		return aesCbcDecrypt(encKey, e.IV, e.Data)
	default:
		return nil, fmt.Errorf("enc string type %d is not symmetric", e.Type)
	}
}

// DecryptRSA decrypts an RSA-type EncString with the account's private
// key. The optional MAC on types 5 and 6 is legacy padding and is not
// verified, matching other Bitwarden clients.
func (e EncString) DecryptRSA(priv *rsa.PrivateKey) ([]byte, error) {
	switch e.Type {
	case Rsa2048OaepSha256B64, Rsa2048OaepSha256HmacB64:
		out, err := rsa.DecryptOAEP(sha256.New(), nil, priv, e.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("rsa oaep sha256 decrypt: %w", err)
		}

		return out, nil
	case Rsa2048OaepSha1B64, Rsa2048OaepSha1HmacB64:
		out, err := rsa.DecryptOAEP(sha1.New(), nil, priv, e.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("rsa oaep sha1 decrypt: %w", err)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("enc string type %d is not rsa", e.Type)
	}
}

// EncryptSymmetric encrypts plaintext as AesCbc256_HmacSha256_B64,
// the only type this client ever writes.
func EncryptSymmetric(key SymmetricKey, plaintext []byte) (EncString, error) {
	if !key.HasMac() {
		return EncString{}, fmt.Errorf("encryption requires a key with a mac half")
	}

	iv, err := randomBytes(aes.BlockSize)
	if err != nil {
		return EncString{}, err
	}

	ct, err := aesCbcEncrypt(key.Enc, iv, plaintext)
	if err != nil {
		return EncString{}, err
	}

	mac := hmacSHA256(key.Mac, append(append([]byte{}, iv...), ct...))

	return EncString{Type: AesCbc256HmacSha256B64, IV: iv, Data: ct, MAC: mac}, nil
}

// EncryptString is EncryptSymmetric for string payloads, returning the
// wire form directly.
func EncryptString(key SymmetricKey, plaintext string) (string, error) {
	enc, err := EncryptSymmetric(key, []byte(plaintext))
	if err != nil {
		return "", err
	}

	return enc.String(), nil
}

// DecryptString parses and decrypts a wire-form EncString to a string.
func DecryptString(key SymmetricKey, s string) (string, error) {
	enc, err := ParseEncString(s)
	if err != nil {
		return "", err
	}

	out, err := enc.DecryptSymmetric(key)
	if err != nil {
		return "", err
	}

	return string(out), nil
}

func aesCbcDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating aes cipher: %w", err)
	}

	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", block.BlockSize(), len(iv))
	}

	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)

	return pkcs7Unpad(out, block.BlockSize())
}

func aesCbcEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating aes cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return out, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)

	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}

	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}

	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}

	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}

	return data[:len(data)-n], nil
}
