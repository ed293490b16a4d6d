package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasterKey_LowercasesEmailSalt(t *testing.T) {
	a := MasterKey("password", "User@Example.com", 5000)
	b := MasterKey("password", "user@example.com", 5000)

	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestPasswordKey_DiffersFromMasterKey(t *testing.T) {
	master := MasterKey("password", "user@example.com", 5000)
	password := PasswordKey(master, "password")

	assert.Len(t, password, 32)
	assert.NotEqual(t, master, password)
}

func TestStretchKey(t *testing.T) {
	master := MasterKey("password", "user@example.com", 5000)

	key, err := StretchKey(master)
	require.NoError(t, err)

	assert.Len(t, key.Enc, 32)
	assert.Len(t, key.Mac, 32)
	assert.NotEqual(t, key.Enc, key.Mac)
	assert.True(t, key.HasMac())
}

func TestDecodeSymmetricKey(t *testing.T) {
	t.Run("64 bytes splits into enc and mac", func(t *testing.T) {
		key, err := DecodeSymmetricKey(make([]byte, 64))
		require.NoError(t, err)
		assert.Len(t, key.Enc, 32)
		assert.Len(t, key.Mac, 32)
	})

	t.Run("32 bytes has no mac", func(t *testing.T) {
		key, err := DecodeSymmetricKey(make([]byte, 32))
		require.NoError(t, err)
		assert.Len(t, key.Enc, 32)
		assert.False(t, key.HasMac())
	})

	t.Run("other sizes rejected", func(t *testing.T) {
		_, err := DecodeSymmetricKey(make([]byte, 48))
		assert.Error(t, err)
	})
}

func TestSendKey(t *testing.T) {
	material := make([]byte, 16)
	for i := range material {
		material[i] = byte(i)
	}

	key, err := SendKey(material)
	require.NoError(t, err)
	assert.Len(t, key.Enc, 32)
	assert.Len(t, key.Mac, 32)

	// Derivation is deterministic.
	again, err := SendKey(material)
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func testKey(t *testing.T) SymmetricKey {
	t.Helper()

	key, err := StretchKey(MasterKey("password", "user@example.com", 1000))
	require.NoError(t, err)

	return key
}

func TestEncString_RoundTrip(t *testing.T) {
	key := testKey(t)

	enc, err := EncryptSymmetric(key, []byte("the secret payload"))
	require.NoError(t, err)
	assert.Equal(t, AesCbc256HmacSha256B64, enc.Type)

	// Through the wire form and back.
	parsed, err := ParseEncString(enc.String())
	require.NoError(t, err)

	out, err := parsed.DecryptSymmetric(key)
	require.NoError(t, err)
	assert.Equal(t, "the secret payload", string(out))
}

func TestEncString_MacTamperDetected(t *testing.T) {
	key := testKey(t)

	enc, err := EncryptSymmetric(key, []byte("payload"))
	require.NoError(t, err)

	enc.Data[0] ^= 0xff

	_, err = enc.DecryptSymmetric(key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mac mismatch")
}

func TestEncString_MacTypeNeedsMacKey(t *testing.T) {
	key := testKey(t)

	enc, err := EncryptSymmetric(key, []byte("payload"))
	require.NoError(t, err)

	_, err = enc.DecryptSymmetric(SymmetricKey{Enc: key.Enc})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a mac key")
}

func TestParseEncString_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "no type prefix", input: "abcdef"},
		{name: "non-numeric type", input: "x.abc|def"},
		{name: "unknown type", input: "9.abc"},
		{name: "wrong part count", input: "2.YWJj"},
		{name: "bad base64", input: "0.###|YWJj"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEncString(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestEncString_RSARoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	payload := make([]byte, 64)
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &priv.PublicKey, payload, nil)
	require.NoError(t, err)

	enc := EncString{Type: Rsa2048OaepSha256B64, Data: ct}
	out, err := enc.DecryptRSA(priv)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestDecryptString(t *testing.T) {
	key := testKey(t)

	wire, err := EncryptString(key, "hello")
	require.NoError(t, err)

	out, err := DecryptString(key, wire)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}
