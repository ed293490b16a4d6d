package sync

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywarden/keywarden/internal/bitwarden"
	"github.com/keywarden/keywarden/internal/bitwarden/api"
	"github.com/keywarden/keywarden/internal/crypto"
)

// makeOrgKeyFixture builds the RSA side of a vault: a profile private
// key wrapped with the user key, and an organization key wrapped with
// the RSA public key. Returns the two wire strings and the raw org key.
func makeOrgKeyFixture(t *testing.T, userKey crypto.SymmetricKey) (privateKeyEnc, orgKeyEnc string, orgRaw []byte) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	wrappedPriv, err := crypto.EncryptSymmetric(userKey, der)
	require.NoError(t, err)

	orgRaw = make([]byte, 64)
	for i := range orgRaw {
		orgRaw[i] = byte(255 - i)
	}

	ct, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, &priv.PublicKey, orgRaw, nil)
	require.NoError(t, err)

	orgEnc := crypto.EncString{Type: crypto.Rsa2048OaepSha1B64, Data: ct}

	return wrappedPriv.String(), orgEnc.String(), orgRaw
}

func testAccountKey(t *testing.T) (bitwarden.AccountKey, crypto.SymmetricKey) {
	t.Helper()

	master := crypto.MasterKey("pw", "user@example.com", 5000)
	stretched, err := crypto.StretchKey(master)
	require.NoError(t, err)

	return bitwarden.AccountKey{
		EncryptionKeyBase64: base64.StdEncoding.EncodeToString(stretched.Enc),
		MacKeyBase64:        base64.StdEncoding.EncodeToString(stretched.Mac),
	}, stretched
}

func TestBuildKeyRegistry(t *testing.T) {
	accountKey, stretched := testAccountKey(t)

	userRaw := make([]byte, 64)
	for i := range userRaw {
		userRaw[i] = byte(i)
	}

	profileKey, err := crypto.EncryptSymmetric(stretched, userRaw)
	require.NoError(t, err)

	userKey, err := crypto.DecodeSymmetricKey(userRaw)
	require.NoError(t, err)

	privEnc, orgEnc, orgRaw := makeOrgKeyFixture(t, userKey)

	profile := api.SyncProfile{
		Key:        profileKey.String(),
		PrivateKey: privEnc,
		Organizations: []api.OrganizationEntity{
			{ID: "org-1", Key: orgEnc},
		},
	}

	reg, err := buildKeyRegistry(accountKey, profile)
	require.NoError(t, err)

	assert.Equal(t, userRaw, reg.userRaw)

	// keyFor resolves the user key and the org key.
	got, err := reg.keyFor(nil)
	require.NoError(t, err)
	assert.Equal(t, reg.user, got)

	orgID := "org-1"
	orgKey, err := reg.keyFor(&orgID)
	require.NoError(t, err)
	assert.Equal(t, orgRaw[:32], orgKey.Enc)

	unknown := "org-missing"
	_, err = reg.keyFor(&unknown)
	assert.Error(t, err)
}

func TestBuildKeyRegistry_WrongAccountKey(t *testing.T) {
	accountKey, stretched := testAccountKey(t)

	userRaw := make([]byte, 64)
	profileKey, err := crypto.EncryptSymmetric(stretched, userRaw)
	require.NoError(t, err)

	// Corrupt the mac key so unwrapping fails.
	accountKey.MacKeyBase64 = base64.StdEncoding.EncodeToString(make([]byte, 32))

	_, err = buildKeyRegistry(accountKey, api.SyncProfile{Key: profileKey.String()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unwrapping profile key")
}

func TestKeyRegistry_CipherItemKey(t *testing.T) {
	userRaw := make([]byte, 64)
	for i := range userRaw {
		userRaw[i] = byte(i * 3)
	}

	userKey, err := crypto.DecodeSymmetricKey(userRaw)
	require.NoError(t, err)

	reg := &keyRegistry{user: userKey}

	// No item key falls back to the vault key.
	got, err := reg.cipherKey(nil, "")
	require.NoError(t, err)
	assert.Equal(t, userKey, got)

	// An item key is unwrapped with the vault key.
	itemRaw := make([]byte, 64)
	for i := range itemRaw {
		itemRaw[i] = byte(i + 100)
	}

	wrapped, err := crypto.EncryptSymmetric(userKey, itemRaw)
	require.NoError(t, err)

	itemKey, err := reg.cipherKey(nil, wrapped.String())
	require.NoError(t, err)
	assert.Equal(t, itemRaw[:32], itemKey.Enc)
}
