package sync

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"

	"github.com/keywarden/keywarden/internal/bitwarden"
	"github.com/keywarden/keywarden/internal/bitwarden/api"
	"github.com/keywarden/keywarden/internal/crypto"
)

// keyRegistry resolves the decryption key for any record in a vault:
// the user's profile key or one of the organization keys.
type keyRegistry struct {
	user       crypto.SymmetricKey
	userRaw    []byte
	privateKey *rsa.PrivateKey
	privateDER []byte
	orgs       map[string]crypto.SymmetricKey
	orgsRaw    map[string][]byte
}

// buildKeyRegistry unwraps the profile key with the stretched account
// key, the RSA private key with the profile key, then every
// organization key with the private key.
func buildKeyRegistry(key bitwarden.AccountKey, profile api.SyncProfile) (*keyRegistry, error) {
	encKey, err := base64.StdEncoding.DecodeString(key.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding account encryption key: %w", err)
	}

	macKey, err := base64.StdEncoding.DecodeString(key.MacKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding account mac key: %w", err)
	}

	stretched := crypto.SymmetricKey{Enc: encKey, Mac: macKey}

	profileKeyEnc, err := crypto.ParseEncString(profile.Key)
	if err != nil {
		return nil, fmt.Errorf("parsing profile key: %w", err)
	}

	userRaw, err := profileKeyEnc.DecryptSymmetric(stretched)
	if err != nil {
		return nil, fmt.Errorf("unwrapping profile key: %w", err)
	}

	userKey, err := crypto.DecodeSymmetricKey(userRaw)
	if err != nil {
		return nil, fmt.Errorf("profile key: %w", err)
	}

	reg := &keyRegistry{
		user:    userKey,
		userRaw: userRaw,
		orgs:    make(map[string]crypto.SymmetricKey),
		orgsRaw: make(map[string][]byte),
	}

	if profile.PrivateKey != "" {
		privEnc, err := crypto.ParseEncString(profile.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}

		der, err := privEnc.DecryptSymmetric(userKey)
		if err != nil {
			return nil, fmt.Errorf("unwrapping private key: %w", err)
		}

		priv, err := crypto.ParsePrivateKey(der)
		if err != nil {
			return nil, err
		}

		reg.privateKey = priv
		reg.privateDER = der
	}

	for _, org := range profile.Organizations {
		if org.Key == "" {
			continue
		}

		if reg.privateKey == nil {
			return nil, fmt.Errorf("organization %s has a key but the profile has no private key", org.ID)
		}

		orgEnc, err := crypto.ParseEncString(org.Key)
		if err != nil {
			return nil, fmt.Errorf("parsing key of organization %s: %w", org.ID, err)
		}

		raw, err := orgEnc.DecryptRSA(reg.privateKey)
		if err != nil {
			return nil, fmt.Errorf("unwrapping key of organization %s: %w", org.ID, err)
		}

		orgKey, err := crypto.DecodeSymmetricKey(raw)
		if err != nil {
			return nil, fmt.Errorf("key of organization %s: %w", org.ID, err)
		}

		reg.orgs[org.ID] = orgKey
		reg.orgsRaw[org.ID] = raw
	}

	return reg, nil
}

// keyFor returns the vault key for a record, the user key when the
// record belongs to no organization.
func (r *keyRegistry) keyFor(orgID *string) (crypto.SymmetricKey, error) {
	if orgID == nil || *orgID == "" {
		return r.user, nil
	}

	key, ok := r.orgs[*orgID]
	if !ok {
		return crypto.SymmetricKey{}, fmt.Errorf("no key for organization %s", *orgID)
	}

	return key, nil
}

// cipherKey resolves the effective key for a cipher: its own item key
// when present, otherwise the vault key.
func (r *keyRegistry) cipherKey(orgID *string, itemKey string) (crypto.SymmetricKey, error) {
	vaultKey, err := r.keyFor(orgID)
	if err != nil {
		return crypto.SymmetricKey{}, err
	}

	if itemKey == "" {
		return vaultKey, nil
	}

	enc, err := crypto.ParseEncString(itemKey)
	if err != nil {
		return crypto.SymmetricKey{}, fmt.Errorf("parsing cipher key: %w", err)
	}

	raw, err := enc.DecryptSymmetric(vaultKey)
	if err != nil {
		return crypto.SymmetricKey{}, fmt.Errorf("unwrapping cipher key: %w", err)
	}

	return crypto.DecodeSymmetricKey(raw)
}
