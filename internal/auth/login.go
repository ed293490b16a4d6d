// Package auth implements the password login flow: KDF negotiation,
// key derivation and the identity grant that produces an account
// record ready for syncing.
package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keywarden/keywarden/internal/bitwarden"
	"github.com/keywarden/keywarden/internal/bitwarden/api"
	"github.com/keywarden/keywarden/internal/crypto"
)

// LoginParams carries everything a password login needs. The two
// factor fields are set on the second attempt, after the first one
// returned api.TwoFactorRequiredError.
type LoginParams struct {
	Email    string
	Password string
	Env      bitwarden.ServerEnv

	// ClientSecret answers the server's captcha challenge when set.
	ClientSecret string

	TwoFactorToken    string
	TwoFactorProvider string
	TwoFactorRemember bool
}

// Login authenticates against the identity service and returns a new
// account record carrying the derived keys and the token pair. The
// master password itself is never stored.
func Login(ctx context.Context, client *api.Client, params LoginParams) (bitwarden.Account, error) {
	prelogin, err := client.Prelogin(ctx, params.Email)
	if err != nil {
		return bitwarden.Account{}, fmt.Errorf("prelogin for %s: %w", params.Email, err)
	}

	if prelogin.Kdf != api.KdfPBKDF2 {
		return bitwarden.Account{}, fmt.Errorf("account uses KDF %d; only PBKDF2-SHA256 accounts are supported", prelogin.Kdf)
	}

	if prelogin.KdfIterations < 5000 {
		return bitwarden.Account{}, fmt.Errorf("server requested %d KDF iterations, refusing a value below 5000", prelogin.KdfIterations)
	}

	masterKey := crypto.MasterKey(params.Password, params.Email, prelogin.KdfIterations)
	passwordKey := crypto.PasswordKey(masterKey, params.Password)

	stretched, err := crypto.StretchKey(masterKey)
	if err != nil {
		return bitwarden.Account{}, err
	}

	resp, err := client.Login(ctx, api.LoginRequest{
		Email:             params.Email,
		PasswordKeyBase64: base64.StdEncoding.EncodeToString(passwordKey),
		DeviceIdentifier:  uuid.NewString(),
		ClientSecret:      params.ClientSecret,
		TwoFactorToken:    params.TwoFactorToken,
		TwoFactorProvider: params.TwoFactorProvider,
		TwoFactorRemember: params.TwoFactorRemember,
	})
	if err != nil {
		return bitwarden.Account{}, fmt.Errorf("login for %s: %w", params.Email, err)
	}

	return bitwarden.Account{
		ID: bitwarden.NewAccountID(),
		Key: bitwarden.AccountKey{
			MasterKeyBase64:     base64.StdEncoding.EncodeToString(masterKey),
			PasswordKeyBase64:   base64.StdEncoding.EncodeToString(passwordKey),
			EncryptionKeyBase64: base64.StdEncoding.EncodeToString(stretched.Enc),
			MacKeyBase64:        base64.StdEncoding.EncodeToString(stretched.Mac),
		},
		Token: resp.Token(time.Now()),
		Email: params.Email,
		Env:   params.Env,
	}, nil
}
