// Package bitwarden holds the domain model shared by the API client,
// the local store and the sync engine: accounts, their key material,
// and the server environment an account was created against.
package bitwarden

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is one configured vault credential set. It is created at
// account-add time and mutated only by token refresh or re-login; the
// captured Env is immutable unless the account is re-added.
type Account struct {
	ID    string     `json:"id"`
	Key   AccountKey `json:"key"`
	Token *Token     `json:"token,omitempty"`
	Email string     `json:"email"`
	Env   ServerEnv  `json:"env"`
}

// AccountKey carries the four symmetric keys derived at login. Each one
// serves a distinct role and must not be conflated:
//
//   - master: the raw KDF output, input to the stretch step
//   - password: sent to the server as the authentication proof
//   - encryption/mac: the stretched halves used to decrypt the profile key
type AccountKey struct {
	MasterKeyBase64     string `json:"masterKeyBase64"`
	PasswordKeyBase64   string `json:"passwordKeyBase64"`
	EncryptionKeyBase64 string `json:"encryptionKeyBase64"`
	MacKeyBase64        string `json:"macKeyBase64"`
}

// Token is the OAuth-style token block. ExpiresAt is the access token
// expiry; once it has passed the sync path refreshes before calling out.
type Token struct {
	RefreshToken string    `json:"refreshToken"`
	AccessToken  string    `json:"accessToken"`
	ExpiresAt    time.Time `json:"expirationDate"`
}

// NewAccountID generates a stable identifier for a new account.
func NewAccountID() string {
	return uuid.NewString()
}

// FormatUser renders a log-safe identity: id and email only, never
// credentials or key material.
func (a Account) FormatUser() string {
	return fmt.Sprintf("<id=%s, email=%s>", a.ID, a.Email)
}

// Host returns the log-safe server identity for this account.
func (a Account) Host() string {
	if a.Env.BaseURL != "" {
		return a.Env.BaseURL
	}

	return string(a.Env.Region)
}
