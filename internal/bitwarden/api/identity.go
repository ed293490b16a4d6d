package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keywarden/keywarden/internal/bitwarden"
)

// KDF algorithm identifiers returned by prelogin.
const (
	KdfPBKDF2   = 0
	KdfArgon2id = 1
)

// PreloginResponse tells the client how to derive the master key
// before it can authenticate.
type PreloginResponse struct {
	Kdf            int  `json:"kdf"`
	KdfIterations  int  `json:"kdfIterations"`
	KdfMemory      *int `json:"kdfMemory"`
	KdfParallelism *int `json:"kdfParallelism"`
}

// ConnectTokenResponse is the identity service's token grant response.
type ConnectTokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`

	// Key and PrivateKey are returned on password grants so a fresh
	// login can unlock the vault without a sync round-trip.
	Key        string `json:"Key"`
	PrivateKey string `json:"PrivateKey"`
}

// Token converts the grant response into the stored token form.
func (r *ConnectTokenResponse) Token(now time.Time) *bitwarden.Token {
	return &bitwarden.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(r.ExpiresIn) * time.Second),
	}
}

// TwoFactorRequiredError is returned when the password grant succeeds
// but the account demands a second factor.
type TwoFactorRequiredError struct {
	Providers []string
}

func (e *TwoFactorRequiredError) Error() string {
	return fmt.Sprintf("two-factor authentication required, providers: %v", e.Providers)
}

// LoginRequest carries everything the password grant needs.
type LoginRequest struct {
	Email string

	// PasswordKeyBase64 is the server authentication proof, not the
	// master password itself.
	PasswordKeyBase64 string

	DeviceIdentifier string

	// ClientSecret answers the server's captcha challenge when set.
	ClientSecret string

	// Two-factor fields, set on the retry after the first grant
	// returned TwoFactorRequiredError.
	TwoFactorToken    string
	TwoFactorProvider string
	TwoFactorRemember bool
}

func (c *Client) identityURL(path string) string {
	return c.env.BuildIdentityURL() + path
}

// Prelogin fetches the KDF parameters for an email address.
func (c *Client) Prelogin(ctx context.Context, email string) (*PreloginResponse, error) {
	var out PreloginResponse
	req := struct {
		Email string `json:"email"`
	}{Email: email}

	if err := c.postJSON(ctx, c.identityURL("accounts/prelogin"), req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Login performs the password grant against the identity service.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*ConnectTokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", req.Email)
	form.Set("password", req.PasswordKeyBase64)
	form.Set("scope", "api offline_access")
	form.Set("client_id", c.persona.ClientID)
	form.Set("deviceType", c.persona.DeviceType)
	form.Set("deviceIdentifier", req.DeviceIdentifier)
	form.Set("deviceName", c.persona.DeviceName)

	if req.ClientSecret != "" {
		form.Set("captchaResponse", req.ClientSecret)
	}

	if req.TwoFactorToken != "" {
		form.Set("twoFactorToken", req.TwoFactorToken)
		form.Set("twoFactorProvider", req.TwoFactorProvider)
		form.Set("twoFactorRemember", boolTo01(req.TwoFactorRemember))
	}

	headers := map[string]string{
		// The server checks that this matches the username field.
		"Auth-Email":    base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(req.Email)),
		"Device-Type":   c.persona.DeviceType,
		"Cache-Control": "no-store",
	}

	var out ConnectTokenResponse
	if err := c.postForm(ctx, c.identityURL("connect/token"), form, headers, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// RefreshToken performs the refresh grant. The client_id is recovered
// from the expiring access token so the refreshed token keeps the
// identity it was issued under.
func (c *Client) RefreshToken(ctx context.Context, token bitwarden.Token) (*ConnectTokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", token.RefreshToken)
	form.Set("client_id", clientIDFromAccessToken(token.AccessToken, c.persona.ClientID))

	headers := map[string]string{
		"Device-Type":   c.persona.DeviceType,
		"Cache-Control": "no-store",
	}

	var out ConnectTokenResponse
	if err := c.postForm(ctx, c.identityURL("connect/token"), form, headers, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// clientIDFromAccessToken extracts the client_id claim without
// verifying the signature; we only ever echo it back to the issuer.
func clientIDFromAccessToken(accessToken, fallback string) string {
	claims := jwt.MapClaims{}

	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return fallback
	}

	if id, ok := claims["client_id"].(string); ok && id != "" {
		return id
	}

	return fallback
}

func boolTo01(b bool) string {
	if b {
		return "1"
	}

	return "0"
}
