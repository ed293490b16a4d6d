package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywarden/keywarden/internal/bitwarden"
	"github.com/keywarden/keywarden/internal/bitwarden/api"
	"github.com/keywarden/keywarden/internal/logging"
)

func identityServer(t *testing.T, kdf int, loginHandler http.HandlerFunc) *api.Client {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/identity/accounts/prelogin", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.PreloginResponse{Kdf: kdf, KdfIterations: 600_000})
	})
	mux.HandleFunc("/identity/connect/token", loginHandler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return api.NewClient(bitwarden.ServerEnv{BaseURL: srv.URL}, logging.NewNopLogger())
}

func TestLogin(t *testing.T) {
	var gotPassword string

	client := identityServer(t, api.KdfPBKDF2, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotPassword = r.PostForm.Get("password")

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at",
			"refresh_token": "rt",
			"expires_in":    3600,
		})
	})

	account, err := Login(context.Background(), client, LoginParams{
		Email:    "user@example.com",
		Password: "correct horse",
		Env:      bitwarden.ServerEnv{Region: bitwarden.RegionUS},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, account.ID)
	assert.Equal(t, "user@example.com", account.Email)
	require.NotNil(t, account.Token)
	assert.Equal(t, "at", account.Token.AccessToken)

	// The wire password is the derived proof, never the real one.
	assert.NotEmpty(t, gotPassword)
	assert.NotContains(t, gotPassword, "correct horse")

	assert.NotEmpty(t, account.Key.MasterKeyBase64)
	assert.NotEmpty(t, account.Key.EncryptionKeyBase64)
	assert.NotEmpty(t, account.Key.MacKeyBase64)
	assert.NotEqual(t, account.Key.EncryptionKeyBase64, account.Key.MacKeyBase64)
}

func TestLogin_RejectsArgon2(t *testing.T) {
	client := identityServer(t, api.KdfArgon2id, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("login must not be attempted for unsupported KDFs")
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := Login(context.Background(), client, LoginParams{
		Email:    "user@example.com",
		Password: "pw",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only PBKDF2-SHA256")
}
