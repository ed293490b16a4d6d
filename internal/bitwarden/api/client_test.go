package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywarden/keywarden/internal/bitwarden"
	"github.com/keywarden/keywarden/internal/logging"
)

func testClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	env := bitwarden.ServerEnv{BaseURL: srv.URL}

	return NewClient(env, logging.NewNopLogger(), opts...)
}

func TestClient_ErrorDecoding(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		wantMessage string
	}{
		{
			name:        "bitwarden error model",
			status:      400,
			body:        `{"error":{"description":"Username or password is incorrect."}}`,
			wantMessage: "Username or password is incorrect.",
		},
		{
			name:        "case-insensitive keys",
			status:      400,
			body:        `{"Error":{"Description":"Bad request."}}`,
			wantMessage: "Bad request.",
		},
		{
			name:        "identity flat error with description",
			status:      400,
			body:        `{"error":"invalid_grant","error_description":"refresh token revoked"}`,
			wantMessage: "refresh token revoked",
		},
		{
			name:        "cloudflare message model",
			status:      403,
			body:        `{"message":"blocked by firewall rules"}`,
			wantMessage: "blocked by firewall rules",
		},
		{
			name:        "fallback to status description",
			status:      418,
			body:        `{"unexpected":"shape"}`,
			wantMessage: "I'm a teapot",
		},
		{
			name:        "non-json 404 falls back to status text",
			status:      404,
			body:        `<html>not found</html>`,
			wantMessage: "Not Found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			var out struct{}
			err := c.getJSON(context.Background(), c.apiURL("sync"), &out)
			require.Error(t, err)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMessage, apiErr.Message)
		})
	}
}

func TestClient_TransientClassification(t *testing.T) {
	tests := []struct {
		status        int
		wantTransient bool
	}{
		{status: 502, wantTransient: true},
		{status: 503, wantTransient: true},
		{status: 429, wantTransient: true},
		{status: 400, wantTransient: false},
		{status: 401, wantTransient: false},
	}

	for _, tt := range tests {
		c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))

		err := c.getJSON(context.Background(), c.apiURL("sync"), &struct{}{})
		require.Error(t, err)
		assert.Equal(t, tt.wantTransient, IsTransient(err), "status %d", tt.status)
	}
}

func TestClient_RequiresAuthentication(t *testing.T) {
	assert.True(t, (&APIError{StatusCode: 401}).RequiresAuthentication())
	assert.True(t, (&APIError{StatusCode: 403}).RequiresAuthentication())
	assert.False(t, (&APIError{StatusCode: 400}).RequiresAuthentication())
}

func TestClient_SendsIdentityHeaders(t *testing.T) {
	var got http.Header

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`{}`))
	}), WithAccessToken("tok-123"))

	require.NoError(t, c.getJSON(context.Background(), c.apiURL("sync"), &struct{}{}))

	assert.Equal(t, "1", got.Get("Keyguard-Client"))
	assert.Equal(t, "desktop", got.Get("Bitwarden-Client-Name"))
	assert.Equal(t, "Bearer tok-123", got.Get("Authorization"))
	assert.NotEmpty(t, got.Get("Referer"))
}

func TestClient_NilTargetDiscardsBody(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`this is not json`))
	}))

	assert.NoError(t, c.putJSON(context.Background(), c.apiURL("accounts/avatar"), struct{}{}, nil))
}

func TestClient_TwoFactorChallenge(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(400)
		_, _ = w.Write([]byte(`{"TwoFactorProviders":[0,1],"TwoFactorProviders2":{"0":null,"1":null}}`))
	}))

	_, err := c.Login(context.Background(), LoginRequest{
		Email:             "user@example.com",
		PasswordKeyBase64: "cHc=",
		DeviceIdentifier:  "device-1",
	})

	var twoFactor *TwoFactorRequiredError
	require.ErrorAs(t, err, &twoFactor)
	assert.Equal(t, []string{"0", "1"}, twoFactor.Providers)
}

func TestClient_LoginForm(t *testing.T) {
	var (
		gotForm   map[string][]string
		gotHeader http.Header
	)

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		gotHeader = r.Header.Clone()
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":3600}`))
	}))

	resp, err := c.Login(context.Background(), LoginRequest{
		Email:             "User@Example.com",
		PasswordKeyBase64: "cHc=",
		DeviceIdentifier:  "device-1",
		ClientSecret:      "captcha-secret",
	})
	require.NoError(t, err)

	assert.Equal(t, "at", resp.AccessToken)
	assert.Equal(t, []string{"password"}, gotForm["grant_type"])
	assert.Equal(t, []string{"User@Example.com"}, gotForm["username"])
	assert.Equal(t, []string{"api offline_access"}, gotForm["scope"])
	assert.Equal(t, []string{"captcha-secret"}, gotForm["captchaResponse"])

	wantAuthEmail := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte("User@Example.com"))
	assert.Equal(t, wantAuthEmail, gotHeader.Get("Auth-Email"))
	assert.Equal(t, "no-store", gotHeader.Get("Cache-Control"))
}

func TestClientIDFromAccessToken(t *testing.T) {
	makeToken := func(claims map[string]any) string {
		header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
		payload, err := json.Marshal(claims)
		require.NoError(t, err)

		return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
	}

	t.Run("claim present", func(t *testing.T) {
		token := makeToken(map[string]any{"client_id": "web"})
		assert.Equal(t, "web", clientIDFromAccessToken(token, "desktop"))
	})

	t.Run("claim missing falls back", func(t *testing.T) {
		token := makeToken(map[string]any{"sub": "abc"})
		assert.Equal(t, "desktop", clientIDFromAccessToken(token, "desktop"))
	})

	t.Run("garbage falls back", func(t *testing.T) {
		assert.Equal(t, "desktop", clientIDFromAccessToken("not-a-jwt", "desktop"))
	})
}

func TestSanitizeJSON(t *testing.T) {
	in := `{"name":"secret","count":3,"ok":true,"missing":null,"nested":{"items":["a",1]}}`

	out := sanitizeJSON([]byte(in))

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "string", got["name"])
	assert.Equal(t, "number", got["count"])
	assert.Equal(t, "bool", got["ok"])
	assert.Nil(t, got["missing"])
	assert.Equal(t, map[string]any{"items": []any{"string", "number"}}, got["nested"])

	assert.Equal(t, "<non-json>", sanitizeJSON([]byte("plain text")))
}

func TestSameHostRedirectPolicy(t *testing.T) {
	var hits int

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Redirect(w, r, "https://evil.example.com/steal", http.StatusFound)
	}))

	err := c.getJSON(context.Background(), c.apiURL("sync"), &struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cross-host redirect")
	assert.Equal(t, 1, hits)
}
