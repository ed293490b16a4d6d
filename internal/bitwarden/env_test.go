package bitwarden

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerEnv_BuildURLs(t *testing.T) {
	tests := []struct {
		name         string
		env          ServerEnv
		wantAPI      string
		wantIdentity string
		wantIcons    string
	}{
		{
			name:         "US defaults",
			env:          ServerEnv{Region: RegionUS},
			wantAPI:      "https://api.bitwarden.com/",
			wantIdentity: "https://identity.bitwarden.com/",
			wantIcons:    "https://icons.bitwarden.net/",
		},
		{
			name:         "EU defaults",
			env:          ServerEnv{Region: RegionEU},
			wantAPI:      "https://api.bitwarden.eu/",
			wantIdentity: "https://identity.bitwarden.eu/",
			wantIcons:    "https://icons.bitwarden.eu/",
		},
		{
			name:         "base url without trailing slash",
			env:          ServerEnv{BaseURL: "https://vault.example.com"},
			wantAPI:      "https://vault.example.com/api/",
			wantIdentity: "https://vault.example.com/identity/",
			wantIcons:    "https://vault.example.com/icons/",
		},
		{
			name:         "base url with trailing slash gets exactly one",
			env:          ServerEnv{BaseURL: "https://vault.example.com/"},
			wantAPI:      "https://vault.example.com/api/",
			wantIdentity: "https://vault.example.com/identity/",
			wantIcons:    "https://vault.example.com/icons/",
		},
		{
			name: "explicit url wins and is returned exactly as given",
			env: ServerEnv{
				BaseURL: "https://vault.example.com/",
				APIURL:  "https://api.example.com",
			},
			wantAPI:      "https://api.example.com",
			wantIdentity: "https://vault.example.com/identity/",
			wantIcons:    "https://vault.example.com/icons/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantAPI, tt.env.BuildAPIURL())
			assert.Equal(t, tt.wantIdentity, tt.env.BuildIdentityURL())
			assert.Equal(t, tt.wantIcons, tt.env.BuildIconsURL())
		})
	}
}

func TestServerEnv_BuildSendURL(t *testing.T) {
	assert.Equal(t, "https://send.bitwarden.com/#", ServerEnv{}.BuildSendURL())
	assert.Equal(t, "https://vault.bitwarden.eu/#/send/", ServerEnv{Region: RegionEU}.BuildSendURL())
	assert.Equal(t, "https://vault.example.com/#/send/",
		ServerEnv{BaseURL: "https://vault.example.com"}.BuildSendURL())
}

func TestServerEnv_BuildHeaders(t *testing.T) {
	persona := DefaultPersona()

	t.Run("official server has no referer", func(t *testing.T) {
		h := ServerEnv{Region: RegionUS}.BuildHeaders(persona, "en-US")

		assert.Equal(t, "1", h.Get("Keyguard-Client"))
		assert.Equal(t, "desktop", h.Get("Bitwarden-Client-Name"))
		assert.Equal(t, clientVersion, h.Get("Bitwarden-Client-Version"))
		assert.Equal(t, "?0", h.Get("Sec-Ch-Ua-Mobile"))
		assert.Empty(t, h.Get("Referer"))
	})

	t.Run("self-hosted server sends referer with trailing slash", func(t *testing.T) {
		h := ServerEnv{BaseURL: "https://vault.example.com"}.BuildHeaders(persona, "en-US")

		assert.Equal(t, "https://vault.example.com/", h.Get("Referer"))
	})

	t.Run("custom headers applied last", func(t *testing.T) {
		env := ServerEnv{
			Headers: []Header{{Key: "Keyguard-Client", Value: "override"}, {Key: "X-Extra", Value: "yes"}},
		}
		h := env.BuildHeaders(persona, "en-US")

		assert.Equal(t, "override", h.Get("Keyguard-Client"))
		assert.Equal(t, "yes", h.Get("X-Extra"))
	})

	t.Run("bad locale falls back to en-US", func(t *testing.T) {
		h := ServerEnv{}.BuildHeaders(persona, "???")

		assert.Equal(t, "en-US", h.Get("Accept-Language"))
	})
}

func TestNewAccountID(t *testing.T) {
	a, b := NewAccountID(), NewAccountID()

	require.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestAccount_FormatUser(t *testing.T) {
	a := Account{ID: "abc", Email: "user@example.com"}

	assert.Equal(t, "<id=abc, email=user@example.com>", a.FormatUser())
}
