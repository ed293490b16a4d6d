package bitwarden

import (
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

// Region selects the hardcoded endpoint defaults for the official
// Bitwarden deployments.
type Region string

const (
	RegionUS Region = "US"
	RegionEU Region = "EU"
)

// Header is one user-supplied header attached to every request against
// this server. Applied after the built-in headers, so it may override them.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ServerEnv describes where an account's server lives. URL precedence
// for every endpoint is: explicit field > derived from BaseURL >
// hardcoded regional default.
type ServerEnv struct {
	BaseURL          string   `json:"baseUrl"`
	WebVaultURL      string   `json:"webVaultUrl"`
	APIURL           string   `json:"apiUrl"`
	IdentityURL      string   `json:"identityUrl"`
	IconsURL         string   `json:"iconsUrl"`
	NotificationsURL string   `json:"notificationsUrl"`
	Region           Region   `json:"region"`
	Headers          []Header `json:"headers,omitempty"`
}

// Official deployment defaults. EU mirrors US on the .eu TLD.
const (
	usWebVaultURL      = "https://vault.bitwarden.com/"
	usAPIURL           = "https://api.bitwarden.com/"
	usIdentityURL      = "https://identity.bitwarden.com/"
	usIconsURL         = "https://icons.bitwarden.net/"
	usNotificationsURL = "https://notifications.bitwarden.com/"

	euWebVaultURL      = "https://vault.bitwarden.eu/"
	euAPIURL           = "https://api.bitwarden.eu/"
	euIdentityURL      = "https://identity.bitwarden.eu/"
	euIconsURL         = "https://icons.bitwarden.eu/"
	euNotificationsURL = "https://notifications.bitwarden.eu/"
)

// ensureSuffix appends suffix unless s already ends with it.
func ensureSuffix(s, suffix string) string {
	if strings.HasSuffix(s, suffix) {
		return s
	}

	return s + suffix
}

// buildURL implements the shared precedence rule. The derived form is
// BaseURL + suffix with exactly one slash between them.
func (e ServerEnv) buildURL(explicit, suffix, usDefault, euDefault string) string {
	if explicit != "" {
		return explicit
	}

	if e.BaseURL != "" {
		return ensureSuffix(e.BaseURL, "/") + suffix
	}

	if e.Region == RegionEU {
		return euDefault
	}

	return usDefault
}

// BuildAPIURL returns the vault API root, always ending with a slash.
func (e ServerEnv) BuildAPIURL() string {
	return e.buildURL(e.APIURL, "api/", usAPIURL, euAPIURL)
}

// BuildIdentityURL returns the identity (token) service root.
func (e ServerEnv) BuildIdentityURL() string {
	return e.buildURL(e.IdentityURL, "identity/", usIdentityURL, euIdentityURL)
}

// BuildIconsURL returns the favicon service root.
func (e ServerEnv) BuildIconsURL() string {
	return e.buildURL(e.IconsURL, "icons/", usIconsURL, euIconsURL)
}

// BuildNotificationsURL returns the notifications hub root.
func (e ServerEnv) BuildNotificationsURL() string {
	return e.buildURL(e.NotificationsURL, "notifications/", usNotificationsURL, euNotificationsURL)
}

// BuildWebVaultURL returns the web vault root.
func (e ServerEnv) BuildWebVaultURL() string {
	return e.buildURL(e.WebVaultURL, "", usWebVaultURL, euWebVaultURL)
}

// BuildSendURL returns the prefix a Send link is composed from.
func (e ServerEnv) BuildSendURL() string {
	if e.Region == RegionEU || e.BaseURL != "" || e.WebVaultURL != "" {
		return ensureSuffix(e.BuildWebVaultURL(), "/") + "#/send/"
	}

	// The US deployment has a dedicated short domain.
	return "https://send.bitwarden.com/#"
}

// Persona is the client identity presented to the server. Bitwarden
// validates the client name/version pair, and Cloudflare in front of
// the official deployment rejects requests without browser-looking
// Sec-Ch-Ua headers.
type Persona struct {
	ClientID      string
	ClientName    string
	ClientVersion string
	DeviceType    string
	DeviceName    string
	ChUaMobile    string
	ChUaPlatform  string
}

const clientVersion = "2025.9.1"

// DefaultPersona mimics the official Linux desktop client.
func DefaultPersona() Persona {
	return Persona{
		ClientID:      "desktop",
		ClientName:    "desktop",
		ClientVersion: clientVersion,
		DeviceType:    "8",
		DeviceName:    "linux",
		ChUaMobile:    "?0",
		ChUaPlatform:  "Linux",
	}
}

const chromeMajorVersion = "130"

// BuildHeaders returns the headers attached to every request against
// env. Custom env headers are applied last and may override earlier
// ones.
func (e ServerEnv) BuildHeaders(persona Persona, locale string) http.Header {
	h := http.Header{}

	// Let Bitwarden know who we are.
	h.Set("Keyguard-Client", "1")
	h.Set("Bitwarden-Client-Name", persona.ClientName)
	h.Set("Bitwarden-Client-Version", persona.ClientVersion)

	// Cloudflare-pleasing headers that do nothing except let us pass
	// their bot detection.
	h.Set("Accept-Language", normalizeLocale(locale))
	h.Set("Sec-Ch-Ua", `"Not.A/Brand";v="8", "Chromium";v="`+chromeMajorVersion+`"`)
	h.Set("Sec-Ch-Ua-Mobile", persona.ChUaMobile)
	h.Set("Sec-Ch-Ua-Platform", persona.ChUaPlatform)

	// Self-hosted servers behind a reverse proxy under a subdirectory
	// need the referer to generate correct URLs.
	if e.BaseURL != "" {
		h.Set("Referer", ensureSuffix(e.BaseURL, "/"))
	}

	for _, header := range e.Headers {
		h.Set(header.Key, header.Value)
	}

	return h
}

// normalizeLocale canonicalizes a BCP 47 tag, falling back to en-US for
// anything unparseable.
func normalizeLocale(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		return "en-US"
	}

	return tag.String()
}
