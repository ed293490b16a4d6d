// Package api implements the HTTP client for Bitwarden-compatible
// servers: the vault API, the identity service and the error decoding
// conventions shared by both.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/keywarden/keywarden/internal/bitwarden"
)

// maxErrorBodySize caps how much of an error response we read. Error
// payloads are small; anything larger is a misconfigured server.
const maxErrorBodySize = 64 * 1024

// APIError is a server-reported failure with the human message already
// extracted from whichever error shape the server used.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// RequiresAuthentication reports whether this failure means the access
// token is no longer usable and the account must re-authenticate.
func (e *APIError) RequiresAuthentication() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// TransientError marks failures that may resolve on retry, such as
// network errors or server-side overload.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// isTransientStatus reports whether an HTTP status indicates a
// temporary server-side condition.
func isTransientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// Client talks to one account's server. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	env        bitwarden.ServerEnv
	persona    bitwarden.Persona
	locale     string
	logger     *slog.Logger

	// accessToken, when set, is attached as a bearer token.
	accessToken string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, used by tests to
// point at an httptest server.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithAccessToken attaches a bearer token to every request.
func WithAccessToken(token string) Option {
	return func(c *Client) {
		c.accessToken = token
	}
}

// WithLocale overrides the Accept-Language value.
func WithLocale(locale string) Option {
	return func(c *Client) {
		c.locale = locale
	}
}

// NewClient builds a client for the given server environment.
func NewClient(env bitwarden.ServerEnv, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			CheckRedirect: sameHostRedirectPolicy,
		},
		env:     env,
		persona: bitwarden.DefaultPersona(),
		locale:  "en-US",
		logger:  logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithToken returns a copy of the client using a different bearer
// token. Used after a refresh without rebuilding the whole client.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.accessToken = token

	return &clone
}

// Env returns the server environment this client was built for.
func (c *Client) Env() bitwarden.ServerEnv {
	return c.env
}

// sameHostRedirectPolicy refuses redirects that leave the original
// host, which would leak the bearer token to a third party.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("too many redirects")
	}

	if req.URL.Host != via[0].URL.Host {
		return fmt.Errorf("refusing cross-host redirect to %s", req.URL.Host)
	}

	return nil
}

// getJSON issues a GET and decodes the response into target.
func (c *Client) getJSON(ctx context.Context, rawURL string, target any) error {
	return c.doJSON(ctx, http.MethodGet, rawURL, nil, target)
}

// postJSON issues a POST with a JSON body, decoding into target when it
// is non-nil.
func (c *Client) postJSON(ctx context.Context, rawURL string, body, target any) error {
	return c.doJSON(ctx, http.MethodPost, rawURL, body, target)
}

// putJSON issues a PUT with a JSON body.
func (c *Client) putJSON(ctx context.Context, rawURL string, body, target any) error {
	return c.doJSON(ctx, http.MethodPut, rawURL, body, target)
}

// deleteJSON issues a DELETE.
func (c *Client) deleteJSON(ctx context.Context, rawURL string) error {
	return c.doJSON(ctx, http.MethodDelete, rawURL, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, rawURL string, body, target any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	return c.send(req, target)
}

// postForm issues a form-encoded POST, used by the identity service.
func (c *Client) postForm(ctx context.Context, rawURL string, form url.Values, extraHeaders map[string]string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	return c.send(req, target)
}

// send attaches the standard headers, performs the request and decodes
// the response into target. A nil target discards the body.
func (c *Client) send(req *http.Request, target any) error {
	base := c.env.BuildHeaders(c.persona, c.locale)
	for key, values := range base {
		if req.Header.Get(key) == "" {
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
	}

	req.Header.Set("Accept", "application/json")

	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.decodeError(resp)
	}

	if target == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decoding response from %s: %w", req.URL.Path, err)
	}

	return nil
}

// decodeError extracts the human-readable message from an error
// response. Servers answer with one of several shapes, tried in order:
// a Bitwarden error model, a Cloudflare error model, then the plain
// HTTP status description.
func (c *Client) decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	if providers, ok := twoFactorProviders(body); ok {
		return &TwoFactorRequiredError{Providers: providers}
	}

	message, found := errorMessage(body)
	if !found {
		message = http.StatusText(resp.StatusCode)

		// A non-JSON 404 is almost always a wrong server URL rather
		// than a real API error, so skip the anomaly log.
		if resp.StatusCode == http.StatusNotFound && !gjson.ValidBytes(body) {
			return &APIError{StatusCode: resp.StatusCode, Message: message}
		}
	}

	// Expired tokens answer 401 with a clear message; that is routine,
	// not an anomaly worth logging.
	if !found || resp.StatusCode != http.StatusUnauthorized {
		c.logger.Warn("unexpected api error response",
			"status", resp.StatusCode,
			"url", resp.Request.URL.Path,
			"shape", sanitizeJSON(body))
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: message}
	if isTransientStatus(resp.StatusCode) {
		return &TransientError{Err: apiErr}
	}

	return apiErr
}

// twoFactorProviders detects the identity service's two-factor
// challenge response and lists the offered providers.
func twoFactorProviders(body []byte) ([]string, bool) {
	if !gjson.ValidBytes(body) {
		return nil, false
	}

	v := getInsensitive(gjson.ParseBytes(body), "TwoFactorProviders")
	if !v.Exists() || !v.IsArray() {
		return nil, false
	}

	var providers []string
	v.ForEach(func(_, p gjson.Result) bool {
		providers = append(providers, p.String())
		return true
	})

	return providers, true
}

// errorMessage probes the known error body shapes, matching keys
// case-insensitively because server casing varies by deployment.
func errorMessage(body []byte) (string, bool) {
	if !gjson.ValidBytes(body) {
		return "", false
	}

	root := gjson.ParseBytes(body)

	// Bitwarden shape: {"error": {"description": "..."}} or a flat
	// {"error": "..."} / {"error_description": "..."} from identity.
	if v := getInsensitive(root, "error"); v.Exists() {
		if v.IsObject() {
			if d := getInsensitive(v, "description"); d.Exists() && d.Str != "" {
				return d.Str, true
			}
			if m := getInsensitive(v, "message"); m.Exists() && m.Str != "" {
				return m.Str, true
			}
		} else if v.Str != "" {
			if d := getInsensitive(root, "error_description"); d.Exists() && d.Str != "" {
				return d.Str, true
			}
			return v.Str, true
		}
	}

	if m := getInsensitive(root, "message"); m.Exists() && m.Str != "" {
		return m.Str, true
	}

	return "", false
}

// getInsensitive finds a direct child by case-insensitive key.
func getInsensitive(v gjson.Result, key string) gjson.Result {
	var out gjson.Result

	v.ForEach(func(k, child gjson.Result) bool {
		if strings.EqualFold(k.Str, key) {
			out = child
			return false
		}

		return true
	})

	return out
}

// sanitizeJSON replaces every primitive leaf with its type name so the
// shape of an unexpected response can be logged without leaking vault
// content. Nulls stay null, structure is preserved.
func sanitizeJSON(body []byte) string {
	if !gjson.ValidBytes(body) {
		return "<non-json>"
	}

	sanitized := sanitizeValue(gjson.ParseBytes(body))

	out, err := json.Marshal(sanitized)
	if err != nil {
		return "<non-json>"
	}

	return string(out)
}

func sanitizeValue(v gjson.Result) any {
	switch {
	case v.IsObject():
		m := map[string]any{}
		v.ForEach(func(k, child gjson.Result) bool {
			m[k.Str] = sanitizeValue(child)
			return true
		})

		return m
	case v.IsArray():
		var arr []any
		v.ForEach(func(_, child gjson.Result) bool {
			arr = append(arr, sanitizeValue(child))
			return true
		})

		return arr
	case v.Type == gjson.Null:
		return nil
	case v.Type == gjson.String:
		return "string"
	case v.Type == gjson.Number:
		return "number"
	case v.Type == gjson.True, v.Type == gjson.False:
		return "bool"
	default:
		return "other"
	}
}
