package api

import (
	"context"
	"net/url"
)

// apiURL joins a path onto the resolved vault API root.
func (c *Client) apiURL(path string) string {
	return c.env.BuildAPIURL() + path
}

// Sync downloads the full vault snapshot for the authenticated account.
func (c *Client) Sync(ctx context.Context) (*SyncResponse, error) {
	var out SyncResponse
	if err := c.getJSON(ctx, c.apiURL("sync?excludeDomains=false"), &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// CreateFolder creates a folder and returns the server's record.
func (c *Client) CreateFolder(ctx context.Context, req FolderRequest) (*FolderEntity, error) {
	var out FolderEntity
	if err := c.postJSON(ctx, c.apiURL("folders"), req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// UpdateFolder replaces a folder's contents.
func (c *Client) UpdateFolder(ctx context.Context, id string, req FolderRequest) (*FolderEntity, error) {
	var out FolderEntity
	if err := c.putJSON(ctx, c.apiURL("folders/"+url.PathEscape(id)), req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DeleteFolder removes a folder. Ciphers inside it survive with no
// folder assigned.
func (c *Client) DeleteFolder(ctx context.Context, id string) error {
	return c.deleteJSON(ctx, c.apiURL("folders/"+url.PathEscape(id)))
}

// CreateCipher creates a vault item.
func (c *Client) CreateCipher(ctx context.Context, req CipherRequest) (*CipherEntity, error) {
	var out CipherEntity
	if err := c.postJSON(ctx, c.apiURL("ciphers"), req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// UpdateCipher replaces a vault item's contents.
func (c *Client) UpdateCipher(ctx context.Context, id string, req CipherRequest) (*CipherEntity, error) {
	var out CipherEntity
	if err := c.putJSON(ctx, c.apiURL("ciphers/"+url.PathEscape(id)), req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// TrashCipher soft-deletes a vault item.
func (c *Client) TrashCipher(ctx context.Context, id string) error {
	return c.putJSON(ctx, c.apiURL("ciphers/"+url.PathEscape(id)+"/delete"), struct{}{}, nil)
}

// RestoreCipher undoes a soft delete. The server refuses edits to
// trashed items, so modify flows restore first.
func (c *Client) RestoreCipher(ctx context.Context, id string) (*CipherEntity, error) {
	var out CipherEntity
	if err := c.putJSON(ctx, c.apiURL("ciphers/"+url.PathEscape(id)+"/restore"), struct{}{}, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DeleteCipher permanently removes a vault item.
func (c *Client) DeleteCipher(ctx context.Context, id string) error {
	return c.deleteJSON(ctx, c.apiURL("ciphers/"+url.PathEscape(id)))
}

// CreateSend creates a Send.
func (c *Client) CreateSend(ctx context.Context, req SendRequest) (*SendEntity, error) {
	var out SendEntity
	if err := c.postJSON(ctx, c.apiURL("sends"), req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// UpdateSend replaces a Send's contents.
func (c *Client) UpdateSend(ctx context.Context, id string, req SendRequest) (*SendEntity, error) {
	var out SendEntity
	if err := c.putJSON(ctx, c.apiURL("sends/"+url.PathEscape(id)), req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// RemoveSendPassword clears the access password from a Send.
func (c *Client) RemoveSendPassword(ctx context.Context, id string) (*SendEntity, error) {
	var out SendEntity
	if err := c.putJSON(ctx, c.apiURL("sends/"+url.PathEscape(id)+"/remove-password"), struct{}{}, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DeleteSend removes a Send.
func (c *Client) DeleteSend(ctx context.Context, id string) error {
	return c.deleteJSON(ctx, c.apiURL("sends/"+url.PathEscape(id)))
}

// Breaches queries the Have-I-Been-Pwned proxy for an account name.
func (c *Client) Breaches(ctx context.Context, username string) ([]HibpBreach, error) {
	var out []HibpBreach
	if err := c.getJSON(ctx, c.apiURL("hibp/breach?username="+url.QueryEscape(username)), &out); err != nil {
		return nil, err
	}

	return out, nil
}

// UpdateAvatar sets the profile avatar color.
func (c *Client) UpdateAvatar(ctx context.Context, req AvatarRequest) error {
	return c.putJSON(ctx, c.apiURL("accounts/avatar"), req, nil)
}

// UpdateProfile updates mutable profile fields.
func (c *Client) UpdateProfile(ctx context.Context, req ProfileRequest) (*SyncProfile, error) {
	var out SyncProfile
	if err := c.putJSON(ctx, c.apiURL("accounts/profile"), req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// RequestTwoFactorEmail asks the server to send a login code by email.
func (c *Client) RequestTwoFactorEmail(ctx context.Context, req TwoFactorEmailRequest) error {
	return c.postJSON(ctx, c.apiURL("two-factor/send-email-login"), req, nil)
}
