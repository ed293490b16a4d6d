package sync

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/keywarden/keywarden/internal/bitwarden/api"
	"github.com/keywarden/keywarden/internal/crypto"
	"github.com/keywarden/keywarden/internal/store"
)

// decryptor accumulates the first decryption error so field-by-field
// decode code stays flat.
type decryptor struct {
	key crypto.SymmetricKey
	err error
}

func (d *decryptor) str(s string) string {
	if d.err != nil || s == "" {
		return ""
	}

	out, err := crypto.DecryptString(d.key, s)
	if err != nil {
		d.err = err
		return ""
	}

	return out
}

func (d *decryptor) optStr(s *string) string {
	if s == nil {
		return ""
	}

	return d.str(*s)
}

// encryptor mirrors decryptor for the push direction.
type encryptor struct {
	key crypto.SymmetricKey
	err error
}

func (e *encryptor) str(s string) string {
	if e.err != nil || s == "" {
		return ""
	}

	out, err := crypto.EncryptString(e.key, s)
	if err != nil {
		e.err = err
		return ""
	}

	return out
}

func (e *encryptor) optStr(s string) *string {
	if s == "" {
		return nil
	}

	out := e.str(s)
	if e.err != nil {
		return nil
	}

	return &out
}

// decodeFolder decrypts a folder entity into its local form. The
// caller fills identity and service fields.
func decodeFolder(entity api.FolderEntity, key crypto.SymmetricKey) (store.Folder, error) {
	d := &decryptor{key: key}

	out := store.Folder{
		Name:         d.str(entity.Name),
		RevisionDate: entity.RevisionDate,
	}

	if d.err != nil {
		return store.Folder{}, fmt.Errorf("decoding folder %s: %w", entity.ID, d.err)
	}

	return out, nil
}

func encodeFolder(local store.Folder, key crypto.SymmetricKey) (api.FolderRequest, error) {
	e := &encryptor{key: key}

	req := api.FolderRequest{Name: e.str(local.Name)}
	if e.err != nil {
		return api.FolderRequest{}, fmt.Errorf("encoding folder %s: %w", local.LocalID, e.err)
	}

	return req, nil
}

// decodeCipher decrypts a cipher entity. The effective key must
// already be resolved through the registry, item key included.
func decodeCipher(entity api.CipherEntity, key crypto.SymmetricKey) (store.Cipher, error) {
	d := &decryptor{key: key}

	out := store.Cipher{
		OrganizationID: entity.OrganizationID,
		CollectionIDs:  entity.CollectionIDs,
		Type:           entity.Type,
		Name:           d.str(entity.Name),
		Notes:          d.optStr(entity.Notes),
		Favorite:       entity.Favorite,
		Reprompt:       entity.Reprompt,
		RevisionDate:   entity.RevisionDate,
		CreatedDate:    entity.CreationDate,
		DeletedDate:    entity.DeletedDate,
	}

	switch entity.Type {
	case api.CipherTypeLogin:
		if entity.Login != nil {
			login := &store.LoginData{
				Username:             d.optStr(entity.Login.Username),
				Password:             d.optStr(entity.Login.Password),
				PasswordRevisionDate: entity.Login.PasswordRevisionDate,
				TOTP:                 d.optStr(entity.Login.TOTP),
			}

			for _, uri := range entity.Login.URIs {
				login.URIs = append(login.URIs, store.LoginURI{
					URI:   d.str(uri.URI),
					Match: uri.Match,
				})
			}

			out.Login = login
		}
	case api.CipherTypeSecureNote:
		if entity.SecureNote != nil {
			noteType := entity.SecureNote.Type
			out.SecureNote = &noteType
		}
	case api.CipherTypeCard:
		if entity.Card != nil {
			out.Card = &store.CardData{
				CardholderName: d.optStr(entity.Card.CardholderName),
				Brand:          d.optStr(entity.Card.Brand),
				Number:         d.optStr(entity.Card.Number),
				ExpMonth:       d.optStr(entity.Card.ExpMonth),
				ExpYear:        d.optStr(entity.Card.ExpYear),
				Code:           d.optStr(entity.Card.Code),
			}
		}
	case api.CipherTypeIdentity:
		if entity.Identity != nil {
			out.Identity = &store.IdentityData{
				Title:          d.optStr(entity.Identity.Title),
				FirstName:      d.optStr(entity.Identity.FirstName),
				MiddleName:     d.optStr(entity.Identity.MiddleName),
				LastName:       d.optStr(entity.Identity.LastName),
				Address1:       d.optStr(entity.Identity.Address1),
				Address2:       d.optStr(entity.Identity.Address2),
				Address3:       d.optStr(entity.Identity.Address3),
				City:           d.optStr(entity.Identity.City),
				State:          d.optStr(entity.Identity.State),
				PostalCode:     d.optStr(entity.Identity.PostalCode),
				Country:        d.optStr(entity.Identity.Country),
				Company:        d.optStr(entity.Identity.Company),
				Email:          d.optStr(entity.Identity.Email),
				Phone:          d.optStr(entity.Identity.Phone),
				SSN:            d.optStr(entity.Identity.SSN),
				Username:       d.optStr(entity.Identity.Username),
				PassportNumber: d.optStr(entity.Identity.PassportNumber),
				LicenseNumber:  d.optStr(entity.Identity.LicenseNumber),
			}
		}
	case api.CipherTypeSSHKey:
		if entity.SSHKey != nil {
			out.SSHKey = &store.SSHKeyData{
				PrivateKey:     d.optStr(entity.SSHKey.PrivateKey),
				PublicKey:      d.optStr(entity.SSHKey.PublicKey),
				KeyFingerprint: d.optStr(entity.SSHKey.KeyFingerprint),
			}
		}
	default:
		return store.Cipher{}, fmt.Errorf("unknown cipher type %d", entity.Type)
	}

	for _, f := range entity.Fields {
		out.Fields = append(out.Fields, store.Field{
			Type:     f.Type,
			Name:     d.optStr(f.Name),
			Value:    d.optStr(f.Value),
			LinkedID: f.LinkedID,
		})
	}

	for _, a := range entity.Attachments {
		size, _ := strconv.ParseInt(a.Size, 10, 64)
		out.Attachments = append(out.Attachments, store.Attachment{
			RemoteID: a.ID,
			URL:      a.URL,
			FileName: d.optStr(a.FileName),
			Size:     size,
		})
	}

	for _, p := range entity.PasswordHistory {
		out.PasswordHistory = append(out.PasswordHistory, store.PasswordHistoryEntry{
			LastUsedDate: p.LastUsedDate,
			Password:     d.str(p.Password),
		})
	}

	if d.err != nil {
		return store.Cipher{}, fmt.Errorf("decoding cipher %s: %w", entity.ID, d.err)
	}

	return out, nil
}

// encodeCipher encrypts a local cipher for a push. remoteFolderID is
// the server-side id of the cipher's folder, already remapped from the
// local folder id.
func encodeCipher(local store.Cipher, key crypto.SymmetricKey, remoteFolderID *string) (api.CipherRequest, error) {
	e := &encryptor{key: key}

	req := api.CipherRequest{
		Type:           local.Type,
		FolderID:       remoteFolderID,
		OrganizationID: local.OrganizationID,
		Name:           e.str(local.Name),
		Notes:          e.optStr(local.Notes),
		Favorite:       local.Favorite,
		Reprompt:       local.Reprompt,
	}

	if local.Service.Remote != nil {
		rev := local.Service.Remote.RevisionDate
		req.LastKnownRevisionDate = &rev
	}

	switch {
	case local.Login != nil:
		login := &api.CipherLogin{
			Username:             e.optStr(local.Login.Username),
			Password:             e.optStr(local.Login.Password),
			PasswordRevisionDate: local.Login.PasswordRevisionDate,
			TOTP:                 e.optStr(local.Login.TOTP),
		}

		for _, uri := range local.Login.URIs {
			// The server verifies each URI against its checksum, a
			// hash of the plaintext encrypted alongside it.
			checksum := e.str(base64.StdEncoding.EncodeToString(crypto.SHA256([]byte(uri.URI))))
			login.URIs = append(login.URIs, api.CipherLoginURI{
				URI:         e.str(uri.URI),
				URIChecksum: &checksum,
				Match:       uri.Match,
			})
		}

		req.Login = login
	case local.SecureNote != nil:
		req.SecureNote = &api.CipherSecureNote{Type: *local.SecureNote}
	case local.Card != nil:
		req.Card = &api.CipherCard{
			CardholderName: e.optStr(local.Card.CardholderName),
			Brand:          e.optStr(local.Card.Brand),
			Number:         e.optStr(local.Card.Number),
			ExpMonth:       e.optStr(local.Card.ExpMonth),
			ExpYear:        e.optStr(local.Card.ExpYear),
			Code:           e.optStr(local.Card.Code),
		}
	case local.Identity != nil:
		req.Identity = &api.CipherIdentity{
			Title:          e.optStr(local.Identity.Title),
			FirstName:      e.optStr(local.Identity.FirstName),
			MiddleName:     e.optStr(local.Identity.MiddleName),
			LastName:       e.optStr(local.Identity.LastName),
			Address1:       e.optStr(local.Identity.Address1),
			Address2:       e.optStr(local.Identity.Address2),
			Address3:       e.optStr(local.Identity.Address3),
			City:           e.optStr(local.Identity.City),
			State:          e.optStr(local.Identity.State),
			PostalCode:     e.optStr(local.Identity.PostalCode),
			Country:        e.optStr(local.Identity.Country),
			Company:        e.optStr(local.Identity.Company),
			Email:          e.optStr(local.Identity.Email),
			Phone:          e.optStr(local.Identity.Phone),
			SSN:            e.optStr(local.Identity.SSN),
			Username:       e.optStr(local.Identity.Username),
			PassportNumber: e.optStr(local.Identity.PassportNumber),
			LicenseNumber:  e.optStr(local.Identity.LicenseNumber),
		}
	case local.SSHKey != nil:
		req.SSHKey = &api.CipherSSHKey{
			PrivateKey:     e.optStr(local.SSHKey.PrivateKey),
			PublicKey:      e.optStr(local.SSHKey.PublicKey),
			KeyFingerprint: e.optStr(local.SSHKey.KeyFingerprint),
		}
	}

	for _, f := range local.Fields {
		req.Fields = append(req.Fields, api.CipherField{
			Type:     f.Type,
			Name:     e.optStr(f.Name),
			Value:    e.optStr(f.Value),
			LinkedID: f.LinkedID,
		})
	}

	for _, p := range local.PasswordHistory {
		req.PasswordHistory = append(req.PasswordHistory, api.CipherPasswordEntry{
			LastUsedDate: p.LastUsedDate,
			Password:     e.str(p.Password),
		})
	}

	if e.err != nil {
		return api.CipherRequest{}, fmt.Errorf("encoding cipher %s: %w", local.LocalID, e.err)
	}

	return req, nil
}

func decodeCollection(entity api.CollectionEntity, key crypto.SymmetricKey) (store.Collection, error) {
	d := &decryptor{key: key}

	out := store.Collection{
		OrganizationID: entity.OrganizationID,
		Name:           d.str(entity.Name),
		ReadOnly:       entity.ReadOnly,
		HidePasswords:  entity.HidePasswords,
	}

	if d.err != nil {
		return store.Collection{}, fmt.Errorf("decoding collection %s: %w", entity.ID, d.err)
	}

	return out, nil
}

// decodeSend decrypts a send. Its payload uses a per-send key derived
// from key material wrapped with the user key.
func decodeSend(entity api.SendEntity, userKey crypto.SymmetricKey) (store.Send, error) {
	keyEnc, err := crypto.ParseEncString(entity.Key)
	if err != nil {
		return store.Send{}, fmt.Errorf("parsing key of send %s: %w", entity.ID, err)
	}

	material, err := keyEnc.DecryptSymmetric(userKey)
	if err != nil {
		return store.Send{}, fmt.Errorf("unwrapping key of send %s: %w", entity.ID, err)
	}

	sendKey, err := crypto.SendKey(material)
	if err != nil {
		return store.Send{}, err
	}

	d := &decryptor{key: sendKey}

	out := store.Send{
		AccessID:       entity.AccessID,
		Type:           entity.Type,
		Name:           d.str(entity.Name),
		Notes:          d.optStr(entity.Notes),
		KeyBase64:      base64.StdEncoding.EncodeToString(material),
		HasPassword:    entity.Password != nil && *entity.Password != "",
		MaxAccessCount: entity.MaxAccessCount,
		AccessCount:    entity.AccessCount,
		Disabled:       entity.Disabled,
		RevisionDate:   entity.RevisionDate,
		DeletionDate:   entity.DeletionDate,
		ExpirationDate: entity.ExpirationDate,
	}

	if entity.HideEmail != nil {
		out.HideEmail = *entity.HideEmail
	}

	if entity.Text != nil {
		out.Text = &store.SendTextData{
			Text:   d.optStr(entity.Text.Text),
			Hidden: entity.Text.Hidden,
		}
	}

	if entity.File != nil {
		size, _ := strconv.ParseInt(entity.File.Size, 10, 64)
		out.File = &store.SendFileData{
			RemoteID: entity.File.ID,
			FileName: d.optStr(entity.File.FileName),
			Size:     size,
		}
	}

	if d.err != nil {
		return store.Send{}, fmt.Errorf("decoding send %s: %w", entity.ID, d.err)
	}

	return out, nil
}

// encodeSend encrypts a local send for a push, reusing its stored key
// material.
func encodeSend(local store.Send, userKey crypto.SymmetricKey) (api.SendRequest, error) {
	material, err := base64.StdEncoding.DecodeString(local.KeyBase64)
	if err != nil {
		return api.SendRequest{}, fmt.Errorf("decoding key material of send %s: %w", local.LocalID, err)
	}

	sendKey, err := crypto.SendKey(material)
	if err != nil {
		return api.SendRequest{}, err
	}

	wrappedKey, err := crypto.EncryptSymmetric(userKey, material)
	if err != nil {
		return api.SendRequest{}, fmt.Errorf("wrapping key of send %s: %w", local.LocalID, err)
	}

	e := &encryptor{key: sendKey}

	hideEmail := local.HideEmail
	req := api.SendRequest{
		Type:           local.Type,
		Name:           e.str(local.Name),
		Notes:          e.optStr(local.Notes),
		Key:            wrappedKey.String(),
		MaxAccessCount: local.MaxAccessCount,
		Disabled:       local.Disabled,
		HideEmail:      &hideEmail,
		ExpirationDate: local.ExpirationDate,
		DeletionDate:   local.DeletionDate,
	}

	if local.Text != nil {
		req.Text = &api.SendText{
			Text:   e.optStr(local.Text.Text),
			Hidden: local.Text.Hidden,
		}
	}

	if e.err != nil {
		return api.SendRequest{}, fmt.Errorf("encoding send %s: %w", local.LocalID, e.err)
	}

	return req, nil
}
