package sync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/keywarden/keywarden/internal/bitwarden/api"
	"github.com/keywarden/keywarden/internal/store"
)

var folderLocalLens = LocalLens[store.Folder]{
	LocalID:      func(f store.Folder) string { return f.LocalID },
	RevisionDate: func(f store.Folder) time.Time { return f.RevisionDate },
	Service:      func(f store.Folder) store.ServiceFields { return f.Service },
}

var folderRemoteLens = RemoteLens[api.FolderEntity]{
	ID:           func(f api.FolderEntity) string { return f.ID },
	RevisionDate: func(f api.FolderEntity) time.Time { return f.RevisionDate },
}

var cipherLocalLens = LocalLens[store.Cipher]{
	LocalID:      func(c store.Cipher) string { return c.LocalID },
	RevisionDate: func(c store.Cipher) time.Time { return c.RevisionDate },
	Service:      func(c store.Cipher) store.ServiceFields { return c.Service },
}

var cipherRemoteLens = RemoteLens[api.CipherEntity]{
	ID: func(c api.CipherEntity) string { return c.ID },
	RevisionDate: func(c api.CipherEntity) time.Time {
		return remoteRevision(c.RevisionDate, c.DeletedDate)
	},
}

var sendLocalLens = LocalLens[store.Send]{
	LocalID:      func(s store.Send) string { return s.LocalID },
	RevisionDate: func(s store.Send) time.Time { return s.RevisionDate },
	Service:      func(s store.Send) store.ServiceFields { return s.Service },
}

var sendRemoteLens = RemoteLens[api.SendEntity]{
	ID:           func(s api.SendEntity) string { return s.ID },
	RevisionDate: func(s api.SendEntity) time.Time { return s.RevisionDate },
}

// pushError converts a push failure into per-record bookkeeping. The
// local revision is recorded so the push is retried only once the
// record changes again. Transient errors are left unrecorded so the
// next sync retries them.
func pushError(err error, localRevision time.Time) *store.ServiceError {
	if IsTransientSyncError(err) {
		return nil
	}

	code := 0

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.StatusCode
	}

	return &store.ServiceError{
		Code:         code,
		Message:      err.Error(),
		RevisionDate: localRevision,
	}
}

// IsTransientSyncError reports whether a sync failure is worth
// retrying without any state change.
func IsTransientSyncError(err error) bool {
	return api.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) syncFolders(ctx context.Context, remotes []api.FolderEntity) error {
	var locals []store.Folder

	err := e.store.View(func(tx *store.Tx) error {
		var err error
		locals, err = tx.Folders(e.account.ID)
		return err
	})
	if err != nil {
		return err
	}

	actions := diff(locals, remotes, folderLocalLens, folderRemoteLens)

	err = e.store.Mutate("pull folders", func(tx *store.Tx) error {
		for _, item := range actions.LocalPut {
			record, decodeErr := decodeFolder(item.Remote, e.keys.user)
			if decodeErr != nil {
				e.logger.Warn("folder decode failed", "folder", item.Remote.ID, "error", decodeErr)
				record = store.Folder{Name: decodeFailedName, RevisionDate: item.Remote.RevisionDate}
				record.Service.Error = &store.ServiceError{
					Code:         store.CodeDecodingFailed,
					Message:      decodeErr.Error(),
					RevisionDate: item.Remote.RevisionDate,
				}
			}

			record.LocalID = uuid.NewString()
			if item.Local != nil {
				record.LocalID = item.Local.LocalID
			}

			record.AccountID = e.account.ID
			record.Service.Remote = &store.RemoteInfo{
				ID:           item.Remote.ID,
				RevisionDate: item.Remote.RevisionDate,
			}
			record.Service.Version = store.CurrentRecordVersion

			if err := tx.PutFolder(record); err != nil {
				return err
			}
		}

		for _, f := range actions.LocalDelete {
			if err := tx.DeleteFolder(e.account.ID, f.LocalID); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, local := range actions.RemotePut {
		e.pushFolder(ctx, local)
	}

	for _, local := range actions.RemoteDelete {
		if err := e.client.DeleteFolder(ctx, local.Service.Remote.ID); err != nil {
			e.logger.Warn("folder delete push failed", "folder", local.LocalID, "error", err)
			continue
		}

		err := e.store.Mutate("confirm folder delete", func(tx *store.Tx) error {
			return tx.DeleteFolder(e.account.ID, local.LocalID)
		})
		if err != nil {
			return err
		}
	}

	return e.loadFolderMaps()
}

func (e *Engine) pushFolder(ctx context.Context, local store.Folder) {
	req, err := encodeFolder(local, e.keys.user)

	var entity *api.FolderEntity

	if err == nil {
		if local.Service.Remote == nil {
			entity, err = e.client.CreateFolder(ctx, req)
		} else {
			entity, err = e.client.UpdateFolder(ctx, local.Service.Remote.ID, req)
		}
	}

	if err != nil {
		e.logger.Warn("folder push failed", "folder", local.LocalID, "error", err)

		if svcErr := pushError(err, local.RevisionDate); svcErr != nil {
			local.Service.Error = svcErr
			_ = e.store.Mutate("record folder push failure", func(tx *store.Tx) error {
				return tx.PutFolder(local)
			})
		}

		return
	}

	local.Service.Remote = &store.RemoteInfo{ID: entity.ID, RevisionDate: entity.RevisionDate}
	local.Service.Error = nil
	local.RevisionDate = entity.RevisionDate

	err = e.store.Mutate("confirm folder push", func(tx *store.Tx) error {
		return tx.PutFolder(local)
	})
	if err != nil {
		e.logger.Error("folder push bookkeeping failed", "folder", local.LocalID, "error", err)
	}
}

// loadFolderMaps rebuilds the local/remote folder id maps from the
// mirror, for cipher folder remapping.
func (e *Engine) loadFolderMaps() error {
	e.folderRemoteToLocal = make(map[string]string)
	e.folderLocalToRemote = make(map[string]string)

	return e.store.View(func(tx *store.Tx) error {
		folders, err := tx.Folders(e.account.ID)
		if err != nil {
			return err
		}

		for _, f := range folders {
			if f.Service.Remote == nil {
				continue
			}

			e.folderRemoteToLocal[f.Service.Remote.ID] = f.LocalID
			e.folderLocalToRemote[f.LocalID] = f.Service.Remote.ID
		}

		return nil
	})
}

func (e *Engine) syncCiphers(ctx context.Context, remotes []api.CipherEntity) error {
	var locals []store.Cipher

	err := e.store.View(func(tx *store.Tx) error {
		var err error
		locals, err = tx.Ciphers(e.account.ID)
		return err
	})
	if err != nil {
		return err
	}

	actions := diff(locals, remotes, cipherLocalLens, cipherRemoteLens)

	remoteByID := make(map[string]api.CipherEntity, len(remotes))
	for _, r := range remotes {
		remoteByID[r.ID] = r
	}

	err = e.store.Mutate("pull ciphers", func(tx *store.Tx) error {
		for _, item := range actions.LocalPut {
			record := e.decodeCipherOrPlaceholder(item.Remote)

			record.LocalID = uuid.NewString()
			if item.Local != nil {
				record.LocalID = item.Local.LocalID
				// User-side state survives a pull.
				record.IgnoredAlerts = item.Local.IgnoredAlerts
			}

			record.AccountID = e.account.ID
			record.Service.Remote = &store.RemoteInfo{
				ID:           item.Remote.ID,
				RevisionDate: item.Remote.RevisionDate,
				DeletedDate:  item.Remote.DeletedDate,
			}
			record.Service.Version = store.CurrentRecordVersion

			if item.Remote.FolderID != nil {
				if localID, ok := e.folderRemoteToLocal[*item.Remote.FolderID]; ok {
					record.FolderLocalID = &localID
				}
			}

			if err := tx.PutCipher(record); err != nil {
				return err
			}
		}

		for _, c := range actions.LocalDelete {
			if err := tx.DeleteCipher(e.account.ID, c.LocalID); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, local := range actions.RemotePut {
		e.pushCipher(ctx, local, remoteByID)
	}

	for _, local := range actions.RemoteDelete {
		e.trashCipher(ctx, local)
	}

	return nil
}

// decodeCipherOrPlaceholder decrypts a cipher entity, falling back to
// a placeholder record that keeps the item visible and blocks pushes.
func (e *Engine) decodeCipherOrPlaceholder(entity api.CipherEntity) store.Cipher {
	key, err := e.keys.cipherKey(entity.OrganizationID, entity.Key)
	if err == nil {
		var record store.Cipher

		record, err = decodeCipher(entity, key)
		if err == nil {
			return record
		}
	}

	e.logger.Warn("cipher decode failed", "cipher", entity.ID, "error", err)

	placeholder := store.Cipher{
		OrganizationID: entity.OrganizationID,
		CollectionIDs:  entity.CollectionIDs,
		Type:           entity.Type,
		Name:           decodeFailedName,
		RevisionDate:   entity.RevisionDate,
		CreatedDate:    entity.CreationDate,
		DeletedDate:    entity.DeletedDate,
	}
	placeholder.Service.Error = &store.ServiceError{
		Code:         store.CodeDecodingFailed,
		Message:      err.Error(),
		RevisionDate: remoteRevision(entity.RevisionDate, entity.DeletedDate),
	}

	return placeholder
}

func (e *Engine) pushCipher(ctx context.Context, local store.Cipher, remoteByID map[string]api.CipherEntity) {
	key, err := e.keys.cipherKey(local.OrganizationID, "")

	var remoteFolderID *string

	if local.FolderLocalID != nil {
		if id, ok := e.folderLocalToRemote[*local.FolderLocalID]; ok {
			remoteFolderID = &id
		}
	}

	var req api.CipherRequest
	if err == nil {
		req, err = encodeCipher(local, key, remoteFolderID)
	}

	var entity *api.CipherEntity

	if err == nil {
		if local.Service.Remote == nil {
			entity, err = e.client.CreateCipher(ctx, req)
		} else {
			remoteID := local.Service.Remote.ID

			// The server rejects edits to trashed items; restore first
			// when the remote copy is in the trash and ours is not.
			if remote, ok := remoteByID[remoteID]; ok && remote.DeletedDate != nil && local.DeletedDate == nil {
				if _, restoreErr := e.client.RestoreCipher(ctx, remoteID); restoreErr != nil {
					err = restoreErr
				}
			}

			if err == nil {
				entity, err = e.client.UpdateCipher(ctx, remoteID, req)
			}
		}
	}

	if err != nil {
		e.logger.Warn("cipher push failed", "cipher", local.LocalID, "error", err)

		if svcErr := pushError(err, local.RevisionDate); svcErr != nil {
			local.Service.Error = svcErr
			_ = e.store.Mutate("record cipher push failure", func(tx *store.Tx) error {
				return tx.PutCipher(local)
			})
		}

		return
	}

	local.Service.Remote = &store.RemoteInfo{
		ID:           entity.ID,
		RevisionDate: entity.RevisionDate,
		DeletedDate:  entity.DeletedDate,
	}
	local.Service.Error = nil
	local.RevisionDate = entity.RevisionDate

	err = e.store.Mutate("confirm cipher push", func(tx *store.Tx) error {
		return tx.PutCipher(local)
	})
	if err != nil {
		e.logger.Error("cipher push bookkeeping failed", "cipher", local.LocalID, "error", err)
	}
}

// trashCipher pushes a local soft delete as a server-side trash, never
// a permanent delete. The trashed state flows back on the next pull.
func (e *Engine) trashCipher(ctx context.Context, local store.Cipher) {
	if err := e.client.TrashCipher(ctx, local.Service.Remote.ID); err != nil {
		e.logger.Warn("cipher trash push failed", "cipher", local.LocalID, "error", err)
		return
	}

	now := e.now()
	local.DeletedDate = &now
	local.Service.Deleted = false

	err := e.store.Mutate("confirm cipher trash", func(tx *store.Tx) error {
		return tx.PutCipher(local)
	})
	if err != nil {
		e.logger.Error("cipher trash bookkeeping failed", "cipher", local.LocalID, "error", err)
	}
}

func (e *Engine) syncSends(ctx context.Context, remotes []api.SendEntity) error {
	var locals []store.Send

	err := e.store.View(func(tx *store.Tx) error {
		var err error
		locals, err = tx.Sends(e.account.ID)
		return err
	})
	if err != nil {
		return err
	}

	actions := diff(locals, remotes, sendLocalLens, sendRemoteLens)

	err = e.store.Mutate("pull sends", func(tx *store.Tx) error {
		for _, item := range actions.LocalPut {
			record, decodeErr := decodeSend(item.Remote, e.keys.user)
			if decodeErr != nil {
				e.logger.Warn("send decode failed", "send", item.Remote.ID, "error", decodeErr)
				record = store.Send{
					Type:         item.Remote.Type,
					Name:         decodeFailedName,
					RevisionDate: item.Remote.RevisionDate,
					DeletionDate: item.Remote.DeletionDate,
				}
				record.Service.Error = &store.ServiceError{
					Code:         store.CodeDecodingFailed,
					Message:      decodeErr.Error(),
					RevisionDate: item.Remote.RevisionDate,
				}
			}

			record.LocalID = uuid.NewString()
			if item.Local != nil {
				record.LocalID = item.Local.LocalID
			}

			record.AccountID = e.account.ID
			record.Service.Remote = &store.RemoteInfo{
				ID:           item.Remote.ID,
				RevisionDate: item.Remote.RevisionDate,
			}
			record.Service.Version = store.CurrentRecordVersion

			if err := tx.PutSend(record); err != nil {
				return err
			}
		}

		for _, s := range actions.LocalDelete {
			if err := tx.DeleteSend(e.account.ID, s.LocalID); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, local := range actions.RemotePut {
		e.pushSend(ctx, local)
	}

	for _, local := range actions.RemoteDelete {
		if err := e.client.DeleteSend(ctx, local.Service.Remote.ID); err != nil {
			e.logger.Warn("send delete push failed", "send", local.LocalID, "error", err)
			continue
		}

		err := e.store.Mutate("confirm send delete", func(tx *store.Tx) error {
			return tx.DeleteSend(e.account.ID, local.LocalID)
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) pushSend(ctx context.Context, local store.Send) {
	req, err := encodeSend(local, e.keys.user)

	var entity *api.SendEntity

	if err == nil {
		if local.Service.Remote == nil {
			entity, err = e.client.CreateSend(ctx, req)
		} else {
			entity, err = e.client.UpdateSend(ctx, local.Service.Remote.ID, req)
		}
	}

	if err != nil {
		e.logger.Warn("send push failed", "send", local.LocalID, "error", err)

		if svcErr := pushError(err, local.RevisionDate); svcErr != nil {
			local.Service.Error = svcErr
			_ = e.store.Mutate("record send push failure", func(tx *store.Tx) error {
				return tx.PutSend(local)
			})
		}

		return
	}

	local.Service.Remote = &store.RemoteInfo{ID: entity.ID, RevisionDate: entity.RevisionDate}
	local.Service.Error = nil
	local.RevisionDate = entity.RevisionDate
	local.AccessID = entity.AccessID

	err = e.store.Mutate("confirm send push", func(tx *store.Tx) error {
		return tx.PutSend(local)
	})
	if err != nil {
		e.logger.Error("send push bookkeeping failed", "send", local.LocalID, "error", err)
	}
}
