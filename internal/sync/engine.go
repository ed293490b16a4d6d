package sync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/keywarden/keywarden/internal/bitwarden"
	"github.com/keywarden/keywarden/internal/bitwarden/api"
	"github.com/keywarden/keywarden/internal/store"
)

// ErrSecurityStampChanged aborts a sync when the server's security
// stamp no longer matches the mirrored one. The account's credentials
// were rotated or the server is not the one we enrolled with; merging
// would corrupt the mirror either way.
var ErrSecurityStampChanged = errors.New("security stamp changed, re-authentication required")

// decodeFailedName is the placeholder title for records whose payload
// could not be decrypted.
const decodeFailedName = "⚠️ Decoding failed"

// Engine runs one full sync for one account. Build a fresh Engine per
// run; it carries per-run state.
type Engine struct {
	client  *api.Client
	store   *store.Store
	logger  *slog.Logger
	account bitwarden.Account
	now     func() time.Time

	keys *keyRegistry

	// folderRemoteToLocal maps server folder ids to local ids after
	// the folder pass, for cipher folder remapping.
	folderRemoteToLocal map[string]string
	folderLocalToRemote map[string]string
}

// NewEngine builds an engine for a single sync run.
func NewEngine(client *api.Client, st *store.Store, logger *slog.Logger, account bitwarden.Account) *Engine {
	return &Engine{
		client:  client,
		store:   st,
		logger:  logger.With("account", account.FormatUser()),
		account: account,
		now:     time.Now,
	}
}

// Sync downloads the vault snapshot, reconciles it with the local
// mirror and pushes local changes back. Per-record failures are
// recorded on the record and do not fail the run; transport and key
// failures do.
func (e *Engine) Sync(ctx context.Context) error {
	resp, err := e.client.Sync(ctx)
	if err != nil {
		return fmt.Errorf("fetching vault snapshot: %w", err)
	}

	if err := e.checkSecurityStamp(resp.Profile); err != nil {
		return err
	}

	e.keys, err = buildKeyRegistry(e.account.Key, resp.Profile)
	if err != nil {
		return fmt.Errorf("building key registry: %w", err)
	}

	if err := e.noteEmptyVault(resp); err != nil {
		return err
	}

	if err := e.writeProfile(resp.Profile); err != nil {
		return err
	}

	if err := e.syncOrganizations(resp.Profile.Organizations); err != nil {
		return err
	}

	if err := e.syncCollections(resp.Collections); err != nil {
		return err
	}

	if err := e.syncFolders(ctx, resp.Folders); err != nil {
		return err
	}

	if err := e.syncCiphers(ctx, resp.Ciphers); err != nil {
		return err
	}

	return e.syncSends(ctx, resp.Sends)
}

// checkSecurityStamp compares the snapshot's security stamp against
// the mirrored profile.
func (e *Engine) checkSecurityStamp(profile api.SyncProfile) error {
	var stored string

	err := e.store.View(func(tx *store.Tx) error {
		p, found, err := tx.Profile(e.account.ID)
		if err != nil {
			return err
		}

		if found {
			stored = p.SecurityStamp
		}

		return nil
	})
	if err != nil {
		return err
	}

	if stored != "" && stored != profile.SecurityStamp {
		e.logger.Warn("security stamp mismatch, aborting sync",
			"host", e.account.Host())

		return ErrSecurityStampChanged
	}

	return nil
}

// noteEmptyVault logs when a snapshot claims an empty vault while the
// mirror holds synced ciphers. That pattern can mean server-side data
// loss or an account mixup, but the server is authoritative, so the
// sync continues and the anomaly stays in the log.
func (e *Engine) noteEmptyVault(resp *api.SyncResponse) error {
	if len(resp.Ciphers) > 0 {
		return nil
	}

	var syncedLocals int

	err := e.store.View(func(tx *store.Tx) error {
		ciphers, err := tx.Ciphers(e.account.ID)
		if err != nil {
			return err
		}

		for _, c := range ciphers {
			if c.Service.Remote != nil {
				syncedLocals++
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	if syncedLocals > 0 {
		e.logger.Warn("server reports an empty vault over a non-empty mirror",
			"synced_items", syncedLocals,
			"host", e.account.Host())
	}

	return nil
}

func (e *Engine) writeProfile(profile api.SyncProfile) error {
	record := store.Profile{
		AccountID:     e.account.ID,
		ProfileID:     profile.ID,
		Email:         profile.Email,
		EmailVerified: profile.EmailVerified,
		Name:          profile.Name,
		Premium:       profile.Premium,
		SecurityStamp: profile.SecurityStamp,
		TwoFactor:     profile.TwoFactor,
		AvatarColor:   profile.AvatarColor,
		Culture:       profile.Culture,
		KeyBase64:     encodeBase64(e.keys.userRaw),
	}

	if len(e.keys.privateDER) > 0 {
		record.PrivateKeyBase64 = encodeBase64(e.keys.privateDER)
	}

	return e.store.Mutate("sync profile", func(tx *store.Tx) error {
		return tx.PutProfile(record)
	})
}

// syncOrganizations replaces the organization mirror. Organizations
// are server-managed; the mirror is read-only.
func (e *Engine) syncOrganizations(orgs []api.OrganizationEntity) error {
	return e.store.Mutate("sync organizations", func(tx *store.Tx) error {
		existing, err := tx.Organizations(e.account.ID)
		if err != nil {
			return err
		}

		byRemote := make(map[string]store.Organization, len(existing))
		for _, o := range existing {
			if o.Service.Remote != nil {
				byRemote[o.Service.Remote.ID] = o
			}
		}

		seen := make(map[string]bool, len(orgs))

		for _, org := range orgs {
			seen[org.ID] = true

			record := store.Organization{
				LocalID:   uuid.NewString(),
				AccountID: e.account.ID,
				Name:      org.Name,
				SelfHost:  org.SelfHost,
				Service: store.ServiceFields{
					Remote:  &store.RemoteInfo{ID: org.ID},
					Version: store.CurrentRecordVersion,
				},
			}

			if prev, ok := byRemote[org.ID]; ok {
				record.LocalID = prev.LocalID
			}

			if raw, ok := e.keys.orgsRaw[org.ID]; ok {
				record.KeyBase64 = encodeBase64(raw)
			}

			if err := tx.PutOrganization(record); err != nil {
				return err
			}
		}

		for remoteID, o := range byRemote {
			if !seen[remoteID] {
				if err := tx.DeleteOrganization(e.account.ID, o.LocalID); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

// syncCollections replaces the collection mirror, read-only like
// organizations.
func (e *Engine) syncCollections(collections []api.CollectionEntity) error {
	return e.store.Mutate("sync collections", func(tx *store.Tx) error {
		existing, err := tx.Collections(e.account.ID)
		if err != nil {
			return err
		}

		byRemote := make(map[string]store.Collection, len(existing))
		for _, c := range existing {
			if c.Service.Remote != nil {
				byRemote[c.Service.Remote.ID] = c
			}
		}

		seen := make(map[string]bool, len(collections))

		for _, entity := range collections {
			seen[entity.ID] = true

			orgKey, err := e.keys.keyFor(&entity.OrganizationID)
			if err != nil {
				e.logger.Warn("skipping collection without organization key",
					"collection", entity.ID, "error", err)
				continue
			}

			record, err := decodeCollection(entity, orgKey)
			if err != nil {
				e.logger.Warn("collection decode failed", "collection", entity.ID, "error", err)
				record = store.Collection{
					OrganizationID: entity.OrganizationID,
					Name:           decodeFailedName,
				}
				record.Service.Error = &store.ServiceError{
					Code:    store.CodeDecodingFailed,
					Message: err.Error(),
				}
			}

			record.LocalID = uuid.NewString()
			record.AccountID = e.account.ID
			record.Service.Remote = &store.RemoteInfo{ID: entity.ID}
			record.Service.Version = store.CurrentRecordVersion

			if prev, ok := byRemote[entity.ID]; ok {
				record.LocalID = prev.LocalID
			}

			if err := tx.PutCollection(record); err != nil {
				return err
			}
		}

		for remoteID, c := range byRemote {
			if !seen[remoteID] {
				if err := tx.DeleteCollection(e.account.ID, c.LocalID); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
