package sync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywarden/keywarden/internal/bitwarden"
	"github.com/keywarden/keywarden/internal/bitwarden/api"
	"github.com/keywarden/keywarden/internal/crypto"
	"github.com/keywarden/keywarden/internal/logging"
	"github.com/keywarden/keywarden/internal/store"
)

// vaultFixture is a fake Bitwarden server plus the key material needed
// to author encrypted snapshots for it.
type vaultFixture struct {
	account  bitwarden.Account
	userKey  crypto.SymmetricKey
	snapshot *api.SyncResponse
	store    *store.Store
	mux      *http.ServeMux
	baseURL  string
}

func newVaultFixture(t *testing.T) *vaultFixture {
	t.Helper()

	master := crypto.MasterKey("pw", "user@example.com", 5000)
	stretched, err := crypto.StretchKey(master)
	require.NoError(t, err)

	userRaw := make([]byte, 64)
	for i := range userRaw {
		userRaw[i] = byte(i * 7)
	}

	userKey, err := crypto.DecodeSymmetricKey(userRaw)
	require.NoError(t, err)

	profileKey, err := crypto.EncryptSymmetric(stretched, userRaw)
	require.NoError(t, err)

	f := &vaultFixture{
		userKey: userKey,
		snapshot: &api.SyncResponse{
			Profile: api.SyncProfile{
				ID:            "profile-1",
				Email:         "user@example.com",
				SecurityStamp: "stamp-1",
				Key:           profileKey.String(),
			},
		},
		mux: http.NewServeMux(),
	}

	f.mux.HandleFunc("/api/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(f.snapshot)
	})

	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	f.baseURL = srv.URL

	f.account = bitwarden.Account{
		ID:    bitwarden.NewAccountID(),
		Email: "user@example.com",
		Env:   bitwarden.ServerEnv{BaseURL: srv.URL},
		Key: bitwarden.AccountKey{
			EncryptionKeyBase64: base64.StdEncoding.EncodeToString(stretched.Enc),
			MacKeyBase64:        base64.StdEncoding.EncodeToString(stretched.Mac),
		},
		Token: &bitwarden.Token{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)},
	}

	f.store, err = store.Open(filepath.Join(t.TempDir(), "state.db"), logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.store.Close() })

	return f
}

func (f *vaultFixture) encrypt(t *testing.T, plaintext string) string {
	t.Helper()

	out, err := crypto.EncryptString(f.userKey, plaintext)
	require.NoError(t, err)

	return out
}

func (f *vaultFixture) engine(t *testing.T) *Engine {
	t.Helper()

	client := api.NewClient(f.account.Env, logging.NewNopLogger(),
		api.WithAccessToken(f.account.Token.AccessToken))

	return NewEngine(client, f.store, logging.NewNopLogger(), f.account)
}

func (f *vaultFixture) ciphers(t *testing.T) []store.Cipher {
	t.Helper()

	var out []store.Cipher
	require.NoError(t, f.store.View(func(tx *store.Tx) error {
		var err error
		out, err = tx.Ciphers(f.account.ID)
		return err
	}))

	return out
}

func TestEngine_FullPull(t *testing.T) {
	f := newVaultFixture(t)
	rev := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	f.snapshot.Folders = []api.FolderEntity{
		{ID: "folder-1", Name: f.encrypt(t, "Work"), RevisionDate: rev},
	}

	folderID := "folder-1"
	username := f.encrypt(t, "alice")
	f.snapshot.Ciphers = []api.CipherEntity{
		{
			ID:           "cipher-1",
			Type:         api.CipherTypeLogin,
			FolderID:     &folderID,
			Name:         f.encrypt(t, "example.com"),
			RevisionDate: rev,
			Login: &api.CipherLogin{
				Username: &username,
			},
		},
	}

	require.NoError(t, f.engine(t).Sync(context.Background()))

	require.NoError(t, f.store.View(func(tx *store.Tx) error {
		profile, found, err := tx.Profile(f.account.ID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "stamp-1", profile.SecurityStamp)
		assert.NotEmpty(t, profile.KeyBase64)

		folders, err := tx.Folders(f.account.ID)
		require.NoError(t, err)
		require.Len(t, folders, 1)
		assert.Equal(t, "Work", folders[0].Name)

		ciphers, err := tx.Ciphers(f.account.ID)
		require.NoError(t, err)
		require.Len(t, ciphers, 1)
		assert.Equal(t, "example.com", ciphers[0].Name)
		require.NotNil(t, ciphers[0].Login)
		assert.Equal(t, "alice", ciphers[0].Login.Username)

		// The cipher's folder reference points at the local folder id,
		// not the server's.
		require.NotNil(t, ciphers[0].FolderLocalID)
		assert.Equal(t, folders[0].LocalID, *ciphers[0].FolderLocalID)

		return nil
	}))

	// A second sync with an unchanged snapshot is a no-op.
	before := f.ciphers(t)
	require.NoError(t, f.engine(t).Sync(context.Background()))
	assert.Equal(t, before, f.ciphers(t))
}

func TestEngine_SecurityStampMismatchAborts(t *testing.T) {
	f := newVaultFixture(t)

	require.NoError(t, f.store.Mutate("seed profile", func(tx *store.Tx) error {
		return tx.PutProfile(store.Profile{AccountID: f.account.ID, SecurityStamp: "old-stamp"})
	}))

	err := f.engine(t).Sync(context.Background())
	require.ErrorIs(t, err, ErrSecurityStampChanged)
}

func TestEngine_DecodeFailureKeepsPlaceholder(t *testing.T) {
	f := newVaultFixture(t)
	rev := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	f.snapshot.Ciphers = []api.CipherEntity{
		{
			ID:           "cipher-bad",
			Type:         api.CipherTypeLogin,
			Name:         "2.Zm9v|YmFy|YmF6", // wrong mac, cannot decrypt
			RevisionDate: rev,
			Login:        &api.CipherLogin{},
		},
	}

	require.NoError(t, f.engine(t).Sync(context.Background()), "one bad item must not fail the sync")

	ciphers := f.ciphers(t)
	require.Len(t, ciphers, 1)
	assert.Equal(t, decodeFailedName, ciphers[0].Name)
	require.NotNil(t, ciphers[0].Service.Error)
	assert.Equal(t, store.CodeDecodingFailed, ciphers[0].Service.Error.Code)
}

func TestEngine_EmptyVaultStillSyncs(t *testing.T) {
	f := newVaultFixture(t)

	require.NoError(t, f.store.Mutate("seed synced cipher", func(tx *store.Tx) error {
		return tx.PutCipher(store.Cipher{
			LocalID:   "c1",
			AccountID: f.account.ID,
			Name:      "old item",
			Service: store.ServiceFields{
				Remote:  &store.RemoteInfo{ID: "remote-1"},
				Version: store.CurrentRecordVersion,
			},
		})
	}))

	// An empty snapshot over a non-empty mirror is suspicious, but the
	// server is authoritative: the sync logs the anomaly and proceeds.
	require.NoError(t, f.engine(t).Sync(context.Background()))

	assert.Empty(t, f.ciphers(t), "mirror follows the server")
}

func TestEngine_PushesNewLocalCipher(t *testing.T) {
	f := newVaultFixture(t)
	rev := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	var pushed api.CipherRequest

	f.mux.HandleFunc("/api/ciphers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&pushed)
		_ = json.NewEncoder(w).Encode(api.CipherEntity{
			ID:           "remote-new",
			Type:         pushed.Type,
			Name:         pushed.Name,
			RevisionDate: rev,
		})
	})

	require.NoError(t, f.store.Mutate("seed local cipher", func(tx *store.Tx) error {
		return tx.PutCipher(store.Cipher{
			LocalID:      "local-1",
			AccountID:    f.account.ID,
			Type:         api.CipherTypeLogin,
			Name:         "new item",
			RevisionDate: rev,
			Login:        &store.LoginData{Username: "bob", URIs: []store.LoginURI{{URI: "https://example.com"}}},
			Service:      store.ServiceFields{Version: store.CurrentRecordVersion},
		})
	}))

	require.NoError(t, f.engine(t).Sync(context.Background()))

	// The request went out encrypted, with a URI checksum attached.
	assert.NotEqual(t, "new item", pushed.Name)
	require.NotNil(t, pushed.Login)
	require.Len(t, pushed.Login.URIs, 1)
	require.NotNil(t, pushed.Login.URIs[0].URIChecksum)

	name, err := crypto.DecryptString(f.userKey, pushed.Name)
	require.NoError(t, err)
	assert.Equal(t, "new item", name)

	ciphers := f.ciphers(t)
	require.Len(t, ciphers, 1)
	require.NotNil(t, ciphers[0].Service.Remote)
	assert.Equal(t, "remote-new", ciphers[0].Service.Remote.ID)
}

func TestEngine_LocalDeletePushesTrash(t *testing.T) {
	f := newVaultFixture(t)
	rev := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	f.snapshot.Ciphers = []api.CipherEntity{
		{
			ID:           "remote-1",
			Type:         api.CipherTypeLogin,
			Name:         f.encrypt(t, "doomed"),
			RevisionDate: rev,
			Login:        &api.CipherLogin{},
		},
	}

	trashed := false
	f.mux.HandleFunc("/api/ciphers/remote-1/delete", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.NotFound(w, r)
			return
		}
		trashed = true
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, f.store.Mutate("seed deleted local", func(tx *store.Tx) error {
		return tx.PutCipher(store.Cipher{
			LocalID:      "local-1",
			AccountID:    f.account.ID,
			Type:         api.CipherTypeLogin,
			Name:         "doomed",
			RevisionDate: rev.Add(time.Minute),
			Login:        &store.LoginData{},
			Service: store.ServiceFields{
				Remote:  &store.RemoteInfo{ID: "remote-1", RevisionDate: rev},
				Deleted: true,
				Version: store.CurrentRecordVersion,
			},
		})
	}))

	require.NoError(t, f.engine(t).Sync(context.Background()))
	assert.True(t, trashed)

	ciphers := f.ciphers(t)
	require.Len(t, ciphers, 1)
	assert.NotNil(t, ciphers[0].DeletedDate, "local record reflects the trash state")
	assert.False(t, ciphers[0].Service.Deleted)
}

func TestEngine_PullsSend(t *testing.T) {
	f := newVaultFixture(t)
	rev := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	material := make([]byte, 16)
	for i := range material {
		material[i] = byte(i + 1)
	}

	wrappedKey, err := crypto.EncryptSymmetric(f.userKey, material)
	require.NoError(t, err)

	sendKey, err := crypto.SendKey(material)
	require.NoError(t, err)

	name, err := crypto.EncryptString(sendKey, "my send")
	require.NoError(t, err)

	text, err := crypto.EncryptString(sendKey, "the payload")
	require.NoError(t, err)

	f.snapshot.Sends = []api.SendEntity{
		{
			ID:           "send-1",
			Type:         api.SendTypeText,
			Name:         name,
			Key:          wrappedKey.String(),
			RevisionDate: rev,
			DeletionDate: rev.AddDate(0, 0, 7),
			Text:         &api.SendText{Text: &text},
		},
	}

	require.NoError(t, f.engine(t).Sync(context.Background()))

	require.NoError(t, f.store.View(func(tx *store.Tx) error {
		sends, err := tx.Sends(f.account.ID)
		require.NoError(t, err)
		require.Len(t, sends, 1)
		assert.Equal(t, "my send", sends[0].Name)
		require.NotNil(t, sends[0].Text)
		assert.Equal(t, "the payload", sends[0].Text.Text)

		return nil
	}))
}

func TestEngine_MirrorWriteFailurePropagates(t *testing.T) {
	f := newVaultFixture(t)

	e := f.engine(t)
	e.keys = &keyRegistry{orgsRaw: map[string][]byte{}}

	require.NoError(t, f.store.Close())

	assert.Error(t, e.syncOrganizations([]api.OrganizationEntity{{ID: "org-1", Name: "ACME"}}))
	assert.Error(t, e.syncCollections(nil))
}

func TestEngine_PullsOrganizationsAndCollections(t *testing.T) {
	f := newVaultFixture(t)

	// Organizations need an RSA key pair: the org key is wrapped with
	// the user's public key.
	privEnc, orgEnc, orgRaw := makeOrgKeyFixture(t, f.userKey)

	f.snapshot.Profile.PrivateKey = privEnc
	f.snapshot.Profile.Organizations = []api.OrganizationEntity{
		{ID: "org-1", Name: "ACME", Key: orgEnc},
	}

	orgKey, err := crypto.DecodeSymmetricKey(orgRaw)
	require.NoError(t, err)

	collName, err := crypto.EncryptString(orgKey, "Engineering")
	require.NoError(t, err)

	f.snapshot.Collections = []api.CollectionEntity{
		{ID: "coll-1", OrganizationID: "org-1", Name: collName},
	}

	require.NoError(t, f.engine(t).Sync(context.Background()))

	require.NoError(t, f.store.View(func(tx *store.Tx) error {
		orgs, err := tx.Organizations(f.account.ID)
		require.NoError(t, err)
		require.Len(t, orgs, 1)
		assert.Equal(t, "ACME", orgs[0].Name)
		assert.NotEmpty(t, orgs[0].KeyBase64)

		colls, err := tx.Collections(f.account.ID)
		require.NoError(t, err)
		require.Len(t, colls, 1)
		assert.Equal(t, "Engineering", colls[0].Name)

		return nil
	}))
}
