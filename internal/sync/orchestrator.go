package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/keywarden/keywarden/internal/bitwarden"
	"github.com/keywarden/keywarden/internal/bitwarden/api"
	"github.com/keywarden/keywarden/internal/store"
	"github.com/keywarden/keywarden/internal/watchdog"
)

// engineRunner lets tests swap the real engine for a stub.
type engineRunner interface {
	Sync(ctx context.Context) error
}

// Syncer coordinates syncs across accounts: per-account locking,
// token refresh, outcome bookkeeping and activity tracking.
type Syncer struct {
	store      *store.Store
	logger     *slog.Logger
	watchdog   *watchdog.Watchdog
	httpClient *http.Client
	locale     string

	mu           sync.Mutex
	syncLocks    map[string]*sync.Mutex
	refreshLocks map[string]*sync.Mutex

	// newEngine and now are swapped in tests.
	newEngine func(client *api.Client, st *store.Store, logger *slog.Logger, account bitwarden.Account) engineRunner
	now       func() time.Time
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithHTTPClient sets the HTTP client used for every account.
func WithHTTPClient(hc *http.Client) SyncerOption {
	return func(s *Syncer) {
		s.httpClient = hc
	}
}

// WithLocale sets the Accept-Language value for every request.
func WithLocale(locale string) SyncerOption {
	return func(s *Syncer) {
		s.locale = locale
	}
}

// NewSyncer builds a Syncer.
func NewSyncer(st *store.Store, logger *slog.Logger, wd *watchdog.Watchdog, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		store:        st,
		logger:       logger,
		watchdog:     wd,
		httpClient:   &http.Client{},
		locale:       "en-US",
		syncLocks:    make(map[string]*sync.Mutex),
		refreshLocks: make(map[string]*sync.Mutex),
		now:          time.Now,
	}

	s.newEngine = func(client *api.Client, st *store.Store, logger *slog.Logger, account bitwarden.Account) engineRunner {
		return NewEngine(client, st, logger, account)
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// lockFor returns the lock for an account in the given table, creating
// it on first use. Locks are never removed; the table stays small.
func (s *Syncer) lockFor(table *map[string]*sync.Mutex, accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := (*table)[accountID]
	if !ok {
		lock = &sync.Mutex{}
		(*table)[accountID] = lock
	}

	return lock
}

func (s *Syncer) newClient(account bitwarden.Account) *api.Client {
	opts := []api.Option{
		api.WithHTTPClient(s.httpClient),
		api.WithLocale(s.locale),
	}

	if account.Token != nil {
		opts = append(opts, api.WithAccessToken(account.Token.AccessToken))
	}

	return api.NewClient(account.Env, s.logger, opts...)
}

// SyncByToken runs a full sync for one account, refreshing the access
// token as needed. Concurrent calls for the same account serialize;
// the second caller re-runs the sync rather than piggybacking, since
// the vault may have changed meanwhile.
func (s *Syncer) SyncByToken(ctx context.Context, accountID string) error {
	release := s.watchdog.Track(accountID, watchdog.KindSync)
	defer release()

	var (
		account bitwarden.Account
		found   bool
	)

	err := s.store.View(func(tx *store.Tx) error {
		var err error
		account, found, err = tx.Account(accountID)
		return err
	})
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("unknown account %s", accountID)
	}

	start := s.now()

	err = s.withRefreshableAccessToken(ctx, account, func(account bitwarden.Account, client *api.Client) error {
		lock := s.lockFor(&s.syncLocks, accountID)
		lock.Lock()
		defer lock.Unlock()

		return s.newEngine(client, s.store, s.logger, account).Sync(ctx)
	})

	duration := s.now().Sub(start)

	if recordErr := s.recordOutcome(account, err); recordErr != nil {
		s.logger.Error("sync outcome bookkeeping failed",
			"account", account.FormatUser(),
			"error", recordErr)
	}

	if err != nil {
		s.logger.Error("sync failed",
			"account", account.FormatUser(),
			"host", account.Host(),
			"duration", duration,
			"error", err)

		return fmt.Errorf("syncing %s: %w", account.FormatUser(), err)
	}

	s.logger.Info("sync finished",
		"account", account.FormatUser(),
		"host", account.Host(),
		"duration", duration)

	return nil
}

// recordOutcome writes the sync metadata. Success moves the last-sync
// timestamp; failure preserves it and records the reason.
func (s *Syncer) recordOutcome(account bitwarden.Account, syncErr error) error {
	now := s.now()

	return s.store.Mutate("record sync outcome", func(tx *store.Tx) error {
		meta, err := tx.Meta(account.ID)
		if err != nil {
			return err
		}

		if syncErr == nil {
			meta.LastSyncTimestamp = &now
			meta.LastSyncResult = store.SyncSuccess
			meta.FailureReason = ""
			meta.RequiresAuthentication = false
			meta.LastFailureTimestamp = nil

			return tx.PutMeta(meta)
		}

		meta.LastSyncResult = store.SyncFailure
		meta.FailureReason = syncErr.Error()
		meta.RequiresAuthentication = requiresAuthentication(syncErr)
		meta.LastFailureTimestamp = &now

		return tx.PutMeta(meta)
	})
}

// requiresAuthentication reports whether the failure can only be
// resolved by logging in again.
func requiresAuthentication(err error) bool {
	if errors.Is(err, ErrSecurityStampChanged) || errors.Is(err, ErrNoToken) {
		return true
	}

	var apiErr *api.APIError
	return errors.As(err, &apiErr) && apiErr.RequiresAuthentication()
}

// SyncAll syncs every stored account sequentially, returning the first
// error after attempting all of them.
func (s *Syncer) SyncAll(ctx context.Context) error {
	var accounts []bitwarden.Account

	err := s.store.View(func(tx *store.Tx) error {
		var err error
		accounts, err = tx.Accounts()
		return err
	})
	if err != nil {
		return err
	}

	var firstErr error

	for _, account := range accounts {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.SyncByToken(ctx, account.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
