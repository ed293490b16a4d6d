// Command keywarden is a headless Bitwarden-compatible vault sync
// daemon: it mirrors one or more accounts into a local database,
// pushes local changes back, and keeps the mirror fresh via periodic
// syncs and server change notifications.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keywarden/keywarden/internal/auth"
	"github.com/keywarden/keywarden/internal/bitwarden"
	"github.com/keywarden/keywarden/internal/bitwarden/api"
	"github.com/keywarden/keywarden/internal/config"
	"github.com/keywarden/keywarden/internal/logging"
	"github.com/keywarden/keywarden/internal/notify"
	"github.com/keywarden/keywarden/internal/store"
	syncer "github.com/keywarden/keywarden/internal/sync"
	"github.com/keywarden/keywarden/internal/watchdog"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "keywarden: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment)
	slog.SetDefault(logger)

	logger.Info("starting keywarden",
		"state_path", cfg.StatePath,
		"sync_interval", cfg.SyncInterval,
		"notifications", cfg.EnableNotifications)

	st, err := store.Open(cfg.StatePath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	if cfg.AccountsFile != "" {
		if err := bootstrapAccounts(ctx, cfg, st, logger, httpClient); err != nil {
			return fmt.Errorf("bootstrapping accounts: %w", err)
		}
	}

	wd := watchdog.New()
	s := syncer.NewSyncer(st, logger, wd,
		syncer.WithHTTPClient(httpClient),
		syncer.WithLocale(cfg.Locale))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runScheduler(ctx, cfg.SyncInterval, s, logger)
	})

	if cfg.EnableNotifications {
		if err := startListeners(ctx, g, st, s, logger); err != nil {
			return err
		}
	}

	err = g.Wait()
	logger.Info("keywarden stopped")

	return err
}

// runScheduler syncs all accounts immediately, then on every tick.
func runScheduler(ctx context.Context, interval time.Duration, s *syncer.Syncer, logger *slog.Logger) error {
	if err := s.SyncAll(ctx); err != nil {
		logger.Error("initial sync failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SyncAll(ctx); err != nil {
				logger.Error("scheduled sync failed", "error", err)
			}
		}
	}
}

// startListeners runs one notifications listener per stored account.
// A vault change notification triggers an immediate sync for that
// account.
func startListeners(ctx context.Context, g *errgroup.Group, st *store.Store, s *syncer.Syncer, logger *slog.Logger) error {
	var accounts []bitwarden.Account

	err := st.View(func(tx *store.Tx) error {
		var err error
		accounts, err = tx.Accounts()
		return err
	})
	if err != nil {
		return err
	}

	for _, account := range accounts {
		accountID := account.ID

		accessToken := func(ctx context.Context) (string, error) {
			var stored bitwarden.Account

			err := st.View(func(tx *store.Tx) error {
				var found bool
				var err error

				stored, found, err = tx.Account(accountID)
				if err != nil {
					return err
				}

				if !found || stored.Token == nil {
					return fmt.Errorf("account %s has no token", accountID)
				}

				return nil
			})
			if err != nil {
				return "", err
			}

			return stored.Token.AccessToken, nil
		}

		onChange := func(accountID string) {
			go func() {
				if err := s.SyncByToken(ctx, accountID); err != nil {
					logger.Error("notification-triggered sync failed",
						"account_id", accountID, "error", err)
				}
			}()
		}

		listener := notify.NewListener(account, logger, accessToken, onChange)

		g.Go(func() error {
			return listener.Run(ctx)
		})
	}

	return nil
}

// bootstrapAccounts logs in every account from the accounts file that
// is not already stored, matching on email and server.
func bootstrapAccounts(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger, httpClient *http.Client) error {
	bootstrap, err := config.LoadAccountsFile(cfg.AccountsFile)
	if err != nil {
		return err
	}

	var existing []bitwarden.Account

	err = st.View(func(tx *store.Tx) error {
		var err error
		existing, err = tx.Accounts()
		return err
	})
	if err != nil {
		return err
	}

	for _, b := range bootstrap {
		env := envFromBootstrap(b)

		if hasAccount(existing, b.Email, env) {
			continue
		}

		client := api.NewClient(env, logger,
			api.WithHTTPClient(httpClient),
			api.WithLocale(cfg.Locale))

		account, err := auth.Login(ctx, client, auth.LoginParams{
			Email:        b.Email,
			Password:     b.Password,
			Env:          env,
			ClientSecret: b.ClientSecret,
		})
		if err != nil {
			return fmt.Errorf("logging in %s: %w", b.Email, err)
		}

		err = st.Mutate("bootstrap account", func(tx *store.Tx) error {
			return tx.PutAccount(account)
		})
		if err != nil {
			return err
		}

		logger.Info("account added", "account", account.FormatUser(), "host", account.Host())
	}

	return nil
}

func envFromBootstrap(b config.BootstrapAccount) bitwarden.ServerEnv {
	env := bitwarden.ServerEnv{
		BaseURL:     b.BaseURL,
		APIURL:      b.APIURL,
		IdentityURL: b.IdentityURL,
	}

	if b.Region == "eu" {
		env.Region = bitwarden.RegionEU
	}

	for key, value := range b.Headers {
		env.Headers = append(env.Headers, bitwarden.Header{Key: key, Value: value})
	}

	return env
}

func hasAccount(accounts []bitwarden.Account, email string, env bitwarden.ServerEnv) bool {
	for _, a := range accounts {
		if a.Email == email && a.Env.BaseURL == env.BaseURL && a.Env.Region == env.Region {
			return true
		}
	}

	return false
}
