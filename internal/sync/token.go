package sync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/keywarden/keywarden/internal/bitwarden"
	"github.com/keywarden/keywarden/internal/bitwarden/api"
	"github.com/keywarden/keywarden/internal/store"
)

// ErrNoToken means the account has never completed a login.
var ErrNoToken = errors.New("account has no token, login required")

// retryDelay grows exponentially with the attempt number, capped so
// the longest wait stays around a minute.
func retryDelay(attempt int) time.Duration {
	capped := math.Min(float64(attempt), 6)

	return time.Duration(100*(math.Pow(3, capped)-1)) * time.Millisecond
}

// withRefreshableAccessToken runs fn with a client carrying a valid
// access token. An expired token is refreshed up front; a 401 from fn
// triggers exactly one refresh-and-retry, then the error propagates.
func (s *Syncer) withRefreshableAccessToken(ctx context.Context, account bitwarden.Account, fn func(account bitwarden.Account, client *api.Client) error) error {
	if account.Token == nil {
		return ErrNoToken
	}

	if s.now().After(account.Token.ExpiresAt) {
		refreshed, err := s.refreshToken(ctx, account)
		if err != nil {
			return err
		}

		account = refreshed
	}

	err := fn(account, s.newClient(account))
	if !isUnauthorized(err) {
		return err
	}

	// The server rejected a token we thought was valid. Refresh once
	// and retry once.
	refreshed, refreshErr := s.refreshToken(ctx, account)
	if refreshErr != nil {
		return fmt.Errorf("refreshing rejected token: %w", refreshErr)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(retryDelay(1)):
	}

	return fn(refreshed, s.newClient(refreshed))
}

func isUnauthorized(err error) bool {
	var apiErr *api.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 401
}

// refreshToken exchanges the refresh token for a new token pair and
// persists it. Concurrent callers for the same account serialize on a
// per-account lock, and the second one through finds the fresh token
// already stored.
func (s *Syncer) refreshToken(ctx context.Context, account bitwarden.Account) (bitwarden.Account, error) {
	lock := s.lockFor(&s.refreshLocks, account.ID)
	lock.Lock()
	defer lock.Unlock()

	// Another flow may have refreshed while we waited on the lock.
	var stored bitwarden.Account

	err := s.store.View(func(tx *store.Tx) error {
		var found bool
		var err error

		stored, found, err = tx.Account(account.ID)
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("account %s no longer exists", account.ID)
		}

		return nil
	})
	if err != nil {
		return bitwarden.Account{}, err
	}

	if stored.Token == nil {
		return bitwarden.Account{}, ErrNoToken
	}

	if stored.Token.AccessToken != account.Token.AccessToken && s.now().Before(stored.Token.ExpiresAt) {
		return stored, nil
	}

	client := s.newClient(stored)

	resp, err := client.RefreshToken(ctx, *stored.Token)
	if err != nil {
		return bitwarden.Account{}, fmt.Errorf("refresh grant for %s: %w", stored.FormatUser(), err)
	}

	stored.Token = resp.Token(s.now())

	err = s.store.Mutate("persist refreshed token", func(tx *store.Tx) error {
		return tx.PutAccount(stored)
	})
	if err != nil {
		return bitwarden.Account{}, err
	}

	s.logger.Info("access token refreshed",
		"account", stored.FormatUser(),
		"expires_at", stored.Token.ExpiresAt)

	return stored, nil
}
