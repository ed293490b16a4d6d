package store

import (
	"fmt"

	"github.com/keywarden/keywarden/internal/bitwarden"
)

// PutAccount writes an account record.
func (t *Tx) PutAccount(a bitwarden.Account) error {
	return t.putJSON([]byte(bucketAccounts), a.ID, a)
}

// Account reads one account by id. Found is false when no such
// account exists.
func (t *Tx) Account(id string) (bitwarden.Account, bool, error) {
	var a bitwarden.Account

	found, err := t.getJSON([]byte(bucketAccounts), id, &a)
	if err != nil {
		return bitwarden.Account{}, false, err
	}

	return a, found, nil
}

// Accounts lists every stored account.
func (t *Tx) Accounts() ([]bitwarden.Account, error) {
	return listRecords[bitwarden.Account](t, []byte(bucketAccounts))
}

// DeleteAccount removes an account along with its sync metadata and
// vault mirror.
func (t *Tx) DeleteAccount(id string) error {
	if err := t.delete([]byte(bucketAccounts), id); err != nil {
		return fmt.Errorf("deleting account %s: %w", id, err)
	}

	if err := t.delete([]byte(bucketMeta), id); err != nil {
		return fmt.Errorf("deleting meta for %s: %w", id, err)
	}

	return t.dropAccountBuckets(id)
}
