package store

import "time"

// SyncResult is the outcome tag of the last sync attempt.
type SyncResult string

const (
	SyncSuccess SyncResult = "success"
	SyncFailure SyncResult = "failure"
)

// Meta records per-account sync bookkeeping. LastSyncTimestamp only
// moves forward on success; a failed sync keeps the timestamp of the
// last good one so staleness is always measured from real data.
type Meta struct {
	AccountID         string     `json:"accountId"`
	LastSyncTimestamp *time.Time `json:"lastSyncTimestamp"`
	LastSyncResult    SyncResult `json:"lastSyncResult"`

	// FailureReason is set when LastSyncResult is failure.
	FailureReason string `json:"failureReason,omitempty"`

	// RequiresAuthentication means the failure was a credential
	// problem that a retry cannot fix without re-login.
	RequiresAuthentication bool `json:"requiresAuthentication,omitempty"`

	// LastFailureTimestamp is when the most recent failure happened.
	LastFailureTimestamp *time.Time `json:"lastFailureTimestamp,omitempty"`
}

// PutMeta writes the sync metadata for an account.
func (t *Tx) PutMeta(m Meta) error {
	return t.putJSON([]byte(bucketMeta), m.AccountID, m)
}

// Meta reads the sync metadata for an account. A zero Meta with the
// id filled in is returned when none was stored yet.
func (t *Tx) Meta(accountID string) (Meta, error) {
	m := Meta{AccountID: accountID}

	if _, err := t.getJSON([]byte(bucketMeta), accountID, &m); err != nil {
		return Meta{}, err
	}

	m.AccountID = accountID

	return m, nil
}
