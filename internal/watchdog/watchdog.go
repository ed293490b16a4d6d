// Package watchdog tracks in-flight background operations per account
// so other components can tell whether an account is busy.
package watchdog

import "sync"

// Kind labels the operation being tracked.
type Kind string

const (
	KindSync Kind = "sync"
)

type key struct {
	accountID string
	kind      Kind
}

// Watchdog counts in-flight operations. Safe for concurrent use.
type Watchdog struct {
	mu     sync.Mutex
	counts map[key]int
}

// New returns an empty watchdog.
func New() *Watchdog {
	return &Watchdog{counts: make(map[key]int)}
}

// Track registers an operation and returns its release func. Release
// is idempotent.
func (w *Watchdog) Track(accountID string, kind Kind) func() {
	k := key{accountID: accountID, kind: kind}

	w.mu.Lock()
	w.counts[k]++
	w.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()

			w.counts[k]--
			if w.counts[k] <= 0 {
				delete(w.counts, k)
			}
		})
	}
}

// IsActive reports whether any operation of the given kind is in
// flight for the account.
func (w *Watchdog) IsActive(accountID string, kind Kind) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.counts[key{accountID: accountID, kind: kind}] > 0
}
