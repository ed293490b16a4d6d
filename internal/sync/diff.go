// Package sync implements the vault synchronization pipeline: the
// local/remote diff, the decrypt-and-mirror engine, token refresh and
// the per-account orchestrator.
package sync

import (
	"math"
	"time"

	"github.com/keywarden/keywarden/internal/store"
)

// roundRevision collapses a timestamp to tenth-of-a-second precision.
// Servers truncate or round sub-second parts inconsistently, so exact
// comparison of revision dates would see phantom changes.
func roundRevision(t time.Time) int64 {
	return int64(math.Round(float64(t.UnixMilli()) / 100))
}

func sameRevision(a, b time.Time) bool {
	return roundRevision(a) == roundRevision(b)
}

// LocalLens teaches the diff how to read a local record type.
type LocalLens[L any] struct {
	LocalID      func(L) string
	RevisionDate func(L) time.Time
	Service      func(L) store.ServiceFields
}

// RemoteLens teaches the diff how to read a remote entity type. The
// revision date must already account for the deletion date, whichever
// is later.
type RemoteLens[R any] struct {
	ID           func(R) string
	RevisionDate func(R) time.Time
}

// remoteRevision picks the later of a revision date and an optional
// deletion date. Trashing bumps deletedDate but not always
// revisionDate, and the trash state must still propagate.
func remoteRevision(revision time.Time, deleted *time.Time) time.Time {
	if deleted != nil && deleted.After(revision) {
		return *deleted
	}

	return revision
}

// PullItem pairs a remote entity with the local record it updates.
// Local is nil for entities never seen before.
type PullItem[L, R any] struct {
	Local  *L
	Remote R
}

// Actions is the diff output: what to write locally and what to push
// to the server.
type Actions[L, R any] struct {
	// LocalPut are remote entities to decode and mirror locally.
	LocalPut []PullItem[L, R]

	// LocalDelete are local records whose remote counterpart is gone,
	// plus local duplicates and locally-created records already marked
	// deleted.
	LocalDelete []L

	// RemotePut are local records with changes to push.
	RemotePut []L

	// RemoteDelete are local records whose deletion must be pushed.
	RemoteDelete []L
}

// diff computes the sync actions for one entity kind. Locals are the
// mirrored records, remotes the server snapshot.
func diff[L, R any](locals []L, remotes []R, ll LocalLens[L], rl RemoteLens[R]) Actions[L, R] {
	var out Actions[L, R]

	// Index locals by their linked remote id, keeping only the
	// freshest when duplicates exist. Duplicates happen after crashes
	// between a push and its bookkeeping write.
	linked := make(map[string]L)

	var unlinked []L

	for _, l := range locals {
		svc := ll.Service(l)
		if svc.Remote == nil {
			unlinked = append(unlinked, l)
			continue
		}

		id := svc.Remote.ID
		existing, ok := linked[id]
		if !ok {
			linked[id] = l
			continue
		}

		if ll.RevisionDate(l).After(ll.RevisionDate(existing)) {
			out.LocalDelete = append(out.LocalDelete, existing)
			linked[id] = l
		} else {
			out.LocalDelete = append(out.LocalDelete, l)
		}
	}

	seen := make(map[string]bool, len(remotes))

	for _, r := range remotes {
		id := rl.ID(r)
		seen[id] = true

		l, ok := linked[id]
		if !ok {
			out.LocalPut = append(out.LocalPut, PullItem[L, R]{Remote: r})
			continue
		}

		svc := ll.Service(l)
		local := l

		switch {
		case svc.Version < store.CurrentRecordVersion:
			// Written by an older encoding, re-pull unconditionally.
			out.LocalPut = append(out.LocalPut, PullItem[L, R]{Local: &local, Remote: r})

		case !sameRevision(rl.RevisionDate(r), svc.Remote.RevisionDate):
			// Remote changed since our last pull. Remote wins; any
			// concurrent local edit is overwritten.
			out.LocalPut = append(out.LocalPut, PullItem[L, R]{Local: &local, Remote: r})

		case ll.RevisionDate(l).After(svc.Remote.RevisionDate):
			// Local changed since the last pull and the remote did
			// not. Push, unless this exact local revision already
			// failed.
			if !svc.Error.CanRetry(ll.RevisionDate(l)) {
				continue
			}

			if svc.Deleted {
				out.RemoteDelete = append(out.RemoteDelete, l)
			} else {
				out.RemotePut = append(out.RemotePut, l)
			}

		case svc.Error != nil && svc.Error.CanRetry(rl.RevisionDate(r)):
			// A previous decode failed but the remote moved on;
			// re-pull for another attempt.
			out.LocalPut = append(out.LocalPut, PullItem[L, R]{Local: &local, Remote: r})
		}
	}

	// Locals linked to remote ids that vanished from the snapshot were
	// deleted on the server.
	for id, l := range linked {
		if !seen[id] {
			out.LocalDelete = append(out.LocalDelete, l)
		}
	}

	// Never-pushed locals: deleted ones simply disappear, the rest are
	// new items to create remotely, gated the same way on a failed
	// create of the same revision.
	for _, l := range unlinked {
		svc := ll.Service(l)

		switch {
		case svc.Deleted:
			out.LocalDelete = append(out.LocalDelete, l)
		case svc.Error.CanRetry(ll.RevisionDate(l)):
			out.RemotePut = append(out.RemotePut, l)
		}
	}

	return out
}
