// Package store persists accounts, sync metadata and the decrypted
// vault mirror in a single bbolt database. All writes go through
// Mutate so every logical operation is one atomic transaction.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Top-level buckets. Per-account record buckets are named
// account:<id>:<kind> and created on first write.
const (
	bucketAccounts = "accounts"
	bucketMeta     = "meta"
)

// recordKinds are the per-account bucket suffixes.
var recordKinds = []string{"profile", "folders", "ciphers", "collections", "organizations", "sends"}

// Store is the bbolt-backed database. Safe for concurrent use; bbolt
// serializes writers internally.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens or creates the database at path. The parent directory is
// created with owner-only permissions since the file holds decrypted
// vault data.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketAccounts, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx wraps a bbolt transaction with JSON record helpers.
type Tx struct {
	btx *bolt.Tx
}

// Mutate runs fn in a single writable transaction and logs its
// duration. If fn returns an error the transaction rolls back and
// nothing is persisted.
func (s *Store) Mutate(tag string, fn func(tx *Tx) error) error {
	start := time.Now()

	err := s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})

	s.logger.Debug("store mutation finished",
		"tag", tag,
		"duration", time.Since(start),
		"error", err != nil)

	if err != nil {
		return fmt.Errorf("store mutation %s: %w", tag, err)
	}

	return nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

func recordBucket(accountID, kind string) []byte {
	return []byte("account:" + accountID + ":" + kind)
}

// putJSON writes a JSON-encoded value into a bucket, creating the
// bucket if needed.
func (t *Tx) putJSON(bucket []byte, key string, v any) error {
	b, err := t.btx.CreateBucketIfNotExists(bucket)
	if err != nil {
		return fmt.Errorf("creating bucket %s: %w", bucket, err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", key, err)
	}

	return b.Put([]byte(key), data)
}

// getJSON reads a JSON-encoded value. Returns false when the key or
// bucket does not exist.
func (t *Tx) getJSON(bucket []byte, key string, v any) (bool, error) {
	b := t.btx.Bucket(bucket)
	if b == nil {
		return false, nil
	}

	data := b.Get([]byte(key))
	if data == nil {
		return false, nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding record %s: %w", key, err)
	}

	return true, nil
}

func (t *Tx) delete(bucket []byte, key string) error {
	b := t.btx.Bucket(bucket)
	if b == nil {
		return nil
	}

	return b.Delete([]byte(key))
}

// listJSON decodes every value in a bucket via the decode callback.
func (t *Tx) listJSON(bucket []byte, decode func(data []byte) error) error {
	b := t.btx.Bucket(bucket)
	if b == nil {
		return nil
	}

	return b.ForEach(func(_, data []byte) error {
		return decode(data)
	})
}

// listRecords collects every record of type T from a bucket.
func listRecords[T any](t *Tx, bucket []byte) ([]T, error) {
	var out []T

	err := t.listJSON(bucket, func(data []byte) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decoding record in %s: %w", bucket, err)
		}

		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// dropAccountBuckets removes every per-account bucket for accountID.
func (t *Tx) dropAccountBuckets(accountID string) error {
	for _, kind := range recordKinds {
		name := recordBucket(accountID, kind)
		if t.btx.Bucket(name) == nil {
			continue
		}

		if err := t.btx.DeleteBucket(name); err != nil {
			return fmt.Errorf("dropping bucket %s: %w", name, err)
		}
	}

	return nil
}
