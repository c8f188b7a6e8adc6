package payoutd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"whitelistpayouts/core/identity"
	"whitelistpayouts/native/payouts"
)

var bucketStranded = []byte("stranded")

// StrandedStore persists stranded payouts in BoltDB so they survive
// restarts until an operator resolves them.
type StrandedStore struct {
	db *bolt.DB
}

var _ payouts.StrandedLedger = (*StrandedStore)(nil)

// OpenStrandedStore opens (and migrates) the store at path.
func OpenStrandedStore(path string, options *bolt.Options) (*StrandedStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketStranded)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &StrandedStore{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *StrandedStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *StrandedStore) Record(_ context.Context, entry payouts.StrandedEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("stranded entry id required")
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStranded).Put([]byte(entry.ID), encoded)
	})
}

func (s *StrandedStore) Get(_ context.Context, id string) (payouts.StrandedEntry, error) {
	var entry payouts.StrandedEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketStranded).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", payouts.ErrStrandedNotFound, id)
		}
		return json.Unmarshal(raw, &entry)
	})
	return entry, err
}

func (s *StrandedStore) List(_ context.Context, includeResolved bool) ([]payouts.StrandedEntry, error) {
	var entries []payouts.StrandedEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStranded).ForEach(func(_, raw []byte) error {
			var entry payouts.StrandedEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return err
			}
			if entry.Resolved() && !includeResolved {
				return nil
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	payouts.SortStranded(entries)
	return entries, nil
}

func (s *StrandedStore) MarkResolved(_ context.Context, id string, destination identity.AccountID, txID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketStranded)
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", payouts.ErrStrandedNotFound, id)
		}
		var entry payouts.StrandedEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		if entry.Resolved() {
			return fmt.Errorf("%w: %s", payouts.ErrStrandedResolved, id)
		}
		entry.ResolvedAt = at.UTC()
		entry.Destination = destination
		entry.ResolveTx = txID
		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), encoded)
	})
}
