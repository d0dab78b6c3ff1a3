// Package session provides an ambient, purely observational store: a
// bbolt-backed registry of currently open file handles and a ledger of
// past fsck repairs. It is never consulted by the filesystem for
// correctness — deleting its database file has no effect on the mounted
// image — and exists purely so an operator can introspect a running
// vstafsd without attaching a debugger.
//
// Grounded on backend/cache/storage_persistent.go's Persistent type:
// one bbolt database, one bucket per concern, uint64 keys encoded
// big-endian by itob.
package session

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	handlesBucket = "handles"
	repairsBucket = "repairs"
)

// Store is the admin/introspection database for one running vstafsd.
type Store struct {
	db *bolt.DB
}

// Open creates (if needed) and opens the bbolt database at path.
func Open(path string, waitTime time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: waitTime})
	if err != nil {
		return nil, errors.Wrap(err, "session: open store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(handlesBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(repairsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "session: init buckets")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// HandleInfo is the recorded state of one open file, keyed by handle ID.
type HandleInfo struct {
	Handle     uint64    `json:"handle"`
	Sector     uint32    `json:"sector"`
	Path       string    `json:"path"`
	RefCount   int       `json:"refCount"`
	HighWrite  uint64    `json:"highWrite"`
	OpenedAt   time.Time `json:"openedAt"`
}

// RecordOpen registers a newly opened handle.
func (s *Store) RecordOpen(info HandleInfo) error {
	enc, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(handlesBucket))
		return b.Put(itob(info.Handle), enc)
	})
}

// RecordClose removes a handle's entry.
func (s *Store) RecordClose(handle uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(handlesBucket)).Delete(itob(handle))
	})
}

// ListHandles returns every currently-open handle's recorded state.
func (s *Store) ListHandles() ([]HandleInfo, error) {
	var out []HandleInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(handlesBucket))
		return b.ForEach(func(k, v []byte) error {
			var info HandleInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			out = append(out, info)
			return nil
		})
	})
	return out, err
}

// RepairEntry records one fsck run's outcome.
type RepairEntry struct {
	RanAt          time.Time `json:"ranAt"`
	SectorsReclaim int       `json:"sectorsReclaimed"`
	EntriesTombed  int       `json:"entriesTombed"`
	Errors         []string  `json:"errors"`
}

// RecordRepair appends one fsck run's summary to the ledger, keyed by its
// timestamp in nanoseconds so ListRepairs returns them in run order.
func (s *Store) RecordRepair(e RepairEntry) error {
	enc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(repairsBucket))
		return b.Put(itob(uint64(e.RanAt.UnixNano())), enc)
	})
}

// ListRepairs returns the full repair ledger, oldest first.
func (s *Store) ListRepairs() ([]RepairEntry, error) {
	var out []RepairEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(repairsBucket))
		return b.ForEach(func(k, v []byte) error {
			var e RepairEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
