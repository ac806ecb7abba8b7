// Package buildlog persists module build history: one record per build
// attempt, keyed so a module's history can be listed in order and the
// module's most recent build log retrieved with Latest. The GET
// /module/{n}/{v}/logs route does not read these records; it serves only
// the container's own output.
package buildlog

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/LAPS-Group/laps/pkg/laps"
	"github.com/LAPS-Group/laps/pkg/types"
)

var bucketBuilds = []byte("builds")

// Record is one build attempt.
type Record struct {
	ID        uint64    `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	Succeeded bool      `json:"succeeded"`
	Log       string    `json:"log"`
}

// Store is a bbolt-backed append-only log of build attempts.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the build log at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open build log: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBuilds)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create builds bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records a completed build attempt and returns its ID.
func (s *Store) Append(key types.ModuleKey, startedAt time.Time, succeeded bool, log string) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq

		rec := Record{
			ID:        id,
			Name:      key.Name,
			Version:   key.Version,
			StartedAt: startedAt,
			Succeeded: succeeded,
			Log:       log,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(recordKey(key, id), data)
	})
	return id, err
}

// Latest returns the most recent build record for key, or ErrNotFound if
// the module has never been built.
func (s *Store) Latest(key types.ModuleKey) (Record, error) {
	var found Record
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		c := b.Cursor()
		prefix := recordPrefix(key)
		var last []byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			last = v
		}
		if last == nil {
			return nil
		}
		var rec Record
		if err := json.Unmarshal(last, &rec); err != nil {
			return fmt.Errorf("unmarshal build record: %w", laps.ErrInternal)
		}
		found = rec
		ok = true
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, laps.ErrNotFound
	}
	return found, nil
}

// History returns every recorded build attempt for key, oldest first.
func (s *Store) History(key types.ModuleKey) ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		c := b.Cursor()
		prefix := recordPrefix(key)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal build record: %w", laps.ErrInternal)
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// recordKey orders records for a module by ID within its prefix, so a
// cursor Seek/Next walk visits them oldest to newest.
func recordKey(key types.ModuleKey, id uint64) []byte {
	return []byte(fmt.Sprintf("%s:%s:%020d", key.Name, key.Version, id))
}

func recordPrefix(key types.ModuleKey) []byte {
	return []byte(fmt.Sprintf("%s:%s:", key.Name, key.Version))
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
