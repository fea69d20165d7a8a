// Package store is the system of record. Each logical table from the data
// model maps to one BoltDB bucket holding JSON rows. All timestamps are
// normalised to UTC at this boundary.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/portward/portward/internal/secrets"
)

var (
	bucketUsers          = []byte("users")
	bucketUserTokens     = []byte("user_tokens")
	bucketInstances      = []byte("instances")
	bucketDeployedImages = []byte("deployed_images")
	bucketDescriptors    = []byte("latest_descriptors")
	bucketTrackedApps    = []byte("tracked_apps")
	bucketIntents        = []byte("intents")
	bucketExecutions     = []byte("intent_executions")
	bucketExecutionIndex = []byte("intent_execution_index")
	bucketExecContainers = []byte("intent_execution_containers")
	bucketBatchRuns      = []byte("batch_runs")
	bucketBatchRunIndex  = []byte("batch_run_index")
	bucketBatchConfigs   = []byte("batch_job_configs")
	bucketNotifyState    = []byte("notify_state")
	bucketSettings       = []byte("settings")
)

// ErrNotFound is returned when a row does not exist or is not visible to the
// requesting user.
var ErrNotFound = errors.New("store: not found")

// Store wraps a BoltDB database for Portward persistence.
type Store struct {
	db  *bolt.DB
	box *secrets.Box
}

// Open creates or opens a BoltDB database at the given path and ensures all
// required buckets exist. box may be nil, in which case credentials are
// stored unsealed.
func Open(path string, box *secrets.Box) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketUsers, bucketUserTokens, bucketInstances, bucketDeployedImages,
			bucketDescriptors, bucketTrackedApps, bucketIntents, bucketExecutions,
			bucketExecutionIndex, bucketExecContainers, bucketBatchRuns,
			bucketBatchRunIndex, bucketBatchConfigs, bucketNotifyState, bucketSettings,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db, box: box}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSetting stores a runtime setting.
func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

// LoadSetting returns a setting value, or "" if unset.
func (s *Store) LoadSetting(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSettings).Get([]byte(key)); v != nil {
			value = string(v)
		}
		return nil
	})
	return value, err
}

// SealSecret seals a plaintext value with the store's secret box, for
// callers that assemble cipher fields themselves.
func (s *Store) SealSecret(plain string) (string, error) {
	return s.box.Seal(plain)
}

// itob encodes a uint64 as a big-endian key so numeric IDs sort naturally.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// timeKey builds a chronologically-sortable key "RFC3339Nano::suffix".
func timeKey(t time.Time, suffix string) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano) + "::" + suffix)
}
