package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/google/uuid"
)

// ErrRunInProgress is returned by CreateBatchRun while a run of the same
// kind is still running.
var ErrRunInProgress = errors.New("store: batch run already in progress")

// runningStaleAfter bounds how long a running row blocks new runs of its
// kind. A crashed process never finalizes its row; after this window the
// row stops counting as in flight.
const runningStaleAfter = time.Hour

// Batch job kinds.
const (
	JobRegistrySweep   = "registry-sweep"
	JobTrackedAppSweep = "tracked-app-sweep"
)

// Batch run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// BatchRun records one sweep execution.
type BatchRun struct {
	ID                string     `json:"id"`
	JobKind           string     `json:"job_kind"`
	Status            string     `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	DurationMs        int64      `json:"duration_ms,omitempty"`
	ContainersChecked int        `json:"containers_checked"`
	ContainersUpdated int        `json:"containers_updated"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	IsManual          bool       `json:"is_manual"`
	Logs              string     `json:"logs,omitempty"`
}

// BatchJobConfig is the per-(user, job kind) sweep configuration.
type BatchJobConfig struct {
	UserID          uint64 `json:"user_id"`
	JobKind         string `json:"job_kind"`
	Enabled         bool   `json:"enabled"`
	IntervalMinutes int    `json:"interval_minutes"`
	LogLevel        string `json:"log_level,omitempty"`
}

// CreateBatchRun inserts a running batch run and returns it with an ID.
// At most one run per kind may be running at a time; the check and the
// insert share one transaction so concurrent callers cannot both pass.
func (s *Store) CreateBatchRun(run BatchRun) (BatchRun, error) {
	run.ID = uuid.NewString()
	run.Status = RunRunning
	run.StartedAt = run.StartedAt.UTC()
	data, err := json.Marshal(run)
	if err != nil {
		return BatchRun{}, err
	}
	key := timeKey(run.StartedAt, run.ID)
	err = s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBatchRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var existing BatchRun
			if err := json.Unmarshal(v, &existing); err != nil {
				continue
			}
			if existing.JobKind != run.JobKind {
				continue
			}
			if existing.Status == RunRunning && run.StartedAt.Sub(existing.StartedAt) < runningStaleAfter {
				return ErrRunInProgress
			}
			break
		}
		if err := tx.Bucket(bucketBatchRuns).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketBatchRunIndex).Put([]byte(run.ID), key)
	})
	if err != nil {
		return BatchRun{}, err
	}
	return run, nil
}

// UpdateBatchRun replaces a batch run row by ID.
func (s *Store) UpdateBatchRun(run BatchRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketBatchRunIndex).Get([]byte(run.ID))
		if key == nil {
			return ErrNotFound
		}
		return tx.Bucket(bucketBatchRuns).Put(key, data)
	})
}

// ListBatchRuns returns the most recent batch runs, newest first.
func (s *Store) ListBatchRuns(limit int) ([]BatchRun, error) {
	var out []BatchRun
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBatchRuns).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var run BatchRun
			if err := json.Unmarshal(v, &run); err != nil {
				continue
			}
			out = append(out, run)
		}
		return nil
	})
	return out, err
}

// LatestBatchRun returns the most recent run, optionally filtered by kind.
// Returns ErrNotFound when no run matches.
func (s *Store) LatestBatchRun(jobKind string) (BatchRun, error) {
	var found *BatchRun
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBatchRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var run BatchRun
			if err := json.Unmarshal(v, &run); err != nil {
				continue
			}
			if jobKind == "" || run.JobKind == jobKind {
				found = &run
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return BatchRun{}, err
	}
	if found == nil {
		return BatchRun{}, ErrNotFound
	}
	return *found, nil
}

// RunningBatchRun returns the in-flight run for a job kind, if any.
func (s *Store) RunningBatchRun(jobKind string) (BatchRun, bool, error) {
	run, err := s.LatestBatchRun(jobKind)
	if err != nil {
		if err == ErrNotFound {
			return BatchRun{}, false, nil
		}
		return BatchRun{}, false, err
	}
	return run, run.Status == RunRunning, nil
}

func batchConfigKey(userID uint64, jobKind string) []byte {
	return []byte(fmt.Sprintf("%d::%s", userID, jobKind))
}

// GetBatchConfig returns the job config for (user, kind). The boolean
// reports whether a stored config existed; callers apply defaults otherwise.
func (s *Store) GetBatchConfig(userID uint64, jobKind string) (BatchJobConfig, bool, error) {
	var cfg BatchJobConfig
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBatchConfigs).Get(batchConfigKey(userID, jobKind))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &cfg)
	})
	return cfg, found, err
}

// PutBatchConfig upserts a job config.
func (s *Store) PutBatchConfig(cfg BatchJobConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatchConfigs).Put(batchConfigKey(cfg.UserID, cfg.JobKind), data)
	})
}
