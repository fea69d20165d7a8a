package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/google/uuid"
)

// Trigger kinds for intent executions.
const (
	TriggerManual       = "manual"
	TriggerScheduled    = "scheduled"
	TriggerScanDetected = "scan_detected"
)

// Execution statuses.
const (
	ExecRunning   = "running"
	ExecCompleted = "completed"
	ExecPartial   = "partial"
	ExecFailed    = "failed"
)

// Per-container outcome statuses.
const (
	OutcomeUpgraded = "upgraded"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
	OutcomeDryRun   = "dry_run"
)

// IntentExecution is one run of an intent. Terminal once Status != running.
type IntentExecution struct {
	ID                 string     `json:"id"`
	IntentID           uint64     `json:"intent_id"`
	UserID             uint64     `json:"user_id"`
	TriggerKind        string     `json:"trigger_kind"`
	Status             string     `json:"status"`
	ContainersMatched  int        `json:"containers_matched"`
	ContainersUpgraded int        `json:"containers_upgraded"`
	ContainersFailed   int        `json:"containers_failed"`
	ContainersSkipped  int        `json:"containers_skipped"`
	DurationMs         int64      `json:"duration_ms"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// ExecutionContainer is the per-container outcome row of an execution.
type ExecutionContainer struct {
	ID            string `json:"id"`
	ExecutionID   string `json:"execution_id"`
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	Image         string `json:"image"`
	InstanceID    uint64 `json:"instance_id"`
	Status        string `json:"status"`
	OldImage      string `json:"old_image,omitempty"`
	NewImage      string `json:"new_image,omitempty"`
	OldDigest     string `json:"old_digest,omitempty"`
	NewDigest     string `json:"new_digest,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	DurationMs    int64  `json:"duration_ms,omitempty"`
}

// CreateExecution inserts a running execution row and returns it with an
// assigned ID. Keys are time-ordered so cursor walks return newest first.
func (s *Store) CreateExecution(exec IntentExecution) (IntentExecution, error) {
	exec.ID = uuid.NewString()
	exec.Status = ExecRunning
	exec.StartedAt = exec.StartedAt.UTC()
	data, err := json.Marshal(exec)
	if err != nil {
		return IntentExecution{}, err
	}
	key := timeKey(exec.StartedAt, exec.ID)
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketExecutions).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketExecutionIndex).Put([]byte(exec.ID), key)
	})
	return exec, err
}

// UpdateExecution replaces an execution row by ID.
func (s *Store) UpdateExecution(exec IntentExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketExecutionIndex).Get([]byte(exec.ID))
		if key == nil {
			return ErrNotFound
		}
		return tx.Bucket(bucketExecutions).Put(key, data)
	})
}

// GetExecution returns an execution by ID, scoped to userID.
func (s *Store) GetExecution(userID uint64, id string) (IntentExecution, error) {
	var exec IntentExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketExecutionIndex).Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}
		v := tx.Bucket(bucketExecutions).Get(key)
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &exec); err != nil {
			return err
		}
		if exec.UserID != userID {
			return ErrNotFound
		}
		return nil
	})
	return exec, err
}

// ListExecutions returns the most recent executions of an intent, newest
// first, up to limit.
func (s *Store) ListExecutions(userID, intentID uint64, limit int) ([]IntentExecution, error) {
	var out []IntentExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketExecutions).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var exec IntentExecution
			if err := json.Unmarshal(v, &exec); err != nil {
				continue
			}
			if exec.UserID == userID && exec.IntentID == intentID {
				out = append(out, exec)
			}
		}
		return nil
	})
	return out, err
}

// AddExecutionContainer appends a per-container outcome row.
func (s *Store) AddExecutionContainer(row ExecutionContainer) error {
	row.ID = uuid.NewString()
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	key := []byte(fmt.Sprintf("%s::%s", row.ExecutionID, row.ID))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecContainers).Put(key, data)
	})
}

// ListExecutionContainers returns all per-container rows of an execution.
func (s *Store) ListExecutionContainers(executionID string) ([]ExecutionContainer, error) {
	var out []ExecutionContainer
	prefix := []byte(executionID + "::")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketExecContainers).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var row ExecutionContainer
			if err := json.Unmarshal(v, &row); err != nil {
				continue
			}
			out = append(out, row)
		}
		return nil
	})
	return out, err
}
