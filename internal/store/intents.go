package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Schedule kinds for intents.
const (
	ScheduleImmediate = "immediate"
	ScheduleScheduled = "scheduled"
)

// Intent is a declarative rule selecting containers and describing when and
// how to upgrade them. Pattern arrays hold globs; MatchInstances holds exact
// instance IDs.
type Intent struct {
	ID           uint64 `json:"id"`
	UserID       uint64 `json:"user_id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Enabled      bool   `json:"enabled"`
	ScheduleKind string `json:"schedule_kind"`
	ScheduleCron string `json:"schedule_cron,omitempty"`
	DryRun       bool   `json:"dry_run"`

	MatchContainers []string `json:"match_containers"`
	MatchImages     []string `json:"match_images"`
	MatchInstances  []uint64 `json:"match_instances"`
	MatchStacks     []string `json:"match_stacks"`
	MatchRegistries []string `json:"match_registries"`

	ExcludeContainers []string `json:"exclude_containers"`
	ExcludeImages     []string `json:"exclude_images"`
	ExcludeStacks     []string `json:"exclude_stacks"`
	ExcludeRegistries []string `json:"exclude_registries"`

	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// CreateIntent inserts an intent, assigning ID and CreatedAt.
func (s *Store) CreateIntent(intent Intent, now time.Time) (Intent, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntents)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		intent.ID = id
		intent.CreatedAt = now.UTC()
		data, err := json.Marshal(intent)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
	return intent, err
}

// UpdateIntent replaces an intent row owned by userID, preserving ID,
// ownership and creation time.
func (s *Store) UpdateIntent(userID uint64, intent Intent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntents)
		v := b.Get(itob(intent.ID))
		if v == nil {
			return ErrNotFound
		}
		var existing Intent
		if err := json.Unmarshal(v, &existing); err != nil {
			return err
		}
		if existing.UserID != userID {
			return ErrNotFound
		}
		intent.UserID = existing.UserID
		intent.CreatedAt = existing.CreatedAt
		data, err := json.Marshal(intent)
		if err != nil {
			return err
		}
		return b.Put(itob(intent.ID), data)
	})
}

// DeleteIntent removes an intent owned by userID.
func (s *Store) DeleteIntent(userID, id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntents)
		v := b.Get(itob(id))
		if v == nil {
			return ErrNotFound
		}
		var existing Intent
		if err := json.Unmarshal(v, &existing); err != nil {
			return err
		}
		if existing.UserID != userID {
			return ErrNotFound
		}
		return b.Delete(itob(id))
	})
}

// GetIntent returns an intent by ID, scoped to userID.
func (s *Store) GetIntent(userID, id uint64) (Intent, error) {
	var intent Intent
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIntents).Get(itob(id))
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &intent); err != nil {
			return err
		}
		if intent.UserID != userID {
			return ErrNotFound
		}
		return nil
	})
	return intent, err
}

// ListIntents returns all intents owned by userID.
func (s *Store) ListIntents(userID uint64) ([]Intent, error) {
	var out []Intent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIntents).ForEach(func(_, v []byte) error {
			var intent Intent
			if err := json.Unmarshal(v, &intent); err != nil {
				return nil
			}
			if intent.UserID == userID {
				out = append(out, intent)
			}
			return nil
		})
	})
	return out, err
}

// ListScheduledIntents returns all enabled scheduled intents across users.
// Used by the cron evaluator.
func (s *Store) ListScheduledIntents() ([]Intent, error) {
	var out []Intent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIntents).ForEach(func(_, v []byte) error {
			var intent Intent
			if err := json.Unmarshal(v, &intent); err != nil {
				return nil
			}
			if intent.Enabled && intent.ScheduleKind == ScheduleScheduled {
				out = append(out, intent)
			}
			return nil
		})
	})
	return out, err
}

// SetIntentAnchor advances the evaluation anchor and last-execution pointer.
// The anchor never moves backwards: scheduled replays of an older cron point
// must not regress a newer one.
func (s *Store) SetIntentAnchor(intentID uint64, anchor time.Time, executionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntents)
		v := b.Get(itob(intentID))
		if v == nil {
			return ErrNotFound
		}
		var intent Intent
		if err := json.Unmarshal(v, &intent); err != nil {
			return err
		}
		anchor = anchor.UTC()
		if intent.LastEvaluatedAt == nil || anchor.After(*intent.LastEvaluatedAt) {
			intent.LastEvaluatedAt = &anchor
		}
		intent.LastExecutionID = executionID
		data, err := json.Marshal(intent)
		if err != nil {
			return err
		}
		return b.Put(itob(intentID), data)
	})
}
