package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// TrackedApp follows an upstream source (registry image or forge repo)
// independently of any running container. Mutated only by the
// tracked-app sweep.
type TrackedApp struct {
	ID                 uint64     `json:"id"`
	UserID             uint64     `json:"user_id"`
	Name               string     `json:"name"`
	SourceKind         string     `json:"source_kind"` // registry, github, gitea
	SourceRef          string     `json:"source_ref"`  // image coord or owner/repo
	CurrentVersion     string     `json:"current_version,omitempty"`
	CurrentDigest      string     `json:"current_digest,omitempty"`
	LatestVersion      string     `json:"latest_version,omitempty"`
	LatestDigest       string     `json:"latest_digest,omitempty"`
	CurrentPublishedAt *time.Time `json:"current_published_at,omitempty"`
	LatestPublishedAt  *time.Time `json:"latest_published_at,omitempty"`
	HasUpdate          bool       `json:"has_update"`
	LastChecked        *time.Time `json:"last_checked,omitempty"`
	ForgeTokenCipher   string     `json:"forge_token_cipher,omitempty"`
}

// CreateTrackedApp inserts a tracked app, sealing the forge token if given.
func (s *Store) CreateTrackedApp(app TrackedApp, forgeToken string) (TrackedApp, error) {
	switch app.SourceKind {
	case SourceRegistry, SourceGitHub, SourceGitea:
	default:
		return TrackedApp{}, fmt.Errorf("invalid source kind %q", app.SourceKind)
	}
	if forgeToken != "" {
		sealed, err := s.box.Seal(forgeToken)
		if err != nil {
			return TrackedApp{}, fmt.Errorf("seal forge token: %w", err)
		}
		app.ForgeTokenCipher = sealed
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTrackedApps)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		app.ID = id
		data, err := json.Marshal(app)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
	return app, err
}

// UpdateTrackedApp replaces a tracked app row, preserving ownership checks.
func (s *Store) UpdateTrackedApp(userID uint64, app TrackedApp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTrackedApps)
		v := b.Get(itob(app.ID))
		if v == nil {
			return ErrNotFound
		}
		var existing TrackedApp
		if err := json.Unmarshal(v, &existing); err != nil {
			return err
		}
		if existing.UserID != userID {
			return ErrNotFound
		}
		app.UserID = existing.UserID
		if app.ForgeTokenCipher == "" {
			app.ForgeTokenCipher = existing.ForgeTokenCipher
		}
		data, err := json.Marshal(app)
		if err != nil {
			return err
		}
		return b.Put(itob(app.ID), data)
	})
}

// DeleteTrackedApp removes a tracked app owned by userID.
func (s *Store) DeleteTrackedApp(userID, id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTrackedApps)
		v := b.Get(itob(id))
		if v == nil {
			return ErrNotFound
		}
		var existing TrackedApp
		if err := json.Unmarshal(v, &existing); err != nil {
			return err
		}
		if existing.UserID != userID {
			return ErrNotFound
		}
		return b.Delete(itob(id))
	})
}

// GetTrackedApp returns a tracked app by ID, scoped to userID.
func (s *Store) GetTrackedApp(userID, id uint64) (TrackedApp, error) {
	var app TrackedApp
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTrackedApps).Get(itob(id))
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &app); err != nil {
			return err
		}
		if app.UserID != userID {
			return ErrNotFound
		}
		return nil
	})
	return app, err
}

// ListTrackedApps returns all tracked apps owned by userID.
func (s *Store) ListTrackedApps(userID uint64) ([]TrackedApp, error) {
	var out []TrackedApp
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTrackedApps).ForEach(func(_, v []byte) error {
			var app TrackedApp
			if err := json.Unmarshal(v, &app); err != nil {
				return nil
			}
			if app.UserID == userID {
				out = append(out, app)
			}
			return nil
		})
	})
	return out, err
}

// ForgeTokenFor opens the sealed forge token of a tracked app. Returns ""
// when no token is stored.
func (s *Store) ForgeTokenFor(app TrackedApp) (string, error) {
	if app.ForgeTokenCipher == "" {
		return "", nil
	}
	return s.box.Open(app.ForgeTokenCipher)
}
