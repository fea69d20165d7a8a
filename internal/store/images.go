package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DeployedImage is the parsed form of an image reference seen on an
// instance, derived during inventory sweeps.
type DeployedImage struct {
	InstanceID        uint64 `json:"instance_id"`
	ImageRef          string `json:"image_ref"`
	Registry          string `json:"registry"`
	Repo              string `json:"repo"`
	Tag               string `json:"tag"`
	CurrentDigestFull string `json:"current_digest_full,omitempty"`
}

// Descriptor source kinds.
const (
	SourceRegistry = "registry"
	SourceGitHub   = "github"
	SourceGitea    = "gitea"
)

// LatestDescriptor is the cached newest upstream artifact for an image
// coordinate or tracked-app source.
type LatestDescriptor struct {
	Digest      string     `json:"digest,omitempty"`
	Tag         string     `json:"tag,omitempty"`
	ResolvedTag string     `json:"resolved_tag,omitempty"` // concrete version behind a moving tag
	PublishedAt *time.Time `json:"published_at,omitempty"`
	ResolvedAt  time.Time  `json:"resolved_at"`
}

func deployedImageKey(instanceID uint64, imageRef string) []byte {
	return []byte(fmt.Sprintf("%d::%s", instanceID, imageRef))
}

// descriptorKey scopes a descriptor to (user, source kind, source ref).
// For registry images the ref is "repo:tag".
func descriptorKey(userID uint64, source, ref string) []byte {
	return []byte(fmt.Sprintf("%d::%s::%s", userID, source, ref))
}

// PutDeployedImage upserts a deployed-image row.
func (s *Store) PutDeployedImage(img DeployedImage) error {
	data, err := json.Marshal(img)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployedImages).Put(deployedImageKey(img.InstanceID, img.ImageRef), data)
	})
}

// GetDeployedImage returns the deployed-image row for (instance, ref).
func (s *Store) GetDeployedImage(instanceID uint64, imageRef string) (DeployedImage, error) {
	var img DeployedImage
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDeployedImages).Get(deployedImageKey(instanceID, imageRef))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &img)
	})
	return img, err
}

// PutLatestDescriptor upserts the cached latest descriptor for a source.
func (s *Store) PutLatestDescriptor(userID uint64, source, ref string, d LatestDescriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDescriptors).Put(descriptorKey(userID, source, ref), data)
	})
}

// GetLatestDescriptor returns the cached latest descriptor, or ErrNotFound.
func (s *Store) GetLatestDescriptor(userID uint64, source, ref string) (LatestDescriptor, error) {
	var d LatestDescriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDescriptors).Get(descriptorKey(userID, source, ref))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &d)
	})
	return d, err
}

// NotifyState tracks whether an update for a target was already announced,
// so sweeps only notify on the false→true transition.
type NotifyState struct {
	HasUpdate bool      `json:"has_update"`
	FirstSeen time.Time `json:"first_seen"`
}

// GetNotifyState returns the notify state for a target key, or nil.
func (s *Store) GetNotifyState(key string) (*NotifyState, error) {
	var state *NotifyState
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNotifyState).Get([]byte(key))
		if v == nil {
			return nil
		}
		state = &NotifyState{}
		return json.Unmarshal(v, state)
	})
	return state, err
}

// SetNotifyState stores the notify state for a target key.
func (s *Store) SetNotifyState(key string, state NotifyState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNotifyState).Put([]byte(key), data)
	})
}
