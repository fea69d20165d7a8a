package store

import (
	"encoding/json"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"
)

// Auth kinds for instance credentials.
const (
	AuthToken    = "token"
	AuthUserPass = "userpass"
)

// Instance is a remote container-orchestrator endpoint owned by a user.
// The credential is sealed at rest; use CredentialsFor to read it.
type Instance struct {
	ID               uint64 `json:"id"`
	UserID           uint64 `json:"user_id"`
	Name             string `json:"name"`
	URL              string `json:"url"`
	AuthKind         string `json:"auth_kind"`
	CredentialCipher string `json:"credential_cipher,omitempty"`
}

// Credential is a decrypted instance credential. For AuthToken, Secret holds
// the API key and Username is empty.
type Credential struct {
	Username string
	Secret   string
}

// CreateInstance inserts an instance, sealing the given plaintext credential.
func (s *Store) CreateInstance(inst Instance, credential Credential) (Instance, error) {
	switch inst.AuthKind {
	case AuthToken, AuthUserPass:
	default:
		return Instance{}, fmt.Errorf("invalid auth kind %q", inst.AuthKind)
	}
	sealed, err := s.sealCredential(inst.AuthKind, credential)
	if err != nil {
		return Instance{}, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		inst.ID = id
		inst.CredentialCipher = sealed
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
	return inst, err
}

// UpdateInstance updates name, URL and (when a credential is supplied) the
// sealed credential of an instance owned by userID.
func (s *Store) UpdateInstance(userID uint64, inst Instance, credential *Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		v := b.Get(itob(inst.ID))
		if v == nil {
			return ErrNotFound
		}
		var existing Instance
		if err := json.Unmarshal(v, &existing); err != nil {
			return err
		}
		if existing.UserID != userID {
			return ErrNotFound
		}
		existing.Name = inst.Name
		existing.URL = inst.URL
		if inst.AuthKind != "" {
			existing.AuthKind = inst.AuthKind
		}
		if credential != nil {
			sealed, err := s.sealCredential(existing.AuthKind, *credential)
			if err != nil {
				return err
			}
			existing.CredentialCipher = sealed
		}
		data, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		return b.Put(itob(inst.ID), data)
	})
}

// DeleteInstance removes an instance owned by userID.
func (s *Store) DeleteInstance(userID, id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		v := b.Get(itob(id))
		if v == nil {
			return ErrNotFound
		}
		var existing Instance
		if err := json.Unmarshal(v, &existing); err != nil {
			return err
		}
		if existing.UserID != userID {
			return ErrNotFound
		}
		return b.Delete(itob(id))
	})
}

// GetInstance returns an instance by ID, scoped to userID.
func (s *Store) GetInstance(userID, id uint64) (Instance, error) {
	var inst Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketInstances).Get(itob(id))
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &inst); err != nil {
			return err
		}
		if inst.UserID != userID {
			return ErrNotFound
		}
		return nil
	})
	return inst, err
}

// ListInstances returns all instances owned by userID.
func (s *Store) ListInstances(userID uint64) ([]Instance, error) {
	var out []Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(_, v []byte) error {
			var inst Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return nil
			}
			if inst.UserID == userID {
				out = append(out, inst)
			}
			return nil
		})
	})
	return out, err
}

// CredentialsFor opens the sealed credential of an instance.
func (s *Store) CredentialsFor(userID, instanceID uint64) (Credential, error) {
	inst, err := s.GetInstance(userID, instanceID)
	if err != nil {
		return Credential{}, err
	}
	return s.openCredential(inst)
}

func (s *Store) sealCredential(authKind string, cred Credential) (string, error) {
	// Userpass credentials are stored as "username\nsecret" before sealing.
	plain := cred.Secret
	if authKind == AuthUserPass {
		plain = cred.Username + "\n" + cred.Secret
	}
	sealed, err := s.box.Seal(plain)
	if err != nil {
		return "", fmt.Errorf("seal credential: %w", err)
	}
	return sealed, nil
}

func (s *Store) openCredential(inst Instance) (Credential, error) {
	plain, err := s.box.Open(inst.CredentialCipher)
	if err != nil {
		return Credential{}, fmt.Errorf("open credential for instance %d: %w", inst.ID, err)
	}
	if inst.AuthKind == AuthUserPass {
		user, secret, _ := strings.Cut(plain, "\n")
		return Credential{Username: user, Secret: secret}, nil
	}
	return Credential{Secret: plain}, nil
}
