package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

// User owns every other entity; all queries are user-scoped.
type User struct {
	ID       uint64 `json:"id"`
	Username string `json:"username"`
}

// CreateUser inserts a user and registers its API token for lookup.
func (s *Store) CreateUser(username, token string) (User, error) {
	var u User
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		u = User{ID: id, Username: username}
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		if err := b.Put(itob(id), data); err != nil {
			return err
		}
		if token != "" {
			if err := tx.Bucket(bucketUserTokens).Put([]byte(token), itob(id)); err != nil {
				return err
			}
		}
		return nil
	})
	return u, err
}

// GetUser returns a user by ID.
func (s *Store) GetUser(id uint64) (User, error) {
	var u User
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUsers).Get(itob(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &u)
	})
	return u, err
}

// UserByToken resolves an API token to its owning user.
func (s *Store) UserByToken(token string) (User, error) {
	var u User
	err := s.db.View(func(tx *bolt.Tx) error {
		idKey := tx.Bucket(bucketUserTokens).Get([]byte(token))
		if idKey == nil {
			return ErrNotFound
		}
		v := tx.Bucket(bucketUsers).Get(idKey)
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &u)
	})
	return u, err
}

// ListUsers returns all users. Used by the batch scheduler to fan out
// per-user jobs.
func (s *Store) ListUsers() ([]User, error) {
	var users []User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var u User
			if err := json.Unmarshal(v, &u); err != nil {
				return nil
			}
			users = append(users, u)
			return nil
		})
	})
	return users, err
}
