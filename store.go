package lattice

import (
	"encoding/json"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// ErrNoCredential is returned by Load when nothing has been persisted yet.
var ErrNoCredential = errors.New("lattice: no stored credential")

var (
	sessionBucket = []byte("session")
	credentialKey = []byte("credential")
)

// CredentialStore persists the authentication credential and minimal user
// profile between runs. Nothing else is persisted: message, typing and
// presence state are rebuilt from the server on every session start.
type CredentialStore interface {
	Save(cred *Credential) error
	Load() (*Credential, error)
	Clear() error
}

// BoltStore is the durable CredentialStore on a local bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the store file.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init credential store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Save persists the credential, replacing any previous one.
func (s *BoltStore) Save(cred *Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(credentialKey, data)
	})
}

// Load reads the persisted credential, or ErrNoCredential.
func (s *BoltStore) Load() (*Credential, error) {
	var cred Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(sessionBucket).Get(credentialKey)
		if data == nil {
			return ErrNoCredential
		}
		return json.Unmarshal(data, &cred)
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// Clear removes the persisted credential.
func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(credentialKey)
	})
}

// Close closes the underlying file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
