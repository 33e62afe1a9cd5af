// Package badgerstore keeps accounts and chat messages in an embedded BadgerDB
// instead of sqlite. It satisfies the same store contract as db.DB.
package badgerstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/bcrypt"

	"gim/db"
	"gim/models"
)

const (
	userPrefix    = "user/"
	messagePrefix = "msg/"
)

type userRecord struct {
	Password string    `json:"password"`
	LastSeen time.Time `json:"last_seen"`
}

type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store in dir. An empty dir keeps everything in memory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &Store{db: bdb}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateUser(username, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(userPrefix + username)
		if _, err := txn.Get(key); err == nil {
			return db.ErrUserExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := json.Marshal(userRecord{Password: string(hashed), LastSeen: time.Now().UTC()})
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *Store) UserExists(username string) (bool, error) {
	_, err := s.getUser(username)
	if errors.Is(err, db.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) AuthenticateUser(username, password string) (bool, error) {
	rec, err := s.getUser(username)
	if errors.Is(err, db.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bcrypt.CompareHashAndPassword([]byte(rec.Password), []byte(password)) == nil, nil
}

func (s *Store) DeleteUser(username string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(userPrefix + username)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return db.ErrNoRows
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

func (s *Store) UpdateLastSeen(username string, t time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(userPrefix + username)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var rec userRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		rec.LastSeen = t.UTC()

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *Store) Users() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(userPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var rec userRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			users = append(users, models.User{
				Username: strings.TrimPrefix(string(item.Key()), userPrefix),
				Password: rec.Password,
				LastSeen: rec.LastSeen,
			})
		}
		return nil
	})
	return users, err
}

// SaveMessage stores m under its content hash.
func (s *Store) SaveMessage(m models.ChatMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(messagePrefix+m.Hash()), data)
	})
}

// GetMessages scans every stored message; fine for the sizes a single server holds.
func (s *Store) GetMessages(a, b string) ([]models.ChatMessage, error) {
	messages := []models.ChatMessage{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(messagePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var m models.ChatMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			if m.Between(a, b) {
				messages = append(messages, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	return messages, nil
}

func (s *Store) getUser(username string) (userRecord, error) {
	var rec userRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(userPrefix + username))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return db.ErrNoRows
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}
