// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/kilocode/cloudagent/internal/session/model"
)

// Key layout:
//   sessions:   "sess:<sessionID>"  (JSON)
//   executions: "exec:<executionID>" (JSON)
//   leases:     "lease:<sessionID>"  (JSON; expiry is evaluated by the
//               caller at read time, not via badger TTL, so an expired
//               lease row can still be inspected for its execution id)
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the store at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) GetSession(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	if err := s.get("sess:"+sessionID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BadgerStore) PutSession(ctx context.Context, rec *model.SessionRecord) error {
	return s.put("sess:"+rec.SessionID, rec)
}

func (s *BadgerStore) GetExecution(ctx context.Context, executionID string) (*model.ExecutionRecord, error) {
	var rec model.ExecutionRecord
	if err := s.get("exec:"+executionID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BadgerStore) PutExecution(ctx context.Context, rec *model.ExecutionRecord) error {
	return s.put("exec:"+rec.ExecutionID, rec)
}

func (s *BadgerStore) GetLease(ctx context.Context, sessionID string) (*model.LeaseRecord, error) {
	var rec model.LeaseRecord
	if err := s.get("lease:"+sessionID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BadgerStore) PutLease(ctx context.Context, sessionID string, rec *model.LeaseRecord) error {
	return s.put("lease:"+sessionID, rec)
}

func (s *BadgerStore) DeleteLease(ctx context.Context, sessionID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte("lease:" + sessionID))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *BadgerStore) get(key string, out any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *BadgerStore) put(key string, rec any) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), buf)
	})
}
