package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"planboard/api/internal/rbac"
)

// BadgerStore is the embedded single-node backend. An empty directory opens
// an in-memory database.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadger(dir string, logger zerolog.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{logger: logger.With().Str("component", "badger").Logger()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func docKey(documentID string) []byte {
	return []byte("doc/" + documentID)
}

func memberKey(documentID, actorID string) []byte {
	return []byte("member/" + documentID + "/" + actorID)
}

func (s *BadgerStore) LoadDocument(_ context.Context, documentID string) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(documentID))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}
	return blob, nil
}

func (s *BadgerStore) SaveDocument(_ context.Context, documentID string, blob []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(documentID), blob)
	})
	if err != nil {
		return fmt.Errorf("save document %s: %w", documentID, err)
	}
	return nil
}

func (s *BadgerStore) CreateDocument(_ context.Context, documentID string, blob []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(docKey(documentID))
		if err == nil {
			return ErrExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(docKey(documentID), blob)
	})
	if errors.Is(err, ErrExists) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("create document %s: %w", documentID, err)
	}
	return nil
}

func (s *BadgerStore) RoleFor(_ context.Context, documentID, actorID string) (rbac.Role, error) {
	var role []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(memberKey(documentID, actorID))
		if err != nil {
			return err
		}
		role, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rbac.RoleNone, nil
	}
	if err != nil {
		return rbac.RoleNone, fmt.Errorf("lookup role: %w", err)
	}
	return rbac.Normalize(string(role)), nil
}

func (s *BadgerStore) GrantRole(_ context.Context, documentID, actorID string, role rbac.Role) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if role == rbac.RoleNone {
			return txn.Delete(memberKey(documentID, actorID))
		}
		return txn.Set(memberKey(documentID, actorID), []byte(role))
	})
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger forwards badger's internal logging to zerolog.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Trace().Msgf(strings.TrimSpace(format), args...)
}
