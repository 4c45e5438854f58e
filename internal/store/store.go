package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"

	"planboard/api/db"
	"planboard/api/internal/config"
	"planboard/api/internal/rbac"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
)

// Documents persists the serialized document under its id. Callers that need
// read-modify-write consistency hold the document lock around both calls.
type Documents interface {
	LoadDocument(ctx context.Context, documentID string) ([]byte, error)
	SaveDocument(ctx context.Context, documentID string, blob []byte) error
}

// Roles answers who may do what with a document. A caller with no grant gets
// rbac.RoleNone and a nil error.
type Roles interface {
	RoleFor(ctx context.Context, documentID, actorID string) (rbac.Role, error)
}

type Backend interface {
	Documents
	Roles
	CreateDocument(ctx context.Context, documentID string, blob []byte) error
	GrantRole(ctx context.Context, documentID, actorID string, role rbac.Role) error
	Ping(ctx context.Context) error
	Close() error
}

// Open connects the backend named by cfg.StoreBackend.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger) (Backend, error) {
	switch cfg.StoreBackend {
	case "postgres":
		conn, err := OpenDB(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, err
		}
		if err := ApplyMigrations(ctx, conn, MigrationsFS(cfg.MigrationsDir)); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return NewPostgresStore(conn), nil
	case "redis":
		return NewRedisStore(cfg.RedisURL)
	case "badger", "":
		return OpenBadger(cfg.BadgerDir, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// MigrationsFS prefers an on-disk migrations directory and falls back to the
// copy compiled into the binary.
func MigrationsFS(dir string) fs.FS {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return os.DirFS(dir)
		}
	}
	sub, err := fs.Sub(db.Migrations, "migrations")
	if err != nil {
		return db.Migrations
	}
	return sub
}
