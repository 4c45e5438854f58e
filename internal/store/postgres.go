package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"planboard/api/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LoadDocument(ctx context.Context, documentID string) ([]byte, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content::text FROM plan_documents WHERE id=$1`, documentID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}
	return []byte(content), nil
}

func (s *PostgresStore) SaveDocument(ctx context.Context, documentID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_documents (id, content)
		VALUES ($1, $2::jsonb)
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`, documentID, string(blob))
	if err != nil {
		return fmt.Errorf("save document %s: %w", documentID, err)
	}
	return nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, documentID string, blob []byte) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_documents (id, content)
		VALUES ($1, $2::jsonb)
		ON CONFLICT (id) DO NOTHING
	`, documentID, string(blob))
	if err != nil {
		return fmt.Errorf("create document %s: %w", documentID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create document %s: %w", documentID, err)
	}
	if affected == 0 {
		return ErrExists
	}
	return nil
}

func (s *PostgresStore) RoleFor(ctx context.Context, documentID, actorID string) (rbac.Role, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM plan_document_members WHERE document_id=$1 AND actor_id=$2
	`, documentID, actorID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.RoleNone, nil
	}
	if err != nil {
		return rbac.RoleNone, fmt.Errorf("lookup role: %w", err)
	}
	return rbac.Normalize(role), nil
}

func (s *PostgresStore) GrantRole(ctx context.Context, documentID, actorID string, role rbac.Role) error {
	if role == rbac.RoleNone {
		_, err := s.db.ExecContext(ctx, `DELETE FROM plan_document_members WHERE document_id=$1 AND actor_id=$2`, documentID, actorID)
		if err != nil {
			return fmt.Errorf("revoke role: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_document_members (document_id, actor_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, actor_id) DO UPDATE SET role = EXCLUDED.role, granted_at = NOW()
	`, documentID, actorID, string(role))
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
