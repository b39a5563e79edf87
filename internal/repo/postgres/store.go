package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quantpipe-labs/quantpipe-go/internal/repo"
)

// Store implements repo.Store on PostgreSQL. Tx begins a database
// transaction and hands fn a store bound to it; a store already inside a
// transaction reuses it.
type Store struct {
	db    DB
	sqlDB *sql.DB
}

func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Store{db: db, sqlDB: db}, nil
}

func (s *Store) Runs() repo.RunRepository           { return &RunStore{db: s.db} }
func (s *Store) Steps() repo.StepRepository         { return &StepStore{db: s.db} }
func (s *Store) Artifacts() repo.ArtifactRepository { return &ArtifactStore{db: s.db} }
func (s *Store) Templates() repo.TemplateRepository { return &TemplateStore{db: s.db} }

func (s *Store) Tx(ctx context.Context, fn func(repo.Store) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if s.sqlDB == nil {
		// Already inside a transaction.
		return fn(s)
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Store{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
