package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// ledgerVersion is stored in SQLite's user_version pragma. A fresh database
// reports 0.
const ledgerVersion = 1

// ErrSchemaMismatch is returned when the database was written by a different
// ledger layout.
var ErrSchemaMismatch = errors.New("ledger schema mismatch")

func (s *Store) migrate(ctx context.Context) error {
	var have int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&have); err != nil {
		return fmt.Errorf("read ledger version: %w", err)
	}
	switch have {
	case ledgerVersion:
		return nil
	case 0:
		return s.bootstrap(ctx)
	}
	return fmt.Errorf("%w: %s is at version %d, cadence expects %d (delete it to rebuild)",
		ErrSchemaMismatch, s.path, have, ledgerVersion)
}

func (s *Store) bootstrap(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create ledger tables: %w", err)
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", ledgerVersion)); err != nil {
		return fmt.Errorf("stamp ledger version: %w", err)
	}
	return tx.Commit()
}
