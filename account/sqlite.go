package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists accounts in a SQLite database.
type SQLiteStore struct{ db *sql.DB }

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers and keeps ":memory:" databases whole.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS accounts (
	  name TEXT PRIMARY KEY,
	  full_name TEXT,
	  email TEXT,
	  created_at TIMESTAMP NOT NULL,
	  updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS identifiers (
	  digest TEXT PRIMARY KEY,
	  account_name TEXT NOT NULL REFERENCES accounts(name) ON DELETE CASCADE,
	  sealed TEXT NOT NULL,
	  position INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS identifiers_account ON identifiers(account_name);
	`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (*Account, error) {
	var a Account
	var fullName, email sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT name, full_name, email, created_at, updated_at FROM accounts WHERE name = ?`, name).
		Scan(&a.Name, &fullName, &email, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound{Name: name}
	}
	if err != nil {
		return nil, err
	}
	a.FullName = fullName.String
	a.Email = email.String

	rows, err := s.db.QueryContext(ctx,
		`SELECT digest, sealed FROM identifiers WHERE account_name = ? ORDER BY position ASC`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var b BoundIdentifier
		if err := rows.Scan(&b.Digest, &b.Sealed); err != nil {
			return nil, err
		}
		a.Identifiers = append(a.Identifiers, b)
	}
	return &a, rows.Err()
}

func (s *SQLiteStore) FindByDigest(ctx context.Context, digest string) (*Account, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT account_name FROM identifiers WHERE digest = ?`, digest).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound{}
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, name)
}

func (s *SQLiteStore) Create(ctx context.Context, a *Account) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (name, full_name, email, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			a.Name, a.FullName, a.Email, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
		if isConstraint(err) {
			return ErrAccountExists{Name: a.Name}
		}
		if err != nil {
			return err
		}
		return writeIdentifiers(ctx, tx, a)
	})
}

func (s *SQLiteStore) Update(ctx context.Context, a *Account) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE accounts SET full_name = ?, email = ?, updated_at = ? WHERE name = ?`,
			a.FullName, a.Email, updatedAt(a), a.Name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAccountNotFound{Name: a.Name}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM identifiers WHERE account_name = ?`, a.Name); err != nil {
			return err
		}
		return writeIdentifiers(ctx, tx, a)
	})
}

func updatedAt(a *Account) time.Time {
	if a.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return a.UpdatedAt.UTC()
}

func writeIdentifiers(ctx context.Context, tx *sql.Tx, a *Account) error {
	for i, b := range a.Identifiers {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT account_name FROM identifiers WHERE digest = ?`, b.Digest).Scan(&owner)
		if err == nil {
			return ErrIdentifierInUse{Account: owner}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO identifiers (digest, account_name, sealed, position) VALUES (?, ?, ?, ?)`,
			b.Digest, a.Name, b.Sealed, i); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
