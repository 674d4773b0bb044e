// Package sqlite implements repository.Store on an embedded SQLite database
// for single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"

	"github.com/smallbiznis/agentkey/internal/repository"
)

var _ repository.Store = (*Store)(nil)

// Store holds a single-connection writer, which serializes every write
// transaction, and a small reader pool.
type Store struct {
	Writer *sql.DB
	Reader *sql.DB
}

// Open opens (or creates) the database file at path and applies migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path,
	)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	if err := reader.Ping(); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("ping reader: %w", err)
	}

	s := &Store{Writer: writer, Reader: reader}
	if err := RunMigrations(writer); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens a private in-memory database named name. Reads and
// writes share one connection, so the database lives as long as the Store.
func OpenInMemory(name string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		url.PathEscape(name),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping memory db: %w", err)
	}

	s := &Store{Writer: db, Reader: db}
	if err := RunMigrations(db); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.Reader.PingContext(ctx))
}

// Close closes both pools. Returns the first error encountered.
func (s *Store) Close() error {
	var firstErr error
	if s.Reader != s.Writer {
		if err := s.Reader.Close(); err != nil {
			firstErr = fmt.Errorf("close reader: %w", err)
		}
	}
	if err := s.Writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close writer: %w", err)
	}
	return firstErr
}
