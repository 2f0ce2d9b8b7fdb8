package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver
)

// Dialect selects SQL flavour for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store as a single versioned table.
// Compare-and-swap is an UPDATE guarded by the stored version.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLStore opens a database and ensures the blobs table exists.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unknown sql dialect: %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One writer at a time; SQLite serialises writers anyway.
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	dataType := "BLOB"
	if s.dialect == DialectPostgres {
		dataType = "BYTEA"
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS blobs (
		path TEXT PRIMARY KEY,
		data %s NOT NULL,
		version TEXT NOT NULL
	)`, dataType)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create blobs table: %w", err)
	}
	return nil
}

func (s *SQLStore) Read(ctx context.Context, p string) ([]byte, Version, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, "", err
	}
	var (
		data    []byte
		version string
	)
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT data, version FROM blobs WHERE path = ?`), p).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, Version(version), nil
}

func (s *SQLStore) Write(ctx context.Context, p string, data []byte, cond Condition) (Version, error) {
	p, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	next := uuid.NewString()

	var res sql.Result
	switch {
	case cond.RequiresAbsent():
		res, err = s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO blobs (path, data, version) VALUES (?, ?, ?) ON CONFLICT (path) DO NOTHING`),
			p, data, next)
	case !cond.Unconditional():
		expected, _ := cond.MatchVersion()
		res, err = s.db.ExecContext(ctx, s.rebind(
			`UPDATE blobs SET data = ?, version = ? WHERE path = ? AND version = ?`),
			data, next, p, string(expected))
	default:
		res, err = s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO blobs (path, data, version) VALUES (?, ?, ?)
			ON CONFLICT (path) DO UPDATE SET data = excluded.data, version = excluded.version`),
			p, data, next)
	}
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", p, err)
	}

	if !cond.Unconditional() {
		n, err := res.RowsAffected()
		if err != nil {
			return "", fmt.Errorf("failed to write %s: %w", p, err)
		}
		if n == 0 {
			return "", fmt.Errorf("%w: %s", ErrConflict, p)
		}
	}
	return Version(next), nil
}

func (s *SQLStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT path FROM blobs WHERE path LIKE ? ESCAPE '\' ORDER BY path`),
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return paths, nil
}

func (s *SQLStore) Delete(ctx context.Context, p string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM blobs WHERE path = ?`), p); err != nil {
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	return nil
}

// rebind converts ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
