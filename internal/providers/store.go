package providers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists providers in SQLite. It implements [Source]; providers
// are returned in insertion order, which is their precedence. All
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the provider store at dbPath, creating the schema on
// first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS providers (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		kind       TEXT NOT NULL,
		url        TEXT NOT NULL DEFAULT '',
		headers    TEXT NOT NULL DEFAULT '{}',
		command    TEXT NOT NULL DEFAULT '',
		args       TEXT NOT NULL DEFAULT '[]',
		env        TEXT NOT NULL DEFAULT '{}',
		active     INTEGER NOT NULL DEFAULT 1,
		position   INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_providers_position ON providers(position);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Providers returns every stored provider in precedence order.
func (s *Store) Providers(ctx context.Context) ([]Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, kind, url, headers, command, args, env, active
		 FROM providers ORDER BY position, created_at`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Get returns one provider, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Provider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, url, headers, command, args, env, active
		 FROM providers WHERE id = ?`, id)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Provider{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, err
}

// Create validates and appends a provider, assigning an id if it has
// none. The stored provider is returned.
func (s *Store) Create(ctx context.Context, p Provider) (Provider, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := p.Validate(); err != nil {
		return Provider{}, err
	}
	headers, args, env, err := encodeCollections(p)
	if err != nil {
		return Provider{}, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO providers (id, name, kind, url, headers, command, args, env, active, position, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM providers), ?, ?)`,
		p.ID, p.Name, string(p.Kind), p.URL, headers, p.Command, args, env, p.Active, now, now,
	)
	if err != nil {
		return Provider{}, fmt.Errorf("create provider %s: %w", p.ID, err)
	}
	return p, nil
}

// Update replaces a stored provider's definition, keeping its position.
func (s *Store) Update(ctx context.Context, p Provider) error {
	if err := p.Validate(); err != nil {
		return err
	}
	headers, args, env, err := encodeCollections(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE providers
		 SET name = ?, kind = ?, url = ?, headers = ?, command = ?, args = ?, env = ?, active = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, string(p.Kind), p.URL, headers, p.Command, args, env, p.Active,
		time.Now().UTC().Format(time.RFC3339Nano), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update provider %s: %w", p.ID, err)
	}
	return expectOne(res, p.ID)
}

// SetActive toggles whether a provider takes part in discovery and
// routing.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE providers SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("set active %s: %w", id, err)
	}
	return expectOne(res, id)
}

// Delete removes a provider.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete provider %s: %w", id, err)
	}
	return expectOne(res, id)
}

// Seed inserts providers, in order, only if the store is empty. It
// reports how many were added.
func (s *Store) Seed(ctx context.Context, list []Provider) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM providers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count providers: %w", err)
	}
	if n > 0 {
		return 0, nil
	}
	for i, p := range list {
		if _, err := s.Create(ctx, p); err != nil {
			return i, fmt.Errorf("seed provider %s: %w", p.Label(), err)
		}
	}
	return len(list), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProvider(row scanner) (Provider, error) {
	var (
		p                  Provider
		kind               string
		headers, args, env string
	)
	if err := row.Scan(&p.ID, &p.Name, &kind, &p.URL, &headers, &p.Command, &args, &env, &p.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Provider{}, err
		}
		return Provider{}, fmt.Errorf("scan provider: %w", err)
	}
	p.Kind = Kind(kind)
	if err := json.Unmarshal([]byte(headers), &p.Headers); err != nil {
		return Provider{}, fmt.Errorf("provider %s headers: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(args), &p.Args); err != nil {
		return Provider{}, fmt.Errorf("provider %s args: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(env), &p.Env); err != nil {
		return Provider{}, fmt.Errorf("provider %s env: %w", p.ID, err)
	}
	if len(p.Headers) == 0 {
		p.Headers = nil
	}
	if len(p.Args) == 0 {
		p.Args = nil
	}
	if len(p.Env) == 0 {
		p.Env = nil
	}
	return p, nil
}

func encodeCollections(p Provider) (headers, args, env string, err error) {
	enc := func(v any, empty string) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		if string(b) == "null" {
			return empty, nil
		}
		return string(b), nil
	}
	if headers, err = enc(p.Headers, "{}"); err != nil {
		return "", "", "", fmt.Errorf("encode headers: %w", err)
	}
	if args, err = enc(p.Args, "[]"); err != nil {
		return "", "", "", fmt.Errorf("encode args: %w", err)
	}
	if env, err = enc(p.Env, "{}"); err != nil {
		return "", "", "", fmt.Errorf("encode env: %w", err)
	}
	return headers, args, env, nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
