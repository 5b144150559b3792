package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

//go:embed seeds/*.sql
var seedFiles embed.FS

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
	seedSuffix = ".sql"
)

// ErrNothingApplied is returned by Down on a database without migrations.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Manager applies the embedded chat schema and its seed data, and reports how
// far a database has got through them.
type Manager struct {
	db         *sql.DB
	migrations fs.FS
	seeds      fs.FS
	schema     ledger
	seeded     ledger
	now        func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the table recording applied migrations.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.schema.table = name
		}
	}
}

// WithSeedsTable overrides the table recording applied seeds.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seeded.table = name
		}
	}
}

// WithFiles replaces the embedded schema. Either argument may be nil to keep the
// embedded set.
func WithFiles(migrations, seeds fs.FS) Option {
	return func(m *Manager) {
		if migrations != nil {
			m.migrations = migrations
		}
		if seeds != nil {
			m.seeds = seeds
		}
	}
}

// NewManager returns a manager over the embedded chat schema.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	migrations, _ := fs.Sub(migrationFiles, "sql")
	seeds, _ := fs.Sub(seedFiles, "seeds")
	m := &Manager{
		db:         db,
		migrations: migrations,
		seeds:      seeds,
		schema:     ledger{table: "schema_migrations"},
		seeded:     ledger{table: "schema_seeds"},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies pending migrations in name order. Each file and its ledger row
// commit together.
func (m *Manager) Up(ctx context.Context) error {
	return m.applyPending(ctx, "migration", m.migrations, upSuffix, m.schema)
}

// Seed applies seed files that have not run yet.
func (m *Manager) Seed(ctx context.Context) error {
	return m.applyPending(ctx, "seed", m.seeds, seedSuffix, m.seeded)
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensure(ctx); err != nil {
		return err
	}
	last, err := m.schema.latest(ctx, m.db)
	if err != nil {
		return err
	}
	down := strings.TrimSuffix(last, upSuffix) + downSuffix
	if _, err := fs.Stat(m.migrations, down); err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	err = m.run(ctx, m.migrations, down, func(tx *sql.Tx) error {
		return m.schema.forget(ctx, tx, last)
	})
	if err != nil {
		return fmt.Errorf("roll back migration %s: %w", last, err)
	}
	return nil
}

func (m *Manager) applyPending(ctx context.Context, kind string, fsys fs.FS, suffix string, l ledger) error {
	if err := m.ensure(ctx); err != nil {
		return err
	}
	done, err := l.applied(ctx, m.db)
	if err != nil {
		return err
	}
	files, err := listFiles(fsys, suffix)
	if err != nil {
		return err
	}
	for _, name := range files {
		if _, ok := done[name]; ok {
			continue
		}
		err := m.run(ctx, fsys, name, func(tx *sql.Tx) error {
			return l.record(ctx, tx, name, m.now().UTC())
		})
		if err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, name, err)
		}
	}
	return nil
}

func (m *Manager) ensure(ctx context.Context) error {
	if err := m.schema.ensure(ctx, m.db); err != nil {
		return err
	}
	return m.seeded.ensure(ctx, m.db)
}

// run executes every statement of name and then after inside one transaction.
func (m *Manager) run(ctx context.Context, fsys fs.FS, name string, after func(*sql.Tx) error) error {
	script, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(script)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := after(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// listFiles returns the names under fsys ending in suffix, sorted. Down files
// never count as seeds or migrations.
func listFiles(fsys fs.FS, suffix string) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	var names []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, suffix) || strings.HasSuffix(p, downSuffix) {
			return nil
		}
		names = append(names, path.Clean(p))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// ledger is a bookkeeping table of applied file names.
type ledger struct {
	table string
}

func (l ledger) ensure(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, l.table))
	return err
}

func (l ledger) applied(ctx context.Context, db *sql.DB) (map[string]time.Time, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s`, l.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			name string
			at   time.Time
		)
		if err := rows.Scan(&name, &at); err != nil {
			return nil, err
		}
		out[name] = at
	}
	return out, rows.Err()
}

func (l ledger) latest(ctx context.Context, db *sql.DB) (string, error) {
	var name string
	err := db.QueryRowContext(ctx, fmt.Sprintf(`select name from %s order by applied_at desc, name desc limit 1`, l.table)).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNothingApplied
	}
	return name, err
}

func (l ledger) record(ctx context.Context, tx *sql.Tx, name string, at time.Time) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, l.table), name, at)
	return err
}

func (l ledger) forget(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, l.table), name)
	return err
}
