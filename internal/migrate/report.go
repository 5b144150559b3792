package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strings"
	"time"
)

// ChatTables are the tables the service reads and writes once the schema is up.
var ChatTables = []string{"chats", "chat_members", "messages", "policies", "budgets", "audit_log", "api_keys"}

// ErrSchemaIncomplete is returned by CheckSchema when chat tables are missing.
var ErrSchemaIncomplete = errors.New("migrate: chat schema incomplete")

// Step is one migration or seed file. AppliedAt is zero while it is pending.
type Step struct {
	Name      string
	AppliedAt time.Time
}

// Applied reports whether the step has run.
func (s Step) Applied() bool { return !s.AppliedAt.IsZero() }

// Report describes how far a database has got through the chat schema.
type Report struct {
	Migrations []Step
	Seeds      []Step
	// Unknown lists ledger rows with no matching embedded migration.
	Unknown       []string
	MissingTables []string
}

// Pending returns the migrations Up would apply.
func (r Report) Pending() []string {
	var out []string
	for _, s := range r.Migrations {
		if !s.Applied() {
			out = append(out, s.Name)
		}
	}
	return out
}

// Current reports whether every migration ran and every chat table exists.
func (r Report) Current() bool {
	return len(r.Pending()) == 0 && len(r.MissingTables) == 0
}

// Write prints the report one line per step.
func (r Report) Write(w io.Writer) error {
	var b strings.Builder
	line := func(kind string, s Step) {
		state := "pending"
		if s.Applied() {
			state = "applied " + s.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "%-9s %-36s %s\n", kind, s.Name, state)
	}
	for _, s := range r.Migrations {
		line("migration", s)
	}
	for _, s := range r.Seeds {
		line("seed", s)
	}
	for _, name := range r.Unknown {
		fmt.Fprintf(&b, "%-9s %-36s %s\n", "unknown", name, "recorded but not embedded")
	}
	if len(r.MissingTables) > 0 {
		fmt.Fprintf(&b, "missing tables: %s\n", strings.Join(r.MissingTables, ", "))
	} else {
		b.WriteString("chat tables: ok\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Status compares the embedded files with the ledgers and checks that every
// chat table exists.
func (m *Manager) Status(ctx context.Context) (Report, error) {
	if err := m.ensure(ctx); err != nil {
		return Report{}, err
	}
	var (
		r   Report
		err error
	)
	r.Migrations, r.Unknown, err = m.steps(ctx, m.schema, m.migrations, upSuffix)
	if err != nil {
		return Report{}, err
	}
	r.Seeds, _, err = m.steps(ctx, m.seeded, m.seeds, seedSuffix)
	if err != nil {
		return Report{}, err
	}
	r.MissingTables, err = m.missingTables(ctx)
	if err != nil {
		return Report{}, err
	}
	return r, nil
}

// CheckSchema fails with ErrSchemaIncomplete unless every chat table exists.
// It creates nothing.
func (m *Manager) CheckSchema(ctx context.Context) error {
	missing, err := m.missingTables(ctx)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrSchemaIncomplete, strings.Join(missing, ", "))
	}
	return nil
}

func (m *Manager) steps(ctx context.Context, l ledger, fsys fs.FS, suffix string) ([]Step, []string, error) {
	done, err := l.applied(ctx, m.db)
	if err != nil {
		return nil, nil, err
	}
	files, err := listFiles(fsys, suffix)
	if err != nil {
		return nil, nil, err
	}
	steps := make([]Step, 0, len(files))
	for _, name := range files {
		steps = append(steps, Step{Name: name, AppliedAt: done[name]})
		delete(done, name)
	}
	var unknown []string
	for name := range done {
		unknown = append(unknown, name)
	}
	slices.Sort(unknown)
	return steps, unknown, nil
}

func (m *Manager) missingTables(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		select table_name
		from information_schema.tables
		where table_schema = current_schema()
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var missing []string
	for _, t := range ChatTables {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	return missing, nil
}
