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

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

//go:embed seeds/*.sql
var seedFiles embed.FS

// Migrations returns the schema migrations compiled into the binary.
func Migrations() fs.FS {
	sub, _ := fs.Sub(migrationFiles, "sql")
	return sub
}

// Seeds returns the demo seed files compiled into the binary.
func Seeds() fs.FS {
	sub, _ := fs.Sub(seedFiles, "seeds")
	return sub
}

// Manager executes SQL migrations and seed files.
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	migrationsTable string
	seedsTable      string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// NewManager constructs a Manager. Either file system may be nil.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		seeds:           seeds,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	executed, err := m.listExecuted(ctx, m.migrationsTable)
	if err != nil {
		return err
	}
	files, err := collectSQL(m.migrations, ".up.sql")
	if err != nil {
		return err
	}
	for _, mig := range files {
		if executed[mig] {
			continue
		}
		if err := m.apply(ctx, m.migrations, mig, m.migrationsTable, true); err != nil {
			return fmt.Errorf("apply migration %s: %w", mig, err)
		}
	}
	return nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	executed, err := m.history(ctx, m.migrationsTable)
	if err != nil {
		return err
	}
	if len(executed) == 0 {
		return errors.New("no migrations applied")
	}
	last := executed[len(executed)-1]
	down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	if m.migrations == nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	if _, err := fs.Stat(m.migrations, down); err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	if err := m.rollback(ctx, down, last); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	return nil
}

// Status returns ordered applied migrations.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx, m.migrationsTable)
}

// Seed applies seed files idempotently.
func (m *Manager) Seed(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	executed, err := m.listExecuted(ctx, m.seedsTable)
	if err != nil {
		return err
	}
	files, err := collectSQL(m.seeds, ".sql")
	if err != nil {
		return err
	}
	for _, seed := range files {
		if executed[seed] {
			continue
		}
		if err := m.apply(ctx, m.seeds, seed, m.seedsTable, true); err != nil {
			return fmt.Errorf("apply seed %s: %w", seed, err)
		}
	}
	return nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// apply runs one file and records it in table within a single transaction.
func (m *Manager) apply(ctx context.Context, fsys fs.FS, name, table string, record bool) error {
	body, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if record {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table),
			name, time.Now().UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) rollback(ctx context.Context, down, applied string) error {
	body, err := fs.ReadFile(m.migrations, down)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), applied); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) listExecuted(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		result[name] = true
	}
	return result, rows.Err()
}

func (m *Manager) history(ctx context.Context, table string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

func collectSQL(fsys fs.FS, suffix string) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), suffix) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return path.Base(files[i]) < path.Base(files[j])
	})
	return files, nil
}

// splitStatements splits SQL on semicolons outside of quoted strings and $$ bodies.
func splitStatements(sql string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
		inDollar bool
	)
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'' && !inDollar:
			inString = !inString
			current.WriteByte(c)
		case c == '$' && !inString && i+1 < len(sql) && sql[i+1] == '$':
			inDollar = !inDollar
			current.WriteString("$$")
			i++
		case c == ';' && !inString && !inDollar:
			current.WriteByte(c)
			stmts = append(stmts, current.String())
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
