package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// ErrMigrationModified means an applied migration's file no longer matches
// what was run. The schema and the files have drifted apart.
var ErrMigrationModified = errors.New("applied migration was modified")

// migration is one numbered up/down pair. File naming follows golang-migrate:
// {version}_{name}.up.sql and {version}_{name}.down.sql.
type migration struct {
	version  string
	upFile   string
	up       string
	down     string
	checksum string
}

// Migrator applies SQL migrations from a filesystem, usually migrations.FS.
type Migrator struct {
	db     *sql.DB
	source fs.FS
	log    zerolog.Logger
}

func NewMigrator(db *sql.DB, source fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, source: source, log: logger}
}

// Up applies every pending migration, each in its own transaction. Already
// applied migrations must still match their recorded checksum.
func (m *Migrator) Up(ctx context.Context) error {
	pending, err := m.pending(ctx)
	if err != nil {
		return err
	}

	for _, mig := range pending {
		err := m.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, mig.up); err != nil {
				return fmt.Errorf("exec migration %s: %w", mig.upFile, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
				mig.version, mig.upFile, mig.checksum)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", mig.upFile, err)
		}
		m.log.Info().Str("file", mig.upFile).Msg("applied migration")
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version string
	err := m.db.QueryRowContext(ctx,
		`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		m.log.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	all, err := m.load()
	if err != nil {
		return err
	}
	var target *migration
	for i := range all {
		if all[i].version == version {
			target = &all[i]
		}
	}
	if target == nil || target.down == "" {
		return fmt.Errorf("no down migration for version %s", version)
	}

	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, target.down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return fmt.Errorf("roll back %s: %w", version, err)
	}
	m.log.Info().Str("version", version).Msg("rolled back migration")
	return nil
}

// Pending lists the up files not yet applied.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	pending, err := m.pending(ctx)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(pending))
	for _, mig := range pending {
		files = append(files, mig.upFile)
	}
	return files, nil
}

func (m *Migrator) pending(ctx context.Context) ([]migration, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := m.appliedChecksums(ctx)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	all, err := m.load()
	if err != nil {
		return nil, err
	}

	var pending []migration
	for _, mig := range all {
		sum, ok := applied[mig.version]
		if !ok {
			pending = append(pending, mig)
			continue
		}
		if sum != "" && sum != mig.checksum {
			return nil, fmt.Errorf("%w: %s", ErrMigrationModified, mig.upFile)
		}
	}
	return pending, nil
}

// load reads every migration pair from the source, ordered by version.
func (m *Migrator) load() ([]migration, error) {
	entries, err := fs.ReadDir(m.source, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[string]*migration)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		content, err := fs.ReadFile(m.source, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}

		version := extractVersion(name)
		mig := byVersion[version]
		if mig == nil {
			mig = &migration{version: version}
			byVersion[version] = mig
		}
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			sum := sha256.Sum256(content)
			mig.upFile = name
			mig.up = string(content)
			mig.checksum = hex.EncodeToString(sum[:])
		case strings.HasSuffix(name, ".down.sql"):
			mig.down = string(content)
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.upFile == "" {
			return nil, fmt.Errorf("migration %s has no up file", mig.version)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func (m *Migrator) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedChecksums(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var v, sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		applied[v] = sum
	}
	return applied, rows.Err()
}

// extractVersion returns the numeric prefix, "000001" for "000001_event_log.up.sql".
func extractVersion(filename string) string {
	if i := strings.IndexByte(filename, '_'); i > 0 {
		return filename[:i]
	}
	return filename
}
