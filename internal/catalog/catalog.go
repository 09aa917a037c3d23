// Package catalog is the persistent store behind the reduction: raw file
// metadata, per-version processed records and run bookkeeping, QA flags, QC
// values, weather conditions and warnings.
//
// All SQL lives in this package. Business rules (frame precedence, selection
// algebra, skip/force policy) live in their own packages and talk to the
// catalog through typed methods and query predicates.
//
// The catalog is a single SQLite file and the connection pool is capped at
// one connection: concurrent readers within the process are fine under WAL,
// but cross-process concurrent writers are unsupported. Deployments that
// need several writer processes must serialize them externally.
package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema (pre-migration)
// 1 - added date_obs index on raw
const currentSchemaVersion = 1

// Timestamp layouts used in catalog columns. date_obs keeps millisecond
// precision so that lexical ordering matches chronological ordering.
const (
	dateObsLayout = "2006-01-02T15:04:05.000"
	dateRunLayout = time.RFC3339
)

// Catalog wraps the SQLite database holding all reduction state.
type Catalog struct {
	db *sql.DB
}

// Open creates or opens the catalog database at the given path.
//
// The database is configured with WAL mode, NORMAL synchronous, a 5-second
// busy timeout and foreign key enforcement, and the pool is limited to a
// single connection (SQLite supports one writer at a time). Idempotent.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to catalog: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		// The date_obs index is part of schema.sql for new databases;
		// CREATE INDEX IF NOT EXISTS makes this a no-op there.
		if _, err := db.Exec(
			"CREATE INDEX IF NOT EXISTS idx_raw_date_obs ON raw(date_obs)"); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// tablePattern restricts dynamic table names (versions, QC table suffixes)
// after sanitization.
var tablePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

var suffixReplacer = strings.NewReplacer(".", "_", "-", "_")

// versionTable returns the table name for a versioned namespace, e.g.
// versionTable("reduced", "0.2") == "reduced_0_2".
func versionTable(base, version string) (string, error) {
	if version == "" {
		return "", fmt.Errorf("empty reduction version")
	}
	suffix := suffixReplacer.Replace(version)
	name := base + "_" + suffix
	if !tablePattern.MatchString(name) {
		return "", fmt.Errorf("invalid version %q", version)
	}
	return name, nil
}

// EnsureVersion creates the per-version tables (reduced, runs, flags) if
// they do not exist yet. Safe to call repeatedly.
func (c *Catalog) EnsureVersion(ctx context.Context, version string) error {
	reduced, err := versionTable("reduced", version)
	if err != nil {
		return err
	}
	runs, err := versionTable("runs", version)
	if err != nil {
		return err
	}
	flags, err := versionTable("flags", version)
	if err != nil {
		return err
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name        TEXT NOT NULL,
			recipe_name TEXT NOT NULL,
			dpr_type    TEXT NOT NULL,
			night       TEXT,
			date_obs    TEXT NOT NULL DEFAULT '',
			path        TEXT NOT NULL,
			run         TEXT NOT NULL DEFAULT '',
			object      TEXT NOT NULL DEFAULT '',
			ins_mode    TEXT NOT NULL DEFAULT '',
			date_run    TEXT NOT NULL,
			attrs       TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (name, recipe_name, dpr_type)
		)`, reduced),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_night ON %s(night)`, reduced, reduced),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_type ON %s(dpr_type)`, reduced, reduced),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			recipe     TEXT NOT NULL,
			target     TEXT NOT NULL,
			params_id  TEXT NOT NULL,
			state      TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at   TEXT NOT NULL DEFAULT '',
			log_path   TEXT NOT NULL DEFAULT '',
			output_dir TEXT NOT NULL DEFAULT '',
			products   TEXT NOT NULL DEFAULT '[]',
			reason     TEXT NOT NULL DEFAULT ''
		)`, runs),
		// Backstop for the claim logic: at most one current record per key.
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_current
			ON %s(recipe, target, params_id)
			WHERE state IN ('running', 'succeeded')`, runs, runs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			exposure TEXT NOT NULL,
			flag     TEXT NOT NULL,
			value    INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (exposure, flag)
		)`, flags),
	}

	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure version %q: %w", version, err)
		}
	}
	return nil
}

// AddWarning records a reportable anomaly (empty selection, skipped
// combination...) so batch reports survive the process.
func (c *Catalog) AddWarning(ctx context.Context, component, target, message string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO warnings (created_at, component, target, message)
		VALUES (?, ?, ?, ?)
	`, time.Now().Format(dateRunLayout), component, target, message)
	if err != nil {
		return fmt.Errorf("add warning: %w", err)
	}
	return nil
}

// Warning is one row of the warnings table.
type Warning struct {
	CreatedAt time.Time
	Component string
	Target    string
	Message   string
}

// Warnings returns all recorded warnings, oldest first.
func (c *Catalog) Warnings(ctx context.Context) ([]Warning, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT created_at, component, target, message
		FROM warnings
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query warnings: %w", err)
	}
	defer rows.Close()

	var out []Warning
	for rows.Next() {
		var w Warning
		var createdAt string
		if err := rows.Scan(&createdAt, &w.Component, &w.Target, &w.Message); err != nil {
			return nil, fmt.Errorf("scan warning: %w", err)
		}
		w.CreatedAt, _ = time.Parse(dateRunLayout, createdAt)
		out = append(out, w)
	}
	return out, rows.Err()
}

// AddWeather records observing conditions for a night.
func (c *Catalog) AddWeather(ctx context.Context, night, obsTime, conditions, comment string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO weather_conditions (night, obs_time, conditions, comment)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(night, obs_time) DO UPDATE SET
			conditions = excluded.conditions,
			comment = excluded.comment
	`, night, obsTime, conditions, comment)
	if err != nil {
		return fmt.Errorf("add weather: %w", err)
	}
	return nil
}
