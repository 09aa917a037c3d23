package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nocturne-drs/nocturne/internal/query"
	"github.com/nocturne-drs/nocturne/internal/record"
)

// InsertRaw inserts or refreshes raw file records. Raw rows are keyed by
// exposure name; re-ingesting the same file updates its metadata in place.
func (c *Catalog) InsertRaw(ctx context.Context, recs ...record.FileRecord) error {
	now := time.Now().Format(dateRunLayout)
	for _, rec := range recs {
		attrs, err := marshalAttrs(rec.Attrs)
		if err != nil {
			return fmt.Errorf("insert raw %q: %w", rec.Name, err)
		}
		_, err = c.db.ExecContext(ctx, `
			INSERT INTO raw (name, dpr_type, night, date_obs, path, run, object, ins_mode, date_import, attrs)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				dpr_type = excluded.dpr_type,
				night = excluded.night,
				date_obs = excluded.date_obs,
				path = excluded.path,
				run = excluded.run,
				object = excluded.object,
				ins_mode = excluded.ins_mode,
				attrs = excluded.attrs
		`,
			rec.Name, rec.Type, nullable(rec.Night), rec.DateObs.Format(dateObsLayout),
			rec.Path, rec.Run, rec.Object, rec.InsMode, now, attrs)
		if err != nil {
			return fmt.Errorf("insert raw %q: %w", rec.Name, err)
		}
	}
	return nil
}

// UpsertReduced writes a processed record into the version's reduced table,
// keyed by (name, recipe_name, dpr_type).
func (c *Catalog) UpsertReduced(ctx context.Context, version string, rec record.FileRecord) error {
	table, err := versionTable("reduced", version)
	if err != nil {
		return err
	}
	attrs, err := marshalAttrs(rec.Attrs)
	if err != nil {
		return fmt.Errorf("upsert reduced %q: %w", rec.Name, err)
	}
	dateRun := rec.DateRun
	if dateRun.IsZero() {
		dateRun = time.Now()
	}
	dateObs := ""
	if !rec.DateObs.IsZero() {
		dateObs = rec.DateObs.Format(dateObsLayout)
	}
	_, err = c.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (name, recipe_name, dpr_type, night, date_obs, path, run, object, ins_mode, date_run, attrs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, recipe_name, dpr_type) DO UPDATE SET
			night = excluded.night,
			date_obs = excluded.date_obs,
			path = excluded.path,
			run = excluded.run,
			object = excluded.object,
			ins_mode = excluded.ins_mode,
			date_run = excluded.date_run,
			attrs = excluded.attrs
	`, table),
		rec.Name, rec.RecipeName, rec.Type, nullable(rec.Night), dateObs,
		rec.Path, rec.Run, rec.Object, rec.InsMode, dateRun.Format(dateRunLayout), attrs)
	if err != nil {
		return fmt.Errorf("upsert reduced %q: %w", rec.Name, err)
	}
	return nil
}

// QueryRaw returns raw records matching the predicate, ordered by
// observation date then name.
func (c *Catalog) QueryRaw(ctx context.Context, pred query.Predicate) ([]record.FileRecord, error) {
	return c.queryFiles(ctx, "raw", "", pred)
}

// QueryReduced returns processed records from a version's namespace,
// ordered by observation date then name.
func (c *Catalog) QueryReduced(ctx context.Context, version string, pred query.Predicate) ([]record.FileRecord, error) {
	table, err := versionTable("reduced", version)
	if err != nil {
		return nil, err
	}
	return c.queryFiles(ctx, table, version, pred)
}

func (c *Catalog) queryFiles(ctx context.Context, table, version string, pred query.Predicate) ([]record.FileRecord, error) {
	where, params, err := fileCompiler.Compile(pred)
	if err != nil {
		return nil, fmt.Errorf("compile predicate: %w", err)
	}

	cols := `name, dpr_type, night, date_obs, path, run, object, ins_mode, '' AS recipe_name, '' AS date_run, attrs`
	if version != "" {
		cols = `name, dpr_type, night, date_obs, path, run, object, ins_mode, recipe_name, date_run, attrs`
	}

	// Deterministic ordering: resolution must be reproducible run to run.
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE %s
		ORDER BY date_obs ASC, name COLLATE BINARY ASC
	`, cols, table, where), params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	recs := []record.FileRecord{}
	for rows.Next() {
		rec, err := scanFile(rows, version)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return recs, nil
}

func scanFile(rows *sql.Rows, version string) (record.FileRecord, error) {
	var rec record.FileRecord
	var night sql.NullString
	var dateObs, dateRun, attrs string
	err := rows.Scan(&rec.Name, &rec.Type, &night, &dateObs, &rec.Path,
		&rec.Run, &rec.Object, &rec.InsMode, &rec.RecipeName, &dateRun, &attrs)
	if err != nil {
		return rec, fmt.Errorf("scan file record: %w", err)
	}
	rec.Night = night.String
	rec.Version = version
	if dateObs != "" {
		rec.DateObs, _ = time.Parse(dateObsLayout, dateObs)
	}
	if dateRun != "" {
		rec.DateRun, _ = time.Parse(dateRunLayout, dateRun)
	}
	if err := json.Unmarshal([]byte(attrs), &rec.Attrs); err != nil {
		return rec, fmt.Errorf("decode attrs for %q: %w", rec.Name, err)
	}
	if len(rec.Attrs) == 0 {
		rec.Attrs = nil
	}
	return rec, nil
}

// SelectColumn returns one column's values from raw or a reduced table,
// matching the predicate, non-NULL, sorted.
func (c *Catalog) SelectColumn(ctx context.Context, version, column string, pred query.Predicate, distinct bool) ([]string, error) {
	table := "raw"
	if version != "" {
		var err error
		if table, err = versionTable("reduced", version); err != nil {
			return nil, err
		}
	}
	colRef, err := fileColumnRef(column)
	if err != nil {
		return nil, err
	}
	where, params, err := fileCompiler.Compile(pred)
	if err != nil {
		return nil, fmt.Errorf("compile predicate: %w", err)
	}
	sel := "SELECT"
	if distinct {
		sel = "SELECT DISTINCT"
	}
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		%s %s FROM %s
		WHERE (%s) AND %s IS NOT NULL
		ORDER BY %s COLLATE BINARY ASC
	`, sel, colRef, table, where, colRef, colRef), params...)
	if err != nil {
		return nil, fmt.Errorf("select %s from %s: %w", column, table, err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", column, err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// ExistsRaw reports whether a raw record with the given name exists.
func (c *Catalog) ExistsRaw(ctx context.Context, name string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM raw WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("exists raw: %w", err)
	}
	return n > 0, nil
}

// Clean removes processed records for a recipe from a version's namespace.
// With names set, only those exposures/nights are removed. Returns the
// number of rows that were (or with dryRun, would be) deleted; removeFiles
// additionally deletes the output directories.
func (c *Catalog) Clean(ctx context.Context, version, recipeName string, names []string, dryRun, removeFiles bool) (int, error) {
	table, err := versionTable("reduced", version)
	if err != nil {
		return 0, err
	}

	pred := query.AndOf(query.Eq{Column: "recipe_name", Value: recipeName})
	if len(names) > 0 {
		vals := make([]any, len(names))
		for i, n := range names {
			vals[i] = n
		}
		pred = query.AndOf(pred, query.In{Column: "name", Values: vals})
	}
	where, params, err := fileCompiler.Compile(pred)
	if err != nil {
		return 0, err
	}

	// Count distinct targets first; the report speaks in exposures/nights,
	// not output rows.
	var count int
	err = c.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(DISTINCT name) FROM %s WHERE %s`, table, where), params...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count for clean: %w", err)
	}
	if dryRun || count == 0 {
		return count, nil
	}

	if removeFiles {
		rows, err := c.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT DISTINCT path FROM %s WHERE %s`, table, where), params...)
		if err != nil {
			return 0, fmt.Errorf("paths for clean: %w", err)
		}
		var paths []string
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return 0, err
			}
			paths = append(paths, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, err
		}
		for _, p := range paths {
			if err := os.RemoveAll(p); err != nil {
				return 0, fmt.Errorf("remove %s: %w", p, err)
			}
		}
	}

	if _, err := c.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE %s`, table, where), params...); err != nil {
		return 0, fmt.Errorf("clean %s: %w", table, err)
	}
	return count, nil
}

func marshalAttrs(attrs map[string]any) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attrs: %w", err)
	}
	return string(data), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
