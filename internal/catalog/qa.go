package catalog

import (
	"context"
	"fmt"

	"github.com/nocturne-drs/nocturne/internal/query"
)

// QARow is one set of QC values for an exposure (or one of its HDUs).
type QARow struct {
	Name  string
	HDU   string
	Attrs map[string]any
}

// qaTable validates and builds the name of a QC table.
func qaTable(name string) (string, error) {
	table := "qa_" + suffixReplacer.Replace(name)
	if !tablePattern.MatchString(table) {
		return "", fmt.Errorf("invalid QC table name %q", name)
	}
	return table, nil
}

// EnsureQATable creates a QC table if it does not exist yet.
func (c *Catalog) EnsureQATable(ctx context.Context, name string) error {
	table, err := qaTable(name)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		name  TEXT NOT NULL,
		hdu   TEXT NOT NULL DEFAULT '',
		attrs TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (name, hdu)
	)`, table))
	if err != nil {
		return fmt.Errorf("ensure QC table %q: %w", name, err)
	}
	return nil
}

// InsertQA writes QC rows into a QC table, replacing existing values for
// the same (exposure, hdu) key.
func (c *Catalog) InsertQA(ctx context.Context, name string, rows ...QARow) error {
	if err := c.EnsureQATable(ctx, name); err != nil {
		return err
	}
	table, err := qaTable(name)
	if err != nil {
		return err
	}
	for _, row := range rows {
		attrs, err := marshalAttrs(row.Attrs)
		if err != nil {
			return fmt.Errorf("insert QC %q: %w", row.Name, err)
		}
		_, err = c.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (name, hdu, attrs)
			VALUES (?, ?, ?)
			ON CONFLICT(name, hdu) DO UPDATE SET attrs = excluded.attrs
		`, table), row.Name, row.HDU, attrs)
		if err != nil {
			return fmt.Errorf("insert QC %q: %w", row.Name, err)
		}
	}
	return nil
}

// QueryQANames returns the exposure names in a QC table matching the
// predicate, sorted. QC columns other than name/hdu are read from the
// attribute bag, so predicates may use raw QC keyword names.
func (c *Catalog) QueryQANames(ctx context.Context, name string, pred query.Predicate) ([]string, error) {
	table, err := qaTable(name)
	if err != nil {
		return nil, err
	}
	where, params, err := qaCompiler.Compile(pred)
	if err != nil {
		return nil, fmt.Errorf("compile QC predicate: %w", err)
	}
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT name FROM %s
		WHERE %s
		ORDER BY name COLLATE BINARY ASC
	`, table, where), params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan QC name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
