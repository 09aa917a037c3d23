package catalog

import (
	"context"
	"fmt"
	"strings"
)

// AddFlags sets flags on exposures in a version's flag table.
// Setting an already-present flag updates its value.
func (c *Catalog) AddFlags(ctx context.Context, version string, exposures []string, flagNames []string, value int64) error {
	table, err := versionTable("flags", version)
	if err != nil {
		return err
	}
	for _, exp := range exposures {
		for _, flag := range flagNames {
			_, err := c.db.ExecContext(ctx, fmt.Sprintf(`
				INSERT INTO %s (exposure, flag, value)
				VALUES (?, ?, ?)
				ON CONFLICT(exposure, flag) DO UPDATE SET value = excluded.value
			`, table), exp, flag, value)
			if err != nil {
				return fmt.Errorf("add flag %s on %s: %w", flag, exp, err)
			}
		}
	}
	return nil
}

// RemoveFlags removes flags from exposures. Removing an absent flag is a
// no-op.
func (c *Catalog) RemoveFlags(ctx context.Context, version string, exposures []string, flagNames []string) error {
	table, err := versionTable("flags", version)
	if err != nil {
		return err
	}
	for _, exp := range exposures {
		for _, flag := range flagNames {
			_, err := c.db.ExecContext(ctx, fmt.Sprintf(
				`DELETE FROM %s WHERE exposure = ? AND flag = ?`, table), exp, flag)
			if err != nil {
				return fmt.Errorf("remove flag %s from %s: %w", flag, exp, err)
			}
		}
	}
	return nil
}

// FlagsFor returns the flag names set on an exposure, sorted.
func (c *Catalog) FlagsFor(ctx context.Context, version, exposure string) ([]string, error) {
	table, err := versionTable("flags", version)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT flag FROM %s
		WHERE exposure = ? AND value > 0
		ORDER BY flag COLLATE BINARY ASC
	`, table), exposure)
	if err != nil {
		return nil, fmt.Errorf("flags for %s: %w", exposure, err)
	}
	defer rows.Close()

	flags := []string{}
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// FindFlagged returns the exposures carrying at least one of the named
// flags, or any flag at all when names is empty. Sorted.
func (c *Catalog) FindFlagged(ctx context.Context, version string, flagNames []string) ([]string, error) {
	table, err := versionTable("flags", version)
	if err != nil {
		return nil, err
	}

	where := "value > 0"
	var params []any
	if len(flagNames) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(flagNames)), ", ")
		where += " AND flag IN (" + placeholders + ")"
		for _, f := range flagNames {
			params = append(params, f)
		}
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT exposure FROM %s
		WHERE %s
		ORDER BY exposure COLLATE BINARY ASC
	`, table, where), params...)
	if err != nil {
		return nil, fmt.Errorf("find flagged: %w", err)
	}
	defer rows.Close()

	exposures := []string{}
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("scan exposure: %w", err)
		}
		exposures = append(exposures, e)
	}
	return exposures, rows.Err()
}
