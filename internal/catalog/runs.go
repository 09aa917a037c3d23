package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nocturne-drs/nocturne/internal/record"
)

// ClaimOutcome is the result of an atomic run claim attempt.
type ClaimOutcome int

const (
	// ClaimAccepted means a running record was created for the key.
	ClaimAccepted ClaimOutcome = iota + 1
	// ClaimConflict means another running record holds the key.
	ClaimConflict
	// ClaimAlreadyDone means a succeeded record satisfies the key and
	// force was not requested.
	ClaimAlreadyDone
)

// ClaimResult reports the outcome of ClaimRun and, for conflicts and
// already-done keys, the id of the record that holds the key.
type ClaimResult struct {
	Outcome ClaimOutcome
	PriorID string
}

// ClaimRun atomically transitions a run key to running.
//
// The claim is the serialization point for the whole reduction: it happens
// in one transaction that inspects the current record for the key and
// either refuses (running present), skips (succeeded present, no force),
// supersedes (succeeded present, force) or inserts the new running record.
// failed and superseded records never block a claim.
func (c *Catalog) ClaimRun(ctx context.Context, version string, key record.RunKey, runID string, force bool) (ClaimResult, error) {
	table, err := versionTable("runs", version)
	if err != nil {
		return ClaimResult{}, err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim run: begin tx: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	var priorID, priorState string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, state FROM %s
		WHERE recipe = ? AND target = ? AND params_id = ?
		  AND state IN ('running', 'succeeded')
	`, table), key.Recipe, key.Target, key.ParamsID).Scan(&priorID, &priorState)
	switch {
	case err == sql.ErrNoRows:
		// free to claim
	case err != nil:
		return ClaimResult{}, fmt.Errorf("claim run: %w", err)
	case priorState == string(record.StateRunning):
		return ClaimResult{Outcome: ClaimConflict, PriorID: priorID}, nil
	case priorState == string(record.StateSucceeded) && !force:
		return ClaimResult{Outcome: ClaimAlreadyDone, PriorID: priorID}, nil
	default:
		// force re-run: the prior result stays on disk but is no longer
		// the current record for the key.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET state = ? WHERE id = ?`, table),
			string(record.StateSuperseded), priorID); err != nil {
			return ClaimResult{}, fmt.Errorf("supersede run %s: %w", priorID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, recipe, target, params_id, state, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, table), runID, key.Recipe, key.Target, key.ParamsID,
		string(record.StateRunning), time.Now().Format(dateRunLayout)); err != nil {
		return ClaimResult{}, fmt.Errorf("insert running record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ClaimResult{}, fmt.Errorf("claim run: commit: %w", err)
	}
	return ClaimResult{Outcome: ClaimAccepted, PriorID: priorID}, nil
}

// FinishRun moves a running record to succeeded or failed and stores the
// execution metadata.
func (c *Catalog) FinishRun(ctx context.Context, version, runID string, state record.RunState, endedAt time.Time, logPath, outputDir string, products []record.Product, reason string) error {
	table, err := versionTable("runs", version)
	if err != nil {
		return err
	}
	productsJSON, err := json.Marshal(products)
	if err != nil {
		return fmt.Errorf("encode products: %w", err)
	}
	res, err := c.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET state = ?, ended_at = ?, log_path = ?, output_dir = ?, products = ?, reason = ?
		WHERE id = ? AND state = ?
	`, table), string(state), endedAt.Format(dateRunLayout), logPath, outputDir,
		string(productsJSON), reason, runID, string(record.StateRunning))
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: no running record", runID)
	}
	return nil
}

// GetRun returns one run record by id.
func (c *Catalog) GetRun(ctx context.Context, version, runID string) (record.RunRecord, error) {
	runs, err := c.queryRuns(ctx, version, "id = ?", runID)
	if err != nil {
		return record.RunRecord{}, err
	}
	if len(runs) == 0 {
		return record.RunRecord{}, fmt.Errorf("run %s not found in version %s", runID, version)
	}
	return runs[0], nil
}

// RunsForKey returns all run records for a (recipe, target, params) key,
// newest first.
func (c *Catalog) RunsForKey(ctx context.Context, version string, key record.RunKey) ([]record.RunRecord, error) {
	return c.queryRuns(ctx, version,
		"recipe = ? AND target = ? AND params_id = ?",
		key.Recipe, key.Target, key.ParamsID)
}

// RunsByState returns all run records in the given states.
func (c *Catalog) RunsByState(ctx context.Context, version string, states ...record.RunState) ([]record.RunRecord, error) {
	if len(states) == 0 {
		return c.queryRuns(ctx, version, "1 = 1")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	params := make([]any, len(states))
	for i, s := range states {
		params[i] = string(s)
	}
	return c.queryRuns(ctx, version, "state IN ("+placeholders+")", params...)
}

func (c *Catalog) queryRuns(ctx context.Context, version, where string, params ...any) ([]record.RunRecord, error) {
	table, err := versionTable("runs", version)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, recipe, target, params_id, state, started_at, ended_at,
		       log_path, output_dir, products, reason
		FROM %s
		WHERE %s
		ORDER BY started_at DESC, id COLLATE BINARY ASC
	`, table, where), params...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []record.RunRecord{}
	for rows.Next() {
		var r record.RunRecord
		var startedAt, endedAt, products string
		if err := rows.Scan(&r.ID, &r.Recipe, &r.Target, &r.ParamsID,
			(*string)(&r.State), &startedAt, &endedAt,
			&r.LogPath, &r.OutputDir, &products, &r.Reason); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Version = version
		r.StartedAt, _ = time.Parse(dateRunLayout, startedAt)
		if endedAt != "" {
			r.EndedAt, _ = time.Parse(dateRunLayout, endedAt)
		}
		if err := json.Unmarshal([]byte(products), &r.Products); err != nil {
			return nil, fmt.Errorf("decode products for %s: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ReconcileStale flips leftover running records to failed. A running record
// found at startup belongs to a process that died without cleanup; leaving
// it would block the key forever.
func (c *Catalog) ReconcileStale(ctx context.Context, version string) (int, error) {
	table, err := versionTable("runs", version)
	if err != nil {
		return 0, err
	}
	res, err := c.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET state = ?, ended_at = ?, reason = ?
		WHERE state = ?
	`, table), string(record.StateFailed), time.Now().Format(dateRunLayout),
		"stale running record reset at startup", string(record.StateRunning))
	if err != nil {
		return 0, fmt.Errorf("reconcile stale runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reconcile stale runs: %w", err)
	}
	return int(n), nil
}

// CopyReduced copies succeeded run records and their processed file records
// for the given recipes from one version's namespace into another,
// preserving paths and provenance. Nothing is recopied on disk, and rows
// already present in the target version are left untouched, so the copy is
// idempotent.
func (c *Catalog) CopyReduced(ctx context.Context, fromVersion, toVersion string, recipes []string) (int, error) {
	if err := c.EnsureVersion(ctx, toVersion); err != nil {
		return 0, err
	}
	fromReduced, err := versionTable("reduced", fromVersion)
	if err != nil {
		return 0, err
	}
	toReduced, err := versionTable("reduced", toVersion)
	if err != nil {
		return 0, err
	}
	fromRuns, err := versionTable("runs", fromVersion)
	if err != nil {
		return 0, err
	}
	toRuns, err := versionTable("runs", toVersion)
	if err != nil {
		return 0, err
	}

	recipeFilter := ""
	var params []any
	if len(recipes) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(recipes)), ", ")
		recipeFilter = " AND recipe_name IN (" + placeholders + ")"
		for _, r := range recipes {
			params = append(params, r)
		}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("copy reduced: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT OR IGNORE INTO %s
		SELECT * FROM %s WHERE 1 = 1%s
	`, toReduced, fromReduced, recipeFilter), params...)
	if err != nil {
		return 0, fmt.Errorf("copy reduced rows: %w", err)
	}
	copied, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("copy reduced rows: %w", err)
	}

	runFilter := ""
	var runParams []any
	if len(recipes) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(recipes)), ", ")
		runFilter = " AND recipe IN (" + placeholders + ")"
		for _, r := range recipes {
			runParams = append(runParams, r)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT OR IGNORE INTO %s
		SELECT * FROM %s WHERE state = 'succeeded'%s
	`, toRuns, fromRuns, runFilter), runParams...); err != nil {
		return 0, fmt.Errorf("copy run records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("copy reduced: commit: %w", err)
	}
	return int(copied), nil
}
