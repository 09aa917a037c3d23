// Package track records recipe runs: a run is claimed before it starts,
// finished as succeeded or failed, and its outputs become processed
// records. Claims are the idempotency point; the same work is never done
// twice unless forced.
package track

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nocturne-drs/nocturne/internal/catalog"
	"github.com/nocturne-drs/nocturne/internal/record"
)

// ConflictError means another running record holds the key.
type ConflictError struct {
	Key     record.RunKey
	PriorID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("run %s is already in progress (run id %s)", e.Key, e.PriorID)
}

// AlreadyDoneError means a succeeded record satisfies the key and force
// was not requested.
type AlreadyDoneError struct {
	Key     record.RunKey
	PriorID string
}

func (e *AlreadyDoneError) Error() string {
	return fmt.Sprintf("run %s already succeeded (run id %s)", e.Key, e.PriorID)
}

// Tracker manages run records of one reduction version.
type Tracker struct {
	cat     *catalog.Catalog
	version string
	now     func() time.Time
}

// New builds a tracker.
func New(cat *catalog.Catalog, version string) *Tracker {
	return &Tracker{cat: cat, version: version, now: time.Now}
}

// Claim is a successfully claimed run.
type Claim struct {
	ID        string
	Key       record.RunKey
	StartedAt time.Time
}

// Claim transitions a run key to running. With force, a prior success is
// superseded and the work redone; without it, a prior success returns
// AlreadyDoneError. A concurrent running record always returns
// ConflictError.
func (t *Tracker) Claim(ctx context.Context, key record.RunKey, force bool) (*Claim, error) {
	id := uuid.Must(uuid.NewV7()).String()
	res, err := t.cat.ClaimRun(ctx, t.version, key, id, force)
	if err != nil {
		return nil, err
	}
	switch res.Outcome {
	case catalog.ClaimConflict:
		return nil, &ConflictError{Key: key, PriorID: res.PriorID}
	case catalog.ClaimAlreadyDone:
		return nil, &AlreadyDoneError{Key: key, PriorID: res.PriorID}
	}
	return &Claim{ID: id, Key: key, StartedAt: t.now()}, nil
}

// Succeed finishes a claimed run and registers its outputs as processed
// records of this version.
func (t *Tracker) Succeed(ctx context.Context, c *Claim, logPath, outputDir string, products []record.Product, outputs []record.FileRecord) error {
	for _, out := range outputs {
		if out.RecipeName == "" {
			out.RecipeName = c.Key.Recipe
		}
		if out.DateRun.IsZero() {
			out.DateRun = t.now()
		}
		if err := t.cat.UpsertReduced(ctx, t.version, out); err != nil {
			return fmt.Errorf("register output %s: %w", out.Name, err)
		}
	}
	return t.cat.FinishRun(ctx, t.version, c.ID, record.StateSucceeded,
		t.now(), logPath, outputDir, products, "")
}

// Fail finishes a claimed run as failed. The key becomes claimable again.
func (t *Tracker) Fail(ctx context.Context, c *Claim, logPath, reason string) error {
	return t.cat.FinishRun(ctx, t.version, c.ID, record.StateFailed,
		t.now(), logPath, "", nil, reason)
}

// Reconcile resets running records left behind by a dead process to
// failed. Call it before claiming anything.
func (t *Tracker) Reconcile(ctx context.Context) (int, error) {
	return t.cat.ReconcileStale(ctx, t.version)
}

// CarryOver copies succeeded runs and their processed records from another
// version into this one, so unchanged steps are not redone after a version
// bump. Idempotent.
func (t *Tracker) CarryOver(ctx context.Context, fromVersion string, recipes []string) (int, error) {
	return t.cat.CopyReduced(ctx, fromVersion, t.version, recipes)
}

// Runs returns the history of a run key, newest first.
func (t *Tracker) Runs(ctx context.Context, key record.RunKey) ([]record.RunRecord, error) {
	return t.cat.RunsForKey(ctx, t.version, key)
}

// ByState returns this version's runs in the given states, newest first.
func (t *Tracker) ByState(ctx context.Context, states ...record.RunState) ([]record.RunRecord, error) {
	return t.cat.RunsByState(ctx, t.version, states...)
}
