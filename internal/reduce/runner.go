// Package reduce orchestrates recipe batches: it selects targets, resolves
// their frames, claims run records and drives the executor, one worker per
// job. One target failing is an outcome, not an abort; the rest of the
// batch keeps going.
package reduce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nocturne-drs/nocturne/internal/catalog"
	"github.com/nocturne-drs/nocturne/internal/config"
	"github.com/nocturne-drs/nocturne/internal/frames"
	"github.com/nocturne-drs/nocturne/internal/query"
	"github.com/nocturne-drs/nocturne/internal/recipe"
	"github.com/nocturne-drs/nocturne/internal/record"
	"github.com/nocturne-drs/nocturne/internal/selection"
	"github.com/nocturne-drs/nocturne/internal/track"
)

// Runner drives recipe batches for one settings document and one catalog.
type Runner struct {
	set    *config.Settings
	cat    *catalog.Catalog
	res    *frames.Resolver
	sel    *selection.Engine
	tracker *track.Tracker
	exec   recipe.Executor
	log    *slog.Logger

	jobs   int
	dryRun bool
	force  bool
}

// NewRunner builds a runner. exec runs the recipes; tests pass a
// recipe.Func, production passes a recipe.Exec.
func NewRunner(set *config.Settings, cat *catalog.Catalog, exec recipe.Executor, log *slog.Logger, jobs int, dryRun, force bool) (*Runner, error) {
	static, err := set.StaticCalibEntries()
	if err != nil {
		return nil, err
	}
	if jobs < 1 {
		jobs = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		set:     set,
		cat:     cat,
		res:     frames.NewResolver(cat, set.Version, set.CalibPath, set.Frames, static),
		sel:     selection.New(cat, set.Version, set.Frames),
		tracker: track.New(cat, set.Version),
		exec:    exec,
		log:     log,
		jobs:    jobs,
		dryRun:  dryRun,
		force:   force,
	}, nil
}

// Reconcile resets stale running records. Call once at startup.
func (r *Runner) Reconcile(ctx context.Context) (int, error) {
	return r.tracker.Reconcile(ctx)
}

// job is one pending recipe invocation.
type job struct {
	desc    recipe.Descriptor
	rc      *config.RecipeConfig
	target  string
	night   string
	insMode string
	inputs  []frames.File
	// outputMeta stamps products into processed records.
	name    string
	meta    record.FileRecord
}

// ProcessCalib runs a calibration recipe over its nights. With nights
// given, only those; otherwise every night that has a raw sequence.
func (r *Runner) ProcessCalib(ctx context.Context, recipeName string, nights []string) (*BatchReport, error) {
	desc, err := recipe.Get(recipeName)
	if err != nil {
		return nil, err
	}
	if desc.Kind != recipe.KindCalib {
		return nil, fmt.Errorf("%s is not a calibration recipe", recipeName)
	}
	rc := r.set.Recipe(recipeName)
	dprType := desc.DPRType
	if rc.DPRType != "" {
		dprType = rc.DPRType
	}

	seqs, err := r.sel.CalibSequences(ctx, dprType)
	if err != nil {
		return nil, err
	}

	wanted := map[string]bool{}
	for _, n := range nights {
		wanted[n] = true
	}

	report := &BatchReport{}
	var jobs []job
	nightList := make([]string, 0, len(seqs))
	for night := range seqs {
		nightList = append(nightList, night)
	}
	sort.Strings(nightList)

	for _, night := range nightList {
		if len(wanted) > 0 && !wanted[night] {
			continue
		}
		recs := seqs[night]
		if len(recs) < desc.MinInputs {
			report.add(Outcome{
				Recipe: recipeName, Target: night, Status: StatusSkipped,
				Reason: fmt.Sprintf("%d raw file(s), need %d", len(recs), desc.MinInputs),
			})
			continue
		}
		jobs = append(jobs, job{
			desc:    desc,
			rc:      rc,
			target:  night,
			night:   night,
			insMode: recs[0].InsMode,
			inputs:  rawFiles(recs),
			name:    recs[0].Name,
			meta:    recs[0],
		})
	}

	r.runJobs(ctx, jobs, report)
	report.Sort()
	return report, nil
}

// ProcessExp runs a science recipe per exposure of a dataset. only narrows
// the batch to the named exposures.
func (r *Runner) ProcessExp(ctx context.Context, recipeName, object string, only []string) (*BatchReport, error) {
	desc, err := recipe.Get(recipeName)
	if err != nil {
		return nil, err
	}
	if desc.Kind != recipe.KindScience {
		return nil, fmt.Errorf("%s is not a per-exposure recipe", recipeName)
	}
	rc := r.set.Recipe(recipeName)

	names, err := r.sel.Default(ctx, object, rc.ExcludeFlags)
	if err != nil {
		return nil, err
	}
	if len(only) > 0 {
		wanted := map[string]bool{}
		for _, n := range only {
			wanted[n] = true
		}
		kept := names[:0]
		for _, n := range names {
			if wanted[n] {
				kept = append(kept, n)
			}
		}
		names = kept
	}

	report := &BatchReport{}
	var jobs []job
	for _, name := range names {
		j, outcome, err := r.expJob(ctx, desc, rc, name)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			report.add(*outcome)
			continue
		}
		jobs = append(jobs, *j)
	}

	r.runJobs(ctx, jobs, report)
	report.Sort()
	return report, nil
}

// expJob builds the job for one exposure, or an outcome when the exposure
// cannot run.
func (r *Runner) expJob(ctx context.Context, desc recipe.Descriptor, rc *config.RecipeConfig, name string) (*job, *Outcome, error) {
	raws, err := r.cat.QueryRaw(ctx, query.Eq{Column: "name", Value: name})
	if err != nil {
		return nil, nil, err
	}
	if len(raws) == 0 {
		return nil, &Outcome{Recipe: desc.Name, Target: name, Status: StatusFailed,
			Reason: "raw exposure not in catalog"}, nil
	}
	raw := raws[0]

	j := &job{
		desc:    desc,
		rc:      rc,
		target:  name,
		night:   raw.Night,
		insMode: raw.InsMode,
		name:    name,
		meta:    raw,
	}

	if desc.DPRType == raw.Type {
		// The recipe consumes the raw exposure itself.
		j.inputs = rawFiles([]record.FileRecord{raw})
		return j, nil, nil
	}

	// The recipe consumes an earlier recipe's product of this exposure.
	from := rc.FromRecipe
	if from == "" {
		from = "nocturne_scibasic"
	}
	recs, err := r.cat.QueryReduced(ctx, r.set.Version, query.AndOf(
		query.Eq{Column: "name", Value: name},
		query.Eq{Column: "recipe_name", Value: from},
		query.Eq{Column: "dpr_type", Value: desc.DPRType},
	))
	if err != nil {
		return nil, nil, err
	}
	if len(recs) == 0 {
		return nil, &Outcome{Recipe: desc.Name, Target: name, Status: StatusSkipped,
			Reason: fmt.Sprintf("no %s from %s", desc.DPRType, from)}, nil
	}
	j.inputs = rawFiles(recs)
	return j, nil, nil
}

// ExpCombine runs a combination recipe once per named selection of a
// dataset.
func (r *Runner) ExpCombine(ctx context.Context, recipeName, object string) (*BatchReport, error) {
	desc, err := recipe.Get(recipeName)
	if err != nil {
		return nil, err
	}
	if desc.Kind != recipe.KindCombine {
		return nil, fmt.Errorf("%s is not a combination recipe", recipeName)
	}
	rc := r.set.Recipe(recipeName)

	selections, err := r.sel.Resolve(ctx, object, rc, recipeName)
	if err != nil {
		return nil, err
	}
	from := rc.FromRecipe
	if from == "" {
		from = "nocturne_scipost"
	}

	report := &BatchReport{}
	var jobs []job
	for _, sel := range selections {
		target := object
		if sel.Name != "" {
			target = object + "_" + sel.Name
		}
		if len(sel.Exposures) < desc.MinInputs {
			report.add(Outcome{
				Recipe: recipeName, Target: target, Status: StatusSkipped,
				Reason: fmt.Sprintf("%d exposure(s), need %d", len(sel.Exposures), desc.MinInputs),
			})
			continue
		}

		values := make([]any, len(sel.Exposures))
		for i, n := range sel.Exposures {
			values[i] = n
		}
		recs, err := r.cat.QueryReduced(ctx, r.set.Version, query.AndOf(
			query.In{Column: "name", Values: values},
			query.Eq{Column: "recipe_name", Value: from},
			query.Eq{Column: "dpr_type", Value: desc.DPRType},
		))
		if err != nil {
			return nil, err
		}
		if len(recs) < desc.MinInputs {
			report.add(Outcome{
				Recipe: recipeName, Target: target, Status: StatusSkipped,
				Reason: fmt.Sprintf("only %d of %d exposures have %s from %s",
					len(recs), len(sel.Exposures), desc.DPRType, from),
			})
			continue
		}

		jobs = append(jobs, job{
			desc:    desc,
			rc:      rc,
			target:  target,
			night:   recs[0].Night,
			insMode: recs[0].InsMode,
			inputs:  rawFiles(recs),
			name:    target,
			meta:    recs[0],
		})
	}

	r.runJobs(ctx, jobs, report)
	report.Sort()
	return report, nil
}

// runJobs executes jobs on a bounded worker pool and appends their
// outcomes to the report.
func (r *Runner) runJobs(ctx context.Context, jobs []job, report *BatchReport) {
	if len(jobs) == 0 {
		return
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	ch := make(chan job)

	workers := r.jobs
	if workers > len(jobs) {
		workers = len(jobs)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range ch {
				outcome := r.runOne(ctx, j)
				mu.Lock()
				report.add(outcome)
				mu.Unlock()
			}
		}()
	}
	for _, j := range jobs {
		ch <- j
	}
	close(ch)
	wg.Wait()
}

// runOne claims, resolves and executes a single job.
func (r *Runner) runOne(ctx context.Context, j job) Outcome {
	params := j.rc.Params
	paramsID, err := record.ParamsID(params)
	if err != nil {
		return Outcome{Recipe: j.desc.Name, Target: j.target, Status: StatusFailed,
			Reason: "hash params: " + err.Error()}
	}

	frameMap, err := r.resolveFrames(ctx, j)
	if err != nil {
		return Outcome{Recipe: j.desc.Name, Target: j.target, Status: StatusFailed,
			Reason: err.Error()}
	}

	if r.dryRun {
		return Outcome{Recipe: j.desc.Name, Target: j.target, Status: StatusDryRun,
			Products: len(frameMap)}
	}

	key := record.RunKey{
		Recipe:   j.desc.Name,
		Target:   j.target,
		ParamsID: paramsID,
		Version:  r.set.Version,
	}
	claim, err := r.tracker.Claim(ctx, key, r.force)
	if err != nil {
		var conflict *track.ConflictError
		var done *track.AlreadyDoneError
		switch {
		case errors.As(err, &done):
			return Outcome{Recipe: j.desc.Name, Target: j.target, Status: StatusSkipped,
				RunID: done.PriorID, Reason: "already succeeded"}
		case errors.As(err, &conflict):
			return Outcome{Recipe: j.desc.Name, Target: j.target, Status: StatusConflict,
				RunID: conflict.PriorID, Reason: "run in progress"}
		default:
			return Outcome{Recipe: j.desc.Name, Target: j.target, Status: StatusFailed,
				Reason: err.Error()}
		}
	}

	outputDir := filepath.Join(r.set.ReducedPath, r.set.Version, j.desc.Name, j.target)
	logPath := ""
	if r.set.LogDir != "" {
		logPath = filepath.Join(r.set.LogDir, r.set.Version, j.desc.Name, j.target+".log")
	}

	inv := recipe.Invocation{
		Recipe:    j.desc.Name,
		Target:    j.target,
		Version:   r.set.Version,
		Night:     j.night,
		InsMode:   j.insMode,
		Inputs:    j.inputs,
		Frames:    frameMap,
		Params:    params,
		OutputDir: outputDir,
		LogPath:   logPath,
	}

	result, err := r.exec.Run(ctx, inv)
	if err != nil {
		if ferr := r.tracker.Fail(ctx, claim, logPath, err.Error()); ferr != nil {
			r.log.Error("record failure", "run", claim.ID, "err", ferr)
		}
		return Outcome{Recipe: j.desc.Name, Target: j.target, Status: StatusFailed,
			RunID: claim.ID, Reason: err.Error()}
	}

	outputs := make([]record.FileRecord, 0, len(result.Products))
	for _, p := range result.Products {
		outputs = append(outputs, record.FileRecord{
			Name:       j.name,
			Type:       p.Type,
			Night:      j.night,
			DateObs:    j.meta.DateObs,
			Path:       p.Path,
			Run:        j.meta.Run,
			Object:     j.meta.Object,
			InsMode:    j.insMode,
			RecipeName: j.desc.Name,
		})
	}
	if err := r.tracker.Succeed(ctx, claim, logPath, outputDir, result.Products, outputs); err != nil {
		return Outcome{Recipe: j.desc.Name, Target: j.target, Status: StatusFailed,
			RunID: claim.ID, Reason: err.Error()}
	}
	return Outcome{Recipe: j.desc.Name, Target: j.target, Status: StatusSucceeded,
		RunID: claim.ID, Products: len(result.Products)}
}

// resolveFrames resolves a job's calibration needs, adding the nearest
// illumination exposure for recipes that use one.
func (r *Runner) resolveFrames(ctx context.Context, j job) (frames.Map, error) {
	m, err := r.res.Resolve(ctx, j.desc.Needs, j.night, j.insMode, j.rc.Frames)
	if err != nil {
		return nil, err
	}
	if j.desc.Illum && !j.rc.Frames.ExcludesType("ILLUM") {
		illum, err := r.findIllum(ctx, j.meta)
		if err != nil {
			return nil, err
		}
		if illum != nil {
			m["ILLUM"] = []frames.File{*illum}
		}
	}
	return m, nil
}

func rawFiles(recs []record.FileRecord) []frames.File {
	files := make([]frames.File, len(recs))
	for i, rec := range recs {
		files[i] = frames.File{Type: rec.Type, Name: rec.Name, Path: rec.Path}
	}
	return files
}
