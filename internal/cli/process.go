package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nocturne-drs/nocturne/internal/recipe"
	"github.com/nocturne-drs/nocturne/internal/reduce"
)

// ProcessOptions holds the flags shared by the batch commands.
type ProcessOptions struct {
	*RootOptions
	Jobs   int
	DryRun bool
	Force  bool
	Driver string

	// Executor overrides the recipe driver (for testing). Nil means a
	// subprocess driver built from the --driver flag.
	Executor recipe.Executor
}

func (o *ProcessOptions) bindFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&o.Jobs, "jobs", "j", 1, "number of targets to process in parallel")
	cmd.Flags().BoolVarP(&o.DryRun, "dry-run", "n", false, "resolve frames but run nothing")
	cmd.Flags().BoolVar(&o.Force, "force", false, "supersede succeeded runs and process again")
	cmd.Flags().StringVar(&o.Driver, "driver", "nocturne-driver", "recipe driver executable")
}

// newRunner opens a runner for a batch command, reconciling stale run
// records first.
func newRunner(ctx context.Context, e *env, opts *ProcessOptions) (*reduce.Runner, error) {
	exec := opts.Executor
	if exec == nil {
		exec = &recipe.Exec{Command: opts.Driver, Log: e.log}
	}
	r, err := reduce.NewRunner(e.set, e.cat, exec, e.log, opts.Jobs, opts.DryRun, opts.Force)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "prepare runner", err)
	}
	stale, err := r.Reconcile(ctx)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "reconcile runs", err)
	}
	if stale > 0 {
		e.log.Warn("reset stale runs", "count", stale)
	}
	return r, nil
}

// NewProcessCalibCommand creates the process-calib command.
func NewProcessCalibCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProcessOptions{RootOptions: rootOpts}
	var nights []string

	cmd := &cobra.Command{
		Use:   "process-calib [recipe...]",
		Short: "Run calibration recipes night by night",
		Long: `Run calibration recipes over every night that has a raw sequence.
Without arguments the whole calibration chain runs in dependency order;
with recipe names, only those.

Example:
  nocturne process-calib
  nocturne process-calib nocturne_bias --night 2017-06-15 -j 4`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcessCalib(opts, args, nights, cmd)
		},
	}
	opts.bindFlags(cmd)
	cmd.Flags().StringArrayVar(&nights, "night", nil, "restrict to one night (repeatable)")
	return cmd
}

func runProcessCalib(opts *ProcessOptions, recipes, nights []string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer e.close()

	if len(recipes) == 0 {
		for _, desc := range recipe.Calibs() {
			recipes = append(recipes, desc.Name)
		}
	}

	r, err := newRunner(ctx, e, opts)
	if err != nil {
		return err
	}

	combined := &reduce.BatchReport{}
	for _, name := range recipes {
		report, err := r.ProcessCalib(ctx, name, nights)
		if err != nil {
			return WrapExitError(ExitCommandError, name, err)
		}
		combined.Outcomes = append(combined.Outcomes, report.Outcomes...)
	}
	return e.out.Report(combined)
}

// NewProcessExpCommand creates the process-exp command.
func NewProcessExpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProcessOptions{RootOptions: rootOpts}
	var exposures []string
	var recipes []string

	cmd := &cobra.Command{
		Use:   "process-exp <dataset>",
		Short: "Run science recipes per exposure of a dataset",
		Long: `Run the per-exposure science recipes over a dataset's exposures,
excluded and flagged ones removed. Without --recipe the standard chain
runs (nocturne_scibasic then nocturne_scipost).

Example:
  nocturne process-exp IC4406 -j 4
  nocturne process-exp IC4406 --recipe nocturne_scipost --exp 2017-06-16T01:34:56.867`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcessExp(opts, args[0], recipes, exposures, cmd)
		},
	}
	opts.bindFlags(cmd)
	cmd.Flags().StringArrayVar(&recipes, "recipe", nil, "science recipe to run (repeatable)")
	cmd.Flags().StringArrayVar(&exposures, "exp", nil, "restrict to one exposure name (repeatable)")
	return cmd
}

func runProcessExp(opts *ProcessOptions, dataset string, recipes, exposures []string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer e.close()

	object, err := datasetObject(e, dataset)
	if err != nil {
		return err
	}
	if len(recipes) == 0 {
		recipes = []string{"nocturne_scibasic", "nocturne_scipost"}
	}

	r, err := newRunner(ctx, e, opts)
	if err != nil {
		return err
	}

	combined := &reduce.BatchReport{}
	for _, name := range recipes {
		report, err := r.ProcessExp(ctx, name, object, exposures)
		if err != nil {
			return WrapExitError(ExitCommandError, name, err)
		}
		combined.Outcomes = append(combined.Outcomes, report.Outcomes...)
	}
	return e.out.Report(combined)
}

// NewExpCombineCommand creates the exp-combine command.
func NewExpCombineCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProcessOptions{RootOptions: rootOpts}
	var recipeName string

	cmd := &cobra.Command{
		Use:   "exp-combine <dataset>",
		Short: "Combine a dataset's exposures into final cubes",
		Long: `Combine the reduced exposures of a dataset, once per named selection
of the combination recipe (or once over the whole dataset when the
recipe defines none).`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExpCombine(opts, args[0], recipeName, cmd)
		},
	}
	opts.bindFlags(cmd)
	cmd.Flags().StringVar(&recipeName, "recipe", "nocturne_exp_combine", "combination recipe")
	return cmd
}

func runExpCombine(opts *ProcessOptions, dataset, recipeName string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer e.close()

	object, err := datasetObject(e, dataset)
	if err != nil {
		return err
	}
	r, err := newRunner(ctx, e, opts)
	if err != nil {
		return err
	}
	report, err := r.ExpCombine(ctx, recipeName, object)
	if err != nil {
		return WrapExitError(ExitCommandError, recipeName, err)
	}
	return e.out.Report(report)
}

// datasetObject maps a dataset name to its OBJECT keyword. A name that is
// not a configured dataset is used as the object itself.
func datasetObject(e *env, dataset string) (string, error) {
	if ds, ok := e.set.Datasets[dataset]; ok {
		if ds.Object == "" {
			return "", NewExitError(ExitCommandError,
				fmt.Sprintf("dataset %s has no OBJECT", dataset))
		}
		return ds.Object, nil
	}
	return dataset, nil
}
