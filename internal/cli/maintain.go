package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nocturne-drs/nocturne/internal/track"
)

// NewCopyReducedCommand creates the copy-reduced command.
func NewCopyReducedCommand(rootOpts *RootOptions) *cobra.Command {
	var recipes []string

	cmd := &cobra.Command{
		Use:   "copy-reduced <from-version>",
		Short: "Carry succeeded results over from another version",
		Long: `Copy the processed records and succeeded run records of another
reduction version into the current one, so unchanged steps are not
reprocessed. Records already present are left alone.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			n, err := track.New(e.cat, e.set.Version).CarryOver(ctx, args[0], recipes)
			if err != nil {
				return WrapExitError(ExitCommandError, "copy reduced", err)
			}
			return e.out.Success(fmt.Sprintf("carried %d run(s) from %s to %s",
				n, args[0], e.set.Version))
		},
	}
	cmd.Flags().StringArrayVar(&recipes, "recipe", nil, "restrict to one recipe (repeatable)")
	return cmd
}

// NewCleanCommand creates the clean command.
func NewCleanCommand(rootOpts *RootOptions) *cobra.Command {
	var names []string
	var dryRun, removeFiles bool

	cmd := &cobra.Command{
		Use:   "clean <recipe>",
		Short: "Remove a recipe's processed records from the current version",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			n, err := e.cat.Clean(ctx, e.set.Version, args[0], names, dryRun, removeFiles)
			if err != nil {
				return WrapExitError(ExitCommandError, "clean", err)
			}
			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			return e.out.Success(fmt.Sprintf("%s %d record(s) of %s", verb, n, args[0]))
		},
	}
	cmd.Flags().StringArrayVar(&names, "name", nil, "restrict to one exposure or night (repeatable)")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "count only, remove nothing")
	cmd.Flags().BoolVar(&removeFiles, "remove-files", false, "also delete the output directories")
	return cmd
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Mark stale running records as failed",
		Long: `A crashed batch leaves run records in the running state. Reconcile
marks them failed so their targets can be claimed again. Batch commands
do this on startup; reconcile does it on demand.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			n, err := track.New(e.cat, e.set.Version).Reconcile(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "reconcile", err)
			}
			return e.out.Success(fmt.Sprintf("reset %d stale run(s)", n))
		},
	}
}
