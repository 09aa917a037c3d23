package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nocturne-drs/nocturne/internal/selection"
)

// NewSelectCommand creates the select command.
func NewSelectCommand(rootOpts *RootOptions) *cobra.Command {
	var recipeName string

	cmd := &cobra.Command{
		Use:   "select <dataset>",
		Short: "Show which exposures a recipe's selections match",
		Long: `Resolve a dataset's exposures the way a batch would: the default
selection first, then each named selection of the recipe given with
--recipe.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelect(rootOpts, args[0], recipeName, cmd)
		},
	}
	cmd.Flags().StringVar(&recipeName, "recipe", "nocturne_exp_combine", "recipe whose selections apply")
	return cmd
}

func runSelect(opts *RootOptions, dataset, recipeName string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer e.close()

	object, err := datasetObject(e, dataset)
	if err != nil {
		return err
	}

	engine := selection.New(e.cat, e.set.Version, e.set.Frames)
	results, err := engine.Resolve(ctx, object, e.set.Recipe(recipeName), recipeName)
	if err != nil {
		return WrapExitError(ExitCommandError, "resolve selections", err)
	}

	if e.out.Format == "json" {
		return e.out.Success(results)
	}
	for _, res := range results {
		name := res.Name
		if name == "" {
			name = "default"
		}
		fmt.Fprintf(e.out.Writer, "%s: %d exposure(s)\n", name, len(res.Exposures))
		for _, exp := range res.Exposures {
			fmt.Fprintf(e.out.Writer, "  %s\n", exp)
		}
	}
	return nil
}
