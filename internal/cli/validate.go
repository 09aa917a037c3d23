package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ValidationResult holds a settings validation result.
type ValidationResult struct {
	Valid    bool `json:"valid"`
	Datasets int  `json:"datasets"`
	Runs     int  `json:"runs"`
	Recipes  int  `json:"recipes"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the settings file without touching the catalog",
		Long: `Parse and validate the settings file: variable substitution, schema
conformance and recipe inheritance. Nothing is opened or written.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd)
		},
	}
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	f := formatter(opts, cmd)
	set, err := loadSettings(opts, f)
	if err != nil {
		return err
	}

	result := ValidationResult{
		Valid:    true,
		Datasets: len(set.Datasets),
		Runs:     len(set.Runs),
		Recipes:  len(set.Recipes),
	}
	if f.Format == "json" {
		return f.Success(result)
	}
	fmt.Fprintf(f.Writer, "settings valid: %d dataset(s), %d run(s), %d recipe(s)\n",
		result.Datasets, result.Runs, result.Recipes)
	return nil
}
