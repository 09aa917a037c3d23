package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nocturne-drs/nocturne/internal/query"
)

// InfoResult summarizes the catalog's content for one reduction version.
type InfoResult struct {
	Version  string         `json:"version"`
	Raw      map[string]int `json:"raw"`
	Reduced  map[string]int `json:"reduced"`
	Runs     map[string]int `json:"runs,omitempty"`
	Warnings int            `json:"warnings"`
}

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Summarize the catalog content",
		Long: `Count raw and processed files per frame type, recipe runs per state
and recorded warnings, for the settings file's reduction version.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(rootOpts, cmd)
		},
	}
}

func runInfo(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer e.close()

	result := InfoResult{Version: e.set.Version}
	all := query.NotNull{Column: "name"}

	rawTypes, err := e.cat.SelectColumn(ctx, "", "dpr_type", all, false)
	if err != nil {
		return WrapExitError(ExitCommandError, "count raw files", err)
	}
	result.Raw = countValues(rawTypes)

	redTypes, err := e.cat.SelectColumn(ctx, e.set.Version, "dpr_type", all, false)
	if err != nil {
		return WrapExitError(ExitCommandError, "count processed files", err)
	}
	result.Reduced = countValues(redTypes)

	runs, err := e.cat.RunsByState(ctx, e.set.Version)
	if err != nil {
		return WrapExitError(ExitCommandError, "count runs", err)
	}
	result.Runs = map[string]int{}
	for _, run := range runs {
		result.Runs[string(run.State)]++
	}

	warnings, err := e.cat.Warnings(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "count warnings", err)
	}
	result.Warnings = len(warnings)

	if e.out.Format == "json" {
		return e.out.Success(result)
	}

	w := e.out.Writer
	fmt.Fprintf(w, "version %s\n", result.Version)
	fmt.Fprintln(w, "raw files:")
	printCounts(e, result.Raw)
	fmt.Fprintln(w, "processed files:")
	printCounts(e, result.Reduced)
	if len(result.Runs) > 0 {
		fmt.Fprintln(w, "runs:")
		printCounts(e, result.Runs)
	}
	fmt.Fprintf(w, "warnings: %d\n", result.Warnings)
	return nil
}

func countValues(values []string) map[string]int {
	counts := map[string]int{}
	for _, v := range values {
		counts[v]++
	}
	return counts
}

func printCounts(e *env, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(e.out.Writer, "  %-24s %d\n", k, counts[k])
	}
}
