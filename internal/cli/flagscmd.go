package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nocturne-drs/nocturne/internal/flags"
)

// NewFlagsCommand creates the flags command group.
func NewFlagsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Manage QA flags on exposures",
		Long: `QA flags mark exposures with known quality problems. Flagged
exposures are dropped from selections whose recipe excludes their
flags.`,
	}
	cmd.AddCommand(newFlagsAddCommand(rootOpts))
	cmd.AddCommand(newFlagsRemoveCommand(rootOpts))
	cmd.AddCommand(newFlagsListCommand(rootOpts))
	cmd.AddCommand(newFlagsFindCommand(rootOpts))
	return cmd
}

// openFlags opens the environment and binds the flag set of its version.
func openFlags(opts *RootOptions, cmd *cobra.Command) (*env, *flags.Set, error) {
	e, err := openEnv(cmd.Context(), opts, cmd)
	if err != nil {
		return nil, nil, err
	}
	return e, flags.New(e.cat, e.set.Version, e.set.AdditionalFlags), nil
}

// flagsErr maps unknown-flag errors to a command error with the known
// names listed.
func flagsErr(e *env, set *flags.Set, err error) error {
	var unknown *flags.UnknownFlagError
	if errors.As(err, &unknown) {
		_ = e.out.Error("F001", err.Error(), set.Names())
		return NewExitError(ExitCommandError, err.Error())
	}
	return WrapExitError(ExitCommandError, "flags", err)
}

func newFlagsAddCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "add <flag> <exposure...>",
		Short:         "Set a QA flag on exposures",
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, set, err := openFlags(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.close()
			if err := set.Add(cmd.Context(), args[1:], args[:1]); err != nil {
				return flagsErr(e, set, err)
			}
			return e.out.Success(fmt.Sprintf("flagged %d exposure(s) with %s", len(args)-1, args[0]))
		},
	}
}

func newFlagsRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "remove <flag> <exposure...>",
		Short:         "Remove a QA flag from exposures",
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, set, err := openFlags(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.close()
			if err := set.Remove(cmd.Context(), args[1:], args[:1]); err != nil {
				return flagsErr(e, set, err)
			}
			return e.out.Success(fmt.Sprintf("unflagged %d exposure(s)", len(args)-1))
		},
	}
}

func newFlagsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list [exposure]",
		Short: "List known flags, or the flags set on one exposure",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, set, err := openFlags(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			if len(args) == 0 {
				if e.out.Format == "json" {
					return e.out.Success(set.Names())
				}
				for _, name := range set.Names() {
					desc, _ := set.Describe(name)
					fmt.Fprintf(e.out.Writer, "%-24s %s\n", name, desc)
				}
				return nil
			}

			names, err := set.List(cmd.Context(), args[0])
			if err != nil {
				return flagsErr(e, set, err)
			}
			if e.out.Format == "json" {
				return e.out.Success(names)
			}
			for _, name := range names {
				fmt.Fprintln(e.out.Writer, name)
			}
			return nil
		},
	}
}

func newFlagsFindCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "find [flag...]",
		Short:         "Find exposures carrying flags",
		Long:          "List the exposures carrying any of the given flags, or any flag at all.",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, set, err := openFlags(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			names, err := set.Find(cmd.Context(), args)
			if err != nil {
				return flagsErr(e, set, err)
			}
			if e.out.Format == "json" {
				return e.out.Success(names)
			}
			for _, name := range names {
				fmt.Fprintln(e.out.Writer, name)
			}
			return nil
		},
	}
}
