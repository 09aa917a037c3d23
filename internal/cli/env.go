package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nocturne-drs/nocturne/internal/catalog"
	"github.com/nocturne-drs/nocturne/internal/config"
)

// env bundles what a loaded command works with: the parsed settings, the
// opened catalog and a formatter wired to the command's streams.
type env struct {
	set *config.Settings
	cat *catalog.Catalog
	out *OutputFormatter
	log *slog.Logger
}

func (e *env) close() {
	if e.cat != nil {
		e.cat.Close()
	}
}

// formatter builds an OutputFormatter on the command's streams.
func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// loadSettings parses the settings file, reporting load errors with their
// code through the formatter.
func loadSettings(opts *RootOptions, f *OutputFormatter) (*config.Settings, error) {
	set, err := config.Load(opts.Settings)
	if err != nil {
		var lerr *config.LoadError
		if errors.As(err, &lerr) {
			_ = f.Error(lerr.Code, lerr.Message, nil)
			return nil, NewExitError(ExitCommandError, lerr.Error())
		}
		return nil, WrapExitError(ExitCommandError, "load settings", err)
	}
	return set, nil
}

// openEnv loads the settings, opens the catalog and prepares logging.
// Callers must close the returned env.
func openEnv(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*env, error) {
	f := formatter(opts, cmd)
	set, err := loadSettings(opts, f)
	if err != nil {
		return nil, err
	}
	if opts.VersionTag != "" {
		set.Version = opts.VersionTag
	}

	log := setupLogging(set, opts.Verbose, opts.Format)

	dbPath := set.DB
	if dbPath == "" {
		dbPath = filepath.Join(set.Workdir, "nocturne.db")
	}
	cat, err := catalog.Open(dbPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open catalog", err)
	}
	if err := cat.EnsureVersion(ctx, set.Version); err != nil {
		cat.Close()
		return nil, WrapExitError(ExitCommandError, "prepare version tables", err)
	}

	return &env{set: set, cat: cat, out: f, log: log}, nil
}

// setupLogging configures the default slog logger from the settings file.
// The verbose flag wins over the configured level; with JSON output the
// log records are JSON too.
func setupLogging(set *config.Settings, verbose bool, format string) *slog.Logger {
	level := slog.LevelInfo
	switch set.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warning", "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}
