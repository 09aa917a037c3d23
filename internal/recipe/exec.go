package recipe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Exec runs recipes through an external pipeline driver executable.
//
// The driver receives the invocation as JSON on stdin plus the recipe name
// as its last argument, writes its log to stderr and reports the products
// it produced as JSON on stdout. Any nonzero exit fails the run.
type Exec struct {
	Command string
	Args    []string
	Env     []string
	Log     *slog.Logger
}

func (e *Exec) Run(ctx context.Context, inv Invocation) (*Report, error) {
	payload, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("encode invocation: %w", err)
	}

	args := append(append([]string(nil), e.Args...), inv.Recipe)
	cmd := exec.CommandContext(ctx, e.Command, args...)
	cmd.Stdin = bytes.NewReader(payload)
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if inv.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(inv.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		logFile, err := os.Create(inv.LogPath)
		if err != nil {
			return nil, fmt.Errorf("create log file: %w", err)
		}
		defer logFile.Close()
		cmd.Stderr = logFile
	}

	logger := e.Log
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("running recipe",
		"recipe", inv.Recipe,
		"target", inv.Target,
		"inputs", len(inv.Inputs))

	start := time.Now()
	if err := cmd.Run(); err != nil {
		detail := ""
		if inv.LogPath == "" && stderr.Len() > 0 {
			detail = ": " + tail(stderr.String(), 400)
		}
		return nil, fmt.Errorf("%s on %s: %w%s", inv.Recipe, inv.Target, err, detail)
	}

	var report Report
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		return nil, fmt.Errorf("%s on %s: bad driver report: %w", inv.Recipe, inv.Target, err)
	}

	logger.Info("recipe finished",
		"recipe", inv.Recipe,
		"target", inv.Target,
		"products", len(report.Products),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return &report, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
