package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/nocturne-drs/nocturne/internal/reduce"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // successful execution
	ExitFailure      = 1 // batch had failing targets, validation failed
	ExitCommandError = 2 // command error (bad settings file, missing catalog)
)

// ExitError carries a specific exit code out of a RunE.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure when the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the standard JSON envelope for CLI output.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"` // "S001", ...
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only with verbose mode enabled. When the
// format is JSON, logs go to ErrWriter so they never corrupt the payload.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// Report prints a batch report in the configured format and maps failing
// targets to ExitFailure.
func (f *OutputFormatter) Report(report *reduce.BatchReport) error {
	if f.Format == "json" {
		if err := json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   report,
		}); err != nil {
			return err
		}
	} else {
		for _, o := range report.Outcomes {
			line := fmt.Sprintf("%-10s %s %s", o.Status, o.Recipe, o.Target)
			if o.Reason != "" {
				line += " (" + o.Reason + ")"
			}
			fmt.Fprintln(f.Writer, line)
		}
		fmt.Fprintf(f.Writer, "%d succeeded, %d skipped, %d failed\n",
			report.Count(reduce.StatusSucceeded),
			report.Count(reduce.StatusSkipped),
			report.Count(reduce.StatusFailed))
	}
	if report.Failed() {
		return NewExitError(ExitFailure,
			fmt.Sprintf("%d target(s) failed", report.Count(reduce.StatusFailed)))
	}
	return nil
}
