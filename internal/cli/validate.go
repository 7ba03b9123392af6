package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/refengine"
	"github.com/roach88/lockstep/internal/transceiver"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	Name      string            `json:"name,omitempty"`
	Hash      string            `json:"hash,omitempty"`
	Engines   []string          `json:"engines,omitempty"`
	Functions []string          `json:"functions,omitempty"`
	Errors    []ValidationIssue `json:"errors,omitempty"`
}

// ValidationIssue is one problem found in a simulation description.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <sim-dir>",
		Short: "Validate a simulation description without running it",
		Long: `Validate the CUE simulation description in a directory.

Checks the files against the simulation schema, parses every duration,
checks each engine has exactly one of type and address, and checks that
every engine type and transceiver function is known to this binary.
All problems are reported, not only the first.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, simDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	sim, loadErrors := config.Load(simDir, config.LoadModeCollectAll)

	// Directory problems are command errors, not validation failures
	if sim == nil && len(loadErrors) == 1 {
		var loadErr *config.LoadError
		if errors.As(loadErrors[0], &loadErr) && isDirectoryError(loadErr.Code) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message, nil)
		}
	}

	errs := loadErrors
	if sim != nil {
		formatter.VerboseLog("Loaded %d CUE file(s) from %s", sim.FileCount, simDir)
		errs = append(errs, sim.Check(refengine.Types(), transceiver.Default().Names())...)
	}
	if len(errs) > 0 {
		return outputValidationErrors(formatter, toIssues(errs))
	}

	return outputValidateSuccess(formatter, sim)
}

func isDirectoryError(code string) bool {
	switch code {
	case config.ErrCodeNotFound, config.ErrCodeNoFiles, config.ErrCodeScanError:
		return true
	}
	return false
}

func toIssues(errs []error) []ValidationIssue {
	issues := make([]ValidationIssue, 0, len(errs))
	for _, err := range errs {
		var loadErr *config.LoadError
		if !errors.As(err, &loadErr) {
			issues = append(issues, ValidationIssue{Code: config.ErrCodeGeneric, Message: err.Error()})
			continue
		}
		issue := ValidationIssue{Code: loadErr.Code, Message: loadErr.Message}
		if loadErr.Pos.IsValid() {
			issue.File = loadErr.Pos.Filename()
			issue.Line = loadErr.Pos.Line()
		}
		issues = append(issues, issue)
	}
	return issues
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, sim *config.Simulation) error {
	result := ValidationResult{
		Valid:     true,
		Name:      sim.Name,
		Hash:      sim.Hash,
		Functions: sim.Functions,
	}
	for _, e := range sim.Engines {
		result.Engines = append(result.Engines, e.Name)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ Simulation %s valid: %d engine(s), %d function(s)\n",
		sim.Name, len(sim.Engines), len(sim.Functions))
	for _, e := range sim.Engines {
		target := "type " + e.Type
		if e.Remote() {
			target = "address " + e.Address
		}
		formatter.VerboseLog("  engine %s: %s, resolution %s", e.Name, target, e.Resolution)
	}
	return nil
}

// outputValidateError outputs a single validation error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	// Directory errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, issues []ValidationIssue) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data: ValidationResult{
				Valid:  false,
				Errors: issues,
			},
			Error: &CLIError{
				Code:    issues[0].Code,
				Message: issues[0].Message,
			},
		}
		if err := formatter.Respond(response); err != nil {
			return err
		}

		// Validation failures = exit code 1
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(formatter.Writer, "%s:%d\n", issue.File, issue.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", issue.Code, issue.Message)
	}

	// Validation failures = exit code 1
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
}
