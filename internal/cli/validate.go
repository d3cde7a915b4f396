package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medrelay/agent/internal/profile"
	"github.com/medrelay/agent/internal/rules"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid       bool   `json:"valid"`
	Profile     string `json:"profile"`
	Connections int    `json:"connections,omitempty"`
	Rules       int    `json:"rules,omitempty"`
	Scripts     int    `json:"scripts,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (r ValidationResult) String() string {
	if !r.Valid {
		return fmt.Sprintf("%s: INVALID\n  %s", r.Profile, r.Error)
	}
	return fmt.Sprintf("%s: OK (%d connections, %d rules, %d scripts)",
		r.Profile, r.Connections, r.Rules, r.Scripts)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <profile>",
		Short: "Validate a profile without starting the agent",
		Long: `Validate a profile file: YAML structure, connection roster,
rule references, CUE rule files, and script compilation. Reports the
first error found. Faster feedback than starting the agent.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, profilePath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(profilePath); err != nil {
		if outErr := formatter.Error(ErrCodeNotFound, fmt.Sprintf("profile not found: %s", profilePath), nil); outErr != nil {
			return outErr
		}
		return NewExitError(ExitCommandError, "profile not found")
	}

	prof, err := profile.Load(profilePath)
	if err != nil {
		return invalidProfile(formatter, profilePath, ErrCodeProfile, err)
	}
	formatter.VerboseLog("Profile parsed: %d connection(s), %d rule(s)", len(prof.Connections), len(prof.Rules))

	// Compile rules and scripts the way the agent would at startup.
	if _, err := rules.NewEngine(prof.Rules, rules.NewTagScriptRuntime(), prof.Scripts); err != nil {
		return invalidProfile(formatter, profilePath, ErrCodeRules, err)
	}

	return formatter.Success(ValidationResult{
		Valid:       true,
		Profile:     profilePath,
		Connections: len(prof.Connections),
		Rules:       len(prof.Rules),
		Scripts:     len(prof.Scripts),
	})
}

func invalidProfile(formatter *OutputFormatter, profilePath, code string, err error) error {
	if outErr := formatter.Error(code, err.Error(), nil); outErr != nil {
		return outErr
	}
	return WrapExitError(ExitFailure, "validation failed", err)
}
