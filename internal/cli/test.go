package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/formcore/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update    bool
	Filter    string
	GoldenDir string // overrides <scenario dir>/golden
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Note   string   `json:"note,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult tallies a test run.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run scenario files against an in-memory stack",
		Long: `Run YAML scenarios, each against a fresh in-memory stack.

Every step's expectations and the final state assertions are checked. When a
golden file exists for a scenario its trace must match it byte for byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  formcore test ./scenarios --filter "archive_*"
  formcore test ./scenarios --golden ./golden --update`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden", "", "golden file directory (default <scenario dir>/golden)")
	return cmd
}

func runTests(opts *TestOptions, dir string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return NewExitError(ExitCommandError, "scenarios directory not found: "+dir)
	}
	files, err := findScenarioFiles(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	result := TestResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	if len(files) == 0 {
		return out.Success("No scenarios found.", result)
	}
	for _, file := range files {
		r := opts.runScenario(cmd, file)
		if r.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, r)
	}

	if result.Failed == 0 {
		return out.Success(result.text(), result)
	}
	msg := fmt.Sprintf("%d scenario(s) failed", result.Failed)
	if out.Format == "json" {
		err = out.encode(CLIResponse{Status: "error", Data: result, Error: &CLIError{Code: "TEST_FAILED", Message: msg}})
	} else {
		_, err = fmt.Fprintln(out.Writer, result.text())
	}
	if err != nil {
		return err
	}
	return NewExitError(ExitFailure, msg)
}

func (r TestResult) text() string {
	var b strings.Builder
	for _, s := range r.Scenarios {
		mark := "✓"
		if !s.Pass {
			mark = "✗"
		}
		fmt.Fprintf(&b, "%s %s", mark, s.Name)
		if s.Note != "" {
			fmt.Fprintf(&b, " (%s)", s.Note)
		}
		b.WriteByte('\n')
		for _, e := range s.Errors {
			fmt.Fprintf(&b, "  %s\n", e)
		}
	}
	fmt.Fprintf(&b, "\n%d passed, %d failed, %d total", r.Passed, r.Failed, r.Total)
	return b.String()
}

// findScenarioFiles lists the .yaml and .yml files under dir whose base
// name matches filter.
func findScenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			ok, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// runScenario runs one file and checks, or with --update rewrites, its
// golden trace.
func (o *TestOptions) runScenario(cmd *cobra.Command, file string) ScenarioResult {
	fail := func(name string, errs ...string) ScenarioResult {
		return ScenarioResult{Name: name, Errors: errs}
	}

	s, err := harness.LoadScenario(file)
	if err != nil {
		return fail(filepath.Base(file), "load error: "+err.Error())
	}
	res, err := harness.Run(commandContext(cmd), s)
	if err != nil {
		return fail(s.Name, "execution error: "+err.Error())
	}
	trace, err := harness.Snapshot(s.Name, res)
	if err != nil {
		return fail(s.Name, "snapshot error: "+err.Error())
	}

	golden := o.goldenPath(file)
	if o.Update {
		if err := os.MkdirAll(filepath.Dir(golden), 0755); err != nil {
			return fail(s.Name, "golden update error: "+err.Error())
		}
		if err := os.WriteFile(golden, trace, 0644); err != nil {
			return fail(s.Name, "golden update error: "+err.Error())
		}
		return ScenarioResult{Name: s.Name, Pass: true, Note: "golden updated"}
	}

	want, err := os.ReadFile(golden)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fail(s.Name, "golden read error: "+err.Error())
	case !bytes.Equal(want, trace):
		return fail(s.Name, "Golden file mismatch (run with --update to regenerate)")
	}
	if !res.Pass {
		return fail(s.Name, res.Errors...)
	}
	return ScenarioResult{Name: s.Name, Pass: true}
}

// goldenPath returns the golden file for a scenario file.
func (o *TestOptions) goldenPath(scenarioFile string) string {
	dir := o.GoldenDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(scenarioFile), "golden")
	}
	base := filepath.Base(scenarioFile)
	return filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".golden")
}
