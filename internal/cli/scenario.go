package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/blockstate/internal/harness"
)

// ScenarioOptions holds flags for the scenario run command.
type ScenarioOptions struct {
	*RootOptions
	Update    bool   // regenerate golden files
	Filter    string // scenario filter (glob pattern on the file name)
	GoldenDir string // overrides <scenario dir>/golden
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	File   string   `json:"file"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"` // "match", "updated" or "absent"
	Errors []string `json:"errors,omitempty"`
}

// ScenarioSummary holds the overall result.
type ScenarioSummary struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command group.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run replication scenarios",
	}
	cmd.AddCommand(newScenarioRunCommand(rootOpts))
	return cmd
}

func newScenarioRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run PATH...",
		Short: "Run scenario files against in-memory nodes",
		Long: `Run YAML scenarios against nodes on an in-memory network with a manual
clock. Each PATH is a scenario file or a directory of them.

A scenario passes when every step expectation and assertion holds and,
if a golden file exists, its trace matches byte for byte. Golden files
live in <scenario dir>/golden/<name>.golden unless --golden is set.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing paths, etc.)

Examples:
  blockstate scenario run ./testdata/scenarios
  blockstate scenario run ./testdata/scenarios --filter "branch_*"
  blockstate scenario run ./testdata/scenarios --update
  blockstate scenario run reorder.yaml --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden", "", "golden file directory")

	return cmd
}

func runScenarios(cmd *cobra.Command, opts *ScenarioOptions, paths []string) error {
	var files []string
	for _, p := range paths {
		found, err := findScenarioFiles(p, opts.Filter)
		if err != nil {
			return WrapExitError(ExitCommandError, "find scenarios", err)
		}
		files = append(files, found...)
	}

	summary := ScenarioSummary{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	logger := opts.logger(cmd)
	for _, f := range files {
		res := runScenario(cmd, opts, f)
		logger.Debug("scenario finished", "name", res.Name, "pass", res.Pass)
		summary.Scenarios = append(summary.Scenarios, res)
		if res.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}

	if opts.Format == "json" {
		return outputScenarioJSON(cmd.OutOrStdout(), summary)
	}
	return outputScenarioText(cmd.OutOrStdout(), summary)
}

// findScenarioFiles returns path itself when it is a file, or every
// .yaml/.yml file beneath it when it is a directory. Golden directories
// are skipped.
func findScenarioFiles(path, filter string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("scenario path not found: %s", path)
		}
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "golden" && p != path {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, p)
		return nil
	})
	return files, err
}

// goldenFilePath returns the golden file for a scenario.
func goldenFilePath(opts *ScenarioOptions, scenarioFile, name string) string {
	dir := opts.GoldenDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(scenarioFile), "golden")
	}
	return filepath.Join(dir, name+".golden")
}

// runScenario executes one scenario file. Progress lines are written in
// text mode only.
func runScenario(cmd *cobra.Command, opts *ScenarioOptions, file string) ScenarioResult {
	w := io.Discard
	if opts.Format != "json" {
		w = cmd.OutOrStdout()
	}
	res := ScenarioResult{Name: filepath.Base(file), File: file}
	fail := func(errs ...string) ScenarioResult {
		res.Pass = false
		res.Errors = append(res.Errors, errs...)
		fmt.Fprintf(w, "✗ %s\n", res.Name)
		for _, e := range res.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		return res
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return fail(fmt.Sprintf("load: %v", err))
	}
	res.Name = scenario.Name

	var hopts []harness.Option
	if opts.Verbose {
		hopts = append(hopts, harness.WithLogger(opts.logger(cmd)))
	}
	result, err := harness.Run(cmd.Context(), scenario, hopts...)
	if err != nil {
		return fail(fmt.Sprintf("execution failed: %v", err))
	}

	trace, err := harness.MarshalTrace(scenario.Name, result.Trace)
	if err != nil {
		return fail(fmt.Sprintf("marshal trace: %v", err))
	}
	goldenPath := goldenFilePath(opts, file, scenario.Name)

	switch {
	case opts.Update:
		if err := os.MkdirAll(filepath.Dir(goldenPath), 0o755); err != nil {
			return fail(fmt.Sprintf("create golden directory: %v", err))
		}
		if err := os.WriteFile(goldenPath, trace, 0o644); err != nil {
			return fail(fmt.Sprintf("write golden file: %v", err))
		}
		res.Golden = "updated"
	default:
		want, err := os.ReadFile(goldenPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			res.Golden = "absent"
		case err != nil:
			return fail(fmt.Sprintf("read golden file: %v", err))
		case !bytes.Equal(want, trace):
			return fail(append(result.Errors, "trace does not match golden file (run with --update to regenerate)")...)
		default:
			res.Golden = "match"
		}
	}

	if !result.Pass {
		return fail(result.Errors...)
	}
	res.Pass = true
	if res.Golden == "updated" {
		fmt.Fprintf(w, "✓ %s (golden updated)\n", res.Name)
	} else {
		fmt.Fprintf(w, "✓ %s\n", res.Name)
	}
	return res
}

func outputScenarioJSON(w io.Writer, summary ScenarioSummary) error {
	response := CLIResponse{Status: "ok", Data: summary}
	if summary.Failed > 0 {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_SCENARIO_FAILED",
			Message: fmt.Sprintf("%d scenario(s) failed", summary.Failed),
		}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return reported(NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", summary.Failed)))
	}
	return nil
}

func outputScenarioText(w io.Writer, summary ScenarioSummary) error {
	if summary.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Scenario Summary: %d passed, %d failed, %d total\n", summary.Passed, summary.Failed, summary.Total)
	if summary.Failed > 0 {
		return reported(NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", summary.Failed)))
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
