package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/engine"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// Exit codes for the exec command.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitBlocked = 2
	ExitTimeout = 3
)

var (
	execConfigPath string
	execCode       string
	execTask       string
	execTimeout    int
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Run a code snippet or task once and print the result",
	Long: `Run a single execution without starting the service. Code is read from
the --code flag, or from stdin when the flag is "-". Tasks are resolved
against the staged tool index and turned into a script before running.

Examples:
  sanduku exec -c 'print(21 * 2)'
  echo 'print("hi")' | sanduku exec -c -
  sanduku exec -t "get the weather forecast for Nairobi"

Exit codes:
  0  success
  1  execution failure
  2  blocked by guardrails
  3  timed out`,
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	execCmd.Flags().StringVarP(&execCode, "code", "c", "", "Python code to run (\"-\" reads stdin)")
	execCmd.Flags().StringVarP(&execTask, "task", "t", "", "natural-language task to run")
	execCmd.Flags().IntVar(&execTimeout, "timeout", 300, "overall timeout in seconds")
}

func runExec(_ *cobra.Command, _ []string) error {
	// os.Exit skips deferred cleanups, so the execution runs in a helper
	// whose defers (pool close, cache flush, tracer shutdown) complete
	// before the process exits.
	exit, err := execOnce()
	if err != nil {
		return err
	}
	os.Exit(exit)
	return nil
}

func execOnce() (int, error) {
	if (execCode == "") == (execTask == "") {
		return ExitFailure, fmt.Errorf("exactly one of --code or --task is required")
	}

	code := execCode
	if code == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return ExitFailure, fmt.Errorf("reading code from stdin: %w", err)
		}
		code = string(data)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", execConfigPath))
	if err != nil {
		return ExitFailure, err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return ExitFailure, err
	}
	defer sc.Cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(execTimeout)*time.Second)
	defer cancel()

	if _, err := sc.Stager.Stage(ctx); err != nil {
		return ExitFailure, fmt.Errorf("staging workspace: %w", err)
	}

	var ex *engine.Execution
	if code != "" {
		ex = sc.Engine.ExecuteCode(ctx, code)
	} else {
		ex, err = sc.Engine.ExecuteTask(ctx, execTask)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitFailure, nil
		}
	}

	printOutcome(ex)
	return exitCode(ex.Outcome.Status), nil
}

func exitCode(status sandbox.Status) int {
	switch status {
	case sandbox.StatusSuccess:
		return ExitSuccess
	case sandbox.StatusBlocked:
		return ExitBlocked
	case sandbox.StatusTimeout:
		return ExitTimeout
	default:
		return ExitFailure
	}
}

func printOutcome(ex *engine.Execution) {
	if ex.Outcome.Output != "" {
		fmt.Println(ex.Outcome.Output)
	}
	if ex.Outcome.Err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", ex.Outcome.Status, ex.Outcome.Err)
	}
	fmt.Fprintf(os.Stderr, "status=%s worker=%s duration=%s\n",
		ex.Outcome.Status, ex.Outcome.WorkerID, ex.Outcome.Duration.Round(time.Millisecond))
}
