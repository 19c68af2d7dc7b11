package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/sandbox"
)

// timeoutExitCode mirrors coreutils timeout(1).
const timeoutExitCode = 124

var (
	languageFlag  string
	workspaceFlag string
)

// exitCodeError makes the process exit with the program's code.
type exitCodeError struct{ code int }

func (e *exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run one program in a sandbox",
	Long: `Run a single program in a fresh sandbox, stream its output to the
terminal and exit with its exit code. The source is read from file, or from
stdin when file is omitted or "-".

Examples:
  execbox run -l python hello.py
  echo 'console.log(1)' | execbox run -l js
  execbox run -l python -w ./project main.py`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Language id (required)")
	runCmd.Flags().StringVarP(&workspaceFlag, "workspace", "w", "", "Host directory mounted as the working directory")
	_ = runCmd.MarkFlagRequired("language")
	rootCmd.AddCommand(runCmd)
}

func readSource(args []string, stdin io.Reader) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(args[0])
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	code, err := readSource(args, cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}

	workspace := workspaceFlag
	if workspace != "" {
		if workspace, err = filepath.Abs(workspace); err != nil {
			return fmt.Errorf("resolving workspace: %w", err)
		}
	}

	rt, err := sandbox.NewRuntime(log, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	profiles, err := sandbox.NewProfileTable(cfg.Languages)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(log, cfg, profiles, newRegistry(log, cfg, rt, nil), rt, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	res, err := orch.Execute(ctx, sandbox.ExecuteRequest{
		Language:      languageFlag,
		Code:          string(code),
		WorkspacePath: workspace,
	}, func(chunk sandbox.OutputChunk) error {
		w := stdout
		if chunk.Stream == sandbox.StreamStderr {
			w = stderr
		}
		_, werr := w.Write(chunk.Data)
		return werr
	})
	if err != nil {
		return err
	}

	for _, w := range res.Warnings {
		log.Warn("dependency install warning", zap.String("warning", w))
	}

	switch res.Outcome {
	case sandbox.OutcomeSuccess:
		return nil
	case sandbox.OutcomeTimeout:
		fmt.Fprintf(stderr, "execbox: timed out after %s\n", cfg.GetTimeout())
		return &exitCodeError{code: timeoutExitCode}
	default:
		return &exitCodeError{code: int(res.ExitCode)}
	}
}

// exitCode extracts the process exit code for err.
func exitCode(err error) (int, bool) {
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code, true
	}
	return 0, false
}
