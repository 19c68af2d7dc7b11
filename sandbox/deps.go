package sandbox

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/logger"
)

// maxWarningOutput is how much install output is kept on a warning.
const maxWarningOutput = 2048

// InstallWarning records a dependency install step that did not succeed.
// Install failures never abort an execution.
type InstallWarning struct {
	Manifest string
	Command  string
	ExitCode int
	Message  string
}

func (w InstallWarning) String() string {
	if w.ExitCode != 0 {
		return fmt.Sprintf("%s: %q exited with code %d: %s", w.Manifest, w.Command, w.ExitCode, w.Message)
	}
	return fmt.Sprintf("%s: %q failed: %s", w.Manifest, w.Command, w.Message)
}

type installRule struct {
	manifest string
	command  string
	argv     []string
}

// Installer runs package-manager installs for manifests found in a mounted
// workspace.
type Installer struct {
	logger  *zap.Logger
	rt      Runtime
	rules   []installRule
	timeout time.Duration
}

// NewInstaller parses the configured install commands.
func NewInstaller(log *zap.Logger, rt Runtime, installers []config.Installer, timeout time.Duration) (*Installer, error) {
	rules := make([]installRule, 0, len(installers))
	for _, inst := range installers {
		argv, err := shlex.Split(inst.Command)
		if err != nil {
			return nil, fmt.Errorf("failed to parse install command for %s: %w", inst.Manifest, err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("empty install command for %s", inst.Manifest)
		}
		if path.Base(inst.Manifest) != inst.Manifest {
			return nil, fmt.Errorf("manifest must be a bare file name, got %q", inst.Manifest)
		}
		rules = append(rules, installRule{manifest: inst.Manifest, command: inst.Command, argv: argv})
	}

	return &Installer{
		logger:  log.Named("installer"),
		rt:      rt,
		rules:   rules,
		timeout: timeout,
	}, nil
}

// Install checks workDir inside the running sandbox for each known manifest
// and runs its install command when present. It returns one warning per
// step that failed.
func (i *Installer) Install(ctx context.Context, h *Handle, workDir string) []InstallWarning {
	var warnings []InstallWarning

	for _, rule := range i.rules {
		if ctx.Err() != nil {
			return warnings
		}

		log := i.logger.With(
			zap.String(logger.FieldSandboxID, shortID(h.ID)),
			zap.String("manifest", rule.manifest))

		exists, err := i.rt.PathExists(ctx, h, path.Join(workDir, rule.manifest))
		if err != nil {
			log.Warn("manifest check failed", zap.Error(err))
			warnings = append(warnings, InstallWarning{Manifest: rule.manifest, Command: rule.command, Message: err.Error()})
			continue
		}
		if !exists {
			log.Debug("manifest not present, skipping")
			continue
		}

		if w, ok := i.run(ctx, h, workDir, rule, log); !ok {
			warnings = append(warnings, w)
		}
	}

	return warnings
}

func (i *Installer) run(ctx context.Context, h *Handle, workDir string, rule installRule, log *zap.Logger) (InstallWarning, bool) {
	runCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	started := time.Now()
	res, err := i.rt.Exec(runCtx, h, rule.argv, workDir)
	elapsed := time.Since(started)

	if err != nil {
		log.Warn("dependency install failed", zap.String("command", rule.command), zap.Duration("elapsed", elapsed), zap.Error(err))
		return InstallWarning{Manifest: rule.manifest, Command: rule.command, Message: err.Error()}, false
	}
	if res.ExitCode != 0 {
		tail := tailString(res.Output, maxWarningOutput)
		log.Warn("dependency install exited non-zero",
			zap.String("command", rule.command),
			zap.Int(logger.FieldExitCode, res.ExitCode),
			zap.Duration("elapsed", elapsed),
			zap.String("output", tail))
		return InstallWarning{Manifest: rule.manifest, Command: rule.command, ExitCode: res.ExitCode, Message: tail}, false
	}

	log.Info("dependencies installed", zap.String("command", rule.command), zap.Duration("elapsed", elapsed))
	return InstallWarning{}, true
}

func tailString(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
