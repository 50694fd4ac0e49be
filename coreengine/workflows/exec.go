package workflows

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
)

// ExecCommandRunner runs logical commands as local processes.
// Commands maps a logical name (CommandLintFix, CommandRunTests, ...) to an
// argv prefix; call arguments are appended.
type ExecCommandRunner struct {
	Commands map[string][]string
	// Dir is the working directory. Empty means the current directory.
	Dir string
}

// DefaultCommands are used when a runner is configured without overrides.
func DefaultCommands() map[string][]string {
	return map[string][]string{
		CommandLintFix:             {"ruff", "check", "--fix"},
		CommandRunTests:            {"pytest", "-x"},
		CommandInstallDependency:   {"pip", "install"},
		CommandResolveDependencies: {"pip", "install", "--upgrade"},
	}
}

// NewExecCommandRunner creates a runner. commands overrides DefaultCommands
// entry by entry.
func NewExecCommandRunner(dir string, commands map[string][]string) *ExecCommandRunner {
	merged := DefaultCommands()
	for name, argv := range commands {
		merged[name] = argv
	}
	return &ExecCommandRunner{Commands: merged, Dir: dir}
}

// Run implements CommandRunner.
func (r *ExecCommandRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	argv, ok := r.Commands[name]
	if !ok || len(argv) == 0 {
		return "", fmt.Errorf("command %q is not configured (configured: %v)", name, r.names())
	}
	full := append(append([]string(nil), argv[1:]...), args...)
	cmd := exec.CommandContext(ctx, argv[0], full...)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w", name, err)
	}
	return string(out), nil
}

func (r *ExecCommandRunner) names() []string {
	names := make([]string, 0, len(r.Commands))
	for name := range r.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
