package exec

import (
	"context"
	"fmt"
	"os"
	osexec "os/exec"
	"time"
)

// waitDelay bounds how long a cancelled command may keep its output pipes
// open, e.g. through a backgrounded child.
const waitDelay = 5 * time.Second

// ExecRunner runs commands on the host.
type ExecRunner struct {
	// Env is added on top of the parent environment.
	Env []string
	// Shell runs RunShell commands. Defaults to "sh".
	Shell string
}

// NewRunner returns a runner that adds env to every command's environment.
func NewRunner(env ...string) *ExecRunner {
	return &ExecRunner{Env: env, Shell: "sh"}
}

// Run executes name with args in workDir and returns combined output. The
// error names the command; ExitCode still sees through it.
func (r *ExecRunner) Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error) {
	cmd := osexec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	cmd.WaitDelay = waitDelay
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// RunShell runs command through the configured shell with -c.
func (r *ExecRunner) RunShell(ctx context.Context, workDir string, command string) ([]byte, error) {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}
	return r.Run(ctx, workDir, shell, "-c", command)
}

var _ CommandRunner = (*ExecRunner)(nil)
