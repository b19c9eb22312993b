package shell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Result is the outcome of one command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports whether the command exited with status 0.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Executor runs commands. Tests substitute their own implementation.
type Executor interface {
	Run(ctx context.Context, command string) Result
}

// DefaultExecutor runs commands as child processes without a shell.
type DefaultExecutor struct{}

// Run splits command on whitespace and executes it. Failures to start the
// process, and timeouts, are reported as exit code -1 with the error text
// appended to Stderr.
func (DefaultExecutor) Run(ctx context.Context, command string) Result {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return Result{Stderr: "empty command", ExitCode: -1}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		res.ExitCode = exitErr.ExitCode()
		return res
	}

	res.ExitCode = -1
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	if res.Stderr != "" && !strings.HasSuffix(res.Stderr, "\n") {
		res.Stderr += "\n"
	}
	res.Stderr += err.Error()
	return res
}
