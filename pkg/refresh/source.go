package refresh

import (
	"context"
	"fmt"
	"strings"

	"github.com/wg-telemetry/pkg/shell"
)

// DefaultCommand prints every interface and peer in tab separated form.
const DefaultCommand = "wg show all dump"

// Source produces the raw dump text for one poll.
type Source interface {
	Dump(ctx context.Context) (string, error)
}

// PollError reports a polling command that exited with a non-zero status.
type PollError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll command %q exited with status %d: %s", e.Command, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// CommandSource runs an external command and returns its stdout.
type CommandSource struct {
	Executor shell.Executor
	Command  string
}

// NewCommandSource returns a CommandSource running command with the default executor.
func NewCommandSource(command string) *CommandSource {
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand
	}
	return &CommandSource{Executor: shell.DefaultExecutor{}, Command: command}
}

// Dump runs the command once.
func (s *CommandSource) Dump(ctx context.Context) (string, error) {
	res := s.Executor.Run(ctx, s.Command)
	if !res.Success() {
		return "", &PollError{Command: s.Command, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res.Stdout, nil
}
