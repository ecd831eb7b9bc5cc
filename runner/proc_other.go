//go:build !unix

package runner

import (
	"context"
	"os"
	"os/exec"
)

func newCommand(ctx context.Context, path string, args []string) *exec.Cmd {
	return exec.CommandContext(ctx, path, args...)
}

func exitStatus(state *os.ProcessState) int {
	return state.ExitCode()
}
