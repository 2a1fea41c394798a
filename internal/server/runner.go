package server

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes external commands. Tests substitute a fake; production
// code uses ExecRunner.
type Runner interface {
	// Run executes the command in dir (empty for inherited cwd) and waits.
	Run(ctx context.Context, dir string, name string, args ...string) error
	// Output executes the command and returns combined stdout+stderr.
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (ExecRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}
