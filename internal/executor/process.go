package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

// waitDelay bounds how long a terminated process group may take to exit.
const waitDelay = 5 * time.Second

// runCommands renders and runs the command lines of an external stage one
// after the other.
func (e *Executor) runCommands(ctx context.Context, inv *registry.Invocation) error {
	cmds, err := registry.RenderCommands(inv)
	if err != nil {
		return err
	}
	for _, args := range cmds {
		if err := e.runProcess(ctx, inv, args); err != nil {
			return err
		}
	}
	return nil
}

// runProcess runs one command in the node's working directory, appending
// its output to the node's log files. The process gets its own process
// group so that cancellation reaches every child it spawned.
func (e *Executor) runProcess(ctx context.Context, inv *registry.Invocation, args []string) error {
	logger := ctxlog.FromContext(ctx)

	stdout, err := os.OpenFile(filepath.Join(inv.WorkDir, stdoutLog), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer stdout.Close()
	stderrPath := filepath.Join(inv.WorkDir, stderrLog)
	stderr, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer stderr.Close()

	line := strings.Join(args, " ")
	fmt.Fprintf(stdout, "$ %s\n", line)
	logger.Debug("Starting external process.", "command", line)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = inv.WorkDir
	cmd.Env = append(os.Environ(), processEnv(inv.Threads)...)
	cmd.Env = append(cmd.Env, e.opts.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	start := time.Now()
	err = cmd.Run()
	logger.Debug("External process finished.", "program", filepath.Base(args[0]), "elapsed", time.Since(start))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with status %d (see %s)", filepath.Base(args[0]), exitErr.ExitCode(), stderrPath)
		}
		return fmt.Errorf("running %s: %w", filepath.Base(args[0]), err)
	}
	return nil
}

// processEnv pins the output format of FSL tools and the thread count of
// OpenMP programs.
func processEnv(threads int) []string {
	return []string{
		"FSLOUTPUTTYPE=NIFTI_GZ",
		fmt.Sprintf("OMP_NUM_THREADS=%d", threads),
		fmt.Sprintf("ITK_GLOBAL_DEFAULT_NUMBER_OF_THREADS=%d", threads),
	}
}
