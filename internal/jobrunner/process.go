package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxStdoutBytes   = 1 << 20
	maxStderrBytes   = 8 << 10
	defaultWaitDelay = 5 * time.Second
)

// ProcessWorker runs the inference worker as a child process:
//
//	<Command> [Script] <input> <prompt> <style> <roomType> <outputID> <steps>
//
// It streams stdout and stderr to the logger line by line and decodes the last
// JSON object on stdout as the job's payload.
type ProcessWorker struct {
	// Command is the executable, e.g. "python3" or an absolute path.
	Command string
	// Script is passed as the first argument when set and must exist.
	Script string
	// Env is appended to the parent environment.
	Env []string
	// WaitDelay bounds how long output pipes may stay open after the process
	// has been killed or has exited.
	WaitDelay time.Duration
	Logger    zerolog.Logger
}

// CheckReady verifies the entry point can be resolved.
func (w *ProcessWorker) CheckReady() error {
	if strings.TrimSpace(w.Command) == "" {
		return fmt.Errorf("%w: no command configured", ErrEntryPointMissing)
	}
	if _, err := exec.LookPath(w.Command); err != nil {
		return fmt.Errorf("%w: %v", ErrEntryPointMissing, err)
	}
	if w.Script != "" {
		info, err := os.Stat(w.Script)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEntryPointMissing, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%w: %s is a directory", ErrEntryPointMissing, w.Script)
		}
	}
	return nil
}

// Generate runs the process to completion or until ctx is done, in which case
// the whole process group is killed.
func (w *ProcessWorker) Generate(ctx context.Context, req Request) (*Response, error) {
	args := req.Args()
	if w.Script != "" {
		args = append([]string{w.Script}, args...)
	}
	cmd := exec.CommandContext(ctx, w.Command, args...)
	cmd.Env = append(os.Environ(), w.Env...)
	configureProcessGroup(cmd)
	cmd.WaitDelay = w.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	log := w.Logger.With().Str("job_id", req.JobID).Logger()
	stdout := newCapture(log, "stdout", maxStdoutBytes, false)
	stderr := newCapture(log, "stderr", maxStderrBytes, true)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &Error{Kind: KindCanceled, Diagnostics: stderr.String(), Err: ctxErr}
	}
	if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &Error{
				Kind:        KindWorkerFailed,
				Message:     failureMessage(stdout.Bytes(), exitErr),
				ExitCode:    exitErr.ExitCode(),
				Diagnostics: stderr.String(),
				Err:         err,
			}
		}
		return nil, &Error{Kind: KindWorkerFailed, Message: "start worker", Diagnostics: stderr.String(), Err: err}
	}

	resp, decodeErr := decodeResponse(stdout.Bytes())
	if decodeErr != nil {
		return nil, &Error{
			Kind:        KindMalformedResult,
			Message:     decodeErr.Error(),
			Diagnostics: stdout.String(),
		}
	}
	return resp, nil
}

// failureMessage prefers the error the worker declared in its payload and
// falls back to the exit status.
func failureMessage(stdout []byte, exitErr *exec.ExitError) string {
	if resp, err := decodeResponse(stdout); err == nil && resp.Error != "" {
		return resp.Error
	}
	return exitErr.String()
}
