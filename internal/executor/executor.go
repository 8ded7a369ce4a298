package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Result holds the outcome of one task execution. ArchiveRef is the
// content address of the full captured output; the archive store itself
// is external to this core.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	ArchiveRef string
}

// IExecutor runs the externally-defined test command for a bundle
// reference. Implementations return an error only for infrastructure
// failures; a failing test is a Result with a nonzero exit code.
type IExecutor interface {
	Execute(ctx context.Context, bundleRef string, timeout time.Duration) (*Result, error)
}

// limitedBuffer caps captured output while reporting full writes to the
// child process.
type limitedBuffer struct {
	bytes.Buffer
	cap int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	left := l.cap - l.Len()
	if left <= 0 {
		return len(p), nil
	}
	if len(p) > left {
		if _, err := l.Buffer.Write(p[:left]); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return l.Buffer.Write(p)
}

// ShellExecutor invokes the configured runner command with the bundle
// reference appended, e.g. ["./run_isolated.sh"] + [bundleRef].
type ShellExecutor struct {
	// RunnerCommand is the command prefix that knows how to fetch and run
	// a bundle. Must be non-empty.
	RunnerCommand []string
	MaxOutputSize int
}

const defaultMaxOutputSize = 1 << 20 // 1MB per stream

func NewShellExecutor(runnerCommand []string) *ShellExecutor {
	return &ShellExecutor{
		RunnerCommand: runnerCommand,
		MaxOutputSize: defaultMaxOutputSize,
	}
}

func (e *ShellExecutor) Execute(ctx context.Context, bundleRef string, timeout time.Duration) (*Result, error) {
	if len(e.RunnerCommand) == 0 {
		return nil, errors.New("executor: runner command not configured")
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, e.RunnerCommand...)
	args = append(args, bundleRef)

	cmd := exec.CommandContext(cmdCtx, args[0], args[1:]...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		terminateProcessGroup(cmd)
		return nil
	}

	maxSize := e.MaxOutputSize
	if maxSize <= 0 {
		maxSize = defaultMaxOutputSize
	}
	stdoutBuf := &limitedBuffer{cap: maxSize}
	stderrBuf := &limitedBuffer{cap: maxSize}
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf

	err := cmd.Run()

	result := &Result{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else if cmdCtx.Err() != nil {
			// Timed out or cancelled after the process was killed.
			result.ExitCode = -1
			result.Stderr = fmt.Sprintf("%s\nexecution aborted: %v", result.Stderr, cmdCtx.Err())
		} else {
			// Never started: infrastructure failure, eligible for
			// redelivery rather than a recorded result.
			return nil, fmt.Errorf("executor: run %s: %w", bundleRef, err)
		}
	}

	result.ArchiveRef = ArchiveRef(result.Stdout, result.Stderr)
	return result, nil
}

// ArchiveRef computes the content address for a task's captured output.
func ArchiveRef(stdout, stderr string) string {
	h := sha256.New()
	h.Write([]byte(stdout))
	h.Write([]byte{0})
	h.Write([]byte(stderr))
	return hex.EncodeToString(h.Sum(nil))
}
