package executor

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockExecutor fakes execution for tests and load runs. A bundle
// reference containing "fail" produces exit code 1.
type MockExecutor struct {
	Sleep time.Duration
}

func NewMockExecutor(sleep time.Duration) *MockExecutor {
	return &MockExecutor{Sleep: sleep}
}

func (e *MockExecutor) Execute(ctx context.Context, bundleRef string, timeout time.Duration) (*Result, error) {
	if e.Sleep > 0 {
		wait := e.Sleep
		if wait > timeout {
			wait = timeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if e.Sleep > timeout {
			return nil, context.DeadlineExceeded
		}
	}

	result := &Result{
		Stdout: fmt.Sprintf("mock run of %s\n", bundleRef),
	}
	if strings.Contains(bundleRef, "fail") {
		result.ExitCode = 1
		result.Stderr = "mock failure\n"
	}
	result.ArchiveRef = ArchiveRef(result.Stdout, result.Stderr)
	return result, nil
}
