package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// DefaultWaitDelay bounds how long Run waits for the pipes of a killed
// process to close.
const DefaultWaitDelay = 2 * time.Second

// DefaultMaxStderr is the stderr kept by a LocalRunner when the command
// sets no limit of its own.
const DefaultMaxStderr = 1 << 20

// Command is a typed argv. It never passes through a shell.
// MaxStderr caps the captured stderr, zero leaves it to the runner.
type Command struct {
	Name      string
	Args      []string
	Stdin     io.Reader
	Stdout    io.Writer
	MaxStderr int
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Name, c.Args)
}

// ProcessResult is what a finished process leaves behind.
type ProcessResult struct {
	ExitCode        int
	Stderr          string
	StderrTruncated bool
}

// Success reports a zero exit status.
func (r ProcessResult) Success() bool {
	return r.ExitCode == 0
}

// ProcessRunner starts one external command and waits for it to close.
//
// A non-zero exit is a normal result. The returned error is reserved for
// commands that could not be spawned at all. Cancelling ctx kills the
// process with SIGKILL, after which it resolves with ExitCode -1.
type ProcessRunner interface {
	Run(ctx context.Context, cmd Command) (ProcessResult, error)
}

// LocalRunner runs commands as children of this process.
type LocalRunner struct {
	WaitDelay time.Duration
	MaxStderr int
}

func NewLocalRunner() *LocalRunner {
	return &LocalRunner{WaitDelay: DefaultWaitDelay, MaxStderr: DefaultMaxStderr}
}

func (r *LocalRunner) Run(ctx context.Context, c Command) (ProcessResult, error) {
	if err := ctx.Err(); err != nil {
		return ProcessResult{}, fmt.Errorf("run %s: %w", c.Name, err)
	}

	limit := c.MaxStderr
	if limit <= 0 {
		limit = r.MaxStderr
	}
	stderr := newCappedBuffer(limit)
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.WaitDelay

	if err := cmd.Start(); err != nil {
		return ProcessResult{}, fmt.Errorf("start %s: %w", c.Name, err)
	}

	err := cmd.Wait()
	if cmd.ProcessState == nil {
		return ProcessResult{}, fmt.Errorf("wait %s: %w", c.Name, err)
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) && ctx.Err() == nil {
		// The process exited, but copying its streams failed.
		return ProcessResult{ExitCode: cmd.ProcessState.ExitCode(), Stderr: stderr.String(), StderrTruncated: stderr.Truncated()}, fmt.Errorf("wait %s: %w", c.Name, err)
	}

	return ProcessResult{
		ExitCode:        cmd.ProcessState.ExitCode(),
		Stderr:          stderr.String(),
		StderrTruncated: stderr.Truncated(),
	}, nil
}

// cappedBuffer keeps the first limit bytes written to it and discards
// the rest while still reporting full writes, so the child never blocks
// on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		b.buf.Write(p)
		return len(p), nil
	}
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	return b.truncated
}
