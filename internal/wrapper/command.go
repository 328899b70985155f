package wrapper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// DefaultMaxStdoutBytes caps captured stdout (an OCR'd PDF) at 512 MiB.
const DefaultMaxStdoutBytes = 512 << 20

// ErrOutputLimit is returned when a command writes more than the capture limit.
var ErrOutputLimit = errors.New("command output exceeds limit")

// Command runs one external process and keeps the outcome of that run.
//
// A Command is not safe for concurrent use and must not be shared between
// OCR operations: every Execute overwrites the captured output.
type Command interface {
	Execute(ctx context.Context, stdin io.Reader, name string, args ...string) error
	Stdout() []byte
	Stderr() string
	ExitCode() int
}

// CommandWrapper is the os/exec backed Command.
type CommandWrapper struct {
	maxStdout int64

	stdout   []byte
	stderr   string
	exitCode int
}

func NewCommand() *CommandWrapper {
	return &CommandWrapper{maxStdout: DefaultMaxStdoutBytes}
}

// WithMaxStdout overrides the stdout capture limit; values <= 0 are ignored.
func (c *CommandWrapper) WithMaxStdout(n int64) *CommandWrapper {
	if n > 0 {
		c.maxStdout = n
	}
	return c
}

// Execute starts name with args, feeds stdin and waits for it to finish.
// A non-zero exit status is reported as an error; ExitCode keeps the value.
func (c *CommandWrapper) Execute(ctx context.Context, stdin io.Reader, name string, args ...string) error {
	c.stdout, c.stderr, c.exitCode = nil, "", -1

	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}

	out, stderrStr, err := runCommandCaptureLimited(cmd, c.maxStdout+1)
	c.stderr = stderrStr
	if cmd.ProcessState != nil {
		c.exitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	c.stdout = out
	return nil
}

func (c *CommandWrapper) Stdout() []byte { return c.stdout }

func (c *CommandWrapper) Stderr() string { return c.stderr }

// ExitCode is -1 until a process has been waited for.
func (c *CommandWrapper) ExitCode() int { return c.exitCode }

// Available reports whether binary can be found on PATH (or is an existing path).
func Available(binary string) bool {
	if strings.TrimSpace(binary) == "" {
		return false
	}
	_, err := exec.LookPath(binary)
	return err == nil
}

// runCommandCaptureLimited runs cmd and captures stdout up to maxBytes (inclusive of sentinel).
// It captures stderr fully (usually small) for error reporting. The process
// runs in its own group so cancellation also kills the tools it forked.
func runCommandCaptureLimited(cmd *exec.Cmd, maxBytes int64) ([]byte, string, error) {
	stdout := &limitedBuffer{max: maxBytes}
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start: %w", err)
	}

	waitErr := cmd.Wait()
	stderrStr := strings.TrimSpace(stderr.String())

	if stdout.exceeded {
		return nil, stderrStr, ErrOutputLimit
	}
	if waitErr != nil {
		return nil, stderrStr, waitErr
	}
	return stdout.buf.Bytes(), stderrStr, nil
}

// waitDelay bounds how long Wait blocks on pipes still held by orphaned
// descendants after the process itself is gone.
const waitDelay = 2 * time.Second

// limitedBuffer fails the write that would reach max bytes. os/exec then
// closes the read end of the pipe, so the writer gets EPIPE.
type limitedBuffer struct {
	buf      bytes.Buffer
	max      int64
	exceeded bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if int64(b.buf.Len()+len(p)) >= b.max {
		b.exceeded = true
		return 0, ErrOutputLimit
	}
	return b.buf.Write(p)
}
