package chunkrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Placeholders substituted in command arguments.
const (
	PlaceholderInput  = "{input}"
	PlaceholderOutput = "{output}"
	PlaceholderIndex  = "{index}"
)

const (
	defaultMaxOutput = 64 * 1024
	waitDelay        = 2 * time.Second
)

// ErrCommandTimeout is returned when a command exceeds its timeout.
var ErrCommandTimeout = errors.New("command timed out")

// CommandError describes a command that exited unsuccessfully.
type CommandError struct {
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("exit status %d", e.ExitCode)
	}
	return fmt.Sprintf("exit status %d: %s", e.ExitCode, out)
}

// Command runs an external program per chunk.
type Command struct {
	Name string
	Args []string

	// Timeout bounds a single run (0 = none).
	Timeout time.Duration

	// MaxOutput caps the captured stdout+stderr kept for errors.
	MaxOutput int
}

// Task returns the Task executing the command for a chunk.
func (c Command) Task() Task {
	return c.run
}

func (c Command) run(ctx context.Context, chunk Chunk) error {
	if c.Name == "" {
		return errors.New("command is empty")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	maxOutput := c.MaxOutput
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}

	cmd := exec.CommandContext(ctx, c.Name, substituteArgs(c.Args, chunk)...)
	// Children of a killed process may keep the output pipes open.
	cmd.WaitDelay = waitDelay

	var output bytes.Buffer
	limited := &limitedWriter{w: &output, limit: maxOutput}
	cmd.Stdout = limited
	cmd.Stderr = limited

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrCommandTimeout, c.Timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &CommandError{ExitCode: exitErr.ExitCode(), Output: output.String()}
		}
		return fmt.Errorf("run %s: %w", c.Name, err)
	}
	return nil
}

func substituteArgs(args []string, chunk Chunk) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		s := strings.ReplaceAll(arg, PlaceholderInput, chunk.Input)
		s = strings.ReplaceAll(s, PlaceholderOutput, chunk.Output)
		s = strings.ReplaceAll(s, PlaceholderIndex, strconv.Itoa(chunk.Index))
		out[i] = s
	}
	return out
}

// limitedWriter keeps at most limit bytes and discards the rest.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}
	chunk := p
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
	}
	n, err := lw.w.Write(chunk)
	lw.written += n
	return len(p), err
}
