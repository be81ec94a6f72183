package main

import (
	"context"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/matst80/peerlink/internal/router"
)

const noOutput = "<no output>"

// execute runs command in a login shell and returns stdout followed by
// stderr. Failures to start the shell are reported as text, the same way a
// command's own errors are.
func execute(ctx context.Context, command string, timeout time.Duration) string {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "powershell", "-Command", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-lc", command)
	}
	budget := &outputBudget{left: maxOutput}
	stdout, stderr := limitedBuffer{budget: budget}, limitedBuffer{budget: budget}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children of the shell may outlive it and keep the pipes open.
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok && ctx.Err() == nil {
			return "command execution failed: " + err.Error()
		}
	}
	combined := stdout.String() + stderr.String()
	if ctx.Err() == context.DeadlineExceeded {
		combined += "\ncommand timed out after " + timeout.String()
	}
	if combined == "" {
		return noOutput
	}
	return combined
}

// maxOutput is the combined stdout and stderr kept per command. JSON frames
// carry Data bytes as base64, so the raw output is held to three quarters of
// the router's read limit minus room for the envelope and trailing notes.
const maxOutput = router.DefaultMaxMessageBytes*3/4 - 4<<10

// outputBudget is shared by the stdout and stderr buffers of one command.
type outputBudget struct {
	mu   sync.Mutex
	left int
}

func (o *outputBudget) take(n int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n > o.left {
		n = o.left
	}
	o.left -= n
	return n
}

// limitedBuffer keeps what its budget allows and notes that the rest was cut.
type limitedBuffer struct {
	budget    *outputBudget
	buf       []byte
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := b.budget.take(len(p))
	b.buf = append(b.buf, p[:n]...)
	if n < len(p) {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return string(b.buf) + "\n<output truncated>"
	}
	return string(b.buf)
}
