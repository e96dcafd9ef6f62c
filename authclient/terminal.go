package authclient

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// TerminalConv implements Conv on an interactive terminal. Prompts go to
// stderr so stdout stays scriptable.
type TerminalConv struct {
	in  *os.File
	out io.Writer
}

// NewTerminalConv builds a TerminalConv reading from stdin.
func NewTerminalConv() *TerminalConv {
	return &TerminalConv{in: os.Stdin, out: os.Stderr}
}

func (t *TerminalConv) PromptSecret(ctx context.Context, msg string) (string, error) {
	fmt.Fprint(t.out, msg)

	type read struct {
		pw  []byte
		err error
	}
	ch := make(chan read, 1)
	go func() {
		pw, err := term.ReadPassword(int(t.in.Fd()))
		ch <- read{pw, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(t.out)
		return "", ctx.Err()
	case r := <-ch:
		fmt.Fprintln(t.out)
		if r.err != nil {
			return "", r.err
		}
		return string(r.pw), nil
	}
}

func (t *TerminalConv) Info(msg string) {
	fmt.Fprintln(t.out, msg)
}

func (t *TerminalConv) Error(msg string) {
	fmt.Fprintln(t.out, msg)
}

var _ Conv = (*TerminalConv)(nil)

// TerminalInput reports stdin readability without consuming the pending
// bytes, so the password prompt that follows still sees them.
type TerminalInput struct {
	in   *os.File
	once sync.Once
	ch   chan struct{}
}

// NewTerminalInput builds a TerminalInput on stdin.
func NewTerminalInput() *TerminalInput {
	return &TerminalInput{in: os.Stdin}
}

func (t *TerminalInput) InputReady() <-chan struct{} {
	t.once.Do(func() {
		t.ch = make(chan struct{}, 1)
		go func() {
			fds := []unix.PollFd{{Fd: int32(t.in.Fd()), Events: unix.POLLIN}}
			for {
				n, err := unix.Poll(fds, -1)
				if err == unix.EINTR {
					continue
				}
				if err != nil || n == 0 {
					return
				}
				t.ch <- struct{}{}
				return
			}
		}()
	})
	return t.ch
}

var _ InputSource = (*TerminalInput)(nil)
