// Package ptyproxy allocates a PTY for the target assistant process and
// proxies bytes between the host terminal and the child. The PTY
// allocation, SIGWINCH-driven resize, and raw-mode toggling follow the
// reference PTY-backed shell idiom (creack/pty + golang.org/x/term), the
// same stack the Session Runtime's finalize sequence later tears down in
// reverse order.
package ptyproxy

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// Proxy owns the PTY-backed child process and the host terminal's raw-mode
// state.
type Proxy struct {
	cmd      *exec.Cmd
	ptmx     *os.File
	oldState *term.State

	resizeCancel context.CancelFunc
	resizeDone   chan struct{}

	mu    sync.Mutex
	rawOn bool
}

// Start spawns command with a PTY attached, inheriting the host terminal's
// current size. extraEnv is appended on top of the host environment (used
// by the settings overlay to rewrite HOME/USERPROFILE for the child).
func Start(command []string, extraEnv []string) (*Proxy, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("ptyproxy: empty command")
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = append(append([]string{}, os.Environ()...), extraEnv...)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	_ = pty.InheritSize(os.Stdin, ptmx) // best-effort; non-terminal stdin can't report size

	return &Proxy{cmd: cmd, ptmx: ptmx}, nil
}

// EnableRawMode puts the host terminal into raw mode.
func (p *Proxy) EnableRawMode() error {
	state, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("enable raw mode: %w", err)
	}
	p.mu.Lock()
	p.oldState = state
	p.rawOn = true
	p.mu.Unlock()
	return nil
}

// DisableRawMode restores the host terminal's prior mode. Idempotent.
func (p *Proxy) DisableRawMode() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.rawOn {
		return nil
	}
	p.rawOn = false
	return term.Restore(int(os.Stdin.Fd()), p.oldState)
}

// WatchResize installs a SIGWINCH handler that keeps the PTY size in sync
// with the host terminal, triggering an initial resize immediately.
func (p *Proxy) WatchResize() {
	ctx, cancel := context.WithCancel(context.Background())
	p.resizeCancel = cancel
	p.resizeDone = make(chan struct{})

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)

	go func() {
		defer close(p.resizeDone)
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				_ = pty.InheritSize(os.Stdin, p.ptmx)
			}
		}
	}()
	ch <- syscall.SIGWINCH
}

// StopResize stops the resize-watching goroutine and waits for it to exit.
func (p *Proxy) StopResize() {
	if p.resizeCancel != nil {
		p.resizeCancel()
	}
	if p.resizeDone != nil {
		<-p.resizeDone
	}
}

// PID returns the child process's PID, or 0 if it hasn't started.
func (p *Proxy) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Kill terminates the child process if still running.
func (p *Proxy) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Wait blocks until the child process exits.
func (p *Proxy) Wait() error {
	return p.cmd.Wait()
}

// Close closes the PTY master end.
func (p *Proxy) Close() error {
	return p.ptmx.Close()
}

// CopyOutput streams child output to the host terminal. onChunk is invoked
// with each chunk's byte length before the chunk is written onward. Returns
// nil on EOF (normally: the child exited).
func (p *Proxy) CopyOutput(onChunk func(n int)) error {
	return copyOutput(p.ptmx, os.Stdout, onChunk)
}

// CopyInput streams host input to the child. onChunk is invoked with each
// raw chunk before forwarding; if it returns true the chunk is swallowed
// (used to intercept the turn hotkey) instead of being written to the
// child.
func (p *Proxy) CopyInput(onChunk func(chunk []byte) (swallow bool)) error {
	return copyInput(os.Stdin, p.ptmx, onChunk)
}

func copyOutput(src io.Reader, dst io.Writer, onChunk func(n int)) error {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			onChunk(n)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func copyInput(src io.Reader, dst io.Writer, onChunk func(chunk []byte) (swallow bool)) error {
	buf := make([]byte, 1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !onChunk(chunk) {
				if _, werr := dst.Write(chunk); werr != nil {
					return werr
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
