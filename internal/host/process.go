package host

import (
	"context"
	"errors"
	"os"
	"os/exec"
)

// Process is a spawned child. It is owned by the goroutine that spawned it.
type Process struct {
	name string
	cmd  *exec.Cmd
	done chan struct{}
	err  error // set before done is closed
}

func startProcess(name string, cmd *exec.Cmd) (*Process, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &Process{
		name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Name returns the logical command name.
func (p *Process) Name() string { return p.name }

// Pid returns the OS process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits or ctx is done. A non-zero exit
// status is not an error here; use Success or ExitCode for that.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		var exitErr *exec.ExitError
		if p.err != nil && !errors.As(p.err, &exitErr) {
			return p.err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signal delivers sig. Signalling an exited process does nothing.
func (p *Process) Signal(sig os.Signal) {
	select {
	case <-p.done:
		return
	default:
	}
	_ = p.cmd.Process.Signal(sig)
}

// Success reports whether the process has exited with status zero.
func (p *Process) Success() bool {
	select {
	case <-p.done:
		return p.err == nil
	default:
		return false
	}
}

// ExitCode returns the exit status, or -1 while running or when killed by a signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}
