package producer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a started producer process.
type Process interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Kill terminates the process without waiting for it to exit.
	Kill() error
	// Wait blocks until the process exits. It is called once, after both
	// output streams have been drained.
	Wait() error
}

// Launcher starts producer processes.
type Launcher interface {
	Launch(path string, args []string) (Process, error)
}

// ExecLauncher launches real processes with os/exec.
type ExecLauncher struct{}

func (ExecLauncher) Launch(path string, args []string) (Process, error) {
	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) PID() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// ExitCode extracts the exit status from a Wait error: 0 for nil, the
// process exit code when available, -1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
