package analysis

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/scriptops/scriptops/pkg/dnsclient"
)

// Spec describes one child worker invocation. The command is the wrapper
// entry point that installs the DNS IPC stub before loading the user script;
// the script path arrives as the final argument.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Process is a started child worker. Signal and Kill address the whole
// process group so grandchildren cannot outlive the worker.
type Process struct {
	PID    int
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	// DNS is the parent end of the resolver IPC socket inherited by the
	// child, nil when the runner provides none.
	DNS io.ReadWriteCloser

	wait   func() error
	signal func(sig syscall.Signal) error
}

// Wait blocks until the child exits.
func (p *Process) Wait() error { return p.wait() }

// Signal sends sig to the child's process group.
func (p *Process) Signal(sig syscall.Signal) error { return p.signal(sig) }

// Kill force-terminates the child's process group.
func (p *Process) Kill() error { return p.signal(syscall.SIGKILL) }

// NewProcess assembles a Process from parts so packages outside this one can
// provide fake runners in tests.
func NewProcess(pid int, stdout, stderr io.ReadCloser, dns io.ReadWriteCloser,
	wait func() error, signal func(syscall.Signal) error) *Process {
	return &Process{PID: pid, Stdout: stdout, Stderr: stderr, DNS: dns, wait: wait, signal: signal}
}

// ProcessRunner abstracts the spawning of a worker subprocess so that tests
// can substitute a mock implementation.
type ProcessRunner interface {
	Start(ctx context.Context, spec Spec) (*Process, error)
}

// OSRunner implements ProcessRunner by spawning real worker processes.
type OSRunner struct{}

// Start forks the worker in its own process group with an inherited
// socketpair for DNS IPC (announced to the child as fd 3). It returns the
// running process handle or any startup error.
func (r *OSRunner) Start(ctx context.Context, spec Spec) (*Process, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dns socketpair: %w", err)
	}
	parentEnd := os.NewFile(uintptr(fds[0]), "dns-ipc-parent")
	childEnd := os.NewFile(uintptr(fds[1]), "dns-ipc-child")

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(append([]string{}, spec.Env...), dnsclient.EnvFD+"=3")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.ExtraFiles = []*os.File{childEnd}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		parentEnd.Close() //nolint:errcheck
		childEnd.Close()  //nolint:errcheck
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		parentEnd.Close() //nolint:errcheck
		childEnd.Close()  //nolint:errcheck
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		parentEnd.Close() //nolint:errcheck
		childEnd.Close()  //nolint:errcheck
		return nil, fmt.Errorf("start worker: %w", err)
	}
	// The child holds its own copy now.
	childEnd.Close() //nolint:errcheck

	pid := cmd.Process.Pid
	return &Process{
		PID:    pid,
		Stdout: stdout,
		Stderr: stderr,
		DNS:    parentEnd,
		wait:   cmd.Wait,
		signal: func(sig syscall.Signal) error {
			// Setpgid makes the child the group leader, so -pid reaches
			// the whole group.
			return syscall.Kill(-pid, sig)
		},
	}, nil
}
