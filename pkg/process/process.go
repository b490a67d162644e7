package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"golang.org/x/sys/unix"
)

var (
	// ErrNotExecutable is returned when the command path is missing, relative or not executable.
	ErrNotExecutable = errors.New("not an executable")
	// ErrTimeout is returned by WaitTimeout when the child is still running.
	ErrTimeout = errors.New("timed out waiting for child")

	errRunning = errors.New("child still running")
)

// Descriptor names a standard descriptor slot of the child.
type Descriptor int

const (
	Stdin Descriptor = iota
	Stdout
	Stderr
)

func (d Descriptor) String() string {
	switch d {
	case Stdin:
		return "stdin"
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return fmt.Sprintf("fd%d", int(d))
	}
}

// Cmd describes a child process to spawn. The child only gets the descriptors set up with
// Redirect or Inherit, everything else is closed before exec.
type Cmd struct {
	Path string
	Args []string
	Env  []string

	files [3]*os.File
	owned [3]bool
	err   error
}

// Command returns a Cmd running path with args. path is executed as is, without PATH lookup.
func Command(path string, args ...string) *Cmd {
	return &Cmd{Path: path, Args: args, Env: os.Environ()}
}

// Redirect hands f to the child as d. The parent's copy of f is closed once the child was spawned,
// whether spawning succeeded or not.
func (c *Cmd) Redirect(f *os.File, d Descriptor) *Cmd {
	if !c.valid(d) {
		return c
	}
	if f == nil {
		c.err = fmt.Errorf("redirecting %s: nil file", d)
		return c
	}
	c.files[d] = f
	c.owned[d] = true
	return c
}

// Inherit passes the parent's own descriptor d to the child.
func (c *Cmd) Inherit(d Descriptor) *Cmd {
	if !c.valid(d) {
		return c
	}
	c.files[d] = []*os.File{os.Stdin, os.Stdout, os.Stderr}[d]
	c.owned[d] = false
	return c
}

func (c *Cmd) valid(d Descriptor) bool {
	if d < Stdin || d > Stderr {
		c.err = fmt.Errorf("invalid descriptor %d", int(d))
		return false
	}
	return true
}

func (c *Cmd) closeOwned() {
	for i, f := range c.files {
		if c.owned[i] && f != nil {
			_ = f.Close()
		}
	}
}

// Spawn starts the child.
func (c *Cmd) Spawn() (*Process, error) {
	defer c.closeOwned()

	if c.err != nil {
		return nil, c.err
	}
	if err := Executable(c.Path); err != nil {
		return nil, err
	}

	proc, err := os.StartProcess(c.Path, append([]string{c.Path}, c.Args...), &os.ProcAttr{
		Env:   c.Env,
		Files: c.files[:],
	})
	if err != nil {
		return nil, fmt.Errorf("spawning %s: %w", c.Path, err)
	}
	p := &Process{Pid: proc.Pid, Path: c.Path}
	// Reaping is done with wait4 on the pid, the handle is not needed anymore.
	_ = proc.Release()
	return p, nil
}

// Executable checks that path is absolute and executable.
func Executable(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%s: %w", path, ErrNotExecutable)
	}
	if err := unix.Access(path, unix.X_OK); err != nil {
		return fmt.Errorf("%s: %w: %w", path, ErrNotExecutable, err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", path, ErrNotExecutable, err)
	}
	if st.IsDir() {
		return fmt.Errorf("%s: %w: is a directory", path, ErrNotExecutable)
	}
	return nil
}

// ExitStatus is the way a child terminated.
type ExitStatus struct {
	ws unix.WaitStatus
}

func (s ExitStatus) Exited() bool { return s.ws.Exited() }
func (s ExitStatus) Code() int { return s.ws.ExitStatus() }
func (s ExitStatus) Signaled() bool { return s.ws.Signaled() }
func (s ExitStatus) Signal() unix.Signal { return s.ws.Signal() }
func (s ExitStatus) Success() bool { return s.ws.Exited() && s.ws.ExitStatus() == 0 }

func (s ExitStatus) String() string {
	switch {
	case s.ws.Exited():
		return fmt.Sprintf("exit status %d", s.ws.ExitStatus())
	case s.ws.Signaled():
		return fmt.Sprintf("killed by signal %s", s.ws.Signal())
	default:
		return fmt.Sprintf("wait status %#x", uint32(s.ws))
	}
}

// ExitError reports a child that did not exit successfully.
type ExitError struct {
	Path   string
	Status ExitStatus
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Status)
}

// Process is a spawned child.
type Process struct {
	Pid  int
	Path string

	mu     sync.Mutex
	status *ExitStatus
}

func (p *Process) reaped() (ExitStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == nil {
		return ExitStatus{}, false
	}
	return *p.status, true
}

func (p *Process) setStatus(ws unix.WaitStatus) ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = &ExitStatus{ws: ws}
	return *p.status
}

// Wait blocks until the child terminates.
func (p *Process) Wait() (ExitStatus, error) {
	if st, ok := p.reaped(); ok {
		return st, nil
	}
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(p.Pid, &ws, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return ExitStatus{}, fmt.Errorf("waiting for %s (pid %d): %w", p.Path, p.Pid, err)
		}
		return p.setStatus(ws), nil
	}
}

// TryWait reaps the child if it already terminated. done is false while it is still running.
func (p *Process) TryWait() (status ExitStatus, done bool, err error) {
	if st, ok := p.reaped(); ok {
		return st, true, nil
	}
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(p.Pid, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return ExitStatus{}, false, fmt.Errorf("waiting for %s (pid %d): %w", p.Path, p.Pid, err)
		}
		if pid == 0 {
			return ExitStatus{}, false, nil
		}
		return p.setStatus(ws), true, nil
	}
}

// WaitTimeout polls the child every poll until it terminates or timeout elapsed. The child is
// left running on ErrTimeout.
func (p *Process) WaitTimeout(timeout, poll time.Duration) (ExitStatus, error) {
	if poll <= 0 {
		poll = timeout
	}
	attempts := uint(1)
	if poll > 0 {
		attempts += uint(timeout / poll)
	}

	var status ExitStatus
	err := retry.Do(
		func() error {
			st, done, err := p.TryWait()
			if err != nil {
				return err
			}
			if !done {
				return errRunning
			}
			status = st
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(poll),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errRunning) }),
	)
	if errors.Is(err, errRunning) {
		return ExitStatus{}, fmt.Errorf("%s (pid %d): %w", p.Path, p.Pid, ErrTimeout)
	}
	return status, err
}

// Kill sends SIGKILL to the child unless it was already reaped.
func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != nil {
		return nil
	}
	if err := unix.Kill(p.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("killing %s (pid %d): %w", p.Path, p.Pid, err)
	}
	return nil
}

// Exited reports whether the child was reaped.
func (p *Process) Exited() bool {
	_, ok := p.reaped()
	return ok
}
