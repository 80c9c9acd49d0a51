// Package execx runs one external tool invocation with a hard wall-clock
// timeout. Commands are described by typed specs; the shell is never
// involved, and no state outlives a call.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Spec describes a single child-process invocation.
type Spec struct {
	Path string
	Args []string

	// Dir is the working directory the child runs in.
	Dir string

	// Env entries are appended to the parent environment (KEY=VALUE).
	Env []string

	// Timeout bounds the child's wall-clock runtime. <=0 means no bound.
	Timeout time.Duration
}

func (s Spec) String() string {
	if len(s.Args) == 0 {
		return s.Path
	}
	return s.Path + " " + strings.Join(s.Args, " ")
}

// Result carries the outcome of one invocation for diagnostics.
type Result struct {
	// Output is combined stdout+stderr, possibly truncated.
	Output   string
	Duration time.Duration
	TimedOut bool
}

// ErrTimeout is wrapped into the returned error when the timeout fired.
var ErrTimeout = errors.New("command timed out")

// Output capture is bounded so a chatty tool cannot exhaust memory.
const maxCapturedOutput = 256 << 10

// waitDelay bounds how long Wait may keep reading the output pipes after
// the timeout fired, should a descendant survive the group kill and hold
// the write ends open.
const waitDelay = 5 * time.Second

// Runner executes specs. The interface exists so pipeline tests can stub
// external tools without spawning processes.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// New returns the real process-spawning runner.
func New() Runner { return procRunner{} }

type procRunner struct{}

func (procRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	if strings.TrimSpace(spec.Path) == "" {
		return Result{}, errors.New("execx: empty command path")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	// MPI-style launchers fork ranks that inherit the output pipes; killing
	// only the direct child would leave Wait blocked on pipe EOF until the
	// last descendant exits. Run the tool in its own process group, kill the
	// whole group on timeout, and abandon the pipes after waitDelay in case
	// something detached from the group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = waitDelay

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Output:   truncateOutput(buf.Bytes()),
		Duration: time.Since(start),
	}

	if err == nil {
		return res, nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		return res, fmt.Errorf("%w after %s: %s", ErrTimeout, spec.Timeout, spec)
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return res, fmt.Errorf("%s: exit status %d", spec, ee.ExitCode())
	}
	// Spawn failure (binary missing, bad workdir, ...).
	return res, fmt.Errorf("%s: %w", spec, err)
}

func truncateOutput(b []byte) string {
	if len(b) <= maxCapturedOutput {
		return string(b)
	}
	return string(b[len(b)-maxCapturedOutput:])
}
