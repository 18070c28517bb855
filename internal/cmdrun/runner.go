// Package cmdrun spawns the subprocesses the replication engine is built
// from: single metadata commands (zfs list, zpool get, ...) and the
// multi-stage transfer pipelines (zfs send | ... | zfs receive). Remote
// commands are wrapped in ssh by the target Endpoint before they reach the
// OS; nothing here ever goes through an interactive shell on the initiator.
package cmdrun

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Result carries the captured output of a completed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Opts tunes a single command execution.
type Opts struct {
	// Stdin, when set, is fed to the child. Otherwise stdin is /dev/null.
	Stdin io.Reader

	// Timeout bounds the whole execution. Zero means no timeout; transfer
	// stages must run unbounded, metadata probes should set a small value.
	Timeout time.Duration
}

// Runner executes commands on endpoints. The concrete implementation is
// ExecRunner; tests substitute a scripted fake.
type Runner interface {
	// Run executes argv on the endpoint, wrapping it in ssh when the
	// endpoint is remote, and captures stdout/stderr.
	Run(ctx context.Context, ep Target, argv []string, opts Opts) (Result, error)

	// Pipeline runs a chain of stages connected stdout-to-stdin and tears
	// every stage down on any exit path.
	Pipeline(ctx context.Context, stages []Stage) error
}

// Target is the slice of the endpoint surface the runner needs: a label for
// diagnostics, locality, and the ssh wrapping rule.
type Target interface {
	Local() bool
	Wrap(argv []string) []string
}

// named is implemented by endpoints that can label themselves.
type named interface{ Label() string }

// ExecRunner is the real, OS-backed Runner.
type ExecRunner struct {
	Log *slog.Logger

	// TermGrace is how long a cancelled process group gets between SIGTERM
	// and SIGKILL.
	TermGrace time.Duration
}

// NewExecRunner returns a runner logging through log.
func NewExecRunner(log *slog.Logger) *ExecRunner {
	return &ExecRunner{Log: log, TermGrace: 2 * time.Second}
}

func label(ep Target) string {
	if n, ok := ep.(named); ok {
		return n.Label()
	}
	if ep == nil || ep.Local() {
		return "local"
	}
	return "remote"
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, ep Target, argv []string, opts Opts) (Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	spawned := argv
	if ep != nil {
		spawned = ep.Wrap(argv)
	}
	r.Log.Debug("run", "endpoint", label(ep), "argv", strings.Join(spawned, " "))

	cmd := exec.CommandContext(ctx, spawned[0], spawned[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return terminateGroup(cmd, r.TermGrace)
	}
	cmd.WaitDelay = r.TermGrace + time.Second
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ep != nil && !ep.Local() && res.ExitCode == 255 {
			return res, &EndpointError{Endpoint: label(ep), Stderr: tail(res.Stderr)}
		}
		return res, &CommandError{
			Endpoint: label(ep),
			Argv:     spawned,
			ExitCode: res.ExitCode,
			Stderr:   tail(res.Stderr),
		}
	}
	// Spawn failure (program not found, fork error).
	return res, &CommandError{Endpoint: label(ep), Argv: spawned, ExitCode: -1, Stderr: err.Error()}
}

// terminateGroup delivers SIGTERM to the child's process group, waits out
// the grace period, then SIGKILLs whatever is left.
func terminateGroup(cmd *exec.Cmd, grace time.Duration) error {
	if cmd.Process == nil {
		return nil
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	timer := time.AfterFunc(grace, func() {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	})
	_ = timer // fires only if the group outlives the grace period
	return nil
}

const tailLimit = 4096

// tail keeps the last tailLimit bytes of s, starting at a line boundary
// when one is close.
func tail(s string) string {
	if len(s) <= tailLimit {
		return s
	}
	s = s[len(s)-tailLimit:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < 256 {
		s = s[i+1:]
	}
	return s
}
