package cmdrun

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Stage is one process in a transfer pipeline. Argv is the final argv to
// spawn on the initiator; ssh wrapping has already been applied by the
// pipeline builder.
type Stage struct {
	// Name tags the stage's stderr lines and failure reports ("zfs send",
	// "ssh dst", ...).
	Name string

	Argv []string

	// PassStderr wires the stage's stderr straight to the parent's, used
	// for pv's interactive progress display. All other stages get their
	// stderr drained line by line into the log.
	PassStderr bool
}

// stageResult is the terminal state of one stage.
type stageResult struct {
	exitCode int
	signal   syscall.Signal // signal that killed the stage, or 0
	stderr   string
}

// Pipeline implements Runner. The chain is wired stdout-to-stdin left to
// right; the last stage's exit status gates success. An upstream stage that
// dies of SIGPIPE (or exits 141) after the final stage succeeded is treated
// as the benign consequence of a downstream early exit.
//
// On context cancellation every live stage is terminated in LIFO order,
// SIGTERM first and SIGKILL after a grace period, so no ssh or zfs send is
// ever left behind.
func (r *ExecRunner) Pipeline(ctx context.Context, stages []Stage) error {
	if len(stages) == 0 {
		return nil
	}

	cmds := make([]*exec.Cmd, len(stages))
	tails := make([]*tailWriter, len(stages))
	var stderrSinks []*io.PipeWriter
	var drains sync.WaitGroup

	for i, st := range stages {
		r.Log.Debug("pipeline stage", "stage", st.Name, "argv", strings.Join(st.Argv, " "))
		cmd := exec.Command(st.Argv[0], st.Argv[1:]...)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		tails[i] = &tailWriter{}
		if st.PassStderr {
			cmd.Stderr = os.Stderr
		} else {
			pr, pw := io.Pipe()
			cmd.Stderr = io.MultiWriter(pw, tails[i])
			stderrSinks = append(stderrSinks, pw)
			drains.Add(1)
			go func(name string, rd *io.PipeReader) {
				defer drains.Done()
				sc := bufio.NewScanner(rd)
				sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
				for sc.Scan() {
					r.Log.Info("stderr", "stage", name, "line", sc.Text())
				}
			}(st.Name, pr)
		}
		cmds[i] = cmd
	}

	// Wire the chain. StdoutPipe/StdinPipe would keep fds open in the
	// parent; explicit os.Pipe lets us close our copies right after start
	// so EOF propagates.
	pipes := make([][2]*os.File, len(stages)-1)
	for i := range pipes {
		pr, pw, err := os.Pipe()
		if err != nil {
			return &PipelineError{Stage: stages[i].Name, ExitCode: -1, Stderr: err.Error()}
		}
		pipes[i] = [2]*os.File{pr, pw}
		cmds[i].Stdout = pw
		cmds[i+1].Stdin = pr
	}
	last := len(stages) - 1
	var recvOut tailWriter
	cmds[last].Stdout = &recvOut

	started := 0
	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			killStages(cmds[:started], r.TermGrace)
			closePipes(pipes)
			for _, c := range cmds[:started] {
				_ = c.Wait()
			}
			for _, pw := range stderrSinks {
				_ = pw.Close()
			}
			drains.Wait()
			return &PipelineError{Stage: stages[i].Name, ExitCode: -1, Stderr: err.Error()}
		}
		started++
	}
	closePipes(pipes)

	// Cancellation watcher: tear down LIFO so consumers disappear before
	// producers and nothing blocks on a full pipe.
	waited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			for i := len(cmds) - 1; i >= 0; i-- {
				killGroup(cmds[i], r.TermGrace)
			}
		case <-waited:
		}
	}()

	results := make([]stageResult, len(cmds))
	for i, cmd := range cmds {
		_ = cmd.Wait() // the verdict is computed from per-stage exit states below
		res := stageResult{exitCode: cmd.ProcessState.ExitCode(), stderr: tails[i].String()}
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.signal = ws.Signal()
		}
		results[i] = res
	}
	close(waited)
	for _, pw := range stderrSinks {
		_ = pw.Close()
	}
	drains.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if out := strings.TrimSpace(recvOut.String()); out != "" {
		r.Log.Debug("pipeline output", "stage", stages[last].Name, "output", out)
	}
	return evaluatePipeline(stages, results)
}

// evaluatePipeline turns per-stage exit states into the pipeline verdict.
func evaluatePipeline(stages []Stage, results []stageResult) error {
	last := len(results) - 1
	if results[last].exitCode != 0 {
		return &PipelineError{
			Stage:    stages[last].Name,
			ExitCode: results[last].exitCode,
			Stderr:   results[last].stderr,
		}
	}
	for i := 0; i < last; i++ {
		res := results[i]
		if res.exitCode == 0 {
			continue
		}
		if res.signal == syscall.SIGPIPE || res.exitCode == 128+int(syscall.SIGPIPE) {
			continue
		}
		return &PipelineError{Stage: stages[i].Name, ExitCode: res.exitCode, Stderr: res.stderr}
	}
	return nil
}

func killStages(cmds []*exec.Cmd, grace time.Duration) {
	for i := len(cmds) - 1; i >= 0; i-- {
		killGroup(cmds[i], grace)
	}
}

func killGroup(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.AfterFunc(grace, func() {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	})
}

func closePipes(pipes [][2]*os.File) {
	for _, p := range pipes {
		if p[0] != nil {
			p[0].Close()
		}
		if p[1] != nil {
			p[1].Close()
		}
	}
}

// tailWriter retains the last tailLimit bytes written through it. Safe for
// the single-writer use it gets here.
type tailWriter struct {
	mu  sync.Mutex
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > tailLimit {
		w.buf = w.buf[len(w.buf)-tailLimit:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
