package replicate

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/whoschek/wbackup-zfs/internal/cmdrun"
	"github.com/whoschek/wbackup-zfs/internal/endpoint"
	"github.com/whoschek/wbackup-zfs/internal/filter"
	"github.com/whoschek/wbackup-zfs/internal/retry"
	"github.com/whoschek/wbackup-zfs/internal/run"
	"github.com/whoschek/wbackup-zfs/internal/zfs"
)

// fakeRunner scripts subprocess behavior: each Run call is matched against
// an ordered rule list by argv substring, first match wins. Pipelines are
// recorded instead of spawned. This is the whole ZFS world of the
// replicator tests; no zpool is harmed.
type respRule struct {
	match string
	out   string
	err   error
}

type fakeRunner struct {
	rules []respRule

	calls     []string
	pipelines [][]cmdrun.Stage

	// pipeErrs are consumed one per Pipeline call; once drained, pipeErr
	// applies to every further call.
	pipeErrs []error
	pipeErr  error
}

func (f *fakeRunner) Run(_ context.Context, ep cmdrun.Target, argv []string, _ cmdrun.Opts) (cmdrun.Result, error) {
	joined := strings.Join(argv, " ")
	f.calls = append(f.calls, joined)
	for _, r := range f.rules {
		if strings.Contains(joined, r.match) {
			if r.err != nil {
				return cmdrun.Result{Stderr: errStderr(r.err), ExitCode: 1}, r.err
			}
			return cmdrun.Result{Stdout: r.out}, nil
		}
	}
	return cmdrun.Result{}, nil
}

func errStderr(err error) string {
	if ce, ok := cmdrun.IsCommandError(err); ok {
		return ce.Stderr
	}
	return ""
}

func (f *fakeRunner) Pipeline(_ context.Context, stages []cmdrun.Stage) error {
	f.pipelines = append(f.pipelines, stages)
	// Recorded in calls too so tests can assert ordering across commands
	// and transfers.
	f.calls = append(f.calls, "PIPELINE "+pipelineText(stages))
	if len(f.pipeErrs) > 0 {
		err := f.pipeErrs[0]
		f.pipeErrs = f.pipeErrs[1:]
		return err
	}
	return f.pipeErr
}

// called reports whether any recorded call contains the substring.
func (f *fakeRunner) called(sub string) bool {
	for _, c := range f.calls {
		if strings.Contains(c, sub) {
			return true
		}
	}
	return false
}

// calledExact reports whether some call equals the argv rendering exactly.
func (f *fakeRunner) calledExact(s string) bool {
	for _, c := range f.calls {
		if c == s {
			return true
		}
	}
	return false
}

// callIndex returns the position of the first call containing sub, or -1.
func (f *fakeRunner) callIndex(sub string) int {
	for i, c := range f.calls {
		if strings.Contains(c, sub) {
			return i
		}
	}
	return -1
}

// pipelineText renders a recorded pipeline for substring assertions.
func pipelineText(stages []cmdrun.Stage) string {
	var parts []string
	for _, st := range stages {
		parts = append(parts, strings.Join(st.Argv, " "))
	}
	return strings.Join(parts, " | ")
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(nullWriter{}, nil))
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

// world is a wired-up engine over a fakeRunner.
type world struct {
	fake *fakeRunner
	run  *run.Run
	opts *Options
	repl *Replicator
	job  *Job
}

func newWorld(t *testing.T, fake *fakeRunner, opts *Options) *world {
	t.Helper()
	log := quietLog()
	r := run.New("test-run", log, fake)

	if opts.SkipMissing == "" {
		opts.SkipMissing = SkipMissingFail
	}
	if opts.SkipOnError == "" {
		opts.SkipOnError = "dataset"
	}

	srcEp := &endpoint.Endpoint{Name: "src", RunningAsRoot: true}
	dstEp := &endpoint.Endpoint{Name: "dst", RunningAsRoot: true}
	localEp := &endpoint.Endpoint{Name: "local", RunningAsRoot: true}
	inv := &zfs.Inventory{Runner: fake}
	retryer := retry.New(retry.Policy{Retries: 0, MinSleep: 1, MaxSleep: 2, MaxElapsed: 1 << 40}, retry.DefaultPatterns(), log)

	w := &world{fake: fake, run: r, opts: opts}
	w.repl = &Replicator{
		Run: r, Inv: inv, Retry: retryer, Opts: opts,
		SrcEp: srcEp, DstEp: dstEp, LocalEp: localEp, Log: log,
	}
	w.job = &Job{
		Run: r, Opts: opts, Inv: inv, Retry: retryer,
		SrcEp: srcEp, DstEp: dstEp, LocalEp: localEp, Log: log,
	}
	return w
}

func snapshotFilter(t *testing.T, includeExprs ...string) filter.NameFilter {
	t.Helper()
	include, err := filter.CompileRegexList(includeExprs)
	if err != nil {
		t.Fatalf("compile %v: %v", includeExprs, err)
	}
	return filter.NameFilter{Include: include, Exclude: &filter.List{}}
}

func mustRef(t *testing.T, spec string) zfs.DatasetRef {
	t.Helper()
	ref, err := zfs.ParseDatasetRef(spec)
	if err != nil {
		t.Fatalf("parse %q: %v", spec, err)
	}
	return ref
}

func item(t *testing.T, src, dst string) WorkItem {
	t.Helper()
	return WorkItem{Src: mustRef(t, src), Dst: mustRef(t, dst)}
}

// Common rule fragments.

func probeRule() respRule {
	return respRule{match: "command -v", out: "zfs\n"}
}

func notExistRule(dataset string) respRule {
	return respRule{
		match: "list -Hp -o name -d 0 " + dataset,
		err: &cmdrun.CommandError{
			Endpoint: "dst",
			Argv:     []string{"zfs", "list", dataset},
			ExitCode: 1,
			Stderr:   "cannot open '" + dataset + "': dataset does not exist",
		},
	}
}

func existsRule(dataset string) respRule {
	return respRule{match: "list -Hp -o name -d 0 " + dataset, out: dataset + "\n"}
}

func snapsRule(dataset, out string) respRule {
	return respRule{match: "list -t snapshot -d 1 -Hp -o guid,createtxg,name -s createtxg " + dataset, out: out}
}

func booksRule(dataset, out string) respRule {
	return respRule{match: "list -t bookmark -d 1 -Hp -o guid,createtxg,name -s createtxg " + dataset, out: out}
}

func bookmarksEnabledRule() respRule {
	return respRule{match: "feature@bookmarks", out: "enabled\n"}
}
