// Package run carries the per-run mutable state the engine needs threaded
// through every component: the run ID, the --force-once budget, the
// endpoint capability cache, and the dry-run mode. One Run value exists per
// invocation; nothing here is process-global.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whoschek/wbackup-zfs/internal/cmdrun"
	"github.com/whoschek/wbackup-zfs/internal/endpoint"
)

// DryRunMode selects how far a dry run goes.
type DryRunMode int

const (
	// DryRunOff performs the real replication.
	DryRunOff DryRunMode = iota

	// DryRunSend plans everything but substitutes a no-op for the whole
	// transfer pipeline. Nothing is mutated anywhere.
	DryRunSend

	// DryRunRecv runs the real zfs send but discards the stream with
	// zfs receive -n, so the destination is still untouched.
	DryRunRecv
)

// ParseDryRun maps the --dryrun flag value. A bare --dryrun means send.
func ParseDryRun(s string, set bool) (DryRunMode, error) {
	if !set {
		return DryRunOff, nil
	}
	switch s {
	case "", "send":
		return DryRunSend, nil
	case "recv":
		return DryRunRecv, nil
	default:
		return DryRunOff, fmt.Errorf("invalid dryrun mode %q: must be send or recv", s)
	}
}

// Run is the per-invocation context.
type Run struct {
	// ID names this run in log files and control-master socket paths.
	ID string

	Log    *slog.Logger
	Runner cmdrun.Runner
	DryRun DryRunMode

	// Force allows destructive destination reconciliation for the whole
	// run; ForceOnce allows it exactly once across all datasets.
	Force     bool
	ForceOnce bool

	mu          sync.Mutex
	forceSpent  bool
	programCaps map[string]endpoint.Capabilities
	bookmarkOK  map[string]bool
}

// New creates a Run. An empty id gets a fresh UUID; the CLI passes the id
// it already used for log-file naming.
func New(id string, log *slog.Logger, runner cmdrun.Runner) *Run {
	if id == "" {
		id = uuid.NewString()
	}
	return &Run{
		ID:          id,
		Log:         log,
		Runner:      runner,
		programCaps: make(map[string]endpoint.Capabilities),
		bookmarkOK:  make(map[string]bool),
	}
}

// AllowDestructive consumes the force budget for one conflicting dataset.
// Returns true when rollback/destroy of destination state is authorized
// right now.
func (r *Run) AllowDestructive() bool {
	if r.Force {
		return true
	}
	if !r.ForceOnce {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forceSpent {
		return false
	}
	r.forceSpent = true
	return true
}

// probeTimeout bounds capability probes; a host that cannot answer
// `command -v` in this window is not going to move a send stream either.
const probeTimeout = 30 * time.Second

// probed roles, in probe-script order.
var probeRoles = []struct {
	role  string
	token string
}{
	{endpoint.RoleZFS, "zfs"},
	{endpoint.RoleCompression, "zstd"},
	{endpoint.RolePv, "pv"},
	{endpoint.RoleMbuffer, "mbuffer"},
}

// Caps returns the program capabilities of an endpoint, probing on first
// use and caching for the rest of the run. A missing auxiliary program
// (zstd, pv, mbuffer) silently downgrades the pipeline; a missing zfs is
// reported as an error by the caller that needs it.
func (r *Run) Caps(ctx context.Context, ep *endpoint.Endpoint) (endpoint.Capabilities, error) {
	r.mu.Lock()
	if caps, ok := r.programCaps[ep.Label()]; ok {
		r.mu.Unlock()
		return caps, nil
	}
	r.mu.Unlock()

	var sb strings.Builder
	for _, pr := range probeRoles {
		if !ep.ProgramEnabled(pr.role) {
			continue
		}
		fmt.Fprintf(&sb, "command -v %s >/dev/null 2>&1 && echo %s; ",
			endpoint.QuoteToken(ep.Program(pr.role)), pr.token)
	}
	sb.WriteString("true")

	res, err := r.Runner.Run(ctx, cmdrun.Exec{Name: ep.Label()},
		ep.WrapShell(sb.String()), cmdrun.Opts{Timeout: probeTimeout})
	if err != nil {
		if ce, ok := cmdrun.IsCommandError(err); ok && !ep.Local() && ce.ExitCode == 255 {
			return endpoint.Capabilities{}, &cmdrun.EndpointError{Endpoint: ep.Label(), Stderr: ce.Stderr}
		}
		return endpoint.Capabilities{}, err
	}

	var caps endpoint.Capabilities
	for _, line := range strings.Split(res.Stdout, "\n") {
		switch strings.TrimSpace(line) {
		case "zfs":
			caps.ZFS = true
		case "zstd":
			caps.Zstd = true
		case "pv":
			caps.Pv = true
		case "mbuffer":
			caps.Mbuffer = true
		}
	}
	r.Log.Debug("capabilities probed", "endpoint", ep.Label(),
		"zfs", caps.ZFS, "zstd", caps.Zstd, "pv", caps.Pv, "mbuffer", caps.Mbuffer)

	r.mu.Lock()
	r.programCaps[ep.Label()] = caps
	r.mu.Unlock()
	return caps, nil
}

// SetBookmarkSupport records whether a pool supports bookmarks; probed once
// by the replicator via the inventory and shared for the run.
func (r *Run) SetBookmarkSupport(ep *endpoint.Endpoint, pool string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bookmarkOK[ep.Label()+"/"+pool] = ok
}

// BookmarkSupport returns the recorded pool feature state; the second
// return is false when the pool has not been probed yet.
func (r *Run) BookmarkSupport(ep *endpoint.Endpoint, pool string) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok, probed := r.bookmarkOK[ep.Label()+"/"+pool]
	return ok, probed
}
