package replicate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/whoschek/wbackup-zfs/internal/cmdrun"
	"github.com/whoschek/wbackup-zfs/internal/endpoint"
	"github.com/whoschek/wbackup-zfs/internal/pipeline"
	"github.com/whoschek/wbackup-zfs/internal/retry"
	"github.com/whoschek/wbackup-zfs/internal/run"
	"github.com/whoschek/wbackup-zfs/internal/zfs"
)

// Replicator replicates one dataset pair at a time:
//
//	INSPECT -> CONFLICT? -> PLAN -> TRANSFER -> BOOKMARK -> DONE
//
// with SKIPPED and FAILED as side exits, reported as Outcome values rather
// than raised through the call stack.
type Replicator struct {
	Run     *run.Run
	Inv     *zfs.Inventory
	Retry   *retry.Retryer
	Opts    *Options
	SrcEp   *endpoint.Endpoint
	DstEp   *endpoint.Endpoint
	LocalEp *endpoint.Endpoint
	Log     *slog.Logger
}

// sendStep is one transfer of the plan. An empty base means a full send.
type sendStep struct {
	base          string
	target        zfs.SnapshotEntry
	intermediates bool
}

func (s sendStep) String() string {
	if s.base == "" {
		return "full " + s.target.FullName()
	}
	flag := "-i"
	if s.intermediates {
		flag = "-I"
	}
	return fmt.Sprintf("incremental %s %s %s", flag, s.base, s.target.FullName())
}

// ReplicateDataset drives the state machine for one work item.
func (r *Replicator) ReplicateDataset(ctx context.Context, item WorkItem) Outcome {
	log := r.Log.With("src", item.Src.String(), "dst", item.Dst.String())

	// INSPECT.
	srcSnaps, srcBooks, err := r.inspectSource(ctx, item)
	if err != nil {
		return Fail(err, false)
	}
	candidates := r.selectSnapshots(srcSnaps)

	dstExists, err := r.Inv.DatasetExists(ctx, r.DstEp, item.Dst.Dataset)
	if err != nil {
		return Fail(err, false)
	}
	var dstSnaps []zfs.SnapshotEntry
	if dstExists {
		if dstSnaps, err = r.fetchDstSnapshots(ctx, item); err != nil {
			return Fail(err, true)
		}
	}

	if len(candidates) == 0 {
		return r.handleMissingSnapshots(ctx, item, dstExists, dstSnaps, log)
	}

	// Common base over candidates plus, unless disabled, bookmarks that
	// pass the snapshot filter.
	srcEntities := candidates
	if !r.Opts.NoUseBookmark {
		srcEntities = mergeByTXG(candidates, r.selectSnapshots(srcBooks))
	}
	base, hasBase := zfs.LatestCommon(srcEntities, dstSnaps)

	// CONFLICT?
	forceRecv := false
	if dstExists {
		resolved, err := r.resolveConflicts(ctx, item, base, hasBase, dstSnaps, log)
		if err != nil {
			return Fail(err, true)
		}
		if !resolved {
			return Fail(&PolicyConflictError{
				Dataset:   item.Dst.String(),
				Snapshots: conflictNames(base, hasBase, dstSnaps),
			}, true)
		}
		// A full send into a surviving (now snapshot-less) dataset needs
		// receive -F to overwrite whatever is mounted there.
		forceRecv = !hasBase
	}

	// PLAN.
	var basePtr *zfs.CommonBase
	if hasBase {
		basePtr = &base
	}
	steps := planSteps(basePtr, candidates, r.Opts.NoStream)
	if len(steps) == 0 {
		log.Info("destination is up to date")
		return Done(dstExists)
	}

	// TRANSFER.
	if !dstExists && r.Run.DryRun == run.DryRunOff {
		if err := r.ensureParent(ctx, item); err != nil {
			return Fail(err, false)
		}
	}
	for _, step := range steps {
		initial := !hasBase && step.base == ""
		if err := r.transfer(ctx, item, step, initial, initial && forceRecv, log); err != nil {
			return Fail(err, dstExists)
		}
		dstExists = true
	}

	// BOOKMARK.
	latest := steps[len(steps)-1].target
	if err := r.createBookmark(ctx, item, latest, srcBooks, log); err != nil {
		return Fail(err, true)
	}

	log.Info("dataset replicated", "target", latest.FullName())
	return Done(true)
}

func (r *Replicator) inspectSource(ctx context.Context, item WorkItem) (snaps, books []zfs.SnapshotEntry, err error) {
	err = r.Retry.Do(ctx, "list source snapshots", func() error {
		var e error
		snaps, e = r.Inv.Snapshots(ctx, r.SrcEp, item.Src.Dataset)
		return e
	})
	if err != nil {
		return nil, nil, err
	}
	if !r.Opts.NoUseBookmark || !r.Opts.NoCreateBookmark {
		err = r.Retry.Do(ctx, "list source bookmarks", func() error {
			var e error
			books, e = r.Inv.Bookmarks(ctx, r.SrcEp, item.Src.Dataset)
			return e
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return snaps, books, nil
}

func (r *Replicator) fetchDstSnapshots(ctx context.Context, item WorkItem) ([]zfs.SnapshotEntry, error) {
	var snaps []zfs.SnapshotEntry
	err := r.Retry.Do(ctx, "list destination snapshots", func() error {
		var e error
		snaps, e = r.Inv.Snapshots(ctx, r.DstEp, item.Dst.Dataset)
		return e
	})
	return snaps, err
}

// selectSnapshots applies the snapshot-name filter.
func (r *Replicator) selectSnapshots(entries []zfs.SnapshotEntry) []zfs.SnapshotEntry {
	var out []zfs.SnapshotEntry
	for _, e := range entries {
		if r.Opts.SnapshotFilter.Select(e.Name) {
			out = append(out, e)
		}
	}
	return out
}

func (r *Replicator) handleMissingSnapshots(ctx context.Context, item WorkItem, dstExists bool, dstSnaps []zfs.SnapshotEntry, log *slog.Logger) Outcome {
	switch r.Opts.SkipMissing {
	case SkipMissingFail:
		return Fail(&NoSnapshotsError{Dataset: item.Src.String()}, dstExists)
	case SkipMissingDataset:
		log.Info("skipping dataset without snapshots")
		return Skip("no source snapshots", dstExists)
	}

	// continue: keep the tree shape so descendants still replicate.
	if !dstExists {
		if r.Run.DryRun != run.DryRunOff {
			log.Info("dry run: would create empty destination dataset")
			return Done(false)
		}
		argv := r.DstEp.Elevate(zfs.CreateArgs(r.DstEp.Program(endpoint.RoleZFS), item.Dst.Dataset))
		err := r.Retry.Do(ctx, "create empty dataset", func() error {
			_, e := r.Run.Runner.Run(ctx, r.DstEp, argv, cmdrun.Opts{Timeout: zfs.MetadataTimeout})
			return e
		})
		if err != nil {
			return Fail(err, false)
		}
		log.Info("created empty destination dataset")
		return Done(true)
	}
	if len(dstSnaps) > 0 && r.Run.AllowDestructive() {
		if err := r.destroySnapshots(ctx, item.Dst, entryNames(dstSnaps), log); err != nil {
			return Fail(err, true)
		}
	}
	return Done(true)
}

// resolveConflicts inspects destination snapshots newer than the common
// base (all of them when there is no base) and rolls them back or destroys
// them when the run authorizes it. Returns false when the conflict stands.
func (r *Replicator) resolveConflicts(ctx context.Context, item WorkItem, base zfs.CommonBase, hasBase bool, dstSnaps []zfs.SnapshotEntry, log *slog.Logger) (bool, error) {
	conflicts := conflictNames(base, hasBase, dstSnaps)
	if len(conflicts) == 0 {
		return true, nil
	}

	authorized := r.Run.AllowDestructive()
	rollbackOnly := hasBase && r.Opts.ForceRollbackToLatest
	if !authorized && !rollbackOnly {
		return false, nil
	}

	if r.Run.DryRun != run.DryRunOff {
		log.Info("dry run: would discard conflicting destination snapshots", "snapshots", strings.Join(conflicts, ","))
		return true, nil
	}

	if hasBase {
		argv := r.DstEp.Elevate(zfs.RollbackArgs(
			r.DstEp.Program(endpoint.RoleZFS),
			item.Dst.Dataset+"@"+base.DestName,
			r.Opts.ForceUnmount,
		))
		err := r.Retry.Do(ctx, "rollback destination", func() error {
			_, e := r.Run.Runner.Run(ctx, r.DstEp, argv, cmdrun.Opts{Timeout: zfs.MetadataTimeout})
			return e
		})
		if err != nil {
			return false, err
		}
		log.Info("rolled destination back to common base", "base", base.DestName, "discarded", strings.Join(conflicts, ","))
		return true, nil
	}
	if err := r.destroySnapshots(ctx, item.Dst, conflicts, log); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Replicator) destroySnapshots(ctx context.Context, ds zfs.DatasetRef, names []string, log *slog.Logger) error {
	if len(names) == 0 {
		return nil
	}
	if r.Run.DryRun != run.DryRunOff {
		log.Info("dry run: would destroy destination snapshots", "snapshots", strings.Join(names, ","))
		return nil
	}
	argv := r.DstEp.Elevate(zfs.DestroySnapshotsArgs(
		r.DstEp.Program(endpoint.RoleZFS), ds.Dataset, names, r.Opts.ForceUnmount))
	err := r.Retry.Do(ctx, "destroy destination snapshots", func() error {
		_, e := r.Run.Runner.Run(ctx, r.DstEp, argv, cmdrun.Opts{Timeout: zfs.MetadataTimeout})
		return e
	})
	if err != nil {
		return err
	}
	log.Info("destroyed destination snapshots", "snapshots", strings.Join(names, ","))
	return nil
}

// ensureParent creates missing destination ancestors before the first full
// receive, so a deep root pair does not depend on pre-existing scaffolding.
func (r *Replicator) ensureParent(ctx context.Context, item WorkItem) error {
	i := strings.LastIndex(item.Dst.Dataset, "/")
	if i < 0 {
		return nil
	}
	parent := item.Dst.Dataset[:i]
	exists, err := r.Inv.DatasetExists(ctx, r.DstEp, parent)
	if err != nil || exists {
		return err
	}
	argv := r.DstEp.Elevate(zfs.CreateArgs(r.DstEp.Program(endpoint.RoleZFS), parent))
	return r.Retry.Do(ctx, "create destination parent", func() error {
		_, e := r.Run.Runner.Run(ctx, r.DstEp, argv, cmdrun.Opts{Timeout: zfs.MetadataTimeout})
		return e
	})
}

// transfer builds and runs the pipeline for one send step.
func (r *Replicator) transfer(ctx context.Context, item WorkItem, step sendStep, initial, forceRecv bool, log *slog.Logger) error {
	srcCaps, err := r.Run.Caps(ctx, r.SrcEp)
	if err != nil {
		return err
	}
	dstCaps, err := r.Run.Caps(ctx, r.DstEp)
	if err != nil {
		return err
	}
	localCaps, err := r.Run.Caps(ctx, r.LocalEp)
	if err != nil {
		return err
	}
	if !srcCaps.ZFS {
		return fmt.Errorf("zfs not found on %s", r.SrcEp.Label())
	}
	if !dstCaps.ZFS {
		return fmt.Errorf("zfs not found on %s", r.DstEp.Label())
	}

	recvOpts := []string{"-u"}
	if forceRecv {
		recvOpts = append(recvOpts, "-F")
	}
	recvOpts = append(recvOpts, r.Opts.RecvOpts...)
	if c := r.Opts.RecvProps; c.Enabled() {
		var oProps, xProps []zfs.Property
		if !c.OInclude.Empty() {
			if oProps, err = r.Inv.Properties(ctx, r.SrcEp, c.OPropSources(), item.Src.Dataset); err != nil {
				return err
			}
		}
		if !c.XInclude.Empty() {
			if !c.OInclude.Empty() && c.XPropSources() == c.OPropSources() {
				xProps = oProps
			} else if xProps, err = r.Inv.Properties(ctx, r.SrcEp, c.XPropSources(), item.Src.Dataset); err != nil {
				return err
			}
		}
		recvOpts = append(recvOpts, DeriveRecvFlags(oProps, xProps, c, !initial)...)
	}

	sendArgv := r.SrcEp.Elevate(zfs.SendArgs(
		r.SrcEp.Program(endpoint.RoleZFS), r.Opts.SendOpts,
		step.base, step.intermediates, step.target.FullName()))
	recvArgv := r.DstEp.Elevate(zfs.RecvArgs(
		r.DstEp.Program(endpoint.RoleZFS), recvOpts,
		r.Run.DryRun == run.DryRunRecv, item.Dst.Dataset))

	stages := pipeline.Build(pipeline.Spec{
		Src:            pipeline.Side{Endpoint: r.SrcEp, Caps: srcCaps},
		Dst:            pipeline.Side{Endpoint: r.DstEp, Caps: dstCaps},
		Local:          pipeline.Side{Endpoint: r.LocalEp, Caps: localCaps},
		SendArgv:       sendArgv,
		RecvArgv:       recvArgv,
		DryRun:         r.Run.DryRun,
		RateLimit:      r.Opts.RateLimit,
		PvLogFile:      r.Opts.PvLogFile,
		PvIntervalSecs: r.Opts.PvIntervalSecs,
		MbufferSize:    r.Opts.MbufferSize,
	})
	if stages == nil {
		log.Info("dry run: would send", "step", step.String())
		return nil
	}

	log.Info("transferring", "step", step.String())
	return r.Retry.Do(ctx, "transfer "+step.target.FullName(), func() error {
		return r.Run.Runner.Pipeline(ctx, stages)
	})
}

// createBookmark pins the just-replicated snapshot as a bookmark on the
// source so future incrementals survive source-side pruning.
func (r *Replicator) createBookmark(ctx context.Context, item WorkItem, target zfs.SnapshotEntry, existing []zfs.SnapshotEntry, log *slog.Logger) error {
	if r.Opts.NoCreateBookmark || r.Run.DryRun != run.DryRunOff {
		return nil
	}
	supported, probed := r.Run.BookmarkSupport(r.SrcEp, item.Src.Pool())
	if !probed {
		var err error
		supported, err = r.Inv.PoolSupportsBookmarks(ctx, r.SrcEp, item.Src.Pool())
		if err != nil {
			return err
		}
		r.Run.SetBookmarkSupport(r.SrcEp, item.Src.Pool(), supported)
	}
	if !supported {
		return nil
	}
	for _, b := range existing {
		if b.Name == target.Name {
			if b.GUID == target.GUID {
				return nil
			}
			log.Warn("bookmark name taken by different snapshot generation", "bookmark", b.FullName())
			return nil
		}
	}
	bookmark := item.Src.Dataset + "#" + target.Name
	argv := r.SrcEp.Elevate(zfs.BookmarkArgs(r.SrcEp.Program(endpoint.RoleZFS), target.FullName(), bookmark))
	err := r.Retry.Do(ctx, "create bookmark", func() error {
		_, e := r.Run.Runner.Run(ctx, r.SrcEp, argv, cmdrun.Opts{Timeout: zfs.MetadataTimeout})
		return e
	})
	if err != nil {
		if ce, ok := cmdrun.IsCommandError(err); ok && strings.Contains(ce.Stderr, "exists") {
			return nil
		}
		return err
	}
	log.Debug("created bookmark", "bookmark", bookmark)
	return nil
}

// planSteps selects what to send. With no base the oldest candidate goes
// first as a full send, followed by one incremental covering the rest;
// --no-stream collapses either case to the latest snapshot only.
func planSteps(base *zfs.CommonBase, candidates []zfs.SnapshotEntry, noStream bool) []sendStep {
	latest := candidates[len(candidates)-1]
	if base == nil {
		if noStream || len(candidates) == 1 {
			return []sendStep{{target: latest}}
		}
		oldest := candidates[0]
		return []sendStep{
			{target: oldest},
			{base: oldest.FullName(), target: latest, intermediates: true},
		}
	}
	if latest.CreateTXG <= base.Source.CreateTXG {
		return nil
	}
	// zfs send accepts a bookmark origin only with -i; -I requires a
	// snapshot base.
	return []sendStep{{
		base:          base.Source.FullName(),
		target:        latest,
		intermediates: !noStream && base.Source.Kind == zfs.KindSnapshot,
	}}
}

// conflictNames lists the destination snapshots newer than the common base
// in destination createtxg order; with no base every destination snapshot
// conflicts.
func conflictNames(base zfs.CommonBase, hasBase bool, dstSnaps []zfs.SnapshotEntry) []string {
	if !hasBase {
		return entryNames(dstSnaps)
	}
	var baseTXG uint64
	found := false
	for _, s := range dstSnaps {
		if s.Name == base.DestName {
			baseTXG = s.CreateTXG
			found = true
			break
		}
	}
	if !found {
		return entryNames(dstSnaps)
	}
	var names []string
	for _, s := range dstSnaps {
		if s.CreateTXG > baseTXG {
			names = append(names, s.Name)
		}
	}
	return names
}

func entryNames(entries []zfs.SnapshotEntry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

// mergeByTXG merges two createtxg-sorted entry lists into one sorted list.
func mergeByTXG(a, b []zfs.SnapshotEntry) []zfs.SnapshotEntry {
	out := make([]zfs.SnapshotEntry, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreateTXG < out[j].CreateTXG })
	return out
}
