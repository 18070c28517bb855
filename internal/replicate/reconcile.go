package replicate

import (
	"context"
	"strings"

	"github.com/whoschek/wbackup-zfs/internal/cmdrun"
	"github.com/whoschek/wbackup-zfs/internal/endpoint"
	"github.com/whoschek/wbackup-zfs/internal/filter"
	"github.com/whoschek/wbackup-zfs/internal/run"
	"github.com/whoschek/wbackup-zfs/internal/zfs"
)

// Reconciliation prunes the destination down to the include/exclude policy
// after replication: first snapshots the source no longer has, then whole
// datasets the source tree no longer contains. Both passes operate only on
// datasets that passed the dataset filter, and only destroy; they never
// send anything.

// DeleteMissingSnapshots destroys the destination snapshots of one dataset
// pair whose GUID no longer exists on the source, restricted to snapshots
// matching the snapshot filter.
func (r *Replicator) DeleteMissingSnapshots(ctx context.Context, item WorkItem) error {
	log := r.Log.With("dst", item.Dst.String())

	exists, err := r.Inv.DatasetExists(ctx, r.DstEp, item.Dst.Dataset)
	if err != nil || !exists {
		return err
	}
	dstSnaps, err := r.fetchDstSnapshots(ctx, item)
	if err != nil {
		return err
	}

	var srcSnaps []zfs.SnapshotEntry
	err = r.Retry.Do(ctx, "list source snapshots", func() error {
		var e error
		srcSnaps, e = r.Inv.Snapshots(ctx, r.SrcEp, item.Src.Dataset)
		return e
	})
	if err != nil {
		return err
	}
	srcGUIDs := zfs.GUIDSet(srcSnaps)

	var doomed []string
	for _, s := range dstSnaps {
		if !r.Opts.SnapshotFilter.Select(s.Name) {
			continue
		}
		if _, ok := srcGUIDs[s.GUID]; !ok {
			doomed = append(doomed, s.Name)
		}
	}
	if len(doomed) == 0 {
		return nil
	}
	return r.destroySnapshots(ctx, item.Dst, doomed, log)
}

// DeleteMissingDatasets destroys destination datasets absent from the
// source's selected tree, plus any selected destination dataset whose
// entire subtree holds no snapshot. srcItems is the planner's output for
// the pair; its Rel set is the ground truth of what the source still has.
func (r *Replicator) DeleteMissingDatasets(ctx context.Context, pair Pair, srcItems []WorkItem) error {
	exists, err := r.Inv.DatasetExists(ctx, r.DstEp, pair.Dst.Dataset)
	if err != nil || !exists {
		return err
	}
	dstNames, err := r.Inv.Tree(ctx, r.DstEp, pair.Dst.Dataset, r.Opts.Recursive)
	if err != nil {
		return err
	}

	srcRels := make(map[string]struct{}, len(srcItems))
	for _, it := range srcItems {
		srcRels[it.Rel] = struct{}{}
	}

	snapNames, err := r.Inv.SnapshotNamesTree(ctx, r.DstEp, pair.Dst.Dataset)
	if err != nil {
		return err
	}
	hasSnap := make(map[string]struct{}, len(snapNames))
	for _, n := range snapNames {
		if ds, _, ok := strings.Cut(n, "@"); ok {
			hasSnap[ds] = struct{}{}
		}
	}

	// Same selection rules as the planner, evaluated over destination rel
	// paths; the property gate reads the destination dataset since the
	// source counterpart may be the thing that is missing.
	tree := filter.NewTreeFilter(r.Opts.DatasetInclude, r.Opts.DatasetExclude)
	var destroyed []string

	for _, name := range dstNames {
		rel, ok := pair.Dst.RelPath(name)
		if !ok {
			continue
		}
		if underAny(rel, destroyed) {
			continue
		}
		if !tree.Select(rel) {
			continue
		}
		if r.Opts.ExcludeDatasetProperty != "" {
			value, err := r.Inv.PropertyValue(ctx, r.DstEp, r.Opts.ExcludeDatasetProperty, name)
			if err != nil {
				return err
			}
			if value == "false" {
				continue
			}
		}
		_, onSource := srcRels[rel]
		if onSource && subtreeHasSnapshot(name, hasSnap) {
			continue
		}
		if rel == "" && onSource {
			// Never destroy the root pair's destination while the source
			// still has it; an all-empty subtree there prunes children
			// individually on the next pass through them.
			continue
		}
		if err := r.destroyDataset(ctx, name); err != nil {
			return err
		}
		destroyed = append(destroyed, rel)
	}
	return nil
}

func subtreeHasSnapshot(dataset string, hasSnap map[string]struct{}) bool {
	for ds := range hasSnap {
		if ds == dataset || strings.HasPrefix(ds, dataset+"/") {
			return true
		}
	}
	return false
}

func (r *Replicator) destroyDataset(ctx context.Context, dataset string) error {
	if r.Run.DryRun != run.DryRunOff {
		r.Log.Info("dry run: would destroy destination dataset", "dataset", dataset)
		return nil
	}
	argv := r.DstEp.Elevate(zfs.DestroyDatasetArgs(
		r.DstEp.Program(endpoint.RoleZFS), dataset, r.Opts.ForceUnmount))
	err := r.Retry.Do(ctx, "destroy dataset "+dataset, func() error {
		_, e := r.Run.Runner.Run(ctx, r.DstEp, argv, cmdrun.Opts{Timeout: zfs.MetadataTimeout})
		return e
	})
	if err != nil {
		return err
	}
	r.Log.Info("destroyed destination dataset", "dataset", dataset)
	return nil
}
