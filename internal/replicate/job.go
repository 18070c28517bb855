package replicate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/whoschek/wbackup-zfs/internal/endpoint"
	"github.com/whoschek/wbackup-zfs/internal/errscope"
	"github.com/whoschek/wbackup-zfs/internal/retry"
	"github.com/whoschek/wbackup-zfs/internal/run"
	"github.com/whoschek/wbackup-zfs/internal/zfs"
)

// Job executes a whole invocation: every dataset pair, the tree walk, the
// per-dataset state machine, the error-scope containment, and the
// reconciliation passes. Datasets are processed strictly in order, so
// ancestor-before-descendant holds without any locking.
type Job struct {
	Run     *run.Run
	Opts    *Options
	Inv     *zfs.Inventory
	Retry   *retry.Retryer
	SrcEp   *endpoint.Endpoint
	DstEp   *endpoint.Endpoint
	LocalEp *endpoint.Endpoint
	Log     *slog.Logger
}

// Summary counts the per-dataset outcomes of a run.
type Summary struct {
	Done    int
	Skipped int
	Failed  int
}

// Execute runs the job. The returned error is nil only on full success;
// an abort propagates the underlying failure so the CLI can map it to an
// exit code.
func (j *Job) Execute(ctx context.Context, pairs []Pair) (Summary, error) {
	var sum Summary
	repl := &Replicator{
		Run: j.Run, Inv: j.Inv, Retry: j.Retry, Opts: j.Opts,
		SrcEp: j.SrcEp, DstEp: j.DstEp, LocalEp: j.LocalEp, Log: j.Log,
	}
	planner := &Planner{Inv: j.Inv, Opts: j.Opts, SrcEp: j.SrcEp, Log: j.Log}

	for _, pair := range pairs {
		items, err := planner.Plan(ctx, pair)
		if err != nil {
			return sum, fmt.Errorf("plan %s: %w", pair.Src.String(), err)
		}
		j.Log.Info("planned dataset pair", "src", pair.Src.String(), "dst", pair.Dst.String(), "datasets", len(items))

		clean, err := j.replicateTree(ctx, repl, items, &sum)
		if err != nil {
			return sum, err
		}
		if j.Opts.SkipReplication {
			clean = items
		}

		if j.Opts.DeleteMissingSnapshots {
			for _, item := range clean {
				if err := repl.DeleteMissingSnapshots(ctx, item); err != nil {
					return sum, fmt.Errorf("delete missing snapshots on %s: %w", item.Dst.String(), err)
				}
			}
		}
		if j.Opts.DeleteMissingDatasets {
			if err := repl.DeleteMissingDatasets(ctx, pair, clean); err != nil {
				return sum, fmt.Errorf("delete missing datasets under %s: %w", pair.Dst.String(), err)
			}
		}
	}

	if sum.Failed > 0 {
		return sum, fmt.Errorf("replication failed for %d dataset(s)", sum.Failed)
	}
	return sum, nil
}

// replicateTree runs the state machine over the planned items, applying
// the error-scope policy. It returns the items that replicated cleanly.
func (j *Job) replicateTree(ctx context.Context, repl *Replicator, items []WorkItem, sum *Summary) ([]WorkItem, error) {
	if j.Opts.SkipReplication {
		return nil, nil
	}

	var clean []WorkItem
	var skipRoots []string
	for _, item := range items {
		if underAny(item.Rel, skipRoots) {
			sum.Skipped++
			j.Log.Info("skipping dataset inside failed subtree", "src", item.Src.String())
			continue
		}

		outcome := repl.ReplicateDataset(ctx, item)
		switch outcome.Status {
		case StatusDone:
			sum.Done++
			clean = append(clean, item)
		case StatusSkipped:
			sum.Skipped++
			if !outcome.DstExists {
				// Descendants cannot be received under a missing parent.
				skipRoots = append(skipRoots, item.Rel)
			}
		case StatusFailed:
			if errors.Is(outcome.Err, context.Canceled) || ctx.Err() != nil {
				return clean, outcome.Err
			}
			sum.Failed++
			decision := j.Opts.SkipOnError.Decide(outcome.DstExists)
			j.Log.Error("dataset failed",
				"src", item.Src.String(), "dst", item.Dst.String(),
				"error", outcome.Err, "decision", decision.String())
			switch decision {
			case errscope.DecisionAbort:
				return clean, fmt.Errorf("replication of %s aborted the run: %w", item.Src.String(), outcome.Err)
			case errscope.DecisionSkipTree:
				skipRoots = append(skipRoots, item.Rel)
			}
		}
	}
	return clean, nil
}
