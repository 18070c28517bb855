package replicate

import (
	"context"
	"log/slog"
	"strings"

	"github.com/whoschek/wbackup-zfs/internal/endpoint"
	"github.com/whoschek/wbackup-zfs/internal/filter"
	"github.com/whoschek/wbackup-zfs/internal/zfs"
)

// Pair is one SRC_DATASET DST_DATASET argument pair.
type Pair struct {
	Src zfs.DatasetRef
	Dst zfs.DatasetRef
}

// WorkItem is one dataset to replicate. The planner emits items parents
// before children, so a child's receive can always assume its parent
// dataset exists on the destination.
type WorkItem struct {
	Src zfs.DatasetRef
	Dst zfs.DatasetRef

	// Rel is the path relative to the root pair, "" for the root itself.
	Rel string
}

// Depth is the item's distance below the root pair: 0 for the root itself,
// 1 for its direct children, and so on.
func (w WorkItem) Depth() int {
	if w.Rel == "" {
		return 0
	}
	return strings.Count(w.Rel, "/") + 1
}

// Planner walks the source dataset tree and yields the selected work items.
type Planner struct {
	Inv   *zfs.Inventory
	Opts  *Options
	SrcEp *endpoint.Endpoint
	Log   *slog.Logger
}

// Plan lists the source tree for pair, applies the dataset filters with
// sticky exclusion, and returns the ordered work items. The property gate
// (--exclude-dataset-property) is evaluated here too, so an excluded
// subtree is never inspected again by any later pass.
func (p *Planner) Plan(ctx context.Context, pair Pair) ([]WorkItem, error) {
	names, err := p.Inv.Tree(ctx, p.SrcEp, pair.Src.Dataset, p.Opts.Recursive)
	if err != nil {
		return nil, err
	}

	tree := filter.NewTreeFilter(p.Opts.DatasetInclude, p.Opts.DatasetExclude)
	var propExcluded []string
	items := make([]WorkItem, 0, len(names))

	for _, name := range names {
		rel, ok := pair.Src.RelPath(name)
		if !ok {
			continue
		}
		if underAny(rel, propExcluded) {
			continue
		}
		if !tree.Select(rel) {
			if tree.Excluded(rel) {
				p.Log.Debug("dataset excluded by filter", "dataset", name)
			}
			continue
		}
		if p.Opts.ExcludeDatasetProperty != "" {
			value, err := p.Inv.PropertyValue(ctx, p.SrcEp, p.Opts.ExcludeDatasetProperty, name)
			if err != nil {
				return nil, err
			}
			if value == "false" {
				p.Log.Debug("dataset excluded by property", "dataset", name, "property", p.Opts.ExcludeDatasetProperty)
				propExcluded = append(propExcluded, rel)
				continue
			}
		}
		if p.Opts.SkipParent && p.Opts.Recursive && rel == "" {
			continue
		}
		items = append(items, WorkItem{
			Src: pair.Src.Child(rel),
			Dst: pair.Dst.Child(rel),
			Rel: rel,
		})
	}
	return items, nil
}

func underAny(rel string, roots []string) bool {
	for _, root := range roots {
		if rel == root || strings.HasPrefix(rel, root+"/") {
			return true
		}
	}
	return false
}
