package zfs

import (
	"context"
	"strings"
	"time"

	"github.com/whoschek/wbackup-zfs/internal/cmdrun"
	"github.com/whoschek/wbackup-zfs/internal/endpoint"
)

// MetadataTimeout bounds the quick metadata probes (zfs list, zfs get).
// Transfer stages run unbounded; a slow link must not kill a correct
// transfer, but a hung zfs list should not hang the run.
const MetadataTimeout = 60 * time.Second

// Inventory enumerates snapshots, bookmarks, and datasets on an endpoint.
// The entry lists it returns are owned by the caller and not cached: all
// knowledge of what is already replicated is rebuilt from ZFS metadata on
// every run.
type Inventory struct {
	Runner cmdrun.Runner
}

func (inv *Inventory) run(ctx context.Context, ep *endpoint.Endpoint, argv []string) (string, error) {
	res, err := inv.Runner.Run(ctx, ep, argv, cmdrun.Opts{Timeout: MetadataTimeout})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Snapshots returns the snapshots of dataset in createtxg order.
func (inv *Inventory) Snapshots(ctx context.Context, ep *endpoint.Endpoint, dataset string) ([]SnapshotEntry, error) {
	out, err := inv.run(ctx, ep, ListSnapshotsArgs(ep.Program(endpoint.RoleZFS), dataset))
	if err != nil {
		return nil, err
	}
	return ParseInventory(out, dataset, KindSnapshot)
}

// Bookmarks returns the bookmarks of dataset in createtxg order.
func (inv *Inventory) Bookmarks(ctx context.Context, ep *endpoint.Endpoint, dataset string) ([]SnapshotEntry, error) {
	out, err := inv.run(ctx, ep, ListBookmarksArgs(ep.Program(endpoint.RoleZFS), dataset))
	if err != nil {
		return nil, err
	}
	return ParseInventory(out, dataset, KindBookmark)
}

// DatasetExists probes for a dataset. "does not exist" is a clean false,
// not an error: on first replication the destination is expected missing.
func (inv *Inventory) DatasetExists(ctx context.Context, ep *endpoint.Endpoint, dataset string) (bool, error) {
	_, err := inv.run(ctx, ep, ListExistsArgs(ep.Program(endpoint.RoleZFS), dataset))
	if err == nil {
		return true, nil
	}
	if ce, ok := cmdrun.IsCommandError(err); ok && strings.Contains(ce.Stderr, "does not exist") {
		return false, nil
	}
	return false, err
}

// Tree lists dataset and, when recursive, all its descendants in name
// order, so every parent precedes its children.
func (inv *Inventory) Tree(ctx context.Context, ep *endpoint.Endpoint, dataset string, recursive bool) ([]string, error) {
	out, err := inv.run(ctx, ep, ListTreeArgs(ep.Program(endpoint.RoleZFS), dataset, recursive))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// SnapshotNamesTree returns the full names ("ds@snap") of every snapshot
// under dataset's subtree.
func (inv *Inventory) SnapshotNamesTree(ctx context.Context, ep *endpoint.Endpoint, dataset string) ([]string, error) {
	out, err := inv.run(ctx, ep, ListTreeSnapshotsArgs(ep.Program(endpoint.RoleZFS), dataset))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// Property is one locally-set property of a dataset.
type Property struct {
	Name  string
	Value string
}

// Properties lists the properties of dataset set from the given sources.
func (inv *Inventory) Properties(ctx context.Context, ep *endpoint.Endpoint, sources, dataset string) ([]Property, error) {
	out, err := inv.run(ctx, ep, GetPropsArgs(ep.Program(endpoint.RoleZFS), sources, dataset))
	if err != nil {
		return nil, err
	}
	var props []Property
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, &ProtocolError{Command: "zfs get", Line: line, Reason: "want 2 tab-separated fields"}
		}
		props = append(props, Property{Name: name, Value: value})
	}
	return props, nil
}

// PropertyValue reads one property of a dataset. An unset user property
// comes back as "-".
func (inv *Inventory) PropertyValue(ctx context.Context, ep *endpoint.Endpoint, prop, dataset string) (string, error) {
	out, err := inv.run(ctx, ep, GetPropertyArgs(ep.Program(endpoint.RoleZFS), prop, dataset))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// PoolSupportsBookmarks reads the bookmarks feature state of the pool
// behind dataset. A zpool that predates feature flags answers with an
// error, which counts as unsupported.
func (inv *Inventory) PoolSupportsBookmarks(ctx context.Context, ep *endpoint.Endpoint, pool string) (bool, error) {
	out, err := inv.run(ctx, ep, ZpoolBookmarksFeatureArgs(ep.Program(endpoint.RoleZpool), pool))
	if err != nil {
		if _, ok := cmdrun.IsCommandError(err); ok {
			return false, nil
		}
		return false, err
	}
	state := strings.TrimSpace(out)
	return state == "enabled" || state == "active", nil
}
