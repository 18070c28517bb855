package zfs

import "strings"

// Argv builders for every zfs/zpool invocation the engine issues. Keeping
// them here, as pure functions of the program path and operands, lets tests
// assert the exact command lines without spawning anything.

// ListSnapshotsArgs enumerates the snapshots of a single dataset, oldest
// first by createtxg.
func ListSnapshotsArgs(zfs, dataset string) []string {
	return []string{zfs, "list", "-t", "snapshot", "-d", "1", "-Hp",
		"-o", "guid,createtxg,name", "-s", "createtxg", dataset}
}

// ListBookmarksArgs enumerates the bookmarks of a single dataset.
func ListBookmarksArgs(zfs, dataset string) []string {
	return []string{zfs, "list", "-t", "bookmark", "-d", "1", "-Hp",
		"-o", "guid,createtxg,name", "-s", "createtxg", dataset}
}

// ListTreeArgs enumerates a dataset and, when recursive, its descendants,
// in name order so parents always precede children.
func ListTreeArgs(zfs, dataset string, recursive bool) []string {
	args := []string{zfs, "list", "-t", "filesystem,volume", "-Hp", "-o", "name", "-s", "name"}
	if recursive {
		args = append(args, "-r")
	} else {
		args = append(args, "-d", "0")
	}
	return append(args, dataset)
}

// ListTreeSnapshotsArgs enumerates every snapshot name under a dataset
// subtree, used to find destination datasets whose subtree holds no
// snapshot at all.
func ListTreeSnapshotsArgs(zfs, dataset string) []string {
	return []string{zfs, "list", "-t", "snapshot", "-r", "-Hp", "-o", "name", "-s", "name", dataset}
}

// ListExistsArgs probes for dataset existence.
func ListExistsArgs(zfs, dataset string) []string {
	return []string{zfs, "list", "-Hp", "-o", "name", "-d", "0", dataset}
}

// GetPropsArgs lists the properties of a dataset set from the given
// sources ("local", "local,received", ...), used to derive zfs receive
// -o/-x arguments.
func GetPropsArgs(zfs, sources, dataset string) []string {
	return []string{zfs, "get", "-Hp", "-s", sources, "-o", "property,value", "all", dataset}
}

// GetPropertyArgs reads one property value.
func GetPropertyArgs(zfs, prop, dataset string) []string {
	return []string{zfs, "get", "-Hp", "-o", "value", prop, dataset}
}

// SendArgs builds the zfs send command for a plan step. base is empty for a
// full send; intermediates selects -I over -i.
func SendArgs(zfs string, extraOpts []string, base string, intermediates bool, target string) []string {
	args := append([]string{zfs, "send"}, extraOpts...)
	if base != "" {
		if intermediates {
			args = append(args, "-I", base)
		} else {
			args = append(args, "-i", base)
		}
	}
	return append(args, target)
}

// RecvArgs builds the zfs receive command. dryRun appends -n so the stream
// is parsed and discarded.
func RecvArgs(zfs string, extraOpts []string, dryRun bool, dataset string) []string {
	args := []string{zfs, "receive"}
	if dryRun {
		args = append(args, "-n")
	}
	args = append(args, extraOpts...)
	return append(args, dataset)
}

// RollbackArgs rolls a dataset back to a snapshot, discarding everything
// newer. force adds -f for busy mounts.
func RollbackArgs(zfs, snapshot string, force bool) []string {
	args := []string{zfs, "rollback", "-r"}
	if force {
		args = append(args, "-f")
	}
	return append(args, snapshot)
}

// DestroySnapshotsArgs destroys a comma-joined set of snapshots of one
// dataset in a single invocation.
func DestroySnapshotsArgs(zfs, dataset string, names []string, forceUnmount bool) []string {
	args := []string{zfs, "destroy"}
	if forceUnmount {
		args = append(args, "-f")
	}
	return append(args, dataset+"@"+strings.Join(names, ","))
}

// DestroyDatasetArgs destroys a dataset and all its descendants (-r).
func DestroyDatasetArgs(zfs, dataset string, forceUnmount bool) []string {
	args := []string{zfs, "destroy", "-r"}
	if forceUnmount {
		args = append(args, "-f")
	}
	return append(args, dataset)
}

// BookmarkArgs creates a bookmark from a snapshot.
func BookmarkArgs(zfs, snapshotFull, bookmarkFull string) []string {
	return []string{zfs, "bookmark", snapshotFull, bookmarkFull}
}

// CreateArgs creates a dataset including missing ancestors.
func CreateArgs(zfs, dataset string) []string {
	return []string{zfs, "create", "-p", dataset}
}

// ZpoolBookmarksFeatureArgs reads the bookmarks feature state of a pool.
func ZpoolBookmarksFeatureArgs(zpool, pool string) []string {
	return []string{zpool, "get", "-Hp", "-o", "value", "feature@bookmarks", pool}
}
