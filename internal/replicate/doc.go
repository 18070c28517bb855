// Package replicate drives the replication of ZFS snapshot trees from a
// source dataset to a destination dataset.
//
// ARCHITECTURE:
//
// Sequential tree walk:
// The Job processes dataset pairs strictly in order, parents before
// children, so a child's zfs receive can always assume its parent exists
// on the destination. Concurrency lives inside a single transfer (the
// multi-process send/receive pipeline), never across datasets.
//
// Per-dataset state machine:
//
//	INSPECT -> CONFLICT? -> PLAN -> TRANSFER -> BOOKMARK -> DONE
//
// with SKIPPED and FAILED as side exits. The Replicator returns an Outcome
// value per dataset; the error-scope mode (fail, tree, dataset) then
// decides how much of the remaining tree a failure takes with it.
//
// Statelessness:
// Nothing is persisted between runs. What is already replicated is
// recomputed every time by intersecting source and destination
// snapshot/bookmark GUID sets; the most recent match is the base of the
// next incremental send. Bookmarks created on the source after each
// successful transfer keep that intersection non-empty even after the
// source prunes its snapshots.
//
// The destination is append-only by default: conflicting destination
// snapshots fail the dataset unless --force (or --force-once, or a plain
// rollback under --force-rollback-to-latest-snapshot) authorizes their
// destruction. The reconciliation passes (delete-missing-snapshots,
// delete-missing-datasets) are likewise opt-in flags, scoped to the same
// dataset and snapshot filters as replication itself.
package replicate
