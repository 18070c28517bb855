package replicate

import (
	"fmt"

	"github.com/whoschek/wbackup-zfs/internal/errscope"
	"github.com/whoschek/wbackup-zfs/internal/filter"
)

// SkipMissingMode is the --skip-missing-snapshots policy for source
// datasets with no replication candidates.
type SkipMissingMode string

const (
	// SkipMissingFail aborts the dataset with an error.
	SkipMissingFail SkipMissingMode = "fail"

	// SkipMissingDataset skips the dataset (and, lacking a destination,
	// its subtree, whatever the error-scope setting).
	SkipMissingDataset SkipMissingMode = "dataset"

	// SkipMissingContinue creates the destination dataset empty and moves
	// on, so descendants that do have snapshots still replicate.
	SkipMissingContinue SkipMissingMode = "continue"
)

// ParseSkipMissing validates a --skip-missing-snapshots value.
func ParseSkipMissing(s string) (SkipMissingMode, error) {
	switch SkipMissingMode(s) {
	case SkipMissingFail, SkipMissingDataset, SkipMissingContinue:
		return SkipMissingMode(s), nil
	case "":
		return SkipMissingFail, nil
	default:
		return "", fmt.Errorf("invalid skip-missing-snapshots mode %q: must be fail, dataset, or continue", s)
	}
}

// Options is the per-run replication policy, built once from the CLI and
// shared read-only.
type Options struct {
	Recursive  bool
	SkipParent bool

	// ForceUnmount adds -f to rollback/destroy so busy mounts are kicked.
	ForceUnmount bool

	// ForceRollbackToLatest authorizes rolling the destination back to the
	// latest common snapshot without the full destructive --force.
	ForceRollbackToLatest bool

	SkipMissing     SkipMissingMode
	SkipReplication bool
	SkipOnError     errscope.Mode

	// NoStream replicates only the latest selected snapshot (-i) instead
	// of every intermediate (-I).
	NoStream bool

	NoCreateBookmark bool
	NoUseBookmark    bool

	DeleteMissingSnapshots bool
	DeleteMissingDatasets  bool

	// SendOpts and RecvOpts are extra tokens spliced into zfs send and
	// zfs receive.
	SendOpts []string
	RecvOpts []string

	// RecvProps derives additional receive -o/-x arguments from the
	// source dataset's locally-set properties.
	RecvProps RecvPropsConfig

	// SnapshotFilter gates which source snapshots are replication
	// candidates; it also scopes both reconciliation passes.
	SnapshotFilter filter.NameFilter

	// DatasetInclude/DatasetExclude select datasets relative to the root.
	DatasetInclude *filter.List
	DatasetExclude *filter.List

	// ExcludeDatasetProperty names a user property; a source dataset
	// carrying the value "false" is excluded together with its subtree.
	ExcludeDatasetProperty string

	// Transfer shaping.
	RateLimit      string
	MbufferSize    string
	PvLogFile      string
	PvIntervalSecs int
}
