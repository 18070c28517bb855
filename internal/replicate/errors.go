package replicate

import (
	"errors"
	"fmt"
	"strings"
)

// PolicyConflictError reports destination snapshots that block an
// incremental receive and that the run is not authorized to destroy. Never
// retried: only --force (or --force-rollback-to-latest-snapshot) changes
// the answer.
type PolicyConflictError struct {
	Dataset   string
	Snapshots []string
}

func (e *PolicyConflictError) Error() string {
	return fmt.Sprintf("destination %s has conflicting snapshots [%s]; use --force to roll them back",
		e.Dataset, strings.Join(e.Snapshots, ", "))
}

// IsPolicyConflict reports whether err wraps a PolicyConflictError.
func IsPolicyConflict(err error) bool {
	var pe *PolicyConflictError
	return errors.As(err, &pe)
}

// NoSnapshotsError reports a source dataset with no replication candidates
// under --skip-missing-snapshots=fail.
type NoSnapshotsError struct {
	Dataset string
}

func (e *NoSnapshotsError) Error() string {
	return fmt.Sprintf("source %s has no snapshots matching the snapshot filter", e.Dataset)
}
