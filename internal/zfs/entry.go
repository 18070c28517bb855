package zfs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EntryKind distinguishes snapshots from bookmarks. For common-base
// resolution the two are interchangeable: a bookmark carries its origin
// snapshot's GUID and createtxg.
type EntryKind int

const (
	KindSnapshot EntryKind = iota
	KindBookmark
)

func (k EntryKind) String() string {
	if k == KindBookmark {
		return "bookmark"
	}
	return "snapshot"
}

// Separator returns "@" for snapshots and "#" for bookmarks.
func (k EntryKind) Separator() string {
	if k == KindBookmark {
		return "#"
	}
	return "@"
}

// SnapshotEntry is one snapshot or bookmark of a dataset, as reported by
// zfs list.
type SnapshotEntry struct {
	Dataset   string
	Name      string // the part after @ or #
	GUID      uint64
	CreateTXG uint64
	Kind      EntryKind
}

// FullName renders "pool/ds@name" or "pool/ds#name".
func (e SnapshotEntry) FullName() string {
	return e.Dataset + e.Kind.Separator() + e.Name
}

// ProtocolError reports zfs output this engine could not decode. Never
// retried: malformed inventory means assumptions are broken, not that the
// world is busy.
type ProtocolError struct {
	Command string
	Line    string
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected %s output %q: %s", e.Command, e.Line, e.Reason)
}

// IsProtocolError reports whether err wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// ParseInventory decodes the output of
//
//	zfs list -t <kind> -Hp -o guid,createtxg,name -s createtxg -d 1 <dataset>
//
// into entries, in the createtxg order zfs emitted them.
func ParseInventory(output, dataset string, kind EntryKind) ([]SnapshotEntry, error) {
	var entries []SnapshotEntry
	sep := kind.Separator()
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return nil, &ProtocolError{Command: "zfs list", Line: line, Reason: "want 3 tab-separated fields"}
		}
		guid, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, &ProtocolError{Command: "zfs list", Line: line, Reason: "bad guid"}
		}
		txg, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, &ProtocolError{Command: "zfs list", Line: line, Reason: "bad createtxg"}
		}
		ds, name, ok := strings.Cut(fields[2], sep)
		if !ok || name == "" {
			return nil, &ProtocolError{Command: "zfs list", Line: line, Reason: "name is not a " + kind.String()}
		}
		if ds != dataset {
			return nil, &ProtocolError{Command: "zfs list", Line: line, Reason: "entry for unexpected dataset " + ds}
		}
		entries = append(entries, SnapshotEntry{
			Dataset:   dataset,
			Name:      name,
			GUID:      guid,
			CreateTXG: txg,
			Kind:      kind,
		})
	}
	return entries, nil
}
