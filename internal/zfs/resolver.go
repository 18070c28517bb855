package zfs

// CommonBase is the most recent source entity whose GUID also exists as a
// destination snapshot. It anchors the next incremental send.
type CommonBase struct {
	// Source is the snapshot or bookmark on the source side. Sends use its
	// FullName as the -i/-I operand.
	Source SnapshotEntry

	// DestName is the name of the matching destination snapshot.
	DestName string
}

// LatestCommon resolves the common base between a source inventory
// (snapshots plus, when bookmark use is enabled, bookmarks) and the
// destination snapshot list. Bookmarks never appear on the destination
// side: only received snapshots prove what the destination actually has.
//
// The winner is the source entry with the largest createtxg among those
// whose GUID matches some destination snapshot. When a snapshot and its
// bookmark both match (same GUID, same createtxg), the snapshot is
// preferred so the send operand stays "@"-based. Returns false when no
// GUID is shared, which classifies the replication as initial.
func LatestCommon(src, dst []SnapshotEntry) (CommonBase, bool) {
	dstByGUID := make(map[uint64]string, len(dst))
	for _, d := range dst {
		if d.Kind == KindSnapshot {
			dstByGUID[d.GUID] = d.Name
		}
	}

	var best SnapshotEntry
	var bestDst string
	found := false
	for _, s := range src {
		dstName, ok := dstByGUID[s.GUID]
		if !ok {
			continue
		}
		better := !found ||
			s.CreateTXG > best.CreateTXG ||
			(s.CreateTXG == best.CreateTXG && best.Kind == KindBookmark && s.Kind == KindSnapshot)
		if better {
			best, bestDst, found = s, dstName, true
		}
	}
	if !found {
		return CommonBase{}, false
	}
	return CommonBase{Source: best, DestName: bestDst}, true
}

// SnapshotsAfter returns the entries of list with createtxg strictly
// greater than txg, preserving order.
func SnapshotsAfter(list []SnapshotEntry, txg uint64) []SnapshotEntry {
	var out []SnapshotEntry
	for _, e := range list {
		if e.CreateTXG > txg {
			out = append(out, e)
		}
	}
	return out
}

// GUIDSet collects the GUIDs of a list of entries.
func GUIDSet(list []SnapshotEntry) map[uint64]struct{} {
	set := make(map[uint64]struct{}, len(list))
	for _, e := range list {
		set[e.GUID] = struct{}{}
	}
	return set
}
