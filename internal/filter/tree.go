package filter

import "strings"

// TreeFilter evaluates dataset selection over a tree walk with sticky
// exclusion: when an ancestor is excluded its descendants are excluded
// without re-evaluating any rule, so an excluded subtree is never even
// inspected on the destination.
type TreeFilter struct {
	filter NameFilter

	// excluded holds the relative paths of exclusion roots seen so far.
	// The planner feeds datasets parents-first, so a lookup only has to
	// check ancestors already recorded.
	excluded []string
}

// NewTreeFilter builds a tree filter from include/exclude lists over paths
// relative to the root dataset.
func NewTreeFilter(include, exclude *List) *TreeFilter {
	return &TreeFilter{filter: NameFilter{Include: include, Exclude: exclude}}
}

// Select decides whether the dataset at rel (path relative to the root
// dataset, "" for the root itself) is in scope. Must be called in
// parents-first order. An exclude hit is recorded and poisons the subtree;
// a mere include miss skips only the dataset itself, so a descendant may
// still match the include list on its own.
func (t *TreeFilter) Select(rel string) bool {
	for _, ex := range t.excluded {
		if ex == "" || rel == ex || strings.HasPrefix(rel, ex+"/") {
			return false
		}
	}
	if t.filter.Exclude.Match(rel) {
		t.excluded = append(t.excluded, rel)
		return false
	}
	if !t.filter.Include.Empty() && !t.filter.Include.Match(rel) {
		return false
	}
	return true
}

// Excluded reports whether rel sits in an already-poisoned subtree.
func (t *TreeFilter) Excluded(rel string) bool {
	for _, ex := range t.excluded {
		if ex == "" || rel == ex || strings.HasPrefix(rel, ex+"/") {
			return true
		}
	}
	return false
}
