// Package filter compiles the include/exclude rule lists that gate which
// datasets, snapshots, properties, and environment variables the engine
// touches. Rules compile once per run; evaluation is a linear scan over the
// compiled list. Exclusion always beats inclusion, and dataset exclusion is
// sticky: once a dataset is out, its whole subtree is out.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// rule is one compiled pattern with its polarity. A leading "!" on the
// source expression negates the match.
type rule struct {
	re     *regexp.Regexp
	negate bool
}

// List is an ordered set of rules. A name matches the list iff at least one
// rule matches it, with per-rule negation applied.
type List struct {
	rules []rule
}

// CompileRegexList compiles raw regular expressions, honoring the "!"
// negation prefix. Expressions are anchored at both ends.
func CompileRegexList(exprs []string) (*List, error) {
	l := &List{}
	for _, expr := range exprs {
		negate := false
		if strings.HasPrefix(expr, "!") {
			negate = true
			expr = expr[1:]
		}
		re, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", expr, err)
		}
		l.rules = append(l.rules, rule{re: re, negate: negate})
	}
	return l, nil
}

// CompileDatasetList translates literal dataset names, as supplied via the
// user-friendly include/exclude flags, into anchored regexes over paths
// relative to the root dataset. A leading "/" marks an absolute dataset
// path, which is rebased against root; other names are taken as relative
// already. Each literal selects the named dataset and its whole subtree.
func CompileDatasetList(names []string, root string) (*List, error) {
	l := &List{}
	for _, name := range names {
		negate := false
		if strings.HasPrefix(name, "!") {
			negate = true
			name = name[1:]
		}
		rel := name
		if strings.HasPrefix(name, "/") {
			abs := strings.TrimPrefix(name, "/")
			if abs == root {
				rel = ""
			} else if strings.HasPrefix(abs, root+"/") {
				rel = abs[len(root)+1:]
			} else {
				// Absolute path outside the root subtree can never match.
				l.rules = append(l.rules, rule{re: regexp.MustCompile(`^\x00never$`), negate: negate})
				continue
			}
		}
		rel = strings.Trim(rel, "/")
		expr := "^" + regexp.QuoteMeta(rel) + "(?:/.*)?$"
		if rel == "" {
			expr = "^.*$"
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid dataset name %q: %w", name, err)
		}
		l.rules = append(l.rules, rule{re: re, negate: negate})
	}
	return l, nil
}

// Empty reports whether the list has no rules.
func (l *List) Empty() bool { return l == nil || len(l.rules) == 0 }

// Match reports whether name matches at least one rule.
func (l *List) Match(name string) bool {
	if l == nil {
		return false
	}
	for _, r := range l.rules {
		m := r.re.MatchString(name)
		if r.negate {
			m = !m
		}
		if m {
			return true
		}
	}
	return false
}

// Merge appends other's rules after l's, preserving order.
func (l *List) Merge(other *List) *List {
	if l.Empty() {
		return other
	}
	if other.Empty() {
		return l
	}
	return &List{rules: append(append([]rule{}, l.rules...), other.rules...)}
}

// NameFilter pairs an include list with an exclude list. An empty include
// list includes everything; exclude beats include.
type NameFilter struct {
	Include *List
	Exclude *List
}

// Select reports whether name passes the filter.
func (f NameFilter) Select(name string) bool {
	if !f.Include.Empty() && !f.Include.Match(name) {
		return false
	}
	return !f.Exclude.Match(name)
}

// SelectSnapshot applies the filter to the name portion of a snapshot or
// bookmark ("pool/ds@name" or bare "name").
func (f NameFilter) SelectSnapshot(fullOrName string) bool {
	name := fullOrName
	if i := strings.IndexAny(name, "@#"); i >= 0 {
		name = name[i+1:]
	}
	return f.Select(name)
}
