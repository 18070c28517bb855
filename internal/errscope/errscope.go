// Package errscope contains the blast radius of per-dataset failures. When
// a dataset fails after retries, the configured mode decides whether the
// whole run dies, the failed subtree is abandoned, or only the single
// dataset is skipped while its descendants still get a chance.
package errscope

import "fmt"

// Mode is the --skip-on-error policy.
type Mode string

const (
	// ModeFail aborts the run on the first unrecovered failure.
	ModeFail Mode = "fail"

	// ModeTree skips the failed dataset and all its descendants.
	ModeTree Mode = "tree"

	// ModeDataset skips only the failed dataset when its destination
	// already exists; descendants may still replicate. When the
	// destination is missing, descendants cannot be received anyway, so it
	// degrades to ModeTree.
	ModeDataset Mode = "dataset"
)

// ParseMode validates a --skip-on-error value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFail, ModeTree, ModeDataset:
		return Mode(s), nil
	case "":
		return ModeDataset, nil
	default:
		return "", fmt.Errorf("invalid skip-on-error mode %q: must be fail, tree, or dataset", s)
	}
}

// Decision is what the controller tells the scheduler to do after a
// failure.
type Decision int

const (
	// DecisionAbort terminates the run.
	DecisionAbort Decision = iota

	// DecisionSkipTree abandons the dataset and its descendants.
	DecisionSkipTree

	// DecisionSkipDataset abandons only the dataset itself.
	DecisionSkipDataset
)

func (d Decision) String() string {
	switch d {
	case DecisionAbort:
		return "abort run"
	case DecisionSkipTree:
		return "skip tree"
	case DecisionSkipDataset:
		return "skip dataset"
	}
	return "unknown"
}

// Decide maps a failure to a decision. dstExists tells whether the failed
// dataset's destination exists, which is what makes descendants worth
// trying at all.
func (m Mode) Decide(dstExists bool) Decision {
	switch m {
	case ModeFail:
		return DecisionAbort
	case ModeTree:
		return DecisionSkipTree
	default:
		if dstExists {
			return DecisionSkipDataset
		}
		return DecisionSkipTree
	}
}
