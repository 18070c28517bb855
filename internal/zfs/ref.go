// Package zfs holds the typed core of the engine: dataset references,
// snapshot/bookmark entries with their GUIDs and createtxg, the inventory
// commands that enumerate them, and the common-base resolver that decides
// where the next incremental send starts.
package zfs

import (
	"fmt"
	"strings"
)

// DatasetRef names a dataset on a particular host, parsed from the CLI
// grammar [[user@]host:]pool/path. Immutable after construction.
type DatasetRef struct {
	User string
	Host string // empty means the initiator
	// Dataset is the pool-rooted dataset path, e.g. "tank1/foo/bar".
	Dataset string
}

// ParseDatasetRef parses spec. A host of "-" or an argument without ":"
// yields a local ref.
func ParseDatasetRef(spec string) (DatasetRef, error) {
	var ref DatasetRef
	rest := spec
	if i := strings.Index(rest, ":"); i >= 0 {
		hostPart := rest[:i]
		rest = rest[i+1:]
		if j := strings.Index(hostPart, "@"); j >= 0 {
			ref.User = hostPart[:j]
			hostPart = hostPart[j+1:]
		}
		if hostPart != "-" {
			ref.Host = hostPart
		}
		if ref.Host == "" && ref.User != "" {
			return ref, fmt.Errorf("invalid dataset %q: user without host", spec)
		}
	}
	if err := validateDataset(rest); err != nil {
		return ref, fmt.Errorf("invalid dataset %q: %w", spec, err)
	}
	ref.Dataset = rest
	return ref, nil
}

func validateDataset(ds string) error {
	if ds == "" {
		return fmt.Errorf("empty dataset path")
	}
	if strings.HasPrefix(ds, "/") || strings.HasSuffix(ds, "/") {
		return fmt.Errorf("dataset path must not begin or end with '/'")
	}
	for _, comp := range strings.Split(ds, "/") {
		if comp == "" {
			return fmt.Errorf("empty path component")
		}
	}
	if strings.ContainsAny(ds, "@#") {
		return fmt.Errorf("snapshot or bookmark names are not valid here")
	}
	if strings.ContainsAny(ds, " \t\n") {
		return fmt.Errorf("whitespace is not valid in dataset names")
	}
	return nil
}

// Pool returns the first path component.
func (r DatasetRef) Pool() string {
	if i := strings.Index(r.Dataset, "/"); i >= 0 {
		return r.Dataset[:i]
	}
	return r.Dataset
}

// Local reports whether the ref addresses the initiator itself.
func (r DatasetRef) Local() bool { return r.Host == "" }

// Child returns the ref for a descendant given its path relative to this
// ref's dataset. An empty rel returns the ref unchanged.
func (r DatasetRef) Child(rel string) DatasetRef {
	if rel == "" {
		return r
	}
	c := r
	c.Dataset = r.Dataset + "/" + rel
	return c
}

// RelPath returns the path of descendant relative to this ref's dataset:
// "" for the dataset itself. The second return is false when descendant is
// not inside this dataset's subtree.
func (r DatasetRef) RelPath(descendant string) (string, bool) {
	if descendant == r.Dataset {
		return "", true
	}
	prefix := r.Dataset + "/"
	if strings.HasPrefix(descendant, prefix) {
		return descendant[len(prefix):], true
	}
	return "", false
}

func (r DatasetRef) String() string {
	if r.Local() {
		return r.Dataset
	}
	if r.User != "" {
		return r.User + "@" + r.Host + ":" + r.Dataset
	}
	return r.Host + ":" + r.Dataset
}
