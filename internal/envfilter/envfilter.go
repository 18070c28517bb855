// Package envfilter sanitizes the process environment at startup and reads
// the wbackup_zfs_* tuning knobs. Knobs are read before filtering, so a
// filter that strips them cannot also break them.
package envfilter

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/whoschek/wbackup-zfs/internal/filter"
)

// Prefix guards the program's own environment variables. Unrecognized
// names under the prefix are ignored, so test hooks can come and go.
const Prefix = "wbackup_zfs_"

// Knobs are the advanced tunables configured through the environment
// rather than flags.
type Knobs struct {
	// MbufferSize overrides the default mbuffer total buffer size.
	MbufferSize string

	// PvIntervalSecs overrides pv's progress update interval.
	PvIntervalSecs int
}

// LoadKnobs reads the knobs, after optionally merging an env file from the
// user's home directory into the environment (existing variables win).
func LoadKnobs() Knobs {
	if home, err := os.UserHomeDir(); err == nil {
		// Best effort; absence of the file is the common case.
		_ = godotenv.Load(home + "/.wbackup-zfs.env")
	}
	k := Knobs{
		MbufferSize: os.Getenv(Prefix + "mbuffer_size"),
	}
	if v := os.Getenv(Prefix + "pv_interval"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			k.PvIntervalSecs = n
		}
	}
	return k
}

// Apply filters the environment per the include/exclude envvar rules: any
// variable excluded, or not matched by a non-empty include list, is unset
// for the rest of the run and every child process. The default (no rules)
// excludes nothing. The program's own prefix is always kept.
func Apply(include, exclude *filter.List) {
	f := filter.NameFilter{Include: include, Exclude: exclude}
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || strings.HasPrefix(name, Prefix) {
			continue
		}
		if !f.Select(name) {
			os.Unsetenv(name)
		}
	}
}
