// Package logdir manages the per-run log files: a timestamped log under
// the log directory, a pv progress file next to it, and the current.log /
// current.pv symlinks that always point at the active run.
package logdir

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Paths locates this run's log artifacts.
type Paths struct {
	Dir     string
	LogFile string
	PvFile  string
}

// DefaultDir is the log directory used when --log-dir is not given.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "wbackup-zfs-logs")
	}
	return filepath.Join(home, "wbackup-zfs-logs")
}

// Create prepares the log directory for a run: the timestamped log file,
// the pv file, and atomically repointed current.* symlinks.
func Create(dir, runID string, now time.Time) (Paths, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("create log dir: %w", err)
	}
	stamp := now.Format("2006-01-02_15:04:05")
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	p := Paths{
		Dir:     dir,
		LogFile: filepath.Join(dir, fmt.Sprintf("wbackup-zfs.%s.%s.log", stamp, short)),
		PvFile:  filepath.Join(dir, fmt.Sprintf("wbackup-zfs.%s.%s.pv", stamp, short)),
	}
	for _, f := range []string{p.LogFile, p.PvFile} {
		fh, err := os.OpenFile(f, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return Paths{}, fmt.Errorf("create log file: %w", err)
		}
		fh.Close()
	}
	if err := relink(filepath.Join(dir, "current.log"), filepath.Base(p.LogFile)); err != nil {
		return Paths{}, err
	}
	if err := relink(filepath.Join(dir, "current.pv"), filepath.Base(p.PvFile)); err != nil {
		return Paths{}, err
	}
	return p, nil
}

// relink swaps a symlink atomically: create under a temp name, then rename
// over the old one.
func relink(link, target string) error {
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create symlink: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("update symlink: %w", err)
	}
	return nil
}

// OpenLog opens the run's log file for appending.
func (p Paths) OpenLog() (*os.File, error) {
	return os.OpenFile(p.LogFile, os.O_WRONLY|os.O_APPEND, 0o644)
}
