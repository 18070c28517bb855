package retry

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/whoschek/wbackup-zfs/internal/cmdrun"
)

// The stderr patterns that separate transient failures from fatal ones are
// deliberately an explicit, loadable table rather than heuristics buried in
// call sites. The built-in defaults cover the races a replication run
// actually hits; --retry-patterns replaces them wholesale.

// defaultPatternsYAML is the built-in table, in the same schema a
// --retry-patterns file uses.
const defaultPatternsYAML = `
transient:
  - "dataset is busy"
  - "pool is busy"
  - "cannot receive .*: failed to read from stream"
  - "connection reset by peer"
  - "connection closed by remote host"
  - "broken pipe"
  - "operation timed out"
  - "cannot open .*: dataset does not exist"
fatal:
  - "permission denied"
  - "invalid option"
  - "cannot receive .* destination .* has been modified"
`

// patternFile is the yaml schema of a pattern table.
type patternFile struct {
	Transient []string `yaml:"transient"`
	Fatal     []string `yaml:"fatal"`
}

// PatternTable classifies subprocess stderr into transient and fatal.
// Fatal wins over transient when both match.
type PatternTable struct {
	transient []*regexp.Regexp
	fatal     []*regexp.Regexp
}

// DefaultPatterns compiles the built-in table.
func DefaultPatterns() *PatternTable {
	t, err := parsePatterns([]byte(defaultPatternsYAML))
	if err != nil {
		panic("built-in retry patterns do not compile: " + err.Error())
	}
	return t
}

// LoadPatterns reads a replacement table from a yaml file.
func LoadPatterns(path string) (*PatternTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read retry patterns: %w", err)
	}
	t, err := parsePatterns(data)
	if err != nil {
		return nil, fmt.Errorf("retry patterns %s: %w", path, err)
	}
	return t, nil
}

func parsePatterns(data []byte) (*PatternTable, error) {
	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, err
	}
	t := &PatternTable{}
	// Case-insensitive: ssh and zfs disagree on capitalization of the same
	// failure across platforms.
	for _, expr := range pf.Transient {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("transient pattern %q: %w", expr, err)
		}
		t.transient = append(t.transient, re)
	}
	for _, expr := range pf.Fatal {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("fatal pattern %q: %w", expr, err)
		}
		t.fatal = append(t.fatal, re)
	}
	return t, nil
}

// TransientStderr reports whether stderr matches the transient table and
// not the fatal one.
func (t *PatternTable) TransientStderr(stderr string) bool {
	for _, re := range t.fatal {
		if re.MatchString(stderr) {
			return false
		}
	}
	for _, re := range t.transient {
		if re.MatchString(stderr) {
			return true
		}
	}
	return false
}

// Retryable classifies an error for the retry controller. Endpoint-level
// failures (ssh cannot connect) are always retryable; command and transfer
// pipeline failures are retryable iff their stderr matches the transient
// table; everything else (protocol errors, policy conflicts, cancellation)
// is not. A pipeline stage exiting 255 is an ssh leg that lost its
// connection, which counts as an endpoint failure.
func (t *PatternTable) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if cmdrun.IsEndpointError(err) {
		return true
	}
	if ce, ok := cmdrun.IsCommandError(err); ok {
		return t.TransientStderr(ce.Stderr)
	}
	var pe *cmdrun.PipelineError
	if errors.As(err, &pe) {
		if pe.ExitCode == 255 {
			return true
		}
		return t.TransientStderr(pe.Stderr)
	}
	return false
}
