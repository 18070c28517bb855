package cmdrun

import (
	"errors"
	"fmt"
	"strings"
)

// CommandError reports a subprocess that exited non-zero. The stderr tail
// rides along so failures can be classified (transient vs. fatal) and
// reported without re-running anything.
type CommandError struct {
	// Endpoint names the side the command targeted ("src", "dst", "local").
	Endpoint string

	// Argv is the argv as spawned on the initiator.
	Argv []string

	ExitCode int

	// Stderr holds the tail of the child's stderr output.
	Stderr string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("[%s] %s: exit status %d", e.Endpoint, strings.Join(e.Argv, " "), e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// EndpointError reports that a host could not be reached or authenticated
// at all, as opposed to a command failing once there. ssh signals this with
// exit status 255.
type EndpointError struct {
	Endpoint string
	Stderr   string
	Err      error
}

func (e *EndpointError) Error() string {
	msg := fmt.Sprintf("[%s] ssh connection failed", e.Endpoint)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error { return e.Err }

// PipelineError reports a transfer pipeline whose outcome was failure. It
// names the first stage at fault.
type PipelineError struct {
	Stage    string
	ExitCode int
	Stderr   string
}

func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("pipeline stage %q failed: exit status %d", e.Stage, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// IsEndpointError reports whether err is a connection-level failure.
// Uses errors.As to handle wrapped errors.
func IsEndpointError(err error) bool {
	var ee *EndpointError
	return errors.As(err, &ee)
}

// IsCommandError reports whether err is a non-zero subprocess exit, and
// returns the typed error when it is.
func IsCommandError(err error) (*CommandError, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
