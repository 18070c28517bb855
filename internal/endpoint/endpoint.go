// Package endpoint models one side of a replication run: the local machine,
// the source host, or the destination host. An Endpoint knows how to turn a
// plain argv into the argv that actually has to be spawned on the initiator,
// wrapping it in ssh for remote hosts and in sudo for state-changing ZFS
// commands when privilege elevation is needed.
package endpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Program roles resolvable on an endpoint. A role mapped to Disabled is
// treated as absent, which downgrades the transfer pipeline instead of
// failing it.
const (
	RoleZFS         = "zfs"
	RoleZpool       = "zpool"
	RoleSSH         = "ssh"
	RoleShell       = "shell"
	RoleSudo        = "sudo"
	RoleCompression = "compression"
	RoleMbuffer     = "mbuffer"
	RolePv          = "pv"
)

// Disabled is the program-path value that turns a role off entirely.
const Disabled = "-"

// LocalHost is the host marker that forces direct execution.
const LocalHost = "-"

var defaultPrograms = map[string]string{
	RoleZFS:         "zfs",
	RoleZpool:       "zpool",
	RoleSSH:         "ssh",
	RoleShell:       "sh",
	RoleSudo:        "sudo",
	RoleCompression: "zstd",
	RoleMbuffer:     "mbuffer",
	RolePv:          "pv",
}

// Endpoint describes how to run commands on one side of the replication.
// Endpoints are immutable for the duration of a run and shared by reference
// across all components.
type Endpoint struct {
	// Name tags log lines and errors: "src", "dst", or "local".
	Name string

	User string
	Host string // empty or LocalHost means the initiator itself
	Port int

	PrivateKey string
	ConfigFile string
	Cipher     string
	ExtraOpts  []string

	// Programs overrides the default program path per role. A value of
	// Disabled turns the role off.
	Programs map[string]string

	// NoPrivilegeElevation suppresses sudo wrapping even for state-changing
	// ZFS commands.
	NoPrivilegeElevation bool

	// RunningAsRoot records whether the effective user on this endpoint is
	// root; root never needs sudo.
	RunningAsRoot bool

	// ControlPath is the ssh ControlMaster socket path shared by every
	// command issued to this endpoint during the run. Empty disables
	// connection multiplexing.
	ControlPath string
}

// Local reports whether commands for this endpoint run directly on the
// initiator, without an ssh leg.
func (e *Endpoint) Local() bool {
	return e.Host == "" || e.Host == LocalHost
}

// Label returns the endpoint's diagnostic name.
func (e *Endpoint) Label() string {
	if e.Name != "" {
		return e.Name
	}
	if e.Local() {
		return "local"
	}
	return e.Host
}

// Program resolves the path for a role, falling back to the built-in
// default. Returns Disabled verbatim when the role is turned off.
func (e *Endpoint) Program(role string) string {
	if p, ok := e.Programs[role]; ok && p != "" {
		return p
	}
	return defaultPrograms[role]
}

// ProgramEnabled reports whether a role has not been explicitly disabled.
func (e *Endpoint) ProgramEnabled(role string) bool {
	return e.Program(role) != Disabled
}

// SSHArgs returns the ssh invocation prefix for this endpoint, up to and
// including the user@host operand. The remote command is appended by the
// caller as a single shell-quoted argument.
func (e *Endpoint) SSHArgs() []string {
	args := []string{e.Program(RoleSSH)}
	if e.ConfigFile != "" {
		args = append(args, "-F", e.ConfigFile)
	}
	if e.PrivateKey != "" {
		args = append(args, "-i", e.PrivateKey)
	}
	if e.Cipher != "" {
		args = append(args, "-c", e.Cipher)
	}
	if e.Port != 0 {
		args = append(args, "-p", strconv.Itoa(e.Port))
	}
	if e.ControlPath != "" {
		args = append(args,
			"-S", e.ControlPath,
			"-o", "ControlMaster=auto",
			"-o", "ControlPersist=90s",
		)
	}
	args = append(args, e.ExtraOpts...)
	if e.User != "" {
		args = append(args, e.User+"@"+e.Host)
	} else {
		args = append(args, e.Host)
	}
	return args
}

// Wrap turns an argv meant for this endpoint into the argv to spawn on the
// initiator. Local endpoints pass through unchanged; remote endpoints get
// an ssh prefix with the command shell-quoted into a single operand.
func (e *Endpoint) Wrap(argv []string) []string {
	if e.Local() {
		return argv
	}
	return append(e.SSHArgs(), QuoteCommand(argv))
}

// WrapShell is Wrap for a pre-built remote shell script, used when a remote
// side runs several piped programs over a single ssh leg. Local endpoints
// run the script through the shell role.
func (e *Endpoint) WrapShell(script string) []string {
	if e.Local() {
		return []string{e.Program(RoleShell), "-c", script}
	}
	return append(e.SSHArgs(), script)
}

// Elevate prepends sudo to a state-changing command when this endpoint
// needs it. Read-only commands must not be passed through here.
func (e *Endpoint) Elevate(argv []string) []string {
	if e.RunningAsRoot || e.NoPrivilegeElevation || !e.ProgramEnabled(RoleSudo) {
		return argv
	}
	return append([]string{e.Program(RoleSudo), "-n"}, argv...)
}

// ControlSocket derives a per-run ControlMaster socket path under dir.
func ControlSocket(dir, name, runID string) string {
	return filepath.Join(dir, fmt.Sprintf("cm-%s-%s.sock", name, runID))
}

// QuoteCommand shell-quotes each token and joins them, producing the remote
// command line handed to ssh.
func QuoteCommand(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = QuoteToken(a)
	}
	return strings.Join(quoted, " ")
}

// QuotePipeline joins several commands into one remote shell pipeline.
func QuotePipeline(cmds [][]string) string {
	parts := make([]string, len(cmds))
	for i, c := range cmds {
		parts[i] = QuoteCommand(c)
	}
	return strings.Join(parts, " | ")
}

var safeToken = func(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("@%_-+=:,./", r):
		default:
			return false
		}
	}
	return true
}

// QuoteToken single-quotes a token for POSIX shells unless it is already
// safe to pass verbatim.
func QuoteToken(s string) string {
	if safeToken(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// DetectRoot reports whether the current process runs as root. Split out so
// tests can cover both branches of Elevate without changing uid.
func DetectRoot() bool {
	return os.Geteuid() == 0
}
