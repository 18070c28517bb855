// Package pipeline assembles the transfer chain for one send plan:
//
//	zfs send | [zstd -c -1] | [mbuffer] | [ssh src] | [pv] | [ssh dst] | [mbuffer] | [zstd -dc] | zfs receive
//
// Stages are included or elided from the capability set probed on each
// endpoint: a side without zstd or mbuffer simply loses those stages, and
// in local mode the whole chain collapses to send | [pv] | receive. Each
// remote side's stages ride a single ssh leg as one shell pipeline, so the
// initiator spawns one ssh process per remote side; a local side's commands
// run as separate stages.
package pipeline

import (
	"strconv"

	"github.com/whoschek/wbackup-zfs/internal/cmdrun"
	"github.com/whoschek/wbackup-zfs/internal/endpoint"
	"github.com/whoschek/wbackup-zfs/internal/run"
)

// Side bundles an endpoint with its probed capabilities.
type Side struct {
	Endpoint *endpoint.Endpoint
	Caps     endpoint.Capabilities
}

// Spec describes one transfer to assemble.
type Spec struct {
	Src Side
	Dst Side

	// Local is the initiator, carrying pv and its capabilities.
	Local Side

	// SendArgv and RecvArgv are the complete zfs send / zfs receive argvs
	// for their respective hosts, privilege elevation already applied.
	// RecvArgv carries -n when the run is a receive dry run.
	SendArgv []string
	RecvArgv []string

	// DryRun substitutes a no-op for the entire chain in send mode: Build
	// returns no stages and the caller just logs the plan.
	DryRun run.DryRunMode

	// RateLimit throttles pv (--bwlimit), e.g. "100m". Empty disables
	// throttling but keeps the progress display.
	RateLimit string

	// PvLogFile routes pv's progress stream into a file instead of the
	// terminal.
	PvLogFile string

	// PvIntervalSecs overrides pv's update interval (-i). Zero keeps pv's
	// default.
	PvIntervalSecs int

	// MbufferSize is the total buffer size per mbuffer stage.
	MbufferSize string
}

// Build renders the stage list for a spec. A nil result means nothing must
// be spawned (send dry run).
func Build(spec Spec) []cmdrun.Stage {
	if spec.DryRun == run.DryRunSend {
		return nil
	}

	localMode := spec.Src.Endpoint.Local() && spec.Dst.Endpoint.Local()

	// Compression needs a compressor on one side and a decompressor on the
	// other; a network hop is what makes it worth the cycles.
	compress := !localMode &&
		spec.Src.Caps.Available(spec.Src.Endpoint, endpoint.RoleCompression) &&
		spec.Dst.Caps.Available(spec.Dst.Endpoint, endpoint.RoleCompression)

	var stages []cmdrun.Stage

	// Source side.
	srcCmds := []sideCmd{{name: "zfs send", argv: spec.SendArgv}}
	if compress {
		srcCmds = append(srcCmds, sideCmd{
			name: "zstd",
			argv: []string{spec.Src.Endpoint.Program(endpoint.RoleCompression), "-c", "-1"},
		})
	}
	if !localMode && spec.Src.Caps.Available(spec.Src.Endpoint, endpoint.RoleMbuffer) {
		srcCmds = append(srcCmds, sideCmd{name: "mbuffer", argv: mbufferArgv(spec.Src.Endpoint, spec.MbufferSize)})
	}
	stages = append(stages, sideStages("src", spec.Src.Endpoint, srcCmds)...)

	// Initiator-side pv.
	if spec.Local.Caps.Available(spec.Local.Endpoint, endpoint.RolePv) {
		stages = append(stages, pvStage(spec))
	}

	// Destination side.
	var dstCmds []sideCmd
	if !localMode && spec.Dst.Caps.Available(spec.Dst.Endpoint, endpoint.RoleMbuffer) {
		dstCmds = append(dstCmds, sideCmd{name: "mbuffer", argv: mbufferArgv(spec.Dst.Endpoint, spec.MbufferSize)})
	}
	if compress {
		dstCmds = append(dstCmds, sideCmd{
			name: "zstd",
			argv: []string{spec.Dst.Endpoint.Program(endpoint.RoleCompression), "-dc"},
		})
	}
	dstCmds = append(dstCmds, sideCmd{name: "zfs receive", argv: spec.RecvArgv})
	stages = append(stages, sideStages("dst", spec.Dst.Endpoint, dstCmds)...)

	return stages
}

// sideCmd is one command of a side, paired with its stage label.
type sideCmd struct {
	name string
	argv []string
}

// sideStages renders one side's command list: remote sides collapse onto a
// single ssh leg, local sides spawn each command directly.
func sideStages(side string, ep *endpoint.Endpoint, cmds []sideCmd) []cmdrun.Stage {
	if !ep.Local() {
		argvs := make([][]string, len(cmds))
		for i, c := range cmds {
			argvs[i] = c.argv
		}
		return []cmdrun.Stage{{
			Name: "ssh " + side,
			Argv: ep.WrapShell(endpoint.QuotePipeline(argvs)),
		}}
	}
	stages := make([]cmdrun.Stage, len(cmds))
	for i, c := range cmds {
		stages[i] = cmdrun.Stage{Name: c.name, Argv: c.argv}
	}
	return stages
}

func mbufferArgv(ep *endpoint.Endpoint, size string) []string {
	if size == "" {
		size = "128M"
	}
	return []string{ep.Program(endpoint.RoleMbuffer), "-q", "-s", "128k", "-m", size}
}

func pvStage(spec Spec) cmdrun.Stage {
	pv := spec.Local.Endpoint.Program(endpoint.RolePv)
	argv := []string{pv, "-f"}
	if spec.RateLimit != "" {
		argv = append(argv, "-L", spec.RateLimit)
	}
	if spec.PvIntervalSecs > 0 {
		argv = append(argv, "-i", strconv.Itoa(spec.PvIntervalSecs))
	}
	if spec.PvLogFile != "" {
		// pv reports on stderr; append it to the pv log so a follower can
		// tail current.pv.
		script := endpoint.QuoteCommand(argv) + " 2>> " + endpoint.QuoteToken(spec.PvLogFile)
		return cmdrun.Stage{
			Name: "pv",
			Argv: []string{spec.Local.Endpoint.Program(endpoint.RoleShell), "-c", script},
		}
	}
	return cmdrun.Stage{Name: "pv", Argv: argv, PassStderr: true}
}
