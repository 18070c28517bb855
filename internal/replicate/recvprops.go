package replicate

import (
	"github.com/whoschek/wbackup-zfs/internal/filter"
	"github.com/whoschek/wbackup-zfs/internal/zfs"
)

// RecvPropsConfig derives extra zfs receive arguments from the properties
// set on the source dataset: -o name=value pins a property on the
// destination, -x name blocks it from being received. Which properties
// qualify is decided by include/exclude regex lists over property names,
// optionally restricted by property source and by send type.
type RecvPropsConfig struct {
	OInclude *filter.List
	OExclude *filter.List
	XInclude *filter.List
	XExclude *filter.List

	// OSources/XSources are the zfs property-source lists the candidate
	// properties are read from ("local", "local,received", ...), one per
	// derivation. Empty means local.
	OSources string
	XSources string

	// OTargets/XTargets restrict derivation to "full" or "incremental"
	// sends; empty applies to both.
	OTargets string
	XTargets string
}

// Enabled reports whether any derivation rule is configured.
func (c RecvPropsConfig) Enabled() bool {
	return !c.OInclude.Empty() || !c.XInclude.Empty()
}

// OPropSources returns the zfs get -s operand for -o derivation.
func (c RecvPropsConfig) OPropSources() string {
	if c.OSources == "" {
		return "local"
	}
	return c.OSources
}

// XPropSources returns the zfs get -s operand for -x derivation.
func (c RecvPropsConfig) XPropSources() string {
	if c.XSources == "" {
		return "local"
	}
	return c.XSources
}

func targetsApply(targets string, incremental bool) bool {
	switch targets {
	case "", "full,incremental", "incremental,full":
		return true
	case "full":
		return !incremental
	case "incremental":
		return incremental
	}
	return false
}

// DeriveRecvFlags computes the -o/-x arguments for one receive. oProps and
// xProps are the source dataset's properties as read from the respective
// source lists; they may alias when OSources and XSources agree.
func DeriveRecvFlags(oProps, xProps []zfs.Property, c RecvPropsConfig, incremental bool) []string {
	var flags []string
	if !c.OInclude.Empty() && targetsApply(c.OTargets, incremental) {
		oFilter := filter.NameFilter{Include: c.OInclude, Exclude: c.OExclude}
		for _, p := range oProps {
			if oFilter.Select(p.Name) {
				flags = append(flags, "-o", p.Name+"="+p.Value)
			}
		}
	}
	if !c.XInclude.Empty() && targetsApply(c.XTargets, incremental) {
		xFilter := filter.NameFilter{Include: c.XInclude, Exclude: c.XExclude}
		for _, p := range xProps {
			if xFilter.Select(p.Name) {
				flags = append(flags, "-x", p.Name)
			}
		}
	}
	return flags
}
