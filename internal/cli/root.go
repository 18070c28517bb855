// Package cli wires the flag surface to the replication engine: it parses
// dataset pairs, compiles the filter rules, prepares logging and the
// per-run context, and maps every failure to a process exit code.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/whoschek/wbackup-zfs/internal/cmdrun"
	"github.com/whoschek/wbackup-zfs/internal/endpoint"
	"github.com/whoschek/wbackup-zfs/internal/envfilter"
	"github.com/whoschek/wbackup-zfs/internal/errscope"
	"github.com/whoschek/wbackup-zfs/internal/filter"
	"github.com/whoschek/wbackup-zfs/internal/logdir"
	"github.com/whoschek/wbackup-zfs/internal/replicate"
	"github.com/whoschek/wbackup-zfs/internal/retry"
	"github.com/whoschek/wbackup-zfs/internal/run"
	"github.com/whoschek/wbackup-zfs/internal/zfs"
)

// Version is the release version stamped into --version output.
const Version = "1.0.0"

// Options holds every flag of the root command.
type Options struct {
	Recursive  bool
	SkipParent bool

	Force                 bool
	ForceOnce             bool
	ForceUnmount          bool
	ForceRollbackToLatest bool

	SkipMissingSnapshots string
	SkipReplication      bool
	SkipOnError          string

	DeleteMissingSnapshots bool
	DeleteMissingDatasets  bool

	NoStream             bool
	NoCreateBookmark     bool
	NoUseBookmark        bool
	NoPrivilegeElevation bool

	DryRun string

	IncludeDataset      []string
	ExcludeDataset      []string
	IncludeDatasetRegex []string
	ExcludeDatasetRegex []string

	IncludeSnapshotRegex []string
	ExcludeSnapshotRegex []string

	ExcludeDatasetProperty string

	SendProgramOpts string
	RecvProgramOpts string
	RecvProgramOpt  []string

	RecvOIncludeRegex []string
	RecvOExcludeRegex []string
	RecvOSources      string
	RecvOTargets      string
	RecvXIncludeRegex []string
	RecvXExcludeRegex []string
	RecvXSources      string
	RecvXTargets      string

	SSHSrcUser       string
	SSHSrcHost       string
	SSHSrcPort       int
	SSHSrcPrivateKey string
	SSHSrcConfigFile string
	SSHSrcExtraOpts  string
	SSHSrcExtraOpt   []string
	SSHDstUser       string
	SSHDstHost       string
	SSHDstPort       int
	SSHDstPrivateKey string
	SSHDstConfigFile string
	SSHDstExtraOpts  string
	SSHDstExtraOpt   []string
	SSHCipher        string

	SSHProgram         string
	ZFSProgram         string
	ShellProgram       string
	SudoProgram        string
	CompressionProgram string
	MbufferProgram     string
	PvProgram          string

	Bwlimit string

	Retries             int
	RetryMinSleepSecs   float64
	RetryMaxSleepSecs   float64
	RetryMaxElapsedSecs float64
	RetryPatterns       string

	IncludeEnvvarRegex []string
	ExcludeEnvvarRegex []string

	LogDir  string
	Quiet   bool
	Verbose bool
}

// NewRootCommand creates the wbackup-zfs command.
func NewRootCommand() *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:   "wbackup-zfs SRC_DATASET DST_DATASET [SRC_DATASET DST_DATASET ...]",
		Short: "Replicate ZFS snapshot trees between pools, locally or over ssh",
		Long: `wbackup-zfs turns the destination dataset into a recursively synchronized
copy of the source: a baseline full send the first time, and from then on
only the incremental changes since the most recent common snapshot or
bookmark. The source is read-only; the destination is append-only unless
--force authorizes destructive reconciliation.

Dataset specs follow [[user@]host:]pool/path; a host of "-" (or no ":")
means the dataset is local. A single "+FILE" argument reads tab-separated
src/dst pairs from FILE instead.

Example:
  wbackup-zfs tank1/foo tank2/foo --recursive
  wbackup-zfs root@src:tank1/foo root@dst:tank2/foo --force --recursive`,
		Args:          cobra.MinimumNArgs(1),
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplication(cmd, opts, args)
		},
	}

	fl := cmd.Flags()
	fl.BoolVarP(&opts.Recursive, "recursive", "r", false, "replicate the whole dataset subtree")
	fl.BoolVar(&opts.SkipParent, "skip-parent", false, "with --recursive, process only descendants of the root dataset")
	fl.BoolVar(&opts.Force, "force", false, "rollback/destroy conflicting destination state before receiving")
	fl.BoolVar(&opts.ForceOnce, "force-once", false, "like --force, but for at most one dataset per run")
	fl.BoolVar(&opts.ForceUnmount, "force-unmount", false, "add -f to rollback/destroy for busy mounts")
	fl.BoolVar(&opts.ForceRollbackToLatest, "force-rollback-to-latest-snapshot", false, "permit rollback to the latest common snapshot without full --force")
	fl.StringVar(&opts.SkipMissingSnapshots, "skip-missing-snapshots", "fail", "policy for source datasets without snapshots (fail|dataset|continue)")
	fl.BoolVar(&opts.SkipReplication, "skip-replication", false, "skip the transfer phase; useful with the --delete-missing-* passes")
	fl.StringVar(&opts.SkipOnError, "skip-on-error", "dataset", "blast radius of a failed dataset (fail|tree|dataset)")
	fl.BoolVar(&opts.DeleteMissingSnapshots, "delete-missing-snapshots", false, "destroy destination snapshots whose GUID is gone from the source")
	fl.BoolVar(&opts.DeleteMissingDatasets, "delete-missing-datasets", false, "destroy destination datasets absent from the source tree")
	fl.BoolVar(&opts.NoStream, "no-stream", false, "send only the latest snapshot instead of all intermediates")
	fl.BoolVar(&opts.NoCreateBookmark, "no-create-bookmark", false, "do not bookmark the replicated snapshot on the source")
	fl.BoolVar(&opts.NoUseBookmark, "no-use-bookmark", false, "ignore source bookmarks when resolving the common base")
	fl.BoolVar(&opts.NoPrivilegeElevation, "no-privilege-elevation", false, "never wrap zfs commands in sudo (rely on zfs allow delegation)")
	fl.StringVar(&opts.DryRun, "dryrun", "", "plan without mutating anything (send|recv); bare --dryrun means send")
	fl.Lookup("dryrun").NoOptDefVal = "send"

	fl.StringArrayVar(&opts.IncludeDataset, "include-dataset", nil, "select this dataset and its subtree (literal name; @FILE reads one per line)")
	fl.StringArrayVar(&opts.ExcludeDataset, "exclude-dataset", nil, "deselect this dataset and its subtree (literal name; @FILE reads one per line)")
	fl.StringArrayVar(&opts.IncludeDatasetRegex, "include-dataset-regex", nil, "select datasets whose relative path matches")
	fl.StringArrayVar(&opts.ExcludeDatasetRegex, "exclude-dataset-regex", nil, "deselect datasets whose relative path matches")
	fl.StringArrayVar(&opts.IncludeSnapshotRegex, "include-snapshot-regex", nil, "replicate only snapshots whose name matches")
	fl.StringArrayVar(&opts.ExcludeSnapshotRegex, "exclude-snapshot-regex", nil, "never replicate snapshots whose name matches")
	fl.StringVar(&opts.ExcludeDatasetProperty, "exclude-dataset-property", "", "skip datasets whose value for this user property is 'false'")

	fl.StringVar(&opts.SendProgramOpts, "zfs-send-program-opts", "", "extra options spliced into zfs send")
	fl.StringVar(&opts.RecvProgramOpts, "zfs-recv-program-opts", "", "extra options spliced into zfs receive")
	fl.StringArrayVar(&opts.RecvProgramOpt, "zfs-recv-program-opt", nil, "single extra zfs receive token, repeatable")
	fl.StringArrayVar(&opts.RecvOIncludeRegex, "zfs-recv-o-include-regex", nil, "source properties to pin on the destination via receive -o")
	fl.StringArrayVar(&opts.RecvOExcludeRegex, "zfs-recv-o-exclude-regex", nil, "properties excluded from receive -o derivation")
	fl.StringVar(&opts.RecvOSources, "zfs-recv-o-sources", "local", "zfs property sources consulted for -o derivation")
	fl.StringVar(&opts.RecvOTargets, "zfs-recv-o-targets", "", "restrict -o derivation to full or incremental sends")
	fl.StringArrayVar(&opts.RecvXIncludeRegex, "zfs-recv-x-include-regex", nil, "source properties blocked from the destination via receive -x")
	fl.StringArrayVar(&opts.RecvXExcludeRegex, "zfs-recv-x-exclude-regex", nil, "properties excluded from receive -x derivation")
	fl.StringVar(&opts.RecvXSources, "zfs-recv-x-sources", "local", "zfs property sources consulted for -x derivation")
	fl.StringVar(&opts.RecvXTargets, "zfs-recv-x-targets", "", "restrict -x derivation to full or incremental sends")

	fl.StringVar(&opts.SSHSrcUser, "ssh-src-user", "", "ssh user on the source host")
	fl.StringVar(&opts.SSHSrcHost, "ssh-src-host", "", "override the source host from the dataset spec")
	fl.IntVar(&opts.SSHSrcPort, "ssh-src-port", 0, "ssh port on the source host")
	fl.StringVar(&opts.SSHSrcPrivateKey, "ssh-src-private-key", "", "ssh identity file for the source host")
	fl.StringVar(&opts.SSHSrcConfigFile, "ssh-src-config-file", "", "ssh config file for the source host")
	fl.StringVar(&opts.SSHSrcExtraOpts, "ssh-src-extra-opts", "", "space-separated extra ssh options for the source leg")
	fl.StringArrayVar(&opts.SSHSrcExtraOpt, "ssh-src-extra-opt", nil, "single extra ssh option for the source leg, repeatable")
	fl.StringVar(&opts.SSHDstUser, "ssh-dst-user", "", "ssh user on the destination host")
	fl.StringVar(&opts.SSHDstHost, "ssh-dst-host", "", "override the destination host from the dataset spec")
	fl.IntVar(&opts.SSHDstPort, "ssh-dst-port", 0, "ssh port on the destination host")
	fl.StringVar(&opts.SSHDstPrivateKey, "ssh-dst-private-key", "", "ssh identity file for the destination host")
	fl.StringVar(&opts.SSHDstConfigFile, "ssh-dst-config-file", "", "ssh config file for the destination host")
	fl.StringVar(&opts.SSHDstExtraOpts, "ssh-dst-extra-opts", "", "space-separated extra ssh options for the destination leg")
	fl.StringArrayVar(&opts.SSHDstExtraOpt, "ssh-dst-extra-opt", nil, "single extra ssh option for the destination leg, repeatable")
	fl.StringVar(&opts.SSHCipher, "ssh-cipher", "", "ssh cipher spec (-c)")

	fl.StringVar(&opts.SSHProgram, "ssh-program", "", "ssh program path")
	fl.StringVar(&opts.ZFSProgram, "zfs-program", "", "zfs program path")
	fl.StringVar(&opts.ShellProgram, "shell-program", "", "shell program path")
	fl.StringVar(&opts.SudoProgram, "sudo-program", "", "sudo program path ('-' disables)")
	fl.StringVar(&opts.CompressionProgram, "compression-program", "", "zstd program path ('-' disables)")
	fl.StringVar(&opts.MbufferProgram, "mbuffer-program", "", "mbuffer program path ('-' disables)")
	fl.StringVar(&opts.PvProgram, "pv-program", "", "pv program path ('-' disables)")
	fl.StringVar(&opts.Bwlimit, "bwlimit", "", "transfer rate limit handed to pv -L, e.g. 100m")

	fl.IntVar(&opts.Retries, "retries", 0, "re-attempts after a transient failure")
	fl.Float64Var(&opts.RetryMinSleepSecs, "retry-min-sleep-secs", 0.125, "minimum backoff sleep")
	fl.Float64Var(&opts.RetryMaxSleepSecs, "retry-max-sleep-secs", 300, "maximum backoff sleep")
	fl.Float64Var(&opts.RetryMaxElapsedSecs, "retry-max-elapsed-secs", 3600, "give up retrying an operation after this much wall-clock time")
	fl.StringVar(&opts.RetryPatterns, "retry-patterns", "", "yaml file replacing the built-in transient/fatal stderr pattern table")

	fl.StringArrayVar(&opts.IncludeEnvvarRegex, "include-envvar-regex", nil, "environment variables to keep at startup")
	fl.StringArrayVar(&opts.ExcludeEnvvarRegex, "exclude-envvar-regex", nil, "environment variables to drop at startup")

	fl.StringVar(&opts.LogDir, "log-dir", "", "log directory (default ~/wbackup-zfs-logs)")
	fl.BoolVarP(&opts.Quiet, "quiet", "q", false, "log warnings and errors only")
	fl.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	return cmd
}

func runReplication(cmd *cobra.Command, opts *Options, args []string) error {
	pairs, err := ParsePairs(args)
	if err != nil {
		return WrapExitError(ExitUsageError, "invalid dataset arguments", err)
	}

	cfg, err := compileConfig(opts, pairs)
	if err != nil {
		return WrapExitError(ExitUsageError, "invalid flags", err)
	}

	knobs := envfilter.LoadKnobs()
	envfilter.Apply(cfg.envInclude, cfg.envExclude)
	if cfg.replOpts.MbufferSize == "" {
		cfg.replOpts.MbufferSize = knobs.MbufferSize
	}
	cfg.replOpts.PvIntervalSecs = knobs.PvIntervalSecs

	runID := uuid.NewString()
	paths, err := logdir.Create(opts.LogDir, runID, time.Now())
	if err != nil {
		return WrapExitError(ExitFailure, "cannot prepare log directory", err)
	}
	logFile, err := paths.OpenLog()
	if err != nil {
		return WrapExitError(ExitFailure, "cannot open log file", err)
	}
	defer logFile.Close()
	cfg.replOpts.PvLogFile = paths.PvFile

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	} else if opts.Quiet {
		level = slog.LevelWarn
	}
	log := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stderr, logFile), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	log.Info("starting run", "version", Version, "run_id", runID, "log", paths.LogFile)

	runner := cmdrun.NewExecRunner(log)
	r := run.New(runID, log, runner)
	r.DryRun = cfg.dryRun
	r.Force = opts.Force
	r.ForceOnce = opts.ForceOnce

	retryer := retry.New(cfg.retryPolicy, cfg.patterns, log)
	job := &replicate.Job{
		Run:     r,
		Opts:    cfg.replOpts,
		Inv:     &zfs.Inventory{Runner: runner},
		Retry:   retryer,
		SrcEp:   cfg.srcEp,
		DstEp:   cfg.dstEp,
		LocalEp: cfg.localEp,
		Log:     log,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := job.Execute(ctx, pairs)
	log.Info("run finished", "done", sum.Done, "skipped", sum.Skipped, "failed", sum.Failed)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return WrapExitError(ExitInterrupted, "interrupted", err)
		case cmdrun.IsEndpointError(err):
			return WrapExitError(ExitSSHError, "endpoint unreachable", err)
		default:
			return WrapExitError(ExitFailure, "replication failed", err)
		}
	}
	return nil
}

// config is everything compiled from Options before the engine starts.
type config struct {
	replOpts    *replicate.Options
	retryPolicy retry.Policy
	patterns    *retry.PatternTable
	dryRun      run.DryRunMode
	envInclude  *filter.List
	envExclude  *filter.List
	srcEp       *endpoint.Endpoint
	dstEp       *endpoint.Endpoint
	localEp     *endpoint.Endpoint
}

func compileConfig(opts *Options, pairs []replicate.Pair) (*config, error) {
	cfg := &config{}

	skipMissing, err := replicate.ParseSkipMissing(opts.SkipMissingSnapshots)
	if err != nil {
		return nil, err
	}
	skipOnError, err := errscope.ParseMode(opts.SkipOnError)
	if err != nil {
		return nil, err
	}
	cfg.dryRun, err = run.ParseDryRun(opts.DryRun, opts.DryRun != "")
	if err != nil {
		return nil, err
	}

	root := pairs[0].Src.Dataset
	includeLiterals, err := filter.ExpandFileArgs(opts.IncludeDataset)
	if err != nil {
		return nil, err
	}
	excludeLiterals, err := filter.ExpandFileArgs(opts.ExcludeDataset)
	if err != nil {
		return nil, err
	}
	includeLit, err := filter.CompileDatasetList(includeLiterals, root)
	if err != nil {
		return nil, err
	}
	excludeLit, err := filter.CompileDatasetList(excludeLiterals, root)
	if err != nil {
		return nil, err
	}
	includeRe, err := filter.CompileRegexList(opts.IncludeDatasetRegex)
	if err != nil {
		return nil, err
	}
	excludeRe, err := filter.CompileRegexList(opts.ExcludeDatasetRegex)
	if err != nil {
		return nil, err
	}

	snapInclude, err := filter.CompileRegexList(opts.IncludeSnapshotRegex)
	if err != nil {
		return nil, err
	}
	snapExclude, err := filter.CompileRegexList(opts.ExcludeSnapshotRegex)
	if err != nil {
		return nil, err
	}

	recvProps, err := compileRecvProps(opts)
	if err != nil {
		return nil, err
	}

	cfg.envInclude, err = filter.CompileRegexList(opts.IncludeEnvvarRegex)
	if err != nil {
		return nil, err
	}
	cfg.envExclude, err = filter.CompileRegexList(opts.ExcludeEnvvarRegex)
	if err != nil {
		return nil, err
	}

	cfg.patterns = retry.DefaultPatterns()
	if opts.RetryPatterns != "" {
		cfg.patterns, err = retry.LoadPatterns(opts.RetryPatterns)
		if err != nil {
			return nil, err
		}
	}
	cfg.retryPolicy = retry.Policy{
		Retries:    opts.Retries,
		MinSleep:   secs(opts.RetryMinSleepSecs),
		MaxSleep:   secs(opts.RetryMaxSleepSecs),
		MaxElapsed: secs(opts.RetryMaxElapsedSecs),
	}
	if cfg.retryPolicy.MaxSleep < cfg.retryPolicy.MinSleep {
		return nil, fmt.Errorf("retry-max-sleep-secs must be >= retry-min-sleep-secs")
	}

	if err := cfg.buildEndpoints(opts, pairs); err != nil {
		return nil, err
	}

	cfg.replOpts = &replicate.Options{
		Recursive:              opts.Recursive,
		SkipParent:             opts.SkipParent,
		ForceUnmount:           opts.ForceUnmount,
		ForceRollbackToLatest:  opts.ForceRollbackToLatest,
		SkipMissing:            skipMissing,
		SkipReplication:        opts.SkipReplication,
		SkipOnError:            skipOnError,
		NoStream:               opts.NoStream,
		NoCreateBookmark:       opts.NoCreateBookmark,
		NoUseBookmark:          opts.NoUseBookmark,
		DeleteMissingSnapshots: opts.DeleteMissingSnapshots,
		DeleteMissingDatasets:  opts.DeleteMissingDatasets,
		SendOpts:               strings.Fields(opts.SendProgramOpts),
		RecvOpts:               append(strings.Fields(opts.RecvProgramOpts), opts.RecvProgramOpt...),
		RecvProps:              recvProps,
		SnapshotFilter:         filter.NameFilter{Include: snapInclude, Exclude: snapExclude},
		DatasetInclude:         includeLit.Merge(includeRe),
		DatasetExclude:         excludeLit.Merge(excludeRe),
		ExcludeDatasetProperty: opts.ExcludeDatasetProperty,
		RateLimit:              opts.Bwlimit,
	}
	return cfg, nil
}

func compileRecvProps(opts *Options) (replicate.RecvPropsConfig, error) {
	var c replicate.RecvPropsConfig
	var err error
	if c.OInclude, err = filter.CompileRegexList(opts.RecvOIncludeRegex); err != nil {
		return c, err
	}
	if c.OExclude, err = filter.CompileRegexList(opts.RecvOExcludeRegex); err != nil {
		return c, err
	}
	if c.XInclude, err = filter.CompileRegexList(opts.RecvXIncludeRegex); err != nil {
		return c, err
	}
	if c.XExclude, err = filter.CompileRegexList(opts.RecvXExcludeRegex); err != nil {
		return c, err
	}
	c.OSources = opts.RecvOSources
	c.XSources = opts.RecvXSources
	c.OTargets = opts.RecvOTargets
	c.XTargets = opts.RecvXTargets
	return c, nil
}

// buildEndpoints derives the three endpoints of the run from the first
// pair's refs plus the ssh flag overrides. Every pair of one invocation
// must live on the same pair of hosts.
func (cfg *config) buildEndpoints(opts *Options, pairs []replicate.Pair) error {
	first := pairs[0]
	for _, p := range pairs[1:] {
		if p.Src.Host != first.Src.Host || p.Src.User != first.Src.User {
			return fmt.Errorf("all source datasets must share one host (%q vs %q)", p.Src.Host, first.Src.Host)
		}
		if p.Dst.Host != first.Dst.Host || p.Dst.User != first.Dst.User {
			return fmt.Errorf("all destination datasets must share one host (%q vs %q)", p.Dst.Host, first.Dst.Host)
		}
	}

	programs := map[string]string{}
	setProg := func(role, value string) {
		if value != "" {
			programs[role] = value
		}
	}
	setProg(endpoint.RoleSSH, opts.SSHProgram)
	setProg(endpoint.RoleZFS, opts.ZFSProgram)
	setProg(endpoint.RoleShell, opts.ShellProgram)
	setProg(endpoint.RoleSudo, opts.SudoProgram)
	setProg(endpoint.RoleCompression, opts.CompressionProgram)
	setProg(endpoint.RoleMbuffer, opts.MbufferProgram)
	setProg(endpoint.RolePv, opts.PvProgram)

	newEp := func(name string, ref zfs.DatasetRef, user, host string, port int, key, cfgFile, extraOpts string, extraOpt []string) *endpoint.Endpoint {
		ep := &endpoint.Endpoint{
			Name:                 name,
			User:                 firstNonEmpty(user, ref.User),
			Host:                 firstNonEmpty(host, ref.Host),
			Port:                 port,
			PrivateKey:           key,
			ConfigFile:           cfgFile,
			Cipher:               opts.SSHCipher,
			ExtraOpts:            append(strings.Fields(extraOpts), extraOpt...),
			Programs:             programs,
			NoPrivilegeElevation: opts.NoPrivilegeElevation,
		}
		ep.RunningAsRoot = (ep.Local() && endpoint.DetectRoot()) || ep.User == "root"
		if !ep.Local() {
			ep.ControlPath = endpoint.ControlSocket(os.TempDir(), name, uuid.NewString()[:8])
		}
		return ep
	}

	cfg.srcEp = newEp("src", first.Src, opts.SSHSrcUser, opts.SSHSrcHost, opts.SSHSrcPort,
		opts.SSHSrcPrivateKey, opts.SSHSrcConfigFile, opts.SSHSrcExtraOpts, opts.SSHSrcExtraOpt)
	cfg.dstEp = newEp("dst", first.Dst, opts.SSHDstUser, opts.SSHDstHost, opts.SSHDstPort,
		opts.SSHDstPrivateKey, opts.SSHDstConfigFile, opts.SSHDstExtraOpts, opts.SSHDstExtraOpt)
	cfg.localEp = &endpoint.Endpoint{
		Name:          "local",
		Programs:      programs,
		RunningAsRoot: endpoint.DetectRoot(),
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func secs(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
