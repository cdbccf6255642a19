// Command ntfsconv converts an NTFS volume in place to a Linux-native
// filesystem, shrinking and migrating iteratively until the source is
// empty, then reclaiming its space into the target. See spec §6 for the
// external interface this binary implements.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/LewisTansley/ntfsconv/pkg/blocklayer"
	"github.com/LewisTansley/ntfsconv/pkg/dummy"
	"github.com/LewisTansley/ntfsconv/pkg/engine"
	"github.com/LewisTansley/ntfsconv/pkg/errs"
	"github.com/LewisTansley/ntfsconv/pkg/events"
	"github.com/LewisTansley/ntfsconv/pkg/fskind"
	"github.com/LewisTansley/ntfsconv/pkg/inspector"
	"github.com/LewisTansley/ntfsconv/pkg/journal"
	"github.com/LewisTansley/ntfsconv/pkg/log"
	"github.com/LewisTansley/ntfsconv/pkg/metrics"
	"github.com/LewisTansley/ntfsconv/pkg/migrator"
	"github.com/LewisTansley/ntfsconv/pkg/sysexec"
	"github.com/LewisTansley/ntfsconv/pkg/types"
	"github.com/LewisTansley/ntfsconv/pkg/ui"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

var (
	flagDevice        string
	flagPartition     int
	flagTargetKind    string
	flagDryRun        bool
	flagDummyMode     bool
	flagScenario      string
	flagUseExisting   bool
	flagExistingIndex int
	flagAllowOverride bool
	flagLogLevel      string
	flagLogJSON       bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ntfsconv",
	Short: "Convert an NTFS volume to a Linux-native filesystem in place",
	Long: `ntfsconv shrinks an NTFS volume in a loop, migrating its files to a
growing Linux-native target volume on the same disk, until the source is
empty. It then deletes the source partition and expands the target to
reclaim the freed space.

The conversion is resumable: interrupting it (or a crash) leaves a journal
that the next invocation for the same device picks up automatically.`,
	Version: fmt.Sprintf("%s (%s)", Version, Commit),
	Args:    cobra.NoArgs,
	RunE:    runConvert,
}

func init() {
	rootCmd.Flags().StringVar(&flagDevice, "device", "", "block device to convert, e.g. /dev/sda (required)")
	rootCmd.Flags().IntVar(&flagPartition, "partition", 0, "partition index of the NTFS volume on device (required)")
	rootCmd.Flags().StringVar(&flagTargetKind, "target-kind", "", fmt.Sprintf("target filesystem kind, one of %v (required)", fskind.Targets))
	rootCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "log intended block operations without mutating anything")
	rootCmd.Flags().BoolVar(&flagDummyMode, "dummy-mode", false, "simulate the run from a scripted scenario instead of touching real devices")
	rootCmd.Flags().StringVar(&flagScenario, "scenario", "", "dummy-mode scenario YAML file (required with --dummy-mode)")
	rootCmd.Flags().BoolVar(&flagUseExisting, "use-existing-target", false, "migrate onto an already-formatted target partition instead of creating one")
	rootCmd.Flags().IntVar(&flagExistingIndex, "existing-target-partition", 0, "partition index of the pre-existing target (with --use-existing-target)")
	rootCmd.Flags().BoolVar(&flagAllowOverride, "allow-verification-override", false, "let the operator continue past a marginal (but not failed) verification result")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&flagLogJSON, "log-json", false, "output diagnostic logs as JSON")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	log.Init(log.Config{Level: log.Level(flagLogLevel), JSONOutput: flagLogJSON})
}

func runConvert(cmd *cobra.Command, args []string) error {
	if flagDryRun && flagDummyMode {
		return &errs.PreflightError{Reason: "--dry-run and --dummy-mode are mutually exclusive"}
	}
	if flagDevice == "" {
		return &errs.PreflightError{Reason: "--device is required"}
	}
	if !fskind.IsValidTarget(fskind.Kind(flagTargetKind)) {
		return &errs.PreflightError{Reason: fmt.Sprintf("--target-kind must be one of %v", fskind.Targets)}
	}
	if flagUseExisting && flagExistingIndex == 0 {
		return &errs.PreflightError{Reason: "--existing-target-partition is required with --use-existing-target"}
	}

	if !flagDummyMode && !flagDryRun && !isPrivileged() {
		return &errs.PreflightError{Reason: "must be run as a privileged user"}
	}

	var runner sysexec.Runner
	if flagDummyMode {
		if flagScenario == "" {
			return &errs.PreflightError{Reason: "--scenario is required with --dummy-mode"}
		}
		scenario, err := dummy.LoadScenario(flagScenario)
		if err != nil {
			return &errs.PreflightError{Reason: err.Error()}
		}
		runner = dummy.NewRunner(scenario)
		log.Info("running in dummy mode against scripted scenario " + flagScenario)
	} else {
		runner = sysexec.NewExecRunner()
	}

	blk := blocklayer.New(runner)
	insp := inspector.New(runner, blk)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	mig := migrator.New(blk, runner, broker)

	journalDir, err := journal.DefaultDir()
	if err != nil {
		return &errs.PreflightError{Reason: err.Error()}
	}
	jrnl, err := journal.New(journalDir)
	if err != nil {
		return &errs.PreflightError{Reason: err.Error()}
	}

	ctx := context.Background()
	device := types.Device(flagDevice)

	var sourcePartition types.Partition
	if jrnl.Exists(device) {
		// Resuming: the journal's own SourcePartition governs, the engine
		// loads it. The --partition flag is only consulted on a fresh run.
		sourcePartition = types.Partition{Device: device, Index: flagPartition}
	} else {
		sourcePartition, err = preflightSource(ctx, insp, device, flagPartition)
		if err != nil {
			return err
		}
	}

	var existingTarget types.Partition
	if flagUseExisting {
		startKB, endKB, err := insp.Geometry(ctx, types.Partition{Device: device, Index: flagExistingIndex})
		if err != nil {
			return &errs.PreflightError{Reason: fmt.Sprintf("reading existing target geometry: %v", err)}
		}
		existingTarget = types.Partition{Device: device, Index: flagExistingIndex, StartKB: startKB, EndKB: endKB}
	}

	cfg := engine.Config{
		Device:                    device,
		SourcePartition:           sourcePartition,
		TargetKind:                fskind.Kind(flagTargetKind),
		DryRun:                    flagDryRun,
		UseExistingTarget:         flagUseExisting,
		ExistingTarget:            existingTarget,
		AllowVerificationOverride: flagAllowOverride,
	}
	eng := engine.New(blk, insp, mig, jrnl, broker, cfg)

	collector := metrics.NewCollector(eng.Snapshot)
	collector.Start()
	defer collector.Stop()

	term := ui.New(broker)
	uiCtx, stopUI := context.WithCancel(ctx)
	go term.Run(uiCtx)
	defer func() {
		stopUI()
		term.Close()
	}()

	// eng.Run installs its own SIGINT/SIGTERM handling (spec §5
	// cancellation semantics); it only needs a plain, cancellable context.
	return eng.Run(ctx)
}

// preflightSource resolves the geometry of the NTFS volume to convert and
// confirms it isn't already mounted (spec §7 PreflightFailed: "partition
// table unreadable" and an unsuitable environment are both caught here,
// before any mutation).
func preflightSource(ctx context.Context, insp *inspector.Inspector, device types.Device, partitionIndex int) (types.Partition, error) {
	if partitionIndex == 0 {
		return types.Partition{}, &errs.PreflightError{Reason: "--partition is required for a fresh conversion"}
	}
	p := types.Partition{Device: device, Index: partitionIndex}

	startKB, endKB, err := insp.Geometry(ctx, p)
	if err != nil {
		return types.Partition{}, errs.WithStep(types.OpIterationStart, &errs.PreflightError{Reason: fmt.Sprintf("reading source partition geometry: %v", err)})
	}
	p.StartKB, p.EndKB = startKB, endKB

	mounted, err := insp.IsMounted(ctx, p)
	if err == nil && mounted {
		return types.Partition{}, &errs.PreflightError{Reason: fmt.Sprintf("source partition %d is mounted; unmount it before converting", partitionIndex)}
	}

	return p, nil
}

func isPrivileged() bool {
	if runtime.GOOS != "linux" {
		return true
	}
	return os.Geteuid() == 0
}
