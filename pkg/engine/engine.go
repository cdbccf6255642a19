// Package engine is the Conversion Engine (Controller) of spec §4.5: the
// iterative state machine that composes the Volume Inspector, Block
// Layer Adapter, Verified Migrator, and State Journal into one resumable
// conversion run.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/docker/go-units"

	"github.com/LewisTansley/ntfsconv/pkg/blocklayer"
	"github.com/LewisTansley/ntfsconv/pkg/errs"
	"github.com/LewisTansley/ntfsconv/pkg/events"
	"github.com/LewisTansley/ntfsconv/pkg/fskind"
	"github.com/LewisTansley/ntfsconv/pkg/inspector"
	"github.com/LewisTansley/ntfsconv/pkg/journal"
	"github.com/LewisTansley/ntfsconv/pkg/log"
	"github.com/LewisTansley/ntfsconv/pkg/metrics"
	"github.com/LewisTansley/ntfsconv/pkg/migrator"
	"github.com/LewisTansley/ntfsconv/pkg/types"
)

const (
	minFreeBufferKB = 1024 // 1 MiB
	shrinkSafetyMultiplier = 1.05
	noProgressLimit        = 3
	targetFreeKBWarnFactor = 1.0
)

// Config is the explicit ConversionContext spec §9 calls for, replacing
// the original's module-global configuration (target kind, partitions,
// iteration counter, dry-run flag).
type Config struct {
	Device                    types.Device
	SourcePartition           types.Partition // the NTFS volume to convert, located by a preflight probe
	TargetKind                fskind.Kind
	DryRun                    bool
	UseExistingTarget         bool
	ExistingTarget            types.Partition
	AllowVerificationOverride bool
}

// Engine drives one conversion from ConversionState.LastOperation =
// iteration_start (or a resumed checkpoint) through complete.
type Engine struct {
	blk    *blocklayer.Adapter
	insp   *inspector.Inspector
	mig    *migrator.Migrator
	jrnl   *journal.Store
	broker *events.Broker
	cfg    Config

	mu               sync.Mutex
	state            types.ConversionState
	noProgressCount  int
	lastUsedKB       uint64
	estIterations    uint32
	stopRequested    bool
	resumeCheckpoint types.Operation // consumed once, by the first iterate() call after a resume
}

// New assembles an Engine from its collaborators.
func New(blk *blocklayer.Adapter, insp *inspector.Inspector, mig *migrator.Migrator, jrnl *journal.Store, broker *events.Broker, cfg Config) *Engine {
	return &Engine{blk: blk, insp: insp, mig: mig, jrnl: jrnl, broker: broker, cfg: cfg}
}

// Snapshot reports the engine's current progress. It has the shape of a
// metrics.Provider, so pkg/metrics' Collector can poll it without
// pkg/metrics importing pkg/engine.
func (e *Engine) Snapshot() metrics.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return metrics.Snapshot{
		Iteration:          e.state.Iteration,
		FilesMigratedTotal: e.state.FilesMigratedTotal,
		NoProgressCount:    e.noProgressCount,
		SourceUsedKB:       e.lastUsedKB,
	}
}

func (e *Engine) setState(s types.ConversionState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) getState() types.ConversionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run executes the full conversion: resume-or-init, the iteration loop,
// and finalization. It installs a signal handler so SIGINT/SIGTERM stop
// the loop at the next safe boundary rather than mid-operation.
func (e *Engine) Run(ctx context.Context) error {
	resumed, err := e.resumeOrInit()
	if err != nil {
		return err
	}
	if resumed {
		e.logf("resuming conversion of %s at checkpoint %s (iteration %d)",
			e.state.Device, e.state.LastOperation, e.state.Iteration)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		e.mu.Lock()
		e.stopRequested = true
		e.mu.Unlock()
		e.logf("received %s, finishing current step and stopping", sig)
		cancel()
	}()

	for {
		if e.getStopRequested() {
			return errs.WithStep(e.getState().LastOperation, &errs.InterruptedError{Signal: "terminate"})
		}

		done, err := e.iterate(ctx)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}

	if err := e.finalize(ctx); err != nil {
		return err
	}

	e.broker.Status("conversion complete", floatPtr(100))
	return nil
}

func (e *Engine) getStopRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopRequested
}

// consumeResumeCheckpoint returns the checkpoint a resumed run last
// journaled, and clears it. It reports a real value exactly once per
// Run — for the single in-flight iteration a crash interrupted — so
// every later iteration in the same process runs blockWork from scratch
// rather than having its own, unrelated LastOperation misread as a
// resume.
func (e *Engine) consumeResumeCheckpoint() types.Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	op := e.resumeCheckpoint
	e.resumeCheckpoint = ""
	return op
}

// resumeOrInit loads a persisted journal record for cfg.Device, or
// initializes a fresh ConversionState at iteration_start.
func (e *Engine) resumeOrInit() (resumed bool, err error) {
	if e.jrnl.Exists(e.cfg.Device) {
		state, err := e.jrnl.Load(e.cfg.Device)
		if err != nil {
			return false, fmt.Errorf("loading journal for resume: %w", err)
		}
		e.setState(state)
		e.mu.Lock()
		e.resumeCheckpoint = state.LastOperation
		e.mu.Unlock()
		return true, nil
	}

	e.setState(types.ConversionState{
		Device:            e.cfg.Device,
		TargetKind:        e.cfg.TargetKind,
		SourcePartition:   e.cfg.SourcePartition,
		UseExistingTarget: e.cfg.UseExistingTarget,
		TargetPartition:   e.cfg.ExistingTarget,
		LastOperation:     types.OpIterationStart,
	})
	return false, nil
}

func (e *Engine) persist(op types.Operation) error {
	state := e.getState()
	state.LastOperation = op
	e.setState(state)
	return e.jrnl.Save(state)
}

// iterate runs one pass of the §4.5 iteration loop. It returns done=true
// when used_kb is already below the empty threshold at the start of the
// pass, or when the used_kb remaining after migration is at or below the
// continue threshold.
func (e *Engine) iterate(ctx context.Context) (done bool, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.IterationDuration)

	state := e.getState()
	resumedOp := e.consumeResumeCheckpoint()

	if err := e.persist(types.OpIterationStart); err != nil {
		return false, err
	}

	source := state.SourcePartition
	usedKB, err := e.insp.UsedKB(ctx, source, source.SizeKB())
	if err != nil {
		return false, errs.WithStep(types.OpIterationStart, err)
	}
	diskTotalKB, err := e.insp.DiskTotalKB(ctx, e.cfg.Device)
	if err != nil {
		return false, errs.WithStep(types.OpIterationStart, err)
	}

	emptyThreshold := maxU64(minFreeBufferKB, diskTotalKB/1000)
	if usedKB < emptyThreshold {
		return true, nil
	}

	if state.Iteration > 0 {
		e.recordProgressDelta(int64(e.getLastUsedKB()) - int64(usedKB))
		if err := e.checkProgress(); err != nil {
			return false, err
		}
	}
	e.setLastUsedKB(usedKB)

	targetSizeKB := uint64(float64(usedKB) * shrinkSafetyMultiplier)

	e.broker.ProgressPanel(events.ProgressPanelPayload{
		Source:           "ntfs",
		Target:           string(e.cfg.TargetKind),
		Iteration:        state.Iteration,
		EstIterations:    e.estIterations,
		FilesMigrated:    state.FilesMigratedTotal,
		CurrentOperation: string(types.OpShrinkNTFS),
	})

	if err := e.blockWork(ctx, resumedOp, targetSizeKB, diskTotalKB); err != nil {
		return false, err
	}
	state = e.getState()

	if err := e.persist(types.OpMigrateFiles); err != nil {
		return false, err
	}
	job, err := e.mig.Migrate(ctx, state.SourcePartition, state.TargetPartition, e.cfg.AllowVerificationOverride)
	if err != nil {
		return false, errs.WithStep(types.OpMigrateFiles, err)
	}

	state = e.getState()
	state.FilesMigratedTotal += uint64(len(job.VerifiedManifest))
	e.setState(state)

	remainingKB, err := e.insp.UsedKB(ctx, state.SourcePartition, state.SourcePartition.SizeKB())
	if err != nil {
		return false, errs.WithStep(types.OpMigrateFiles, err)
	}
	migratedKB := int64(usedKB) - int64(remainingKB)
	e.logf("iteration %d: migrated %s (%d files)", state.Iteration, units.BytesSize(float64(migratedKB*1024)), len(job.VerifiedManifest))

	continueThreshold := maxU64(10*1024, diskTotalKB/100)
	if remainingKB <= continueThreshold {
		return true, nil
	}

	state.Iteration++
	e.setState(state)
	return false, nil
}

// opOrder gives the within-iteration checkpoints blockWork cares about a
// sequence number, so a resumed run can tell which of them already
// completed and committed to the journal before a crash. OpFormatTarget
// and OpExpandPartitionTbl share a number: they are the respective
// terminal checkpoints of the create-target and grow-target branches,
// never both reachable in the same iteration.
func opOrder(op types.Operation) int {
	switch op {
	case types.OpShrinkNTFS:
		return 1
	case types.OpCreateTarget:
		return 2
	case types.OpFormatTarget, types.OpExpandPartitionTbl:
		return 3
	case types.OpMigrateFiles, types.OpDeleteSource, types.OpExpandFinal, types.OpComplete:
		return 4
	default: // OpIterationStart or a resumed-into-fresh-iteration state
		return 0
	}
}

// blockWork performs the per-iteration shrink/create-or-grow sequence,
// honoring UseExistingTarget and DryRun. resumedOp is the checkpoint a
// resumed run last journaled before it stopped; steps at or before that
// checkpoint already ran and committed, so blockWork skips them rather
// than redoing them (spec §8 resume idempotence) — most importantly,
// skipping a second CreatePartition call once target_partition is
// already on record.
func (e *Engine) blockWork(ctx context.Context, resumedOp types.Operation, targetSizeKB, diskTotalKB uint64) error {
	state := e.getState()

	if state.UseExistingTarget {
		freeKB, err := e.targetFreeKB(ctx, state.TargetPartition)
		if err == nil && freeKB < uint64(float64(targetSizeKB)*targetFreeKBWarnFactor) {
			e.broker.Log(events.LevelWarn, "pre-existing target volume may not have enough free space for this iteration")
		}
		return nil
	}

	resumedOrder := opOrder(resumedOp)

	if resumedOrder < opOrder(types.OpShrinkNTFS) {
		if e.cfg.DryRun {
			e.logf("dry-run: would shrink_ntfs(%s, %d KB)", state.SourcePartition.Device, targetSizeKB)
		} else if err := e.blk.ShrinkNTFS(ctx, state.SourcePartition, targetSizeKB); err != nil {
			return err
		}
		state.SourcePartition.EndKB = state.SourcePartition.StartKB + targetSizeKB
		e.setState(state)
		if err := e.persist(types.OpShrinkNTFS); err != nil {
			return err
		}
	}
	state = e.getState()

	if state.Iteration == 0 {
		if resumedOrder < opOrder(types.OpCreateTarget) {
			targetStart := state.SourcePartition.EndKB + 1024
			if e.cfg.DryRun {
				e.logf("dry-run: would create_partition(%s, %d, %d)", e.cfg.Device, targetStart, diskTotalKB)
				state.TargetPartition = types.Partition{Device: e.cfg.Device, Index: state.SourcePartition.Index + 1, StartKB: targetStart, EndKB: diskTotalKB}
			} else {
				part, err := e.blk.CreatePartition(ctx, e.cfg.Device, targetStart, diskTotalKB)
				if err != nil {
					return err
				}
				state.TargetPartition = part
			}
			e.setState(state)
			if err := e.persist(types.OpCreateTarget); err != nil {
				return err
			}
		}
		state = e.getState()

		if resumedOrder < opOrder(types.OpFormatTarget) {
			if e.cfg.DryRun {
				e.logf("dry-run: would format(%s, %s)", state.TargetPartition.Device, e.cfg.TargetKind)
			} else if err := e.blk.Format(ctx, state.TargetPartition, e.cfg.TargetKind); err != nil {
				return err
			}
			if err := e.persist(types.OpFormatTarget); err != nil {
				return err
			}
		}
	} else if resumedOrder < opOrder(types.OpExpandPartitionTbl) {
		if e.cfg.DryRun {
			e.logf("dry-run: would grow(%s) to fill disk", state.TargetPartition.Device)
		} else if err := e.blk.Grow(ctx, state.TargetPartition, "", e.cfg.TargetKind); err != nil {
			return err
		}
		state.TargetPartition.EndKB = diskTotalKB
		e.setState(state)
		if err := e.persist(types.OpExpandPartitionTbl); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) targetFreeKB(ctx context.Context, p types.Partition) (uint64, error) {
	usedKB, err := e.insp.UsedKB(ctx, p, p.SizeKB())
	if err != nil {
		return 0, err
	}
	if usedKB >= p.SizeKB() {
		return 0, nil
	}
	return p.SizeKB() - usedKB, nil
}

// checkProgress implements spec §4.5 step 4: three consecutive
// sub-1-MiB deltas prompt the UI for continue/abort. recordProgressDelta
// must be called first to update the counter for this iteration.
func (e *Engine) checkProgress() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.noProgressCount >= noProgressLimit {
		resp := e.broker.Prompt("no progress for three iterations; continue or abort?", []string{"abort", "continue"}, 10*time.Minute)
		if resp.Cancelled || resp.Index == 0 {
			return &errs.NoProgressError{Iterations: e.noProgressCount}
		}
		e.noProgressCount = 0
	}
	return nil
}

func (e *Engine) getLastUsedKB() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUsedKB
}

func (e *Engine) setLastUsedKB(kb uint64) {
	e.mu.Lock()
	e.lastUsedKB = kb
	e.mu.Unlock()
}

// recordProgressDelta is called by iterate with the measured delta
// between this iteration's and the prior iteration's used_kb.
func (e *Engine) recordProgressDelta(deltaKB int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if deltaKB < int64(minFreeBufferKB) {
		e.noProgressCount++
	} else {
		e.noProgressCount = 0
	}
}

// finalize removes the now-empty source partition and grows the target
// to consume the disk tail (spec §4.5 "Finalization").
func (e *Engine) finalize(ctx context.Context) error {
	state := e.getState()

	if e.cfg.DryRun {
		e.logf("dry-run: would delete_partition(%s, %d)", state.SourcePartition.Device, state.SourcePartition.Index)
	} else if err := e.blk.DeletePartition(ctx, state.SourcePartition.Device, state.SourcePartition.Index); err != nil {
		return errs.WithStep(types.OpDeleteSource, err)
	}
	if err := e.persist(types.OpDeleteSource); err != nil {
		return err
	}

	if e.cfg.DryRun {
		e.logf("dry-run: would grow(%s) to fill disk", state.TargetPartition.Device)
	} else if err := e.blk.Grow(ctx, state.TargetPartition, "", e.cfg.TargetKind); err != nil {
		return errs.WithStep(types.OpExpandFinal, err)
	}
	if err := e.persist(types.OpExpandFinal); err != nil {
		return err
	}

	if err := e.persist(types.OpComplete); err != nil {
		return err
	}
	return e.jrnl.Clear(e.cfg.Device)
}

func (e *Engine) logf(format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	log.WithDevice(string(e.cfg.Device)).Info().Msg(text)
	if e.broker != nil {
		e.broker.Log(events.LevelInfo, text)
	}
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func floatPtr(f float64) *float64 { return &f }
