package engine

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/LewisTansley/ntfsconv/pkg/blocklayer"
	"github.com/LewisTansley/ntfsconv/pkg/dummy"
	"github.com/LewisTansley/ntfsconv/pkg/events"
	"github.com/LewisTansley/ntfsconv/pkg/fskind"
	"github.com/LewisTansley/ntfsconv/pkg/inspector"
	"github.com/LewisTansley/ntfsconv/pkg/journal"
	"github.com/LewisTansley/ntfsconv/pkg/migrator"
	"github.com/LewisTansley/ntfsconv/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	jrnl, err := journal.New(t.TempDir())
	if err != nil {
		t.Fatalf("journal.New() error = %v", err)
	}
	blk := blocklayer.New(nil)
	insp := inspector.New(nil, blk)
	mig := migrator.New(blk, nil, nil)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := Config{
		Device:          "/dev/sda",
		SourcePartition: types.Partition{Device: "/dev/sda", Index: 1, StartKB: 0, EndKB: 1000},
		TargetKind:      fskind.Ext4,
	}
	return New(blk, insp, mig, jrnl, broker, cfg)
}

func TestResumeOrInitFreshRun(t *testing.T) {
	e := newTestEngine(t)

	resumed, err := e.resumeOrInit()
	if err != nil {
		t.Fatalf("resumeOrInit() error = %v", err)
	}
	if resumed {
		t.Error("resumeOrInit() should report fresh run as not resumed")
	}

	state := e.getState()
	if state.LastOperation != types.OpIterationStart {
		t.Errorf("LastOperation = %v, want iteration_start", state.LastOperation)
	}
	if state.SourcePartition.Index != 1 {
		t.Errorf("SourcePartition not carried into fresh state: %+v", state.SourcePartition)
	}
}

func TestResumeOrInitResumesFromJournal(t *testing.T) {
	e := newTestEngine(t)

	if err := e.jrnl.Save(types.ConversionState{
		Device:        "/dev/sda",
		Iteration:     2,
		LastOperation: types.OpMigrateFiles,
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	resumed, err := e.resumeOrInit()
	if err != nil {
		t.Fatalf("resumeOrInit() error = %v", err)
	}
	if !resumed {
		t.Error("resumeOrInit() should report resumed=true when a journal exists")
	}
	if e.getState().Iteration != 2 {
		t.Errorf("Iteration = %d, want 2", e.getState().Iteration)
	}
}

func TestPersistWritesJournalAndState(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.resumeOrInit(); err != nil {
		t.Fatal(err)
	}

	if err := e.persist(types.OpShrinkNTFS); err != nil {
		t.Fatalf("persist() error = %v", err)
	}
	if e.getState().LastOperation != types.OpShrinkNTFS {
		t.Errorf("in-memory state not updated by persist()")
	}

	loaded, err := e.jrnl.Load("/dev/sda")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.LastOperation != types.OpShrinkNTFS {
		t.Errorf("journal LastOperation = %v, want shrink_ntfs", loaded.LastOperation)
	}
}

func TestNoProgressCounterTripsAtLimit(t *testing.T) {
	e := newTestEngine(t)

	// three consecutive sub-threshold deltas
	e.recordProgressDelta(100)
	e.recordProgressDelta(100)
	e.recordProgressDelta(100)

	go func() {
		// drain the prompt so checkProgress doesn't block on the broker
		sub := e.broker.Subscribe()
		defer e.broker.Unsubscribe(sub)
		for ev := range sub {
			if ev.Kind == events.KindPrompt {
				ev.Prompt.Respond(events.PromptResponse{Index: 1}) // continue
				return
			}
		}
	}()

	if err := e.checkProgress(); err != nil {
		t.Errorf("checkProgress() error = %v, want nil after operator chose continue", err)
	}
}

func TestNoProgressAbortReturnsError(t *testing.T) {
	e := newTestEngine(t)
	e.recordProgressDelta(0)
	e.recordProgressDelta(0)
	e.recordProgressDelta(0)

	go func() {
		sub := e.broker.Subscribe()
		defer e.broker.Unsubscribe(sub)
		for ev := range sub {
			if ev.Kind == events.KindPrompt {
				ev.Prompt.Respond(events.PromptResponse{Index: 0}) // abort
				return
			}
		}
	}()

	if err := e.checkProgress(); err == nil {
		t.Error("checkProgress() should error when operator chooses abort")
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	e := newTestEngine(t)
	e.setState(types.ConversionState{Iteration: 5, FilesMigratedTotal: 42})

	snap := e.Snapshot()
	if snap.Iteration != 5 || snap.FilesMigratedTotal != 42 {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestMaxU64(t *testing.T) {
	if maxU64(3, 7) != 7 {
		t.Error("maxU64(3, 7) should be 7")
	}
	if maxU64(9, 2) != 9 {
		t.Error("maxU64(9, 2) should be 9")
	}
}

func TestOpOrderOrdersByCheckpoint(t *testing.T) {
	if opOrder(types.OpIterationStart) >= opOrder(types.OpShrinkNTFS) {
		t.Error("iteration_start must order before shrink_ntfs")
	}
	if opOrder(types.OpShrinkNTFS) >= opOrder(types.OpCreateTarget) {
		t.Error("shrink_ntfs must order before create_target")
	}
	if opOrder(types.OpCreateTarget) >= opOrder(types.OpFormatTarget) {
		t.Error("create_target must order before format_target")
	}
	if opOrder(types.OpFormatTarget) != opOrder(types.OpExpandPartitionTbl) {
		t.Error("format_target and expand_partition_table are the two terminal checkpoints of the same step")
	}
	if opOrder(types.OpFormatTarget) >= opOrder(types.OpMigrateFiles) {
		t.Error("format_target must order before migrate_files")
	}
}

// TestBlockWorkResumeDoesNotDuplicateTarget is the end-to-end resume test
// E2E scenario #4 calls for: a crash right after create_target is
// journaled must not cause a second engine instance, resuming from that
// checkpoint, to create a second target partition (spec §8 resume
// idempotence).
func TestBlockWorkResumeDoesNotDuplicateTarget(t *testing.T) {
	ctx := context.Background()
	scenario := &dummy.Scenario{DiskTotalKB: 10 * 1024 * 1024}
	runner := dummy.NewRunner(scenario)
	blk := blocklayer.New(runner)
	insp := inspector.New(runner, blk)
	mig := migrator.New(blk, runner, nil)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	device := types.Device("/dev/sda")
	source := types.Partition{Device: device, Index: 1, StartKB: 0, EndKB: 2 * 1024 * 1024}
	cfg := Config{Device: device, SourcePartition: source, TargetKind: fskind.Ext4}

	// First pass: a fresh iteration 0 runs shrink -> create_target -> format_target.
	jrnl1, err := journal.New(t.TempDir())
	if err != nil {
		t.Fatalf("journal.New() error = %v", err)
	}
	e1 := New(blk, insp, mig, jrnl1, broker, cfg)
	if _, err := e1.resumeOrInit(); err != nil {
		t.Fatalf("resumeOrInit() error = %v", err)
	}
	if err := e1.blockWork(ctx, "", 1*1024*1024, scenario.DiskTotalKB); err != nil {
		t.Fatalf("blockWork() first pass error = %v", err)
	}

	stateAfterFirstPass := e1.getState()
	if stateAfterFirstPass.TargetPartition.Index == 0 {
		t.Fatal("blockWork did not record a target partition after create_target")
	}
	partitionsBefore, err := runner.Run(ctx, "lsblk", "-ln", "-o", "NAME", string(device))
	if err != nil {
		t.Fatalf("lsblk error = %v", err)
	}

	// Simulate a crash right after create_target was journaled: a second
	// engine resumes from that exact checkpoint, against the same
	// (already mutated) block device.
	jrnl2, err := journal.New(t.TempDir())
	if err != nil {
		t.Fatalf("journal.New() error = %v", err)
	}
	resumedState := stateAfterFirstPass
	resumedState.LastOperation = types.OpCreateTarget
	if err := jrnl2.Save(resumedState); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	e2 := New(blk, insp, mig, jrnl2, broker, cfg)
	resumed, err := e2.resumeOrInit()
	if err != nil {
		t.Fatalf("resumeOrInit() error = %v", err)
	}
	if !resumed {
		t.Fatal("expected resumeOrInit() to report resumed=true")
	}

	resumedOp := e2.consumeResumeCheckpoint()
	if resumedOp != types.OpCreateTarget {
		t.Fatalf("consumeResumeCheckpoint() = %v, want create_target", resumedOp)
	}
	if err := e2.blockWork(ctx, resumedOp, 1*1024*1024, scenario.DiskTotalKB); err != nil {
		t.Fatalf("blockWork() resumed pass error = %v", err)
	}

	partitionsAfter, err := runner.Run(ctx, "lsblk", "-ln", "-o", "NAME", string(device))
	if err != nil {
		t.Fatalf("lsblk error = %v", err)
	}
	if diff := cmp.Diff(partitionsBefore.Stdout, partitionsAfter.Stdout); diff != "" {
		t.Errorf("resuming at create_target created a second target partition (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(stateAfterFirstPass.TargetPartition, e2.getState().TargetPartition); diff != "" {
		t.Errorf("resumed target partition drifted from the one create_target originally recorded (-want +got):\n%s", diff)
	}
}
