package journal

import (
	"testing"

	"github.com/LewisTansley/ntfsconv/pkg/fskind"
	"github.com/LewisTansley/ntfsconv/pkg/types"
)

func TestSaveAndLoadRoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	want := types.ConversionState{
		Device:             "/dev/sda",
		TargetKind:         fskind.Ext4,
		SourcePartition:    types.Partition{Device: "/dev/sda", Index: 1, StartKB: 0, EndKB: 2048},
		TargetPartition:    types.Partition{Device: "/dev/sda", Index: 2, StartKB: 2048, EndKB: 10240},
		UseExistingTarget:  false,
		Iteration:          3,
		LastOperation:      types.OpMigrateFiles,
		FilesMigratedTotal: 4821,
	}

	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load(want.Device)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got.Device != want.Device || got.TargetKind != want.TargetKind ||
		got.SourcePartition != want.SourcePartition || got.TargetPartition != want.TargetPartition ||
		got.UseExistingTarget != want.UseExistingTarget || got.Iteration != want.Iteration ||
		got.LastOperation != want.LastOperation || got.FilesMigratedTotal != want.FilesMigratedTotal {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, want)
	}
}

func TestExistsBeforeAndAfterSave(t *testing.T) {
	s, _ := New(t.TempDir())
	d := types.Device("/dev/sdb")

	if s.Exists(d) {
		t.Error("Exists() should be false before any Save")
	}
	_ = s.Save(types.ConversionState{Device: d})
	if !s.Exists(d) {
		t.Error("Exists() should be true after Save")
	}
}

func TestClearRemovesRecord(t *testing.T) {
	s, _ := New(t.TempDir())
	d := types.Device("/dev/sdc")
	_ = s.Save(types.ConversionState{Device: d})

	if err := s.Clear(d); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if s.Exists(d) {
		t.Error("Exists() should be false after Clear")
	}
}

func TestClearOnMissingRecordIsNotAnError(t *testing.T) {
	s, _ := New(t.TempDir())
	if err := s.Clear("/dev/nonexistent"); err != nil {
		t.Errorf("Clear() on missing record error = %v, want nil", err)
	}
}

func TestEnumerateListsAllDevices(t *testing.T) {
	s, _ := New(t.TempDir())
	_ = s.Save(types.ConversionState{Device: "/dev/sda"})
	_ = s.Save(types.ConversionState{Device: "/dev/sdb"})

	devices, err := s.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("Enumerate() returned %d devices, want 2", len(devices))
	}
}
