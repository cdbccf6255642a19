package inspector

import (
	"context"
	"testing"

	"github.com/LewisTansley/ntfsconv/pkg/blocklayer"
	"github.com/LewisTansley/ntfsconv/pkg/sysexec"
	"github.com/LewisTansley/ntfsconv/pkg/types"
)

type scriptedRunner struct {
	outputs map[string]string
}

func (s *scriptedRunner) Run(ctx context.Context, name string, args ...string) (sysexec.Result, error) {
	return sysexec.Result{Stdout: s.outputs[name]}, nil
}

func (s *scriptedRunner) RunStreaming(ctx context.Context, progress sysexec.ProgressFunc, name string, args ...string) (sysexec.Result, error) {
	return s.Run(ctx, name, args...)
}

func TestDiskTotalKBParsesBytes(t *testing.T) {
	r := &scriptedRunner{outputs: map[string]string{"lsblk": "10737418240\n"}}
	i := New(r, blocklayer.New(r))

	kb, err := i.DiskTotalKB(context.Background(), "/dev/sda")
	if err != nil {
		t.Fatalf("DiskTotalKB() error = %v", err)
	}
	if kb != 10485760 {
		t.Errorf("DiskTotalKB() = %d, want 10485760", kb)
	}
}

func TestIsRotationalFromSysfs(t *testing.T) {
	r := &scriptedRunner{outputs: map[string]string{"cat": "1\n"}}
	i := New(r, blocklayer.New(r))

	rot, err := i.IsRotational(context.Background(), "/dev/sda")
	if err != nil {
		t.Fatalf("IsRotational() error = %v", err)
	}
	if rot != types.RotationRotational {
		t.Errorf("IsRotational() = %v, want rotational", rot)
	}
}

func TestIsRotationalUnknownWhenNoSignal(t *testing.T) {
	r := &scriptedRunner{outputs: map[string]string{"cat": "", "lsblk": ""}}
	i := New(r, blocklayer.New(r))

	rot, err := i.IsRotational(context.Background(), "/dev/sda")
	if err != nil {
		t.Fatalf("IsRotational() error = %v", err)
	}
	if rot != types.RotationUnknown {
		t.Errorf("IsRotational() = %v, want unknown", rot)
	}
}

func TestPartitionNodeHelper(t *testing.T) {
	if got := partitionNode(types.Partition{Device: "/dev/sda", Index: 1}); got != "/dev/sda1" {
		t.Errorf("partitionNode = %q", got)
	}
	if got := partitionNode(types.Partition{Device: "/dev/nvme0n1", Index: 1}); got != "/dev/nvme0n1p1" {
		t.Errorf("partitionNode(nvme) = %q", got)
	}
}
