package dummy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testScenario() *Scenario {
	return &Scenario{
		DiskTotalKB: 10 * 1024 * 1024,
		Iterations: []IterationScript{
			{UsedKBBefore: 2 * 1024 * 1024, UsedKBAfter: 512 * 1024, FilesMigrated: 3},
			{UsedKBBefore: 512 * 1024, UsedKBAfter: 8 * 1024, FilesMigrated: 1},
		},
	}
}

func TestLsblkListsAndAddsPartitions(t *testing.T) {
	r := NewRunner(testScenario())
	ctx := context.Background()

	res, err := r.Run(ctx, "lsblk", "-ln", "-o", "NAME", "/dev/sda")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "sda1" {
		t.Errorf("lsblk -ln = %q, want sda1", res.Stdout)
	}

	if _, err := r.Run(ctx, "parted", "-s", "/dev/sda", "unit", "KiB", "mkpart", "primary", "0KiB", "100KiB"); err != nil {
		t.Fatalf("parted mkpart error = %v", err)
	}

	res, err = r.Run(ctx, "lsblk", "-ln", "-o", "NAME", "/dev/sda")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := strings.Fields(res.Stdout)
	if len(got) != 2 || got[1] != "sda2" {
		t.Errorf("after mkpart, lsblk -ln = %v, want [sda1 sda2]", got)
	}
}

func TestPartedRmRemovesPartition(t *testing.T) {
	r := NewRunner(testScenario())
	ctx := context.Background()

	if _, err := r.Run(ctx, "parted", "-s", "/dev/sda", "rm", "1"); err != nil {
		t.Fatalf("parted rm error = %v", err)
	}
	res, _ := r.Run(ctx, "lsblk", "-ln", "-o", "NAME", "/dev/sda")
	if strings.TrimSpace(res.Stdout) != "" {
		t.Errorf("after rm 1, lsblk -ln = %q, want empty", res.Stdout)
	}
}

func TestDiskTotalKBFromScenario(t *testing.T) {
	r := NewRunner(testScenario())
	res, err := r.Run(context.Background(), "lsblk", "-bno", "SIZE", "/dev/sda")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "10737418240" {
		t.Errorf("disk total bytes = %q, want 10737418240", res.Stdout)
	}
}

func TestDfSequenceAdvancesPerCall(t *testing.T) {
	r := NewRunner(testScenario())
	ctx := context.Background()

	first, _ := r.Run(ctx, "df", "-Pk", "/mnt/a")
	second, _ := r.Run(ctx, "df", "-Pk", "/mnt/a")

	if !strings.Contains(first.Stdout, "2097152") {
		t.Errorf("first df = %q, want used_kb_before of iteration 0", first.Stdout)
	}
	if !strings.Contains(second.Stdout, "524288") {
		t.Errorf("second df = %q, want used_kb_after of iteration 0", second.Stdout)
	}
}

func TestFindmntAlwaysReportsNotMounted(t *testing.T) {
	r := NewRunner(testScenario())
	if _, err := r.Run(context.Background(), "findmnt", "-n", "-S", "/dev/sda1"); err == nil {
		t.Error("findmnt should always report not-mounted in dummy mode")
	}
}

func TestRsyncMaterializesScriptedFiles(t *testing.T) {
	r := NewRunner(testScenario())
	src := t.TempDir()
	dst := t.TempDir()

	if _, err := r.RunStreaming(context.Background(), nil, "rsync", "-a", "--sparse", src+"/", dst); err != nil {
		t.Fatalf("RunStreaming(rsync) error = %v", err)
	}

	entries, err := os.ReadDir(dst)
	if err != nil {
		t.Fatalf("ReadDir(dst) error = %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("dst has %d files, want 3 (iteration 0's files_migrated)", len(entries))
	}
	srcEntries, _ := os.ReadDir(src)
	if len(srcEntries) != 3 {
		t.Errorf("src has %d files, want 3", len(srcEntries))
	}
}

func TestCatRotationalFromScenario(t *testing.T) {
	s := testScenario()
	s.Rotational = true
	r := NewRunner(s)

	res, err := r.Run(context.Background(), "cat", "/sys/block/sda/queue/rotational")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "1" {
		t.Errorf("rotational = %q, want 1", res.Stdout)
	}
}

func TestLoadScenarioParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	content := "disk_total_kb: 1000\niterations:\n  - used_kb_before: 500\n    used_kb_after: 100\n    files_migrated: 2\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	s, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("LoadScenario() error = %v", err)
	}
	if s.DiskTotalKB != 1000 || len(s.Iterations) != 1 || s.Iterations[0].FilesMigrated != 2 {
		t.Errorf("LoadScenario() = %+v", s)
	}
}
