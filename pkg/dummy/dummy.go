// Package dummy is the second implementation of the pkg/sysexec.Runner
// seam (spec §9): a scripted backend that answers every external tool
// invocation from an in-memory scenario instead of a real block device,
// so the whole engine/blocklayer/inspector/migrator stack can be driven
// end to end in dummy-mode without root, a spare disk, or NTFS tooling.
//
// It is not a branch in blocklayer/inspector/migrator — those packages
// only ever see a sysexec.Runner. Swapping sysexec.NewExecRunner() for
// dummy.NewRunner(scenario) is the entire difference between a real
// conversion and a rehearsal of one.
package dummy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/LewisTansley/ntfsconv/pkg/sysexec"
)

// IterationScript describes one iteration's scripted used-space readings
// and the number of files the copy step should appear to migrate.
type IterationScript struct {
	UsedKBBefore  uint64 `yaml:"used_kb_before"`
	UsedKBAfter   uint64 `yaml:"used_kb_after"`
	FilesMigrated int    `yaml:"files_migrated"`
}

// Scenario is the scripted shape of a dummy-mode run, loaded from YAML.
type Scenario struct {
	DiskTotalKB uint64            `yaml:"disk_total_kb"`
	Rotational  bool              `yaml:"rotational"`
	Iterations  []IterationScript `yaml:"iterations"`
}

// LoadScenario reads a Scenario from a YAML file.
func LoadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var s Scenario
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return &s, nil
}

// Runner is a scripted sysexec.Runner. It fabricates a plausible
// partition table per device from parted calls, answers used_kb queries
// from the scenario's iteration sequence, and simulates the copy step by
// writing placeholder files into both the source and target directories
// rsync was asked to sync, so verification sees real, matching files
// without a real filesystem underneath.
type Runner struct {
	mu sync.Mutex

	scenario   *Scenario
	dfSequence []uint64
	dfIdx      int
	rsyncIdx   int

	partitions map[string][]int
	nextIndex  map[string]int
}

// NewRunner returns a scripted Runner driven by scenario.
func NewRunner(scenario *Scenario) *Runner {
	seq := make([]uint64, 0, len(scenario.Iterations)*2)
	for _, it := range scenario.Iterations {
		seq = append(seq, it.UsedKBBefore, it.UsedKBAfter)
	}
	return &Runner{
		scenario:   scenario,
		dfSequence: seq,
		partitions: map[string][]int{},
		nextIndex:  map[string]int{},
	}
}

func (r *Runner) Run(ctx context.Context, name string, args ...string) (sysexec.Result, error) {
	switch name {
	case "lsblk":
		return r.lsblk(args)
	case "parted":
		return r.parted(args)
	case "df":
		return r.df(args)
	case "findmnt":
		// Dummy devices are never already mounted; every used_kb query
		// takes the scoped-mount path, keeping Inspector's flow identical
		// to a real run.
		return sysexec.Result{ExitCode: 1}, fmt.Errorf("dummy: nothing mounted")
	case "mount", "umount", "partprobe", "sync", "ntfsresize":
		return sysexec.Result{}, nil
	case "cat":
		return r.cat(args)
	default:
		// mkfs.*, resize2fs, xfs_growfs, btrfs, etc: every filesystem
		// mutation tool the scripted run is asked for succeeds silently.
		return sysexec.Result{}, nil
	}
}

func (r *Runner) RunStreaming(ctx context.Context, progress sysexec.ProgressFunc, name string, args ...string) (sysexec.Result, error) {
	if name == "rsync" {
		return r.rsync(args, progress)
	}
	return r.Run(ctx, name, args...)
}

func (r *Runner) ensureDevice(device string) {
	if _, ok := r.partitions[device]; ok {
		return
	}
	// Every scenario starts from a single existing source partition at
	// index 1, matching the only topology the engine ever begins from.
	r.partitions[device] = []int{1}
	r.nextIndex[device] = 2
}

func (r *Runner) lsblk(args []string) (sysexec.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(args) == 0 {
		return sysexec.Result{}, nil
	}

	switch args[0] {
	case "-ln":
		device := args[len(args)-1]
		r.ensureDevice(device)
		base := filepath.Base(device)
		var lines []string
		for _, idx := range r.partitions[device] {
			lines = append(lines, fmt.Sprintf("%s%d", base, idx))
		}
		return sysexec.Result{Stdout: strings.Join(lines, "\n")}, nil

	case "-bno":
		if len(args) >= 2 && args[1] == "SIZE" {
			return sysexec.Result{Stdout: strconv.FormatUint(r.scenario.DiskTotalKB*1024, 10)}, nil
		}
		// START,SIZE geometry query (Inspector.Geometry): report a
		// parseable zero extent. In the dummy flow the scripted df
		// readings, not partition extents, drive the engine's progress.
		return sysexec.Result{Stdout: "0 0"}, nil

	case "-dno":
		if r.scenario.Rotational {
			return sysexec.Result{Stdout: "1"}, nil
		}
		return sysexec.Result{Stdout: "0"}, nil
	}

	return sysexec.Result{}, nil
}

func (r *Runner) parted(args []string) (sysexec.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(args) < 2 {
		return sysexec.Result{}, nil
	}
	device := args[1]
	r.ensureDevice(device)

	for i, a := range args {
		switch a {
		case "mkpart":
			idx := r.nextIndex[device]
			r.partitions[device] = append(r.partitions[device], idx)
			r.nextIndex[device] = idx + 1
			return sysexec.Result{}, nil

		case "rm":
			if i+1 < len(args) {
				if target, err := strconv.Atoi(args[i+1]); err == nil {
					r.partitions[device] = removeInt(r.partitions[device], target)
				}
			}
			return sysexec.Result{}, nil

		case "resizepart":
			// Partition-table resizes never fail in a scripted run; the
			// scripted used_kb sequence is what actually drives the
			// engine's view of progress.
			return sysexec.Result{}, nil
		}
	}

	return sysexec.Result{}, nil
}

func removeInt(nodes []int, target int) []int {
	out := nodes[:0]
	for _, n := range nodes {
		if n != target {
			out = append(out, n)
		}
	}
	return out
}

func (r *Runner) df(args []string) (sysexec.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.dfIdx
	if idx >= len(r.dfSequence) {
		idx = len(r.dfSequence) - 1
	}
	var usedKB uint64
	if idx >= 0 {
		usedKB = r.dfSequence[idx]
	}
	r.dfIdx++

	stdout := "Filesystem     1K-blocks     Used Available Use% Mounted on\n" +
		fmt.Sprintf("dummy                  0 %d         0   0%% %s\n", usedKB, lastArg(args))
	return sysexec.Result{Stdout: stdout}, nil
}

func (r *Runner) cat(args []string) (sysexec.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(args) == 1 && strings.HasSuffix(args[0], "/queue/rotational") {
		if r.scenario.Rotational {
			return sysexec.Result{Stdout: "1"}, nil
		}
		return sysexec.Result{Stdout: "0"}, nil
	}
	return sysexec.Result{}, nil
}

// rsync simulates the copy step by materializing FilesMigrated one-byte
// placeholder files under both the source and target directories it was
// asked to sync, using real file I/O so the migrator's real, unmocked
// verification walk has something genuine to compare.
func (r *Runner) rsync(args []string, progress sysexec.ProgressFunc) (sysexec.Result, error) {
	r.mu.Lock()
	idx := r.rsyncIdx
	if idx >= len(r.scenario.Iterations) && len(r.scenario.Iterations) > 0 {
		idx = len(r.scenario.Iterations) - 1
	}
	n := 0
	if idx >= 0 && idx < len(r.scenario.Iterations) {
		n = r.scenario.Iterations[idx].FilesMigrated
	}
	r.rsyncIdx++
	r.mu.Unlock()

	if len(args) < 2 {
		return sysexec.Result{}, nil
	}
	src := strings.TrimSuffix(args[len(args)-2], "/")
	dst := args[len(args)-1]

	for i := 0; i < n; i++ {
		name := fmt.Sprintf("scripted-file-%d", i)
		_ = os.WriteFile(filepath.Join(src, name), []byte("x"), 0o644)
		_ = os.WriteFile(filepath.Join(dst, name), []byte("x"), 0o644)
	}

	if progress != nil {
		progress("100%", 100)
	}
	return sysexec.Result{Stdout: "100%\n"}, nil
}

func lastArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[len(args)-1]
}
