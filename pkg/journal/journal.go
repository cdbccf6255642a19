// Package journal is the State Journal of spec §4.4: a crash-safe,
// per-device text record of engine progress, written as a whole-file
// overwrite after every state transition and consulted on startup to
// offer resume.
package journal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/LewisTansley/ntfsconv/pkg/fskind"
	"github.com/LewisTansley/ntfsconv/pkg/types"
)

// dirMode and fileMode keep journal contents readable only by the
// invoking user; the engine always runs privileged (spec §6).
const (
	dirMode  = 0o700
	fileMode = 0o600
)

// Store reads and writes ConversionState records under a single
// directory, one file per device.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("journal: creating %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// DefaultDir returns the per-user hidden directory journals live under
// (spec §6 "Persisted state layout").
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("journal: resolving home directory: %w", err)
	}
	return filepath.Join(home, ".ntfsconv"), nil
}

func (s *Store) pathFor(d types.Device) string {
	base := strings.TrimPrefix(string(d), "/dev/")
	base = strings.ReplaceAll(base, "/", "_")
	return filepath.Join(s.dir, base+".journal")
}

// Exists reports whether a journal record exists for d.
func (s *Store) Exists(d types.Device) bool {
	_, err := os.Stat(s.pathFor(d))
	return err == nil
}

// Save overwrites the journal record for state.Device with its current
// contents. Callers must only call Save after the operation named by
// state.LastOperation has observably completed on disk (spec §4.4's
// persistence invariant) — the Store itself does not enforce that.
func (s *Store) Save(state types.ConversionState) error {
	state.UpdatedAt = time.Now()

	var b strings.Builder
	fmt.Fprintf(&b, "device=%s\n", state.Device)
	fmt.Fprintf(&b, "target_kind=%s\n", state.TargetKind)
	fmt.Fprintf(&b, "source_partition=%s\n", encodePartition(state.SourcePartition))
	fmt.Fprintf(&b, "target_partition=%s\n", encodePartition(state.TargetPartition))
	fmt.Fprintf(&b, "use_existing_target=%t\n", state.UseExistingTarget)
	fmt.Fprintf(&b, "iteration=%d\n", state.Iteration)
	fmt.Fprintf(&b, "last_operation=%s\n", state.LastOperation)
	fmt.Fprintf(&b, "files_migrated_total=%d\n", state.FilesMigratedTotal)

	path := s.pathFor(state.Device)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), fileMode); err != nil {
		return fmt.Errorf("journal: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("journal: committing %s: %w", path, err)
	}
	return nil
}

// Load reads the journal record for d.
func (s *Store) Load(d types.Device) (types.ConversionState, error) {
	f, err := os.Open(s.pathFor(d))
	if err != nil {
		return types.ConversionState{}, fmt.Errorf("journal: reading record for %s: %w", d, err)
	}
	defer f.Close()

	state, err := parseState(f)
	if err != nil {
		return state, err
	}
	if info, serr := f.Stat(); serr == nil {
		state.UpdatedAt = info.ModTime()
	}
	return state, nil
}

func parseState(r *os.File) (types.ConversionState, error) {
	var state types.ConversionState
	fields := map[string]string{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[key] = value
	}
	if err := scanner.Err(); err != nil {
		return state, err
	}

	state.Device = types.Device(fields["device"])
	state.TargetKind = fskind.Kind(fields["target_kind"])
	state.LastOperation = types.Operation(fields["last_operation"])

	var err error
	if state.SourcePartition, err = decodePartition(fields["source_partition"]); err != nil {
		return state, fmt.Errorf("journal: source_partition: %w", err)
	}
	if state.TargetPartition, err = decodePartition(fields["target_partition"]); err != nil {
		return state, fmt.Errorf("journal: target_partition: %w", err)
	}
	state.UseExistingTarget = fields["use_existing_target"] == "true"

	if state.Iteration, err = parseUint32(fields["iteration"]); err != nil {
		return state, fmt.Errorf("journal: iteration: %w", err)
	}
	if state.FilesMigratedTotal, err = parseUint64(fields["files_migrated_total"]); err != nil {
		return state, fmt.Errorf("journal: files_migrated_total: %w", err)
	}

	return state, nil
}

// Clear removes the journal record for d, called once the controller
// reaches types.OpComplete.
func (s *Store) Clear(d types.Device) error {
	err := os.Remove(s.pathFor(d))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("journal: clearing record for %s: %w", d, err)
	}
	return nil
}

// Enumerate lists every device with a persisted journal record, for the
// engine's startup resume offer.
func (s *Store) Enumerate() ([]types.Device, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("journal: listing %s: %w", s.dir, err)
	}

	var devices []types.Device
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".journal") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".journal")
		devices = append(devices, types.Device("/dev/"+base))
	}
	return devices, nil
}

func encodePartition(p types.Partition) string {
	return fmt.Sprintf("%s:%d:%d:%d", p.Device, p.Index, p.StartKB, p.EndKB)
}

func decodePartition(s string) (types.Partition, error) {
	if s == "" {
		return types.Partition{}, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return types.Partition{}, fmt.Errorf("malformed partition encoding %q", s)
	}
	index, err := strconv.Atoi(parts[1])
	if err != nil {
		return types.Partition{}, err
	}
	startKB, err := parseUint64(parts[2])
	if err != nil {
		return types.Partition{}, err
	}
	endKB, err := parseUint64(parts[3])
	if err != nil {
		return types.Partition{}, err
	}
	return types.Partition{Device: types.Device(parts[0]), Index: index, StartKB: startKB, EndKB: endKB}, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

func parseUint64(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
