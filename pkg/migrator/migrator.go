// Package migrator is the Verified Migrator of spec §4.3: it mounts
// source and target, performs a recursive copy, waits for durability,
// verifies every file against the target, and deletes from the source
// only the files whose copies passed verification.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/djherbis/times"
	"github.com/google/uuid"

	"github.com/LewisTansley/ntfsconv/pkg/blocklayer"
	"github.com/LewisTansley/ntfsconv/pkg/errs"
	"github.com/LewisTansley/ntfsconv/pkg/events"
	"github.com/LewisTansley/ntfsconv/pkg/log"
	"github.com/LewisTansley/ntfsconv/pkg/metrics"
	"github.com/LewisTansley/ntfsconv/pkg/sysexec"
	"github.com/LewisTansley/ntfsconv/pkg/types"
)

// hashThresholdBytes is the file-size cutoff above which a content hash
// backs up the size comparison in the verification pass (spec §4.3 step
// 5).
const hashThresholdBytes = 100 * 1024

// settlingPollInterval and settlingCap bound the durability barrier's I/O
// settling wait (spec §4.3 step 4).
const (
	settlingPollInterval = time.Second
	settlingCap          = 30 * time.Second
	settlingQuietOpsMax  = 10
)

// acceptance gate thresholds, spec §4.3 step 6.
const (
	maxMissingFraction  = 0.10
	minVerifiedFraction = 0.90
)

// outcome is one file's verification result.
type outcome int

const (
	outcomeVerified outcome = iota
	outcomeMissing
	outcomeFailed
)

// Migrator performs one migrate step against a mounted source/target
// pair. It never sees a prior iteration's state; pkg/engine decides
// when to invoke it again.
type Migrator struct {
	blk    *blocklayer.Adapter
	runner sysexec.Runner
	broker *events.Broker
}

// New returns a Migrator. broker may be nil, in which case progress and
// log events are simply not emitted (used by unit tests).
func New(blk *blocklayer.Adapter, runner sysexec.Runner, broker *events.Broker) *Migrator {
	return &Migrator{blk: blk, runner: runner, broker: broker}
}

// Migrate runs the full §4.3 algorithm against unmounted source and
// target partitions, returning the resulting job and/or an error. Any
// error returned before source pruning begins leaves the source
// untouched, per spec §4.3's failure semantics.
func (m *Migrator) Migrate(ctx context.Context, source, target types.Partition, allowOverride bool) (types.MigrationJob, error) {
	logger := log.WithDevice(string(source.Device))

	sourceHandle, err := m.blk.Mount(ctx, source)
	if err != nil {
		return types.MigrationJob{}, errs.WithStep(types.OpMigrateFiles, err)
	}
	targetHandle, err := m.blk.Mount(ctx, target)
	if err != nil {
		_ = m.blk.Unmount(ctx, sourceHandle)
		return types.MigrationJob{}, errs.WithStep(types.OpMigrateFiles, err)
	}
	defer func() {
		if uerr := m.blk.Unmount(ctx, sourceHandle); uerr != nil {
			logger.Error().Err(uerr).Msg("source mount did not release")
		}
		if uerr := m.blk.Unmount(ctx, targetHandle); uerr != nil {
			logger.Error().Err(uerr).Msg("target mount did not release")
		}
	}()

	job := types.MigrationJob{SourceMount: sourceHandle.Path, TargetMount: targetHandle.Path}

	fileCount, totalBytes, err := countTree(job.SourceMount)
	if err != nil {
		return job, errs.WithStep(types.OpMigrateFiles, fmt.Errorf("enumerating source: %w", err))
	}
	job.FileCount = fileCount
	job.TotalBytes = totalBytes
	m.logf("copying %d files (%s) from source", fileCount, job.SourceMount)

	if err := m.copyTree(ctx, job); err != nil {
		return job, errs.WithStep(types.OpMigrateFiles, err)
	}

	if err := m.durabilityBarrier(ctx, sourceHandle, targetHandle); err != nil {
		return job, errs.WithStep(types.OpMigrateFiles, err)
	}

	verified, missing, failed, total, err := m.verify(job.SourceMount, job.TargetMount, &job.VerifiedManifest)
	if err != nil {
		return job, errs.WithStep(types.OpMigrateFiles, err)
	}

	if err := m.acceptanceGate(verified, missing, failed, total, allowOverride); err != nil {
		return job, errs.WithStep(types.OpMigrateFiles, err)
	}

	manifestPath, merr := m.writeManifest(job.VerifiedManifest)
	if merr != nil {
		logger.Warn().Err(merr).Msg("failed to persist verification manifest to /tmp; pruning from in-memory manifest only")
	} else {
		defer func() { _ = os.Remove(manifestPath) }()
	}

	// Source pruning: errors here are reported but non-fatal — the
	// verified copies already exist durably on the target (spec §4.3
	// "Failure semantics").
	if err := m.pruneSource(job.SourceMount, job.VerifiedManifest); err != nil {
		logger.Error().Err(err).Msg("source pruning reported errors; verified copies remain durable on target")
	}

	_, _ = m.runner.Run(ctx, "sync")

	return job, nil
}

func (m *Migrator) logf(format string, args ...interface{}) {
	if m.broker == nil {
		return
	}
	m.broker.Log(events.LevelInfo, fmt.Sprintf(format, args...))
}

func countTree(root string) (count int, totalBytes uint64, err error) {
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, ierr := d.Info()
			if ierr != nil {
				return ierr
			}
			count++
			totalBytes += uint64(info.Size())
		}
		return nil
	})
	return count, totalBytes, err
}

// copyTree runs the recursive copy tool. rsync's archive mode preserves
// mode/ownership/times, does not follow out-of-tree symlinks (thanks to
// trailing-slash-scoped source/dest and default non-crossing behavior),
// and --sparse keeps holes intact. Exit 24 ("vanished source files") is
// a well-documented partial-transfer condition, not a hard failure.
func (m *Migrator) copyTree(ctx context.Context, job types.MigrationJob) error {
	src := strings.TrimRight(job.SourceMount, "/") + "/"
	dst := strings.TrimRight(job.TargetMount, "/")

	progressFn := func(line string, pct float64) {
		if pct >= 0 {
			m.logf("copy progress: %.0f%%", pct)
		}
	}

	_, err := m.runner.RunStreaming(ctx, progressFn, "rsync",
		"-a", "--sparse", "--info=progress2", src, dst)
	if err == nil {
		return nil
	}

	if exitErr, ok := asExitCode(err); ok && sysexec.IsPartialTransfer(exitErr) {
		m.logf("copy reported vanished source files; continuing (not a hard failure)")
		return nil
	}
	return fmt.Errorf("copy: %w", err)
}

// durabilityBarrier performs a global sync, per-mount syncs, then polls
// I/O activity on the backing devices until it quiesces or the cap
// elapses (spec §4.3 step 4).
func (m *Migrator) durabilityBarrier(ctx context.Context, handles ...*blocklayer.MountHandle) error {
	if _, err := m.runner.Run(ctx, "sync"); err != nil {
		return fmt.Errorf("global sync: %w", err)
	}
	for _, h := range handles {
		if _, err := m.runner.Run(ctx, "sync", "-f", h.Path); err != nil {
			return fmt.Errorf("sync %s: %w", h.Path, err)
		}
	}

	deadline := time.Now().Add(settlingCap)
	var prevOps uint64
	first := true
	for {
		ops, err := m.readIOOpsCompleted(ctx, handles)
		if err == nil {
			if !first && ops-prevOps < settlingQuietOpsMax {
				return nil
			}
			prevOps = ops
			first = false
		}
		if time.Now().After(deadline) {
			return nil // settle is best-effort; the cap itself is the contract
		}
		select {
		case <-time.After(settlingPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readIOOpsCompleted sums the completed I/O operations (reads completed,
// field 1, plus writes completed, field 5, of /sys/block/<dev>/stat)
// across the devices backing handles.
func (m *Migrator) readIOOpsCompleted(ctx context.Context, handles []*blocklayer.MountHandle) (uint64, error) {
	var total uint64
	for _, h := range handles {
		base := filepath.Base(strings.TrimRight(string(h.Partition.Device), "/"))
		res, err := m.runner.Run(ctx, "cat", "/sys/block/"+base+"/stat")
		if err != nil {
			return 0, err
		}
		fields := strings.Fields(res.Stdout)
		if len(fields) < 5 {
			continue
		}
		reads, rerr := strconv.ParseUint(fields[0], 10, 64)
		writes, werr := strconv.ParseUint(fields[4], 10, 64)
		if rerr != nil || werr != nil {
			continue
		}
		total += reads + writes
	}
	return total, nil
}

// verify walks the source tree and classifies each regular file against
// the target, per spec §4.3 step 5, appending verified relative paths to
// manifest in copy order.
func (m *Migrator) verify(sourceRoot, targetRoot string, manifest *[]string) (verified, missing, failed, total int, err error) {
	err = filepath.WalkDir(sourceRoot, func(path string, d os.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, rerr := filepath.Rel(sourceRoot, path)
		if rerr != nil {
			return rerr
		}
		total++

		targetPath := filepath.Join(targetRoot, rel)
		result := m.verifyOne(path, targetPath)
		switch result {
		case outcomeVerified:
			verified++
			*manifest = append(*manifest, rel)
			metrics.VerificationOutcomesTotal.WithLabelValues("verified").Inc()
		case outcomeMissing:
			missing++
			metrics.VerificationOutcomesTotal.WithLabelValues("missing").Inc()
		case outcomeFailed:
			failed++
			metrics.VerificationOutcomesTotal.WithLabelValues("failed").Inc()
		}
		return nil
	})
	return verified, missing, failed, total, err
}

func (m *Migrator) verifyOne(sourcePath, targetPath string) outcome {
	sourceInfo, serr := os.Stat(sourcePath)
	if serr != nil {
		return outcomeFailed
	}
	targetInfo, terr := os.Stat(targetPath)
	if terr != nil {
		return outcomeMissing
	}
	if sourceInfo.Size() != targetInfo.Size() {
		return outcomeFailed
	}

	m.checkTimesPreserved(sourcePath, targetPath)

	if sourceInfo.Size() == 0 {
		return outcomeVerified
	}
	if sourceInfo.Size() <= hashThresholdBytes {
		return outcomeVerified
	}

	sourceSum, err1 := xxhashFile(sourcePath)
	targetSum, err2 := xxhashFile(targetPath)
	if err1 != nil || err2 != nil {
		// hash computation failure degrades to size-only verification,
		// per spec §4.3 step 5.
		return outcomeVerified
	}
	if sourceSum != targetSum {
		return outcomeFailed
	}
	return outcomeVerified
}

func xxhashFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

func (m *Migrator) acceptanceGate(verified, missing, failed, total int, allowOverride bool) error {
	if total == 0 {
		return nil
	}
	if failed > 0 {
		return &errs.VerificationError{Verified: verified, Missing: missing, Failed: failed, Total: total}
	}
	missingFraction := float64(missing) / float64(total)
	if missingFraction > maxMissingFraction {
		return &errs.VerificationError{Verified: verified, Missing: missing, Failed: failed, Total: total}
	}
	verifiedFraction := float64(verified) / float64(total)
	if verifiedFraction < minVerifiedFraction {
		if allowOverride {
			if m.broker != nil {
				resp := m.broker.Prompt(
					fmt.Sprintf("only %.0f%% of files verified; continue anyway?", verifiedFraction*100),
					[]string{"abort", "continue"}, 5*time.Minute)
				if !resp.Cancelled && resp.Index == 1 {
					return nil
				}
			}
		}
		return &errs.VerificationError{Verified: verified, Missing: missing, Failed: failed, Total: total}
	}
	return nil
}

// pruneSource deletes exactly the files named in manifest, then removes
// any directory left empty by those deletions.
func (m *Migrator) pruneSource(sourceRoot string, manifest []string) error {
	var firstErr error
	dirs := make(map[string]bool)

	for _, rel := range manifest {
		full := filepath.Join(sourceRoot, rel)
		if err := os.Remove(full); err != nil && firstErr == nil {
			firstErr = err
		}
		dirs[filepath.Dir(full)] = true
	}

	// Walk directories deepest-first so a parent empties only after its
	// children have had a chance to.
	sorted := make([]string, 0, len(dirs))
	for d := range dirs {
		sorted = append(sorted, d)
	}
	sortByDepthDesc(sorted)
	for _, d := range sorted {
		_ = os.Remove(d) // fails silently (non-empty) — expected for most
	}

	return firstErr
}

func sortByDepthDesc(paths []string) {
	for i := 1; i < len(paths); i++ {
		for j := i; j > 0 && strings.Count(paths[j], string(os.PathSeparator)) > strings.Count(paths[j-1], string(os.PathSeparator)); j-- {
			paths[j], paths[j-1] = paths[j-1], paths[j]
		}
	}
}

func asExitCode(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

// instanceID derives a unique token for temporary artifacts (spec §9
// "Temporary file-system buffer"), used to name the verified-manifest
// scratch file writeManifest keeps under /tmp for the duration of one
// iteration.
func instanceID() string {
	return uuid.NewString()
}

// writeManifest persists manifest to a temporary file under /tmp named
// with a fresh instance id, surviving no longer than the iteration that
// produced it (spec §9 "Temporary file-system buffer", §6 "Persisted
// state layout"). The caller removes the file once pruning completes.
func (m *Migrator) writeManifest(manifest []string) (string, error) {
	path := filepath.Join(os.TempDir(), "ntfsconv-manifest-"+instanceID()+".txt")
	content := strings.Join(manifest, "\n")
	if len(manifest) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("writing verification manifest: %w", err)
	}
	return path, nil
}

// fileTimes reports the access and modification times a copy should
// preserve.
func fileTimes(path string) (atime, mtime time.Time, err error) {
	t, err := times.Stat(path)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return t.AccessTime(), t.ModTime(), nil
}

// checkTimesPreserved warns, without failing verification, if rsync's -a
// flag did not carry a file's modification time across to the target
// (spec §4.3 step 5's verification is size/hash based; this is a
// supplementary, non-gating check since an mtime drift here would point
// at a copy-tool misconfiguration worth a human's attention).
func (m *Migrator) checkTimesPreserved(sourcePath, targetPath string) {
	_, srcMtime, err := fileTimes(sourcePath)
	if err != nil {
		return
	}
	_, dstMtime, err := fileTimes(targetPath)
	if err != nil {
		return
	}
	if srcMtime.Sub(dstMtime).Abs() > time.Second {
		m.logf("verification: %s modification time not preserved by copy (source %s, target %s)", targetPath, srcMtime, dstMtime)
	}
}
