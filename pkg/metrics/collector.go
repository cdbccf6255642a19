package metrics

import "time"

// Snapshot is the subset of engine state the collector polls. The engine
// package implements a provider of this shape so that pkg/metrics never has
// to import pkg/engine (avoiding an import cycle, mirroring how the
// teacher's collector depended only on read-only accessors of its manager).
type Snapshot struct {
	Iteration          uint32
	FilesMigratedTotal uint64
	NoProgressCount    int
	SourceUsedKB       uint64
}

// Provider supplies the latest Snapshot.
type Provider func() Snapshot

// Collector periodically copies engine state into the registered
// Prometheus collectors.
type Collector struct {
	provider Provider
	stopCh   chan struct{}

	lastFilesMigrated uint64
}

// NewCollector creates a new metrics collector polling the given provider.
func NewCollector(provider Provider) *Collector {
	return &Collector{
		provider: provider,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics on a 1s ticker, fine-grained enough to
// track a single iteration's progress without flooding the registry.
func (c *Collector) Start() {
	ticker := time.NewTicker(1 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	snap := c.provider()

	IterationCurrent.Set(float64(snap.Iteration))
	NoProgressCount.Set(float64(snap.NoProgressCount))
	SourceUsedKB.Set(float64(snap.SourceUsedKB))

	if snap.FilesMigratedTotal > c.lastFilesMigrated {
		FilesMigratedTotal.Add(float64(snap.FilesMigratedTotal - c.lastFilesMigrated))
		c.lastFilesMigrated = snap.FilesMigratedTotal
	}
}
