package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testutilGaugeValue(g prometheus.Gauge) float64 {
	return testutil.ToFloat64(g)
}

func TestCollectorCollectsSnapshot(t *testing.T) {
	snap := Snapshot{Iteration: 2, FilesMigratedTotal: 40, NoProgressCount: 1, SourceUsedKB: 1024}
	c := NewCollector(func() Snapshot { return snap })

	c.collect()

	if got := testutilGaugeValue(IterationCurrent); got != 2 {
		t.Errorf("IterationCurrent = %v, want 2", got)
	}
	if got := testutilGaugeValue(NoProgressCount); got != 1 {
		t.Errorf("NoProgressCount = %v, want 1", got)
	}
	if got := testutilGaugeValue(SourceUsedKB); got != 1024 {
		t.Errorf("SourceUsedKB = %v, want 1024", got)
	}
}

func TestCollectorFilesMigratedIsMonotonic(t *testing.T) {
	c := &Collector{lastFilesMigrated: 0}
	c.provider = func() Snapshot { return Snapshot{FilesMigratedTotal: 10} }
	c.collect()
	c.provider = func() Snapshot { return Snapshot{FilesMigratedTotal: 10} }
	c.collect()

	if c.lastFilesMigrated != 10 {
		t.Errorf("lastFilesMigrated = %d, want 10 (repeated snapshot must not double count)", c.lastFilesMigrated)
	}
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(func() Snapshot { return Snapshot{} })
	c.Start()
	time.Sleep(10 * time.Millisecond)
	c.Stop()
}
