package hub

import (
	"path/filepath"
	"testing"
	"time"

	"fleethub/internal/wire"
)

// openTestStore opens a Store against a temp-file sqlite database (a real
// file, not :memory:, since the store pins MaxOpenConns(1) and WAL mode).
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleAt(ts time.Time, cpu, mem, disk float32, rx, tx uint64) wire.SystemMetrics {
	return wire.SystemMetrics{
		Timestamp: ts,
		CPU:       wire.CpuMetrics{Usage: cpu},
		Memory:    wire.MemoryMetrics{UsagePercent: mem},
		Disks:     []wire.DiskMetrics{{UsagePercent: disk}},
		Network:   wire.NetworkMetrics{TotalRx: rx, TotalTx: tx},
	}
}

func TestInsertRawUpsertsByPrimaryKey(t *testing.T) {
	s := openTestStore(t)
	ts := time.Now().UTC().Truncate(time.Second)

	if err := s.InsertRaw("srv-1", sampleAt(ts, 12.5, 40, 80, 100, 200)); err != nil {
		t.Fatalf("InsertRaw: %v", err)
	}
	// Re-insert at the same timestamp with different values: upsert, not a
	// second row.
	if err := s.InsertRaw("srv-1", sampleAt(ts, 99, 99, 99, 999, 999)); err != nil {
		t.Fatalf("InsertRaw (update): %v", err)
	}

	points, err := s.QueryRange("srv-1", "1h")
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", len(points))
	}
	if points[0].CPU != 99 {
		t.Errorf("expected upserted cpu=99, got %v", points[0].CPU)
	}
}

func TestInsertRawScalars(t *testing.T) {
	s := openTestStore(t)
	ts := time.Now().UTC()

	m := wire.SystemMetrics{
		Timestamp: ts,
		CPU:       wire.CpuMetrics{Usage: 12.5},
		Memory:    wire.MemoryMetrics{UsagePercent: 40},
		Disks: []wire.DiskMetrics{
			{UsagePercent: 80},
			{UsagePercent: 35}, // disk column takes the max across disks
		},
		Network: wire.NetworkMetrics{TotalRx: 1000, TotalTx: 2000},
	}
	if err := s.InsertRaw("srv-1", m); err != nil {
		t.Fatalf("InsertRaw: %v", err)
	}

	points, err := s.QueryRange("srv-1", "1h")
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 row, got %d", len(points))
	}
	p := points[0]
	if p.CPU != 12.5 || p.Memory != 40 || p.Disk != 80 {
		t.Errorf("unexpected scalars: %+v", p)
	}
	if p.PingMs != nil {
		t.Errorf("expected nil ping_ms when no ping block present, got %v", *p.PingMs)
	}
}

func TestQueryRange24hDecimation(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Add(-24 * time.Hour)
	for i := 0; i < 1440; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		if err := s.InsertRaw("srv-1", sampleAt(ts, float32(i%100), 0, 0, uint64(i), uint64(i))); err != nil {
			t.Fatalf("InsertRaw #%d: %v", i, err)
		}
	}

	points, err := s.QueryRange("srv-1", "24h")
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(points) < 200 || len(points) > 320 {
		t.Errorf("expected roughly one row per 5 minutes (~288), got %d", len(points))
	}
	for i := 1; i < len(points); i++ {
		if points[i].Timestamp <= points[i-1].Timestamp {
			t.Fatalf("rows not strictly ascending at index %d: %s <= %s", i, points[i].Timestamp, points[i-1].Timestamp)
		}
	}
}

func TestAggregateHourlyAveragesAndNetDelta(t *testing.T) {
	s := openTestStore(t)

	hourStart := time.Now().UTC().Truncate(time.Hour).Add(-time.Hour)
	var sum float64
	for i := 0; i < 60; i++ {
		ts := hourStart.Add(time.Duration(i) * time.Minute)
		cpu := float32(i)
		sum += float64(cpu)
		if err := s.InsertRaw("srv-1", sampleAt(ts, cpu, 0, 0, uint64(1000+i), uint64(2000+i))); err != nil {
			t.Fatalf("InsertRaw #%d: %v", i, err)
		}
	}

	if err := s.AggregateHourly(hourStart); err != nil {
		t.Fatalf("AggregateHourly: %v", err)
	}

	rows, err := s.queryHourly("srv-1", hourStart)
	if err != nil {
		t.Fatalf("queryHourly: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 hourly row, got %d", len(rows))
	}
	wantAvg := sum / 60
	if diff := rows[0].CPU - wantAvg; diff > 0.001 || diff < -0.001 {
		t.Errorf("cpu_avg = %v, want %v", rows[0].CPU, wantAvg)
	}
	wantNet := uint64(1059 - 1000)
	if rows[0].NetRx != wantNet {
		t.Errorf("net_rx_total = %d, want %d", rows[0].NetRx, wantNet)
	}
}

func TestAggregateDailySumsHourlyNetDeltas(t *testing.T) {
	s := openTestStore(t)
	day := time.Now().UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour)

	// Two hours of raw rows: counters 1000->1010 in hour 0, 2000->2030 in
	// hour 1. Each hourly delta is max-min; the daily total sums them.
	for i := 0; i < 2; i++ {
		ts := day.Add(time.Duration(i) * time.Minute)
		if err := s.InsertRaw("srv-1", sampleAt(ts, 10, 0, 0, uint64(1000+10*i), uint64(1000+10*i))); err != nil {
			t.Fatalf("InsertRaw hour 0: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		ts := day.Add(time.Hour + time.Duration(i)*time.Minute)
		if err := s.InsertRaw("srv-1", sampleAt(ts, 20, 0, 0, uint64(2000+30*i), uint64(2000+30*i))); err != nil {
			t.Fatalf("InsertRaw hour 1: %v", err)
		}
	}

	if err := s.AggregateHourly(day); err != nil {
		t.Fatalf("AggregateHourly hour 0: %v", err)
	}
	if err := s.AggregateHourly(day.Add(time.Hour)); err != nil {
		t.Fatalf("AggregateHourly hour 1: %v", err)
	}
	if err := s.AggregateDaily(day); err != nil {
		t.Fatalf("AggregateDaily: %v", err)
	}

	rows, err := s.queryDaily("srv-1", day)
	if err != nil {
		t.Fatalf("queryDaily: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 daily row, got %d", len(rows))
	}
	if rows[0].NetRx != 40 {
		t.Errorf("net_rx_total = %d, want 40 (10 + 30 across the two hours)", rows[0].NetRx)
	}
	if rows[0].CPU != 15 {
		t.Errorf("cpu_avg = %v, want 15 (avg of the hourly averages)", rows[0].CPU)
	}
}

func TestAggregateHourlyIdempotent(t *testing.T) {
	s := openTestStore(t)
	hourStart := time.Now().UTC().Truncate(time.Hour).Add(-time.Hour)
	for i := 0; i < 10; i++ {
		ts := hourStart.Add(time.Duration(i) * time.Minute)
		if err := s.InsertRaw("srv-1", sampleAt(ts, float32(i), 0, 0, uint64(i), uint64(i))); err != nil {
			t.Fatalf("InsertRaw: %v", err)
		}
	}

	if err := s.AggregateHourly(hourStart); err != nil {
		t.Fatalf("first AggregateHourly: %v", err)
	}
	first, err := s.queryHourly("srv-1", hourStart)
	if err != nil {
		t.Fatalf("queryHourly: %v", err)
	}

	if err := s.AggregateHourly(hourStart); err != nil {
		t.Fatalf("second AggregateHourly: %v", err)
	}
	second, err := s.queryHourly("srv-1", hourStart)
	if err != nil {
		t.Fatalf("queryHourly: %v", err)
	}

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected exactly one row both times, got %d and %d", len(first), len(second))
	}
	if first[0] != second[0] {
		t.Errorf("re-running aggregate_hourly over the same hour changed the row: %+v != %+v", first[0], second[0])
	}
}

func TestCleanupRetention(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	old := sampleAt(now.Add(-49*time.Hour), 1, 1, 1, 1, 1)
	recent := sampleAt(now.Add(-1*time.Hour), 2, 2, 2, 2, 2)
	if err := s.InsertRaw("srv-1", old); err != nil {
		t.Fatalf("InsertRaw old: %v", err)
	}
	if err := s.InsertRaw("srv-1", recent); err != nil {
		t.Fatalf("InsertRaw recent: %v", err)
	}

	if err := s.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	rows, err := s.queryRaw("srv-1", now.Add(-72*time.Hour), nil)
	if err != nil {
		t.Fatalf("queryRaw: %v", err)
	}
	for _, p := range rows {
		ts, _ := time.Parse(timeLayout, p.Timestamp)
		if ts.Before(now.Add(-rawRetention)) {
			t.Errorf("row %s survived cleanup past the 48h retention window", p.Timestamp)
		}
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly the recent row to survive, got %d rows", len(rows))
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"database is locked", true},
		{"database busy", true},
		{"no such table: metrics_raw", false},
	}
	for _, tc := range cases {
		if got := IsTransient(&testError{tc.msg}); got != tc.want {
			t.Errorf("IsTransient(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
	if IsTransient(nil) {
		t.Error("IsTransient(nil) should be false")
	}
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
