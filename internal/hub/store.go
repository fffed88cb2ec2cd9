package hub

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"fleethub/internal/wire"
)

const (
	rawRetention    = 48 * time.Hour
	hourlyRetention = 90 * 24 * time.Hour
	dailyRetention  = 730 * 24 * time.Hour

	storeMaxRetries = 3
	storeRetryDelay = 10 * time.Millisecond
)

const timeLayout = time.RFC3339

// Store is the tiered time-series store. A single mutex around the engine
// handle serializes ingestion, aggregation and cleanup against each other.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("set synchronous: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metrics_raw (
			server_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			cpu REAL NOT NULL,
			memory REAL NOT NULL,
			disk REAL NOT NULL,
			net_rx INTEGER NOT NULL,
			net_tx INTEGER NOT NULL,
			ping_ms REAL,
			PRIMARY KEY (server_id, timestamp)
		)`,
		`CREATE TABLE IF NOT EXISTS metrics_hourly (
			server_id TEXT NOT NULL,
			hour_start TEXT NOT NULL,
			cpu_avg REAL NOT NULL,
			memory_avg REAL NOT NULL,
			disk_avg REAL NOT NULL,
			net_rx_total INTEGER NOT NULL,
			net_tx_total INTEGER NOT NULL,
			ping_avg REAL,
			PRIMARY KEY (server_id, hour_start)
		)`,
		`CREATE TABLE IF NOT EXISTS metrics_daily (
			server_id TEXT NOT NULL,
			date TEXT NOT NULL,
			cpu_avg REAL NOT NULL,
			memory_avg REAL NOT NULL,
			disk_avg REAL NOT NULL,
			net_rx_total INTEGER NOT NULL,
			net_tx_total INTEGER NOT NULL,
			ping_avg REAL,
			PRIMARY KEY (server_id, date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_server_ts ON metrics_raw(server_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_hourly_server ON metrics_hourly(server_id, hour_start)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_server ON metrics_daily(server_id, date)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// scalarsFromSample derives the row's scalar columns from a full sample:
// disk usage is the max across disks; ping_ms is the average of configured
// targets' latencies, when any succeeded.
func scalarsFromSample(m wire.SystemMetrics) (diskUsage float64, pingMs *float64) {
	for _, d := range m.Disks {
		if float64(d.UsagePercent) > diskUsage {
			diskUsage = float64(d.UsagePercent)
		}
	}
	if m.Ping != nil {
		var sum float64
		var n int
		for _, t := range m.Ping.Targets {
			if t.LatencyMs != nil {
				sum += *t.LatencyMs
				n++
			}
		}
		if n > 0 {
			avg := sum / float64(n)
			pingMs = &avg
		}
	}
	return diskUsage, pingMs
}

// IsTransient reports whether err is worth retrying. modernc.org/sqlite
// surfaces lock contention as a plain error string, so string matching is
// the only signal available.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

// InsertRaw upserts one sample's derived row by primary key
// (server_id, timestamp). Transient engine errors are retried up to 3 times
// with a 10ms backoff before giving up.
func (s *Store) InsertRaw(serverID string, m wire.SystemMetrics) error {
	diskUsage, pingMs := scalarsFromSample(m)
	ts := m.Timestamp.UTC().Format(timeLayout)

	var lastErr error
	for attempt := 0; attempt <= storeMaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(storeRetryDelay)
		}
		s.mu.Lock()
		_, err := s.db.Exec(`
			INSERT INTO metrics_raw (server_id, timestamp, cpu, memory, disk, net_rx, net_tx, ping_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (server_id, timestamp) DO UPDATE SET
				cpu=excluded.cpu, memory=excluded.memory, disk=excluded.disk,
				net_rx=excluded.net_rx, net_tx=excluded.net_tx, ping_ms=excluded.ping_ms
		`, serverID, ts, float64(m.CPU.Usage), float64(m.Memory.UsagePercent), diskUsage,
			int64(m.Network.TotalRx), int64(m.Network.TotalTx), pingMs)
		s.mu.Unlock()

		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return fmt.Errorf("store unavailable: %w", err)
		}
	}
	return fmt.Errorf("store unavailable after retries: %w", lastErr)
}

// QueryRange resolves a named range against the tier that covers it. Rows
// are returned in ascending time order.
func (s *Store) QueryRange(serverID, rng string) ([]wire.HistoryPoint, error) {
	switch rng {
	case "1h":
		return s.queryRaw(serverID, time.Now().Add(-1*time.Hour), nil)
	case "24h":
		// Decimated by keeping only the first minute of every 5-minute
		// bucket; at one sample per minute that is ~288 rows for the day.
		return s.queryRaw(serverID, time.Now().Add(-24*time.Hour), decimate5Min)
	case "7d":
		return s.queryHourly(serverID, time.Now().Add(-7*24*time.Hour))
	case "30d":
		return s.queryDaily(serverID, time.Now().Add(-30*24*time.Hour))
	default: // "1y" and anything else
		return s.queryDaily(serverID, time.Now().Add(-365*24*time.Hour))
	}
}

// decimate5Min keeps rows whose second-of-epoch mod 300 is < 60: the first
// minute's worth of samples out of every 5-minute bucket.
func decimate5Min(ts time.Time) bool {
	return ts.Unix()%300 < 60
}

func (s *Store) queryRaw(serverID string, since time.Time, keep func(time.Time) bool) ([]wire.HistoryPoint, error) {
	s.mu.Lock()
	rows, err := s.db.Query(`
		SELECT timestamp, cpu, memory, disk, net_rx, net_tx, ping_ms
		FROM metrics_raw WHERE server_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC
	`, serverID, since.UTC().Format(timeLayout))
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("query raw: %w", err)
	}
	defer rows.Close()

	var out []wire.HistoryPoint
	for rows.Next() {
		var p wire.HistoryPoint
		var tsStr string
		var netRx, netTx int64
		if err := rows.Scan(&tsStr, &p.CPU, &p.Memory, &p.Disk, &netRx, &netTx, &p.PingMs); err != nil {
			return nil, fmt.Errorf("scan raw row: %w", err)
		}
		if keep != nil {
			ts, err := time.Parse(timeLayout, tsStr)
			if err == nil && !keep(ts) {
				continue
			}
		}
		p.Timestamp = tsStr
		p.NetRx = uint64(netRx)
		p.NetTx = uint64(netTx)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) queryHourly(serverID string, since time.Time) ([]wire.HistoryPoint, error) {
	s.mu.Lock()
	rows, err := s.db.Query(`
		SELECT hour_start, cpu_avg, memory_avg, disk_avg, net_rx_total, net_tx_total, ping_avg
		FROM metrics_hourly WHERE server_id = ? AND hour_start >= ?
		ORDER BY hour_start ASC
	`, serverID, since.UTC().Format(timeLayout))
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("query hourly: %w", err)
	}
	defer rows.Close()
	return scanRollupRows(rows)
}

func (s *Store) queryDaily(serverID string, since time.Time) ([]wire.HistoryPoint, error) {
	s.mu.Lock()
	rows, err := s.db.Query(`
		SELECT date, cpu_avg, memory_avg, disk_avg, net_rx_total, net_tx_total, ping_avg
		FROM metrics_daily WHERE server_id = ? AND date >= ?
		ORDER BY date ASC
	`, serverID, since.UTC().Format("2006-01-02"))
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("query daily: %w", err)
	}
	defer rows.Close()
	return scanRollupRows(rows)
}

func scanRollupRows(rows *sql.Rows) ([]wire.HistoryPoint, error) {
	var out []wire.HistoryPoint
	for rows.Next() {
		var p wire.HistoryPoint
		var netRx, netTx int64
		if err := rows.Scan(&p.Timestamp, &p.CPU, &p.Memory, &p.Disk, &netRx, &netTx, &p.PingMs); err != nil {
			return nil, fmt.Errorf("scan rollup row: %w", err)
		}
		p.NetRx = uint64(netRx)
		p.NetTx = uint64(netTx)
		out = append(out, p)
	}
	return out, rows.Err()
}

// AggregateHourly runs at each wall-clock hour boundary: for every server
// with new raw rows in the hour that just completed, compute averages and
// net deltas and upsert into metrics_hourly. Idempotent: re-running over the
// same hour replaces the row with identical values.
func (s *Store) AggregateHourly(hourStart time.Time) error {
	hourStart = hourStart.UTC().Truncate(time.Hour)
	hourEnd := hourStart.Add(time.Hour)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO metrics_hourly (server_id, hour_start, cpu_avg, memory_avg, disk_avg, net_rx_total, net_tx_total, ping_avg)
		SELECT server_id, ?, AVG(cpu), AVG(memory), AVG(disk),
		       MAX(net_rx) - MIN(net_rx), MAX(net_tx) - MIN(net_tx), AVG(ping_ms)
		FROM metrics_raw WHERE timestamp >= ? AND timestamp < ?
		GROUP BY server_id
		ON CONFLICT (server_id, hour_start) DO UPDATE SET
		  cpu_avg=excluded.cpu_avg, memory_avg=excluded.memory_avg, disk_avg=excluded.disk_avg,
		  net_rx_total=excluded.net_rx_total, net_tx_total=excluded.net_tx_total, ping_avg=excluded.ping_avg
	`, hourStart.Format(timeLayout), hourStart.Format(timeLayout), hourEnd.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("aggregate hourly: %w", err)
	}
	return nil
}

// AggregateDaily runs once per day against the prior day's hourly rows
// (falling back to raw rows if no hourly rows exist yet for the day).
func (s *Store) AggregateDaily(day time.Time) error {
	day = day.UTC().Truncate(24 * time.Hour)
	dayEnd := day.Add(24 * time.Hour)
	dateKey := day.Format("2006-01-02")

	s.mu.Lock()
	_, err := s.db.Exec(`
		INSERT INTO metrics_daily (server_id, date, cpu_avg, memory_avg, disk_avg, net_rx_total, net_tx_total, ping_avg)
		SELECT server_id, ?, AVG(cpu_avg), AVG(memory_avg), AVG(disk_avg),
		       SUM(net_rx_total), SUM(net_tx_total), AVG(ping_avg)
		FROM metrics_hourly WHERE hour_start >= ? AND hour_start < ?
		GROUP BY server_id
		ON CONFLICT (server_id, date) DO UPDATE SET
		  cpu_avg=excluded.cpu_avg, memory_avg=excluded.memory_avg, disk_avg=excluded.disk_avg,
		  net_rx_total=excluded.net_rx_total, net_tx_total=excluded.net_tx_total, ping_avg=excluded.ping_avg
	`, dateKey, day.Format(timeLayout), dayEnd.Format(timeLayout))
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("aggregate daily: %w", err)
	}

	// Fall back to raw rows for any server with no hourly coverage for the day.
	s.mu.Lock()
	_, err = s.db.Exec(`
		INSERT INTO metrics_daily (server_id, date, cpu_avg, memory_avg, disk_avg, net_rx_total, net_tx_total, ping_avg)
		SELECT server_id, ?, AVG(cpu), AVG(memory), AVG(disk),
		       MAX(net_rx) - MIN(net_rx), MAX(net_tx) - MIN(net_tx), AVG(ping_ms)
		FROM metrics_raw
		WHERE timestamp >= ? AND timestamp < ?
		  AND server_id NOT IN (SELECT server_id FROM metrics_daily WHERE date = ?)
		GROUP BY server_id
	`, dateKey, day.Format(timeLayout), dayEnd.Format(timeLayout), dateKey)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("aggregate daily fallback: %w", err)
	}
	return nil
}

// Cleanup deletes rows past their retention window: raw after 48h, hourly
// after 90d, daily after 730d.
func (s *Store) Cleanup() error {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM metrics_raw WHERE timestamp < ?`,
		now.Add(-rawRetention).Format(timeLayout)); err != nil {
		return fmt.Errorf("cleanup raw: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM metrics_hourly WHERE hour_start < ?`,
		now.Add(-hourlyRetention).Format(timeLayout)); err != nil {
		return fmt.Errorf("cleanup hourly: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM metrics_daily WHERE date < ?`,
		now.Add(-dailyRetention).Format("2006-01-02")); err != nil {
		return fmt.Errorf("cleanup daily: %w", err)
	}
	return nil
}

// RunAggregationLoop drives the hourly/daily aggregation and retention jobs
// on their wall-clock cadence. Aggregation and cleanup run under the store's
// own mutex so only one instance proceeds at a time across the process; a
// failing run logs and re-schedules itself rather than panicking.
func (s *Store) RunAggregationLoop(stop <-chan struct{}) {
	hourly := time.NewTicker(time.Minute)
	defer hourly.Stop()
	cleanupTicker := time.NewTicker(time.Hour)
	defer cleanupTicker.Stop()

	lastHour := time.Now().UTC().Truncate(time.Hour)
	lastDay := time.Now().UTC().Truncate(24 * time.Hour)

	for {
		select {
		case <-stop:
			return
		case now := <-hourly.C:
			now = now.UTC()
			curHour := now.Truncate(time.Hour)
			if curHour.After(lastHour) {
				prev := curHour.Add(-time.Hour)
				if err := s.AggregateHourly(prev); err != nil {
					log.Printf("[store] hourly aggregation failed for %s: %v", prev, err)
				} else {
					lastHour = curHour
				}
			}
			curDay := now.Truncate(24 * time.Hour)
			if curDay.After(lastDay) {
				prevDay := curDay.Add(-24 * time.Hour)
				if err := s.AggregateDaily(prevDay); err != nil {
					log.Printf("[store] daily aggregation failed for %s: %v", prevDay, err)
				} else {
					lastDay = curDay
				}
			}
		case <-cleanupTicker.C:
			if err := s.Cleanup(); err != nil {
				log.Printf("[store] cleanup failed: %v", err)
			}
		}
	}
}
