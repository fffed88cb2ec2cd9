package agent

import (
	"net"
	"testing"

	"fleethub/internal/wire"
)

func TestCollectPingMetricsEmptyWhenNoTargets(t *testing.T) {
	if m := collectPingMetrics(nil); m != nil {
		t.Errorf("expected nil PingMetrics for no configured targets, got %+v", m)
	}
}

func TestCollectPingMetricsDedupesHosts(t *testing.T) {
	targets := []wire.PingTargetConfig{
		{Name: "a", Host: "127.0.0.1", Type: "tcp", Port: ephemeralOpenPort(t)},
		{Name: "b", Host: "127.0.0.1", Type: "tcp", Port: 1}, // duplicate host, should be skipped
	}
	m := collectPingMetrics(targets)
	if m == nil {
		t.Fatal("expected a non-nil result with at least one target")
	}
	if len(m.Targets) != 1 {
		t.Fatalf("expected duplicate host collapsed to 1 target, got %d", len(m.Targets))
	}
}

func TestTestTCPConnectionSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	latency, status := testTCPConnection("127.0.0.1", port)
	if status != "ok" {
		t.Fatalf("expected ok, got %s", status)
	}
	if latency == nil || *latency < 0 {
		t.Errorf("expected a non-negative latency, got %v", latency)
	}
}

func TestTestTCPConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() // nothing listening now; the connection should be refused

	_, status := testTCPConnection("127.0.0.1", port)
	if status != "error" {
		t.Errorf("expected error status for a refused connection, got %s", status)
	}
}

func ephemeralOpenPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}
