package hub

import (
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"fleethub/internal/wire"
)

// fakeConn is a minimal AgentConn double: inbound frames are fed through in,
// and every WriteMessage call is captured to out.
type fakeConn struct {
	in  chan []byte
	out chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 8), out: make(chan []byte, 8)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.in
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case c.out <- data:
	default:
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *fakeConn) SetPongHandler(h func(string) error) {}
func (c *fakeConn) RemoteAddr() net.Addr                { return &net.TCPAddr{IP: net.ParseIP("203.0.113.5")} }
func (c *fakeConn) Close() error                        { return nil }

func testHarness(t *testing.T) (*Session, *fakeConn, *Store, *Registry, *Composer) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("FLEETHUB_CONFIG_PATH", filepath.Join(dir, "config.json"))
	creds, _, err := LoadCredentialStore()
	if err != nil {
		t.Fatalf("LoadCredentialStore: %v", err)
	}
	creds.Insert(RemoteServer{ID: "srv-1", AgentToken: "t"})

	store, err := OpenStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := NewRegistry()
	fanout := NewFanout()
	composer := NewComposer(creds, registry, fanout)

	conn := newFakeConn()
	session := NewSession(conn, creds, registry, store, composer)
	return session, conn, store, registry, composer
}

func TestSessionBadTokenRejected(t *testing.T) {
	session, conn, _, registry, _ := testHarness(t)

	auth, _ := json.Marshal(wire.AuthFrame{Type: "auth", ServerID: "srv-1", Token: "wrong"})
	conn.in <- auth
	close(conn.in)

	done := make(chan struct{})
	go func() { session.Run(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not terminate after a bad token")
	}

	select {
	case data := <-conn.out:
		var resp wire.AuthResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatalf("unmarshal rejection frame: %v", err)
		}
		if resp.Status != "error" {
			t.Errorf("expected status=error, got %q", resp.Status)
		}
		if resp.Message == "" {
			t.Error("expected a non-empty rejection message")
		}
	default:
		t.Fatal("expected a rejection frame written before close")
	}

	if _, ok := registry.LookupSink("srv-1"); ok {
		t.Error("expected no registry entry created for a rejected auth")
	}
}

func TestSessionHappyPathIngestsAndBroadcasts(t *testing.T) {
	session, conn, store, registry, composer := testHarness(t)
	ch := composer.fanout.Subscribe()

	auth, _ := json.Marshal(wire.AuthFrame{Type: "auth", ServerID: "srv-1", Token: "t"})
	conn.in <- auth

	done := make(chan struct{})
	go func() { session.Run(); close(done) }()

	select {
	case data := <-conn.out:
		var resp wire.AuthResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.Status != "ok" {
			t.Fatalf("expected auth ok, got %s (err=%v)", data, err)
		}
	case <-time.After(time.Second):
		t.Fatal("no auth response received")
	}

	m := wire.SystemMetrics{
		Timestamp: time.Now().UTC(),
		CPU:       wire.CpuMetrics{Usage: 12.5},
		Memory:    wire.MemoryMetrics{UsagePercent: 40},
		Disks:     []wire.DiskMetrics{{UsagePercent: 80}},
	}
	metricsFrame, _ := json.Marshal(wire.MetricsFrame{Type: "metrics", Metrics: m})
	conn.in <- metricsFrame

	// Wait for the broadcast the composer emits on ingest.
	select {
	case data := <-ch:
		var msg wire.DashboardMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal dashboard message: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast snapshot after ingest")
	}

	deadline := time.Now().Add(time.Second)
	for {
		points, err := store.QueryRange("srv-1", "1h")
		if err != nil {
			t.Fatalf("QueryRange: %v", err)
		}
		if len(points) == 1 && points[0].CPU == 12.5 && points[0].Disk == 80 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected exactly one persisted row with cpu=12.5,disk=80, got %+v", points)
		}
		time.Sleep(5 * time.Millisecond)
	}

	entries := registry.Snapshot()
	if len(entries) != 1 || !entries[0].HasSample {
		t.Fatalf("expected the registry upserted with a sample, got %+v", entries)
	}

	close(conn.in)
	<-done
}

func TestSessionMetricsBeforeAuthDiscarded(t *testing.T) {
	session, conn, store, registry, _ := testHarness(t)

	m := wire.SystemMetrics{Timestamp: time.Now().UTC(), CPU: wire.CpuMetrics{Usage: 99}}
	metricsFrame, _ := json.Marshal(wire.MetricsFrame{Type: "metrics", Metrics: m})
	conn.in <- metricsFrame // sent as the FIRST frame, in place of an auth frame
	close(conn.in)

	done := make(chan struct{})
	go func() { session.Run(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not terminate")
	}

	points, err := store.QueryRange("srv-1", "1h")
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(points) != 0 {
		t.Fatalf("expected no persisted rows for an unauthenticated metrics frame, got %d", len(points))
	}
	if _, ok := registry.LookupSink("srv-1"); ok {
		t.Error("expected no registry entry for an unauthenticated connection")
	}
}
