package hub

import (
	"encoding/json"
	"log"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"fleethub/internal/wire"
)

const (
	authTimeout    = 10 * time.Second
	pingCadence    = 30 * time.Second
	pongGrace      = maxMissedPongs*pingCadence + 10*time.Second
	maxMissedPongs = 2
)

// AgentConn is the minimal surface session.go needs from a *websocket.Conn,
// so tests can exercise the state machine against a fake.
type AgentConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	RemoteAddr() net.Addr
	Close() error
}

// Session is the per-connection state machine for one agent. It multiplexes
// three event sources with cancellation on any error: the inbound frame
// reader, the command inbox, and the liveness timer.
type Session struct {
	conn     AgentConn
	creds    *CredentialStore
	registry *Registry
	store    *Store
	composer *Composer

	serverID  string
	sessionID uint64
}

func NewSession(conn AgentConn, creds *CredentialStore, registry *Registry, store *Store, composer *Composer) *Session {
	return &Session{conn: conn, creds: creds, registry: registry, store: store, composer: composer}
}

// Run drives the session to completion: authenticate, then ingest until
// disconnect, then cleanup. It never returns an error to the caller; every
// failure is terminal for this session only and must not reach the composer,
// the fan-out, or other sessions.
func (s *Session) Run() {
	if !s.authenticate() {
		s.conn.Close()
		return
	}
	defer s.cleanup()

	sink, sid := s.registry.Authenticate(s.serverID)
	s.sessionID = sid

	missedPongs := 0
	s.conn.SetPongHandler(func(string) error {
		missedPongs = 0
		s.conn.SetReadDeadline(time.Now().Add(pongGrace))
		return nil
	})
	s.conn.SetReadDeadline(time.Now().Add(pongGrace))

	frames := make(chan []byte, 1)
	readErrs := make(chan error, 1)
	go func() {
		for {
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				readErrs <- err
				return
			}
			frames <- data
		}
	}()

	pingTicker := time.NewTicker(pingCadence)
	defer pingTicker.Stop()

	for {
		select {
		case data := <-frames:
			s.handleFrame(data)

		case cmd, ok := <-sink:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, cmd); err != nil {
				return
			}

		case <-pingTicker.C:
			missedPongs++
			if missedPongs > maxMissedPongs {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-readErrs:
			return
		}
	}
}

// authenticate implements the CONNECTED state: wait up to authTimeout for a
// valid auth frame.
func (s *Session) authenticate() bool {
	s.conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return false // deadline hit or peer gone: close without a frame
	}

	var frame wire.AuthFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "auth" {
		s.sendError("malformed auth frame")
		return false
	}

	if !s.creds.Verify(frame.ServerID, frame.Token) {
		s.sendError("invalid credentials")
		return false
	}

	s.serverID = frame.ServerID
	resp := wire.AuthResponse{Type: "auth", Status: "ok", PingTargets: s.creds.ProbeTargets()}
	data, _ = json.Marshal(resp)
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	s.conn.SetReadDeadline(time.Time{})
	return true
}

func (s *Session) sendError(message string) {
	data, _ := json.Marshal(wire.AuthResponse{Type: "auth", Status: "error", Message: message})
	s.conn.WriteMessage(websocket.TextMessage, data)
}

// handleFrame implements the AUTHENTICATED state's per-frame transitions.
func (s *Session) handleFrame(data []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		log.Printf("[session %s] malformed frame: %v", s.serverID, err)
		return
	}

	switch probe.Type {
	case "metrics":
		s.handleMetrics(data)
	default:
		// unknown frame types are reserved for future agents; ignore
	}
}

func (s *Session) handleMetrics(data []byte) {
	var frame wire.MetricsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Printf("[session %s] malformed metrics frame: %v", s.serverID, err)
		return
	}

	// 1. Persist. A failure is logged; the in-memory path is never blocked
	// by storage, so the server stays online even when the store is down.
	if err := s.store.InsertRaw(s.serverID, frame.Metrics); err != nil {
		log.Printf("[session %s] store insert failed: %v", s.serverID, err)
	}

	// 2. Effective IP: metrics.ip_addresses[0] if present, else peer IP.
	effectiveIP := s.peerIP()
	if len(frame.Metrics.IPAddresses) > 0 {
		effectiveIP = frame.Metrics.IPAddresses[0]
	}

	// 3. Patch the server record if version or IP drifted.
	if sv, ok := s.creds.FindByID(s.serverID); ok {
		var patch UpdatePatch
		changed := false
		if frame.Metrics.Version != "" && frame.Metrics.Version != sv.Version {
			v := frame.Metrics.Version
			patch.Version = &v
			changed = true
		}
		if effectiveIP != "" && effectiveIP != sv.IP {
			ip := effectiveIP
			patch.IP = &ip
			changed = true
		}
		if changed {
			s.creds.Update(s.serverID, patch)
		}
	}

	// 4. Upsert registry.
	s.registry.Upsert(s.serverID, frame.Metrics, time.Now())

	// 5. Trigger composer -> fanout.
	s.composer.Emit()
}

func (s *Session) peerIP() string {
	addr := s.conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// cleanup implements CLEANUP: remove from registry (identity-checked so a
// superseded session can't clobber a newer one) and emit a disconnect
// snapshot.
func (s *Session) cleanup() {
	if s.serverID == "" {
		return
	}
	s.registry.Remove(s.serverID, s.sessionID)
	s.composer.Emit()
	s.conn.Close()
}
