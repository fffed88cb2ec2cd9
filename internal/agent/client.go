package agent

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleethub/internal/wire"
)

const (
	initialReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 60 * time.Second
	authTimeout           = 10 * time.Second
	pingInterval          = 30 * time.Second
)

// Client maintains a durable websocket connection to the hub, reconnecting
// with exponential backoff on any failure.
type Client struct {
	config    *Config
	collector *Collector

	connMu sync.Mutex
	conn   *websocket.Conn
}

func NewClient(config *Config, collector *Collector) *Client {
	return &Client{config: config, collector: collector}
}

// Run blocks forever, reconnecting until the process is killed.
func (c *Client) Run() {
	delay := initialReconnectDelay
	for {
		if err := c.connectAndRun(); err != nil {
			log.Printf("agent: connection lost: %v, retrying in %s", err, delay)
		}
		time.Sleep(delay)
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *Client) connectAndRun() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.config.WSUrl(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	auth := wire.AuthFrame{Type: "auth", ServerID: c.config.ServerID, Token: c.config.AgentToken}
	data, err := json.Marshal(auth)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var resp wire.AuthResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return errAuthRejected(resp.Message)
	}
	conn.SetReadDeadline(time.Time{})
	c.collector.SetPingTargets(resp.PingTargets)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
	}()

	log.Printf("agent: connected as %s", c.config.ServerID)

	done := make(chan error, 1)
	frames := make(chan []byte, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			frames <- raw
		}
	}()

	intervalSecs := c.config.IntervalSecs
	if intervalSecs <= 0 {
		intervalSecs = 5
	}
	metricsTicker := time.NewTicker(time.Duration(intervalSecs) * time.Second)
	defer metricsTicker.Stop()
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-metricsTicker.C:
			m := c.collector.Collect()
			frame := wire.MetricsFrame{Type: "metrics", Metrics: m}
			data, err := json.Marshal(frame)
			if err != nil {
				log.Printf("agent: marshal metrics: %v", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case raw := <-frames:
			c.handleFrame(raw)
		case err := <-done:
			return err
		}
	}
}

func (c *Client) handleFrame(raw []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}
	switch probe.Type {
	case "error":
		var f wire.ErrorFrame
		json.Unmarshal(raw, &f)
		log.Printf("agent: hub error: %s", f.Message)
	case "command":
		var f wire.CommandFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return
		}
		if f.Command == "update" {
			go handleUpdateCommand(f.DownloadURL, f.Force)
		}
	case "config":
		var f wire.ConfigFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return
		}
		c.collector.SetPingTargets(f.PingTargets)
	}
}

type errAuthRejected string

func (e errAuthRejected) Error() string { return "auth rejected: " + string(e) }
