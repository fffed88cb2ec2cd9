package agent

import (
	"encoding/json"
	"fmt"
	"os"
)

const ConfigFilename = "fleethub-agent.json"

// Config is the agent's local configuration file: where to connect, and
// which identity to present.
type Config struct {
	HubHost      string `json:"hub_host"`
	HubPort      int    `json:"hub_port"`
	HubTLS       bool   `json:"hub_tls"`
	ServerID     string `json:"server_id"`
	AgentToken   string `json:"agent_token"`
	IntervalSecs int    `json:"interval_secs"`
}

// WSUrl builds the agent websocket endpoint URL from the configured host.
func (c *Config) WSUrl() string {
	scheme := "ws"
	if c.HubTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws/agent", scheme, c.HubHost, c.HubPort)
}

func configPath() string {
	if p := os.Getenv("FLEETHUB_AGENT_CONFIG_PATH"); p != "" {
		return p
	}
	return ConfigFilename
}

// LoadConfig reads the agent config file, applying sane defaults for any
// field left unset.
func LoadConfig() (*Config, error) {
	path := configPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	if cfg.IntervalSecs <= 0 {
		cfg.IntervalSecs = 5
	}
	if cfg.HubPort == 0 {
		cfg.HubPort = 8080
	}
	return &cfg, nil
}
