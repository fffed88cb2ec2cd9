// Package wire holds the JSON shapes exchanged over the agent and dashboard
// channels. Both the hub and the agent import this package so encode/decode
// stay in lockstep without copy-pasting struct tags.
package wire

import "time"

// SystemMetrics is one sample pushed by an agent.
type SystemMetrics struct {
	Timestamp   time.Time      `json:"timestamp"`
	Hostname    string         `json:"hostname"`
	OS          OsInfo         `json:"os"`
	CPU         CpuMetrics     `json:"cpu"`
	Memory      MemoryMetrics  `json:"memory"`
	Disks       []DiskMetrics  `json:"disks"`
	Network     NetworkMetrics `json:"network"`
	Uptime      uint64         `json:"uptime"`
	LoadAverage LoadAverage    `json:"load_average"`
	Ping        *PingMetrics   `json:"ping,omitempty"`
	Version     string         `json:"version,omitempty"`
	IPAddresses []string       `json:"ip_addresses,omitempty"`
}

type OsInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Kernel  string `json:"kernel"`
	Arch    string `json:"arch"`
}

type CpuMetrics struct {
	Brand     string    `json:"brand"`
	Cores     int       `json:"cores"`
	Usage     float32   `json:"usage"`
	Frequency uint64    `json:"frequency"`
	PerCore   []float32 `json:"per_core,omitempty"`
}

type MemoryMetrics struct {
	Total        uint64  `json:"total"`
	Used         uint64  `json:"used"`
	Available    uint64  `json:"available"`
	SwapTotal    uint64  `json:"swap_total"`
	SwapUsed     uint64  `json:"swap_used"`
	UsagePercent float32 `json:"usage_percent"`
}

type DiskMetrics struct {
	Name         string   `json:"name"`
	MountPoints  []string `json:"mount_points,omitempty"`
	FsType       string   `json:"fs_type,omitempty"`
	Total        uint64   `json:"total"`
	Used         uint64   `json:"used"`
	Available    uint64   `json:"available"`
	UsagePercent float32  `json:"usage_percent"`
}

type NetworkMetrics struct {
	Interfaces []NetworkInterface `json:"interfaces"`
	TotalRx    uint64             `json:"total_rx"`
	TotalTx    uint64             `json:"total_tx"`
	RxSpeed    uint64             `json:"rx_speed"`
	TxSpeed    uint64             `json:"tx_speed"`
}

type NetworkInterface struct {
	Name      string `json:"name"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
}

type LoadAverage struct {
	One     float64 `json:"one"`
	Five    float64 `json:"five"`
	Fifteen float64 `json:"fifteen"`
}

type PingMetrics struct {
	Targets []PingTarget `json:"targets"`
}

type PingTarget struct {
	Name       string   `json:"name"`
	Host       string   `json:"host"`
	Type       string   `json:"type,omitempty"`
	Port       int      `json:"port,omitempty"`
	LatencyMs  *float64 `json:"latency_ms"`
	PacketLoss float64  `json:"packet_loss"`
	Status     string   `json:"status"`
}

type PingTargetConfig struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Type string `json:"type,omitempty"`
	Port int    `json:"port,omitempty"`
}

// ============================================================================
// Agent <-> hub frames
// ============================================================================

type AuthFrame struct {
	Type     string `json:"type"` // "auth"
	ServerID string `json:"server_id"`
	Token    string `json:"token"`
}

type AuthResponse struct {
	Type        string             `json:"type"` // "auth"
	Status      string             `json:"status"`
	Message     string             `json:"message,omitempty"`
	PingTargets []PingTargetConfig `json:"ping_targets,omitempty"`
}

type MetricsFrame struct {
	Type    string        `json:"type"` // "metrics"
	Metrics SystemMetrics `json:"metrics"`
}

// ErrorFrame is a non-fatal hub-to-agent warning; the agent logs its message.
// A rejected auth is not an ErrorFrame: the hub answers with an AuthResponse
// whose status is "error", then closes the connection.
type ErrorFrame struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// CommandFrame is hub-initiated. Today the only command is "update".
type CommandFrame struct {
	Type        string  `json:"type"` // "command"
	Command     string  `json:"command"`
	DownloadURL *string `json:"download_url"`
	Force       bool    `json:"force,omitempty"`
}

// ConfigFrame pushes runtime configuration (currently ping targets) to an
// already-authenticated agent.
type ConfigFrame struct {
	Type        string             `json:"type"` // "config"
	PingTargets []PingTargetConfig `json:"ping_targets,omitempty"`
}

// ============================================================================
// Dashboard <-> hub frames
// ============================================================================

// ServerSnapshot is one server's entry inside a DashboardMessage.
type ServerSnapshot struct {
	ServerID string         `json:"server_id"`
	Name     string         `json:"server_name"`
	Location string         `json:"location,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Tag      string         `json:"tag,omitempty"`
	Version  string         `json:"version,omitempty"`
	IP       string         `json:"ip,omitempty"`
	Online   bool           `json:"online"`
	Metrics  *SystemMetrics `json:"metrics,omitempty"`
}

// DashboardMessage is the composed snapshot broadcast to every dashboard
// subscriber.
type DashboardMessage struct {
	Type         string           `json:"type"` // "metrics"
	Servers      []ServerSnapshot `json:"servers"`
	SiteSettings any              `json:"site_settings,omitempty"`
}

// HistoryPoint is one row returned by a range query, flattened across the
// raw/hourly/daily tables.
type HistoryPoint struct {
	Timestamp string   `json:"timestamp"`
	CPU       float64  `json:"cpu"`
	Memory    float64  `json:"memory"`
	Disk      float64  `json:"disk"`
	NetRx     uint64   `json:"net_rx"`
	NetTx     uint64   `json:"net_tx"`
	PingMs    *float64 `json:"ping_ms,omitempty"`
}

// UpdateRequest is the admin-facing body for POST /api/servers/:id/update.
type UpdateRequest struct {
	DownloadURL *string `json:"download_url,omitempty"`
	Force       bool    `json:"force,omitempty"`
}

type UpdateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
