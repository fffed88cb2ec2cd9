package agent

import (
	"context"
	"net"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"fleethub/internal/wire"
)

// collectPingMetrics pings every configured target and returns nil if none
// are configured — ping is opt-in, per the hub's probe_settings.
func collectPingMetrics(targets []wire.PingTargetConfig) *wire.PingMetrics {
	if len(targets) == 0 {
		return nil
	}

	var out []wire.PingTarget
	seen := make(map[string]bool)
	for _, t := range targets {
		if t.Host == "" || seen[t.Host] {
			continue
		}
		seen[t.Host] = true

		targetType := t.Type
		if targetType == "" {
			targetType = "icmp"
		}

		var latency *float64
		var packetLoss float64
		var status string
		if targetType == "tcp" {
			port := t.Port
			if port == 0 {
				port = 80
			}
			latency, status = testTCPConnection(t.Host, port)
			if status != "ok" {
				packetLoss = 100.0
			}
		} else {
			latency, packetLoss, status = pingHost(t.Host)
		}

		out = append(out, wire.PingTarget{
			Name:       t.Name,
			Host:       t.Host,
			Type:       targetType,
			Port:       t.Port,
			LatencyMs:  latency,
			PacketLoss: packetLoss,
			Status:     status,
		})
	}
	if len(out) == 0 {
		return nil
	}
	return &wire.PingMetrics{Targets: out}
}

func testTCPConnection(host string, port int) (*float64, string) {
	address := net.JoinHostPort(host, strconv.Itoa(port))
	start := time.Now()
	conn, err := net.DialTimeout("tcp", address, 3*time.Second)
	if err != nil {
		return nil, "error"
	}
	defer conn.Close()
	latency := float64(time.Since(start).Microseconds()) / 1000.0
	return &latency, "ok"
}

var (
	packetLossRegex = regexp.MustCompile(`(\d+(?:\.\d+)?)%\s*(?:packet\s+)?loss`)
	avgRegexUnix    = regexp.MustCompile(`Average\s*[=:]\s*(\d+(?:\.\d+)?)\s*ms`)
	avgRegexWindows = regexp.MustCompile(`Average\s*=\s*(\d+(?:\.\d+)?)\s*ms`)
	msRegex         = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*ms`)
)

func pingHost(host string) (*float64, float64, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.CommandContext(ctx, "ping", "-n", "3", "-w", "2000", host)
	case "darwin":
		cmd = exec.CommandContext(ctx, "ping", "-c", "3", "-W", "2000", host)
	default:
		cmd = exec.CommandContext(ctx, "ping", "-c", "3", "-W", "2", host)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, 100.0, "error"
	}
	outputStr := string(output)

	if strings.Contains(outputStr, "100%") || strings.Contains(outputStr, "timeout") {
		return nil, 100.0, "timeout"
	}

	var packetLoss float64
	if m := packetLossRegex.FindStringSubmatch(outputStr); len(m) > 1 {
		if loss, err := strconv.ParseFloat(m[1], 64); err == nil {
			packetLoss = loss
		}
	}

	var latency *float64
	if runtime.GOOS == "windows" {
		if m := avgRegexWindows.FindStringSubmatch(outputStr); len(m) > 1 {
			if lat, err := strconv.ParseFloat(m[1], 64); err == nil {
				latency = &lat
			}
		}
	} else {
		if m := avgRegexUnix.FindStringSubmatch(outputStr); len(m) > 1 {
			if lat, err := strconv.ParseFloat(m[1], 64); err == nil {
				latency = &lat
			}
		}
	}
	if latency == nil {
		if matches := msRegex.FindAllStringSubmatch(outputStr, -1); len(matches) > 0 {
			if lat, err := strconv.ParseFloat(matches[len(matches)-1][1], 64); err == nil {
				latency = &lat
			}
		}
	}

	status := "ok"
	if packetLoss >= 100.0 {
		status = "timeout"
	} else if latency == nil {
		status = "error"
	}
	return latency, packetLoss, status
}
