package agent

import (
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gopsutilnet "github.com/shirou/gopsutil/v4/net"

	"fleethub/internal/wire"
)

const AgentVersion = "0.1.0"

// Collector samples the local host on demand and tracks ping targets pushed
// down by the hub over the config frame.
type Collector struct {
	mu              sync.RWMutex
	lastRx, lastTx  uint64
	lastSampleTime  time.Time
	pingTargets     []wire.PingTargetConfig
	lastPingResults *wire.PingMetrics
	pingMu          sync.RWMutex
}

func NewCollector() *Collector {
	c := &Collector{lastSampleTime: time.Now()}
	netIO, _ := gopsutilnet.IOCounters(true)
	for _, io := range netIO {
		c.lastRx += io.BytesRecv
		c.lastTx += io.BytesSent
	}
	go c.pingLoop()
	return c
}

// SetPingTargets replaces the configured ping targets; nil clears them.
func (c *Collector) SetPingTargets(targets []wire.PingTargetConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingTargets = targets
}

func (c *Collector) pingLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.RLock()
		targets := c.pingTargets
		c.mu.RUnlock()

		results := collectPingMetrics(targets)
		c.pingMu.Lock()
		c.lastPingResults = results
		c.pingMu.Unlock()
	}
}

// Collect samples CPU, memory, disk, network and load, producing one
// SystemMetrics frame. Network rx/tx speed is clamped to 0 when a counter
// decreases, which happens when an interface resets.
func (c *Collector) Collect() wire.SystemMetrics {
	cpuPercent, _ := cpu.Percent(200*time.Millisecond, true)
	cpuInfo, _ := cpu.Info()

	var brand string
	var freq uint64
	if len(cpuInfo) > 0 {
		brand = cpuInfo[0].ModelName
		freq = uint64(cpuInfo[0].Mhz)
	}
	var totalCPU float32
	perCore := make([]float32, len(cpuPercent))
	for i, p := range cpuPercent {
		perCore[i] = float32(p)
		totalCPU += float32(p)
	}
	if len(cpuPercent) > 0 {
		totalCPU /= float32(len(cpuPercent))
	}

	memInfo, _ := mem.VirtualMemory()
	swapInfo, _ := mem.SwapMemory()

	partitions, _ := disk.Partitions(false)
	var disks []wire.DiskMetrics
	for _, p := range partitions {
		usage, err := disk.Usage(p.Mountpoint)
		if err != nil {
			continue
		}
		disks = append(disks, wire.DiskMetrics{
			Name:         p.Device,
			MountPoints:  []string{p.Mountpoint},
			FsType:       p.Fstype,
			Total:        usage.Total,
			Used:         usage.Used,
			Available:    usage.Free,
			UsagePercent: float32(usage.UsedPercent),
		})
	}

	netIO, _ := gopsutilnet.IOCounters(true)
	var interfaces []wire.NetworkInterface
	var totalRx, totalTx uint64
	for _, io := range netIO {
		if isVirtualInterface(strings.ToLower(io.Name)) {
			continue
		}
		interfaces = append(interfaces, wire.NetworkInterface{
			Name:      io.Name,
			RxBytes:   io.BytesRecv,
			TxBytes:   io.BytesSent,
			RxPackets: io.PacketsRecv,
			TxPackets: io.PacketsSent,
		})
		totalRx += io.BytesRecv
		totalTx += io.BytesSent
	}

	c.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(c.lastSampleTime).Seconds()
	var rxSpeed, txSpeed uint64
	if elapsed > 0.1 {
		if totalRx >= c.lastRx {
			rxSpeed = uint64(float64(totalRx-c.lastRx) / elapsed)
		}
		if totalTx >= c.lastTx {
			txSpeed = uint64(float64(totalTx-c.lastTx) / elapsed)
		}
		c.lastRx = totalRx
		c.lastTx = totalTx
		c.lastSampleTime = now
	}
	c.mu.Unlock()

	loadAvg, _ := load.Avg()
	var la wire.LoadAverage
	if loadAvg != nil {
		la = wire.LoadAverage{One: loadAvg.Load1, Five: loadAvg.Load5, Fifteen: loadAvg.Load15}
	}

	hostInfo, _ := host.Info()
	uptime, _ := host.Uptime()

	c.pingMu.RLock()
	ping := c.lastPingResults
	c.pingMu.RUnlock()

	return wire.SystemMetrics{
		Timestamp: time.Now().UTC(),
		Hostname:  hostInfo.Hostname,
		OS: wire.OsInfo{
			Name:    hostInfo.Platform,
			Version: hostInfo.PlatformVersion,
			Kernel:  hostInfo.KernelVersion,
			Arch:    runtime.GOARCH,
		},
		CPU: wire.CpuMetrics{
			Brand:     brand,
			Cores:     len(cpuPercent),
			Usage:     totalCPU,
			Frequency: freq,
			PerCore:   perCore,
		},
		Memory: wire.MemoryMetrics{
			Total:        memInfo.Total,
			Used:         memInfo.Used,
			Available:    memInfo.Available,
			SwapTotal:    swapInfo.Total,
			SwapUsed:     swapInfo.Used,
			UsagePercent: float32(memInfo.UsedPercent),
		},
		Disks: disks,
		Network: wire.NetworkMetrics{
			Interfaces: interfaces,
			TotalRx:    totalRx,
			TotalTx:    totalTx,
			RxSpeed:    rxSpeed,
			TxSpeed:    txSpeed,
		},
		Uptime:      uptime,
		LoadAverage: la,
		Ping:        ping,
		Version:     AgentVersion,
		IPAddresses: collectIPAddresses(),
	}
}

// collectIPAddresses lists non-loopback IPv4 addresses bound to the host, so
// the hub only falls back to the peer address when the agent reports none.
func collectIPAddresses() []string {
	ifaces, err := gopsutilnet.Interfaces()
	if err != nil {
		return nil
	}
	var ips []string
	for _, iface := range ifaces {
		if isVirtualInterface(strings.ToLower(iface.Name)) {
			continue
		}
		for _, addr := range iface.Addrs {
			ip := addr.Addr
			if idx := strings.Index(ip, "/"); idx >= 0 {
				ip = ip[:idx]
			}
			if ip == "" || strings.HasPrefix(ip, "127.") || strings.Contains(ip, ":") {
				continue
			}
			ips = append(ips, ip)
		}
	}
	return ips
}

func isVirtualInterface(name string) bool {
	return name == "lo" || name == "lo0" ||
		strings.HasPrefix(name, "veth") ||
		strings.HasPrefix(name, "docker") ||
		strings.HasPrefix(name, "br-") ||
		strings.HasPrefix(name, "virbr")
}
