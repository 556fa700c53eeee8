package agent

import (
	"bufio"
	"os"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// Collector gathers the metrics reported on every heartbeat. Readings come
// from /proc and the auth log; anything unreadable degrades to zero rather
// than failing the heartbeat.
type Collector struct {
	mu           sync.Mutex
	authLogPath  string
	authLogPos   int64
	lastCPUTotal uint64
	lastCPUIdle  uint64
}

// NewCollector creates a metrics collector.
func NewCollector() *Collector {
	return &Collector{authLogPath: "/var/log/auth.log"}
}

// Collect gathers one metrics snapshot.
func (c *Collector) Collect() models.HeartbeatMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := models.HeartbeatMetrics{
		CPUPercent:    c.cpuPercent(),
		MemoryPercent: memoryPercent(),
		DiskPercent:   diskPercent("/"),
		UptimeSeconds: uptimeSeconds(),
	}
	m.TotalConnections, m.TimeWaitConnections = connectionCounts()
	m.SSHFailures = c.sshFailures()
	return m
}

// cpuPercent derives utilization from successive /proc/stat readings.
func (c *Collector) cpuPercent() float64 {
	line, err := firstLine("/proc/stat")
	if err != nil || !strings.HasPrefix(line, "cpu ") {
		return 0
	}
	fields := strings.Fields(line)[1:]
	var total, idle uint64
	for i, f := range fields {
		v := parseUint(f)
		total += v
		if i == 3 { // idle column
			idle = v
		}
	}

	defer func() {
		c.lastCPUTotal = total
		c.lastCPUIdle = idle
	}()

	if c.lastCPUTotal == 0 || total <= c.lastCPUTotal {
		return 0
	}
	dTotal := total - c.lastCPUTotal
	dIdle := idle - c.lastCPUIdle
	return 100 * float64(dTotal-dIdle) / float64(dTotal)
}

func memoryPercent() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()

	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = parseUint(fields[1])
		case "MemAvailable:":
			available = parseUint(fields[1])
		}
	}
	if total == 0 {
		return 0
	}
	return 100 * float64(total-available) / float64(total)
}

func diskPercent(path string) float64 {
	if runtime.GOOS != "linux" {
		return 0
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil || st.Blocks == 0 {
		return 0
	}
	used := st.Blocks - st.Bfree
	return 100 * float64(used) / float64(st.Blocks)
}

func uptimeSeconds() int64 {
	line, err := firstLine("/proc/uptime")
	if err != nil {
		return 0
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0
	}
	secs, _, _ := strings.Cut(fields[0], ".")
	return int64(parseUint(secs))
}

// connectionCounts scans /proc/net/tcp for the total and TIME_WAIT counts.
// A TIME_WAIT spike reads as scan or attack residue to the trust engine.
func connectionCounts() (total, timeWait int) {
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		first := true
		for scanner.Scan() {
			if first {
				first = false
				continue
			}
			fields := strings.Fields(scanner.Text())
			if len(fields) < 4 {
				continue
			}
			total++
			if fields[3] == "06" { // TIME_WAIT
				timeWait++
			}
		}
		_ = f.Close()
	}
	return total, timeWait
}

// sshFailures counts new failed-password lines in the auth log since the
// previous collection.
func (c *Collector) sshFailures() int {
	f, err := os.Open(c.authLogPath)
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0
	}
	// Log rotation resets the cursor.
	if info.Size() < c.authLogPos {
		c.authLogPos = 0
	}
	if _, err := f.Seek(c.authLogPos, 0); err != nil {
		return 0
	}

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "Failed password") || strings.Contains(line, "authentication failure") {
			count++
		}
	}
	c.authLogPos = info.Size()
	return count
}

func firstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	return "", scanner.Err()
}

func parseUint(s string) uint64 {
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return v
		}
		v = v*10 + uint64(c-'0')
	}
	return v
}

// HostInfo describes the local OS for registration.
func HostInfo() string {
	out := runtime.GOOS + "/" + runtime.GOARCH
	if release, err := os.ReadFile("/etc/os-release"); err == nil {
		for _, line := range strings.Split(string(release), "\n") {
			if name, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
				return strings.Trim(name, `"`) + " (" + out + ")"
			}
		}
	}
	return out
}
