package worker

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/opensandbox/pipagent/internal/metrics"
)

// Load is the worker's advertised load.
type Load struct {
	Capacity int
	Current  int
	CPUPct   float64
	MemPct   float64
}

// Utilization returns Current/Capacity in [0, 1].
func (l Load) Utilization() float64 {
	if l.Capacity <= 0 {
		return 1
	}
	return float64(l.Current) / float64(l.Capacity)
}

// LoadReporter samples the host and the execution server for heartbeats.
type LoadReporter struct {
	exec     *ExecServer
	region   string
	workerID string
	cpu      cpuSampler
}

// NewLoadReporter creates a reporter for execSrv.
func NewLoadReporter(execSrv *ExecServer, region, workerID string) *LoadReporter {
	return &LoadReporter{exec: execSrv, region: region, workerID: workerID}
}

// Sample returns the current load and updates the utilization gauge.
func (r *LoadReporter) Sample() Load {
	l := Load{
		Capacity: r.exec.Capacity(),
		Current:  r.exec.Active(),
	}
	if runtime.GOOS == "linux" {
		l.MemPct = linuxMemoryPercent()
		l.CPUPct = r.cpu.percent()
	}
	metrics.WorkerUtilization.WithLabelValues(r.region, r.workerID).Set(l.Utilization())
	return l
}

func linuxMemoryPercent() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0.0
	}
	defer f.Close()

	var memTotal, memAvailable uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			memTotal = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			memAvailable = parseMeminfoKB(line)
		}
		if memTotal > 0 && memAvailable > 0 {
			break
		}
	}
	if memTotal == 0 {
		return 0.0
	}
	return float64(memTotal-memAvailable) / float64(memTotal) * 100.0
}

// parseMeminfoKB parses "MemTotal:       16384000 kB".
func parseMeminfoKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	val, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return val
}

// cpuSampler reports CPU use since its previous sample. The first sample
// reports the average since boot.
type cpuSampler struct {
	mu        sync.Mutex
	prevTotal uint64
	prevIdle  uint64
}

func (s *cpuSampler) percent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	total, idle := readProcStat()
	if total == 0 {
		return 0.0
	}
	dTotal, dIdle := total-s.prevTotal, idle-s.prevIdle
	s.prevTotal, s.prevIdle = total, idle
	if dTotal == 0 {
		return 0.0
	}
	return float64(dTotal-dIdle) / float64(dTotal) * 100.0
}

// readProcStat reads the aggregate CPU line from /proc/stat and returns total and idle jiffies.
func readProcStat() (total, idle uint64) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0
	}
	// "cpu  user nice system idle iowait irq softirq steal"
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0
	}

	for i := 1; i < len(fields); i++ {
		val, _ := strconv.ParseUint(fields[i], 10, 64)
		total += val
		if i == 4 {
			idle = val
		}
	}
	return total, idle
}
