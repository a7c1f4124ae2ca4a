package api

import (
	"bufio"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"trading-radar/internal/hub"
)

// SystemMetrics holds process resource usage and pipeline figures.
type SystemMetrics struct {
	CPULoad1    float64    `json:"cpu_load_1"`
	CPULoad5    float64    `json:"cpu_load_5"`
	CPULoad15   float64    `json:"cpu_load_15"`
	CPUCores    int        `json:"cpu_cores"`
	HeapAllocMB float64    `json:"heap_alloc_mb"`
	SysMB       float64    `json:"sys_mb"`
	GCRuns      uint32     `json:"gc_runs"`
	Goroutines  int        `json:"goroutines"`
	UptimeSec   int64      `json:"uptime_sec"`
	Tickers     int        `json:"tickers"`
	Hub         *hub.Stats `json:"hub,omitempty"`
	TS          string     `json:"ts"`
}

// GET /api/v1/system
func (h *handlers) system(c *gin.Context) {
	now := h.Now()
	m := SystemMetrics{
		CPUCores:   runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		UptimeSec:  int64(now.Sub(h.started).Seconds()),
		TS:         now.UTC().Format(time.RFC3339Nano),
	}
	m.CPULoad1, m.CPULoad5, m.CPULoad15 = loadAvg()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.HeapAllocMB = float64(ms.HeapAlloc) / 1024 / 1024
	m.SysMB = float64(ms.Sys) / 1024 / 1024
	m.GCRuns = ms.NumGC

	if h.Tickers != nil {
		m.Tickers = h.Tickers.Len()
	}
	if h.Hub != nil {
		st := h.Hub.Stats()
		m.Hub = &st
	}
	c.JSON(http.StatusOK, m)
}

// loadAvg reads /proc/loadavg; zeros where unavailable.
func loadAvg() (l1, l5, l15 float64) {
	f, err := os.Open("/proc/loadavg")
	if err != nil {
		return 0, 0, 0
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, 0
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 3 {
		return 0, 0, 0
	}
	l1, _ = strconv.ParseFloat(fields[0], 64)
	l5, _ = strconv.ParseFloat(fields[1], 64)
	l15, _ = strconv.ParseFloat(fields[2], 64)
	return l1, l5, l15
}
