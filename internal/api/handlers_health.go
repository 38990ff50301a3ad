package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var startTime = time.Now()

// handleHealth reports process and host health. Public and unauthenticated:
// load balancers probe it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	health := map[string]interface{}{
		"status":     "ok",
		"uptime":     time.Since(startTime).Round(time.Second).String(),
		"goroutines": runtime.NumGoroutine(),
		"heap":       humanize.Bytes(m.HeapAlloc),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		health["memory"] = map[string]interface{}{
			"total":        humanize.Bytes(vm.Total),
			"used":         humanize.Bytes(vm.Used),
			"used_percent": vm.UsedPercent,
		}
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		health["cpu_percent"] = percents[0]
	}

	writeJSON(w, http.StatusOK, health)
}
