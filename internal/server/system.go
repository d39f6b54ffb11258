package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": s.clock.Now().UTC(),
	})
}

type componentStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

type brokerStatus struct {
	Kind      string `json:"kind"`
	Connected bool   `json:"connected"`
}

// handleSystemStatus reports uptime, host resources and component health.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()

	var cpuPct float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPct = percents[0]
	}
	var memUsedPct float64
	var memUsedMB, memTotalMB uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsedPct = vm.UsedPercent
		memUsedMB = vm.Used / 1024 / 1024
		memTotalMB = vm.Total / 1024 / 1024
	}

	components := make([]componentStatus, 0, len(s.databases))
	for _, db := range s.databases {
		status := componentStatus{Name: "database:" + db.Name(), Healthy: true}
		if err := db.QuickCheck(r.Context()); err != nil {
			status.Healthy = false
			status.Detail = err.Error()
		}
		components = append(components, status)
	}

	statuses := make([]brokerStatus, 0)
	for _, kind := range s.registry.Kinds() {
		adapter, err := s.registry.Get(kind)
		if err != nil {
			continue
		}
		connected := false
		if c, ok := adapter.(interface{ Connected() bool }); ok {
			connected = c.Connected()
		}
		statuses = append(statuses, brokerStatus{Kind: string(kind), Connected: connected})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"timestamp":   now.UTC(),
		"uptimeSec":   int64(now.Sub(s.startedAt) / time.Second),
		"cpuPct":      cpuPct,
		"memUsedPct":  memUsedPct,
		"memUsedMB":   memUsedMB,
		"memTotalMB":  memTotalMB,
		"components":  components,
		"brokers":     statuses,
		"hubConns":    s.hub.ConnectionCount(),
		"devMode":     s.cfg.DevMode,
		"storeBacked": s.cfg.StorePath != "",
	})
}
