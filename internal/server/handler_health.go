package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/me/contestd/pkg/model"
)

// Version is the server version reported by health and discovery.
const Version = "0.1.0"

type healthResponse struct {
	Status         string             `json:"status"`
	Version        string             `json:"version"`
	GoVersion      string             `json:"go_version"`
	Uptime         string             `json:"uptime"`
	Scheduler      model.ContestState `json:"scheduler"`
	Store          string             `json:"store"`
	ConnectedTeams int                `json:"connected_teams"`
	System         systemStats        `json:"system"`
}

type systemStats struct {
	NumGoroutine    int       `json:"num_goroutine"`
	Alloc           uint64    `json:"alloc_bytes"`
	Sys             uint64    `json:"sys_bytes"`
	TotalRAM        uint64    `json:"total_ram"`
	AvailableRAM    uint64    `json:"available_ram"`
	UsedRAMPercent  float64   `json:"used_ram_percent"`
	TotalCPUCores   int       `json:"total_cpu_cores"`
	CPUUsagePercent []float64 `json:"cpu_usage_percent"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	resp := healthResponse{
		Status:         "healthy",
		Version:        Version,
		GoVersion:      runtime.Version(),
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		Scheduler:      model.ContestIdle,
		Store:          "ok",
		ConnectedTeams: len(s.registry.Connected()),
		System:         readSystemStats(),
	}

	if s.scheduler != nil {
		if st, err := s.scheduler.Status(r.Context()); err == nil {
			resp.Scheduler = st.Status
		}
	}
	if _, err := s.store.CountTasks(r.Context(), model.TaskFilter{}); err != nil {
		s.logger.Warn("health: store check failed", "error", err)
		resp.Status = "degraded"
		resp.Store = "unavailable"
	}

	respondOK(w, reqID, resp)
}

func readSystemStats() systemStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := systemStats{
		NumGoroutine:  runtime.NumGoroutine(),
		Alloc:         ms.Alloc,
		Sys:           ms.Sys,
		TotalCPUCores: runtime.NumCPU(),
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		stats.TotalRAM = vm.Total
		stats.AvailableRAM = vm.Available
		stats.UsedRAMPercent = vm.UsedPercent
	}
	// Zero interval reports usage since the previous call without blocking.
	if pct, err := cpu.Percent(0, true); err == nil {
		stats.CPUUsagePercent = pct
	}
	return stats
}
