package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/pulse/internal/health"
	"github.com/aristath/pulse/internal/work"
)

// HealthResponse is the body of GET /api/health
type HealthResponse struct {
	Status     health.Overall        `json:"status"`
	Running    bool                  `json:"running"`
	Realtime   bool                  `json:"realtime"`
	Stream     string                `json:"stream"`
	Services   []health.ServiceState `json:"services"`
	CPUPercent float64               `json:"cpu_percent"`
	RAMPercent float64               `json:"ram_percent"`
	Timestamp  time.Time             `json:"timestamp"`
}

// SystemHandlers serves health, job and error log endpoints
type SystemHandlers struct {
	core     Core
	errorLog ErrorLog
	log      zerolog.Logger
	stats    func() (float64, float64)
}

// NewSystemHandlers creates system handlers
func NewSystemHandlers(core Core, errorLog ErrorLog, log zerolog.Logger) *SystemHandlers {
	h := &SystemHandlers{
		core:     core,
		errorLog: errorLog,
		log:      log.With().Str("handler", "system").Logger(),
	}
	h.stats = h.getSystemStats
	return h
}

// HandleHealth returns the health of every subsystem
// GET /api/health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.core.Health().Snapshot()
	cpuPercent, ramPercent := h.stats()

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     snap.Overall,
		Running:    h.core.IsRunning(),
		Realtime:   h.core.IsRealtime(),
		Stream:     string(h.core.StreamState()),
		Services:   snap.Services,
		CPUPercent: cpuPercent,
		RAMPercent: ramPercent,
		Timestamp:  time.Now(),
	})
}

// HandleJobs lists the recurring jobs
// GET /api/jobs
func (h *SystemHandlers) HandleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.core.Jobs()
	if jobs == nil {
		jobs = []work.JobStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// HandleErrors returns the newest audit log entries
// GET /api/errors?limit=50
func (h *SystemHandlers) HandleErrors(w http.ResponseWriter, r *http.Request) {
	if h.errorLog == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"errors": []health.ErrorEntry{}, "total": 0})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.errorLog.List(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list errors")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	total, err := h.errorLog.Count(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to count errors")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []health.ErrorEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"errors": entries, "total": total})
}

// getSystemStats samples CPU over 100ms and reads memory usage
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
