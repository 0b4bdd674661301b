package server

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/database"
	"github.com/stableyield/indexd/internal/reliability"
)

// systemHandlers serves the operational status surface.
type systemHandlers struct {
	cfg       *config.Config
	databases []*database.DB
	runner    SourceStater
	backups   *reliability.BackupService
	monitor   *StatusMonitor
	startedAt time.Time
	log       zerolog.Logger
}

func newSystemHandlers(cfg *config.Config, databases []*database.DB, runner SourceStater, backups *reliability.BackupService, monitor *StatusMonitor, log zerolog.Logger) *systemHandlers {
	return &systemHandlers{
		cfg:       cfg,
		databases: databases,
		runner:    runner,
		backups:   backups,
		monitor:   monitor,
		startedAt: time.Now().UTC(),
		log:       log,
	}
}

type resourceStats struct {
	CPUPct        float64 `json:"cpu_pct"`
	MemUsedPct    float64 `json:"mem_used_pct"`
	DiskUsedPct   float64 `json:"disk_used_pct"`
	DiskFreeBytes uint64  `json:"disk_free_bytes"`
}

// collectResources samples host usage. The 100ms CPU window keeps the
// endpoint fast; failures degrade to zeros rather than failing the request.
func (h *systemHandlers) collectResources() resourceStats {
	var stats resourceStats

	cpuPct, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to sample CPU usage")
	} else if len(cpuPct) > 0 {
		stats.CPUPct = cpuPct[0]
	}

	if memStat, err := mem.VirtualMemory(); err != nil {
		h.log.Warn().Err(err).Msg("Failed to read memory usage")
	} else {
		stats.MemUsedPct = memStat.UsedPercent
	}

	if diskStat, err := disk.Usage(h.cfg.DataDir); err != nil {
		h.log.Warn().Err(err).Msg("Failed to read disk usage")
	} else {
		stats.DiskUsedPct = diskStat.UsedPercent
		stats.DiskFreeBytes = diskStat.Free
	}

	return stats
}

// HandleStatus serves GET /api/v1/system/status.
func (h *systemHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"service":        "indexd",
		"status":         "ok",
		"started_at":     h.startedAt,
		"uptime_seconds": time.Since(h.startedAt).Seconds(),
		"degraded_mode":  h.cfg.DegradedMode,
		"store_backend":  h.cfg.StoreBackend,
		"resources":      h.collectResources(),
	}
	if h.runner != nil {
		response["sources"] = h.runner.SourceStates()
	}
	if h.monitor != nil {
		response["activity"] = h.monitor.Snapshot()
	}

	writeJSON(h.log, w, http.StatusOK, response)
}

type databaseStats struct {
	Name          string `json:"name"`
	File          string `json:"file"`
	SizeBytes     int64  `json:"size_bytes"`
	WALSizeBytes  int64  `json:"wal_size_bytes"`
	PageCount     int64  `json:"page_count"`
	PageSize      int64  `json:"page_size"`
	FreelistCount int64  `json:"freelist_count"`
	Error         string `json:"error,omitempty"`
}

// HandleDatabaseStats serves GET /api/v1/system/database/stats. A database
// that fails to report still appears in the list with its error.
func (h *systemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	entries := make([]databaseStats, 0, len(h.databases))
	for _, db := range h.databases {
		entry := databaseStats{Name: db.Name(), File: filepath.Base(db.Path())}
		stats, err := db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to collect database stats")
			entry.Error = err.Error()
		} else {
			entry.SizeBytes = stats.SizeBytes
			entry.WALSizeBytes = stats.WALSizeBytes
			entry.PageCount = stats.PageCount
			entry.PageSize = stats.PageSize
			entry.FreelistCount = stats.FreelistCount
		}
		entries = append(entries, entry)
	}

	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"databases": entries,
	})
}

// HandleBackup serves POST /api/v1/system/backup.
func (h *systemHandlers) HandleBackup(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeError(h.log, w, http.StatusServiceUnavailable, "backups not configured")
		return
	}

	h.log.Info().Msg("Manual backup triggered")
	archivePath, err := h.backups.Backup(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Manual backup failed")
		writeError(h.log, w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(h.log, w, http.StatusOK, map[string]string{
		"status":  "completed",
		"archive": filepath.Base(archivePath),
	})
}
