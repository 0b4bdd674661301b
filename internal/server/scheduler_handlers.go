package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/scheduler"
)

// schedulerHandlers exposes job status and forced recomputes.
type schedulerHandlers struct {
	sched      *scheduler.Scheduler
	recomputer *scheduler.Recomputer
	log        zerolog.Logger
}

func newSchedulerHandlers(sched *scheduler.Scheduler, recomputer *scheduler.Recomputer, log zerolog.Logger) *schedulerHandlers {
	return &schedulerHandlers{sched: sched, recomputer: recomputer, log: log}
}

// HandleStatus serves GET /api/v1/scheduler/status.
func (h *schedulerHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"jobs": h.sched.Status(),
	})
}

// HandleRecompute serves POST /api/v1/scheduler/recompute/{code}. Concurrent
// requests for the same code join one pipeline run and share its result.
func (h *schedulerHandlers) HandleRecompute(w http.ResponseWriter, r *http.Request) {
	code := domain.IndexCode(strings.ToUpper(chi.URLParam(r, "code")))

	value, err := h.recomputer.Force(r.Context(), code)
	if err != nil {
		if errors.Is(err, scheduler.ErrUnknownCode) {
			writeError(h.log, w, http.StatusNotFound, "unknown index code")
			return
		}
		h.log.Error().Err(err).Str("code", string(code)).Msg("Forced recompute failed")
		writeError(h.log, w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(h.log, w, http.StatusOK, value)
}
