package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/store"
)

// regimeHandlers serves the daily risk-regime decisions. The engine runs
// against the flagship index.
type regimeHandlers struct {
	store store.Store
	log   zerolog.Logger
}

func newRegimeHandlers(st store.Store, log zerolog.Logger) *regimeHandlers {
	return &regimeHandlers{store: st, log: log}
}

// HandleCurrent serves GET /api/v1/regime/current.
func (h *regimeHandlers) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	sample, err := h.store.LatestRegimeSample(r.Context(), domain.IndexSYI)
	if err != nil {
		h.log.Error().Err(err).Msg("Latest regime lookup failed")
		writeError(h.log, w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if sample == nil {
		writeError(h.log, w, http.StatusNotFound, "no regime sample yet")
		return
	}
	writeJSON(h.log, w, http.StatusOK, sample)
}

type regimeHistoryResponse struct {
	Code    domain.IndexCode      `json:"code"`
	From    time.Time             `json:"from"`
	To      time.Time             `json:"to"`
	Count   int                   `json:"count"`
	Samples []domain.RegimeSample `json:"samples"`
}

// HandleHistory serves GET /api/v1/regime/history?from&to&limit.
func (h *regimeHandlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeRange(r, 90*24*time.Hour)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}

	samples, err := h.store.RegimeHistory(r.Context(), domain.IndexSYI, from, to, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Regime history query failed")
		writeError(h.log, w, http.StatusInternalServerError, "query failed")
		return
	}
	if samples == nil {
		samples = []domain.RegimeSample{}
	}

	writeJSON(h.log, w, http.StatusOK, regimeHistoryResponse{
		Code:    domain.IndexSYI,
		From:    from,
		To:      to,
		Count:   len(samples),
		Samples: samples,
	})
}
