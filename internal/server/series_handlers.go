package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/store"
)

// seriesHandlers serves the per-symbol metric series.
type seriesHandlers struct {
	store store.Store
	log   zerolog.Logger
}

func newSeriesHandlers(st store.Store, log zerolog.Logger) *seriesHandlers {
	return &seriesHandlers{store: st, log: log}
}

type pegSeriesResponse struct {
	Symbol   string              `json:"symbol"`
	From     time.Time           `json:"from"`
	To       time.Time           `json:"to"`
	Count    int                 `json:"count"`
	BucketMs int64               `json:"bucket_ms,omitempty"`
	Points   []domain.PegMetrics `json:"points"`
}

// HandlePeg serves GET /api/v1/symbols/{symbol}/peg?from&to&max_points.
func (h *seriesHandlers) HandlePeg(w http.ResponseWriter, r *http.Request) {
	symbol := symbolParam(r)
	from, to, err := timeRange(r, 24*time.Hour)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}
	maxPoints, err := intQuery(r, "max_points", 0)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}

	points, bucketMs, err := h.store.PegSeries(r.Context(), symbol, from, to, maxPoints)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Peg series query failed")
		writeError(h.log, w, http.StatusInternalServerError, "query failed")
		return
	}
	if points == nil {
		points = []domain.PegMetrics{}
	}

	writeJSON(h.log, w, http.StatusOK, pegSeriesResponse{
		Symbol:   symbol,
		From:     from,
		To:       to,
		Count:    len(points),
		BucketMs: bucketMs,
		Points:   points,
	})
}

type liquiditySeriesResponse struct {
	Symbol   string                    `json:"symbol"`
	From     time.Time                 `json:"from"`
	To       time.Time                 `json:"to"`
	Count    int                       `json:"count"`
	BucketMs int64                     `json:"bucket_ms,omitempty"`
	Points   []domain.LiquidityMetrics `json:"points"`
}

// HandleLiquidity serves GET /api/v1/symbols/{symbol}/liquidity?from&to&max_points.
func (h *seriesHandlers) HandleLiquidity(w http.ResponseWriter, r *http.Request) {
	symbol := symbolParam(r)
	from, to, err := timeRange(r, 24*time.Hour)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}
	maxPoints, err := intQuery(r, "max_points", 0)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}

	points, bucketMs, err := h.store.LiquiditySeries(r.Context(), symbol, from, to, maxPoints)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Liquidity series query failed")
		writeError(h.log, w, http.StatusInternalServerError, "query failed")
		return
	}
	if points == nil {
		points = []domain.LiquidityMetrics{}
	}

	writeJSON(h.log, w, http.StatusOK, liquiditySeriesResponse{
		Symbol:   symbol,
		From:     from,
		To:       to,
		Count:    len(points),
		BucketMs: bucketMs,
		Points:   points,
	})
}

type raySeriesResponse struct {
	Symbol   string             `json:"symbol"`
	SourceID string             `json:"source_id"`
	From     time.Time          `json:"from"`
	To       time.Time          `json:"to"`
	Count    int                `json:"count"`
	BucketMs int64              `json:"bucket_ms,omitempty"`
	Points   []domain.RAYRecord `json:"points"`
}

// HandleRAY serves GET /api/v1/symbols/{symbol}/ray?source_id&from&to&max_points.
// RAY series are per (symbol, source), so source_id is required.
func (h *seriesHandlers) HandleRAY(w http.ResponseWriter, r *http.Request) {
	symbol := symbolParam(r)
	sourceID := r.URL.Query().Get("source_id")
	if sourceID == "" {
		writeError(h.log, w, http.StatusBadRequest, "source_id is required")
		return
	}
	from, to, err := timeRange(r, 24*time.Hour)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}
	maxPoints, err := intQuery(r, "max_points", 0)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}

	points, bucketMs, err := h.store.RAYSeries(r.Context(), symbol, sourceID, from, to, maxPoints)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Str("source_id", sourceID).Msg("RAY series query failed")
		writeError(h.log, w, http.StatusInternalServerError, "query failed")
		return
	}
	if points == nil {
		points = []domain.RAYRecord{}
	}

	writeJSON(h.log, w, http.StatusOK, raySeriesResponse{
		Symbol:   symbol,
		SourceID: sourceID,
		From:     from,
		To:       to,
		Count:    len(points),
		BucketMs: bucketMs,
		Points:   points,
	})
}
