package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/store"
)

// indexHandlers serves the published index family.
type indexHandlers struct {
	store store.Store
	index config.IndexConfig
	log   zerolog.Logger
}

func newIndexHandlers(st store.Store, index config.IndexConfig, log zerolog.Logger) *indexHandlers {
	return &indexHandlers{store: st, index: index, log: log}
}

// latestResponse is an IndexValue plus the hard-staleness verdict so a
// consumer can tell a live value from a served-stale one without knowing the
// deployment's thresholds.
type latestResponse struct {
	domain.IndexValue
	Stale      bool    `json:"stale"`
	AgeSeconds float64 `json:"age_seconds"`
}

// HandleLatest serves GET /api/v1/indices/{code}/latest.
func (h *indexHandlers) HandleLatest(w http.ResponseWriter, r *http.Request) {
	code, ok := codeParam(r)
	if !ok {
		writeError(h.log, w, http.StatusNotFound, "unknown index code")
		return
	}

	v, err := h.store.LatestIndexValue(r.Context(), code)
	if err != nil {
		h.log.Error().Err(err).Str("code", string(code)).Msg("Latest index lookup failed")
		writeError(h.log, w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if v == nil {
		writeError(h.log, w, http.StatusNotFound, "no published value for "+string(code))
		return
	}

	age := time.Since(v.ObservedAt)
	writeJSON(h.log, w, http.StatusOK, latestResponse{
		IndexValue: *v,
		Stale:      age > h.index.HardStaleness(),
		AgeSeconds: age.Seconds(),
	})
}

type historyResponse struct {
	Code     domain.IndexCode   `json:"code"`
	From     time.Time          `json:"from"`
	To       time.Time          `json:"to"`
	Count    int                `json:"count"`
	BucketMs int64              `json:"bucket_ms,omitempty"`
	Values   []domain.IndexValue `json:"values"`
}

// HandleHistory serves GET /api/v1/indices/{code}/history?from&to&max_points.
// The interval is closed on both ends; with max_points below the raw count
// the series is bucket-downsampled and bucket_ms reports the bucket width.
func (h *indexHandlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	code, ok := codeParam(r)
	if !ok {
		writeError(h.log, w, http.StatusNotFound, "unknown index code")
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

	values, bucketMs, err := h.store.IndexRange(r.Context(), code, from, to, maxPoints)
	if err != nil {
		h.log.Error().Err(err).Str("code", string(code)).Msg("Index range query failed")
		writeError(h.log, w, http.StatusInternalServerError, "query failed")
		return
	}
	if values == nil {
		values = []domain.IndexValue{}
	}

	writeJSON(h.log, w, http.StatusOK, historyResponse{
		Code:     code,
		From:     from,
		To:       to,
		Count:    len(values),
		BucketMs: bucketMs,
		Values:   values,
	})
}

type constituentEntry struct {
	domain.Constituent
	Stale bool `json:"stale"`
}

type constituentsResponse struct {
	Code           domain.IndexCode   `json:"code"`
	ObservedAt     time.Time          `json:"observed_at"`
	Count          int                `json:"count"`
	StalenessFlags []string           `json:"staleness_flags,omitempty"`
	Constituents   []constituentEntry `json:"constituents"`
}

// HandleConstituents serves GET /api/v1/indices/{code}/constituents: the
// latest basket with per-constituent staleness.
func (h *indexHandlers) HandleConstituents(w http.ResponseWriter, r *http.Request) {
	code, ok := codeParam(r)
	if !ok {
		writeError(h.log, w, http.StatusNotFound, "unknown index code")
		return
	}

	v, err := h.store.LatestIndexValue(r.Context(), code)
	if err != nil {
		h.log.Error().Err(err).Str("code", string(code)).Msg("Constituents lookup failed")
		writeError(h.log, w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if v == nil {
		writeError(h.log, w, http.StatusNotFound, "no published value for "+string(code))
		return
	}

	staleSources := make(map[string]bool, len(v.StalenessFlags))
	for _, flag := range v.StalenessFlags {
		staleSources[flag] = true
	}

	entries := make([]constituentEntry, 0, len(v.Constituents))
	for _, c := range v.Constituents {
		entries = append(entries, constituentEntry{
			Constituent: c,
			Stale:       staleSources["STALE:"+c.SourceID],
		})
	}

	writeJSON(h.log, w, http.StatusOK, constituentsResponse{
		Code:           code,
		ObservedAt:     v.ObservedAt,
		Count:          len(entries),
		StalenessFlags: v.StalenessFlags,
		Constituents:   entries,
	})
}

// HandleStatistics serves GET /api/v1/indices/{code}/statistics?days.
func (h *indexHandlers) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	code, ok := codeParam(r)
	if !ok {
		writeError(h.log, w, http.StatusNotFound, "unknown index code")
		return
	}
	days, err := intQuery(r, "days", 30)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}
	if days == 0 {
		days = 30
	}

	stats, err := h.store.IndexStatistics(r.Context(), code, days)
	if err != nil {
		h.log.Error().Err(err).Str("code", string(code)).Msg("Statistics query failed")
		writeError(h.log, w, http.StatusInternalServerError, "query failed")
		return
	}
	if stats == nil {
		writeError(h.log, w, http.StatusNotFound, "no values for "+string(code)+" in window")
		return
	}
	writeJSON(h.log, w, http.StatusOK, stats)
}
