package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/domain"
)

func writeJSON(log zerolog.Logger, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(log zerolog.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(log, w, status, map[string]string{"error": msg})
}

var indexCodes = map[domain.IndexCode]bool{
	domain.IndexSYI:    true,
	domain.IndexSYC:    true,
	domain.IndexSYCeFi: true,
	domain.IndexSYDeFi: true,
	domain.IndexSYRPI:  true,
}

// codeParam reads and validates the {code} path parameter.
func codeParam(r *http.Request) (domain.IndexCode, bool) {
	code := domain.IndexCode(strings.ToUpper(chi.URLParam(r, "code")))
	return code, indexCodes[code]
}

func symbolParam(r *http.Request) string {
	return strings.ToUpper(chi.URLParam(r, "symbol"))
}

// parseTimestamp accepts RFC 3339 or a bare date.
func parseTimestamp(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q, want RFC 3339 or YYYY-MM-DD", v)
	}
	return t.UTC(), nil
}

// timeRange reads from/to query parameters. Both default so the interval is
// the trailing defaultSpan ending now; the interval is closed on both ends.
func timeRange(r *http.Request, defaultSpan time.Duration) (from, to time.Time, err error) {
	q := r.URL.Query()

	to = time.Now().UTC()
	if v := q.Get("to"); v != "" {
		if to, err = parseTimestamp(v); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}

	from = to.Add(-defaultSpan)
	if v := q.Get("from"); v != "" {
		if from, err = parseTimestamp(v); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}

	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("from %s is after to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return from, to, nil
}

// intQuery reads a non-negative integer query parameter.
func intQuery(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q, want a non-negative integer", name, v)
	}
	return n, nil
}
