package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/pulse-insights/internal/errors"
	"github.com/rcourtman/pulse-insights/internal/models"
	"github.com/rcourtman/pulse-insights/internal/stats"
)

const (
	defaultLimit       = 100
	maxLimit           = 1000
	defaultHistorySpan = 24 * time.Hour
	maxControlBody     = 1 << 16
)

// APIError is the body of every error response.
type APIError struct {
	ErrorMessage string `json:"error"`
	Code         string `json:"code"`
	StatusCode   int    `json:"status_code"`
	Timestamp    int64  `json:"timestamp"`
}

// StreamPage is one page of stream keys.
type StreamPage struct {
	Granularity models.Granularity `json:"granularity"`
	Keys        []string           `json:"keys"`
	Total       int                `json:"total"`
	Limit       int                `json:"limit"`
	Offset      int                `json:"offset"`
	HasMore     bool               `json:"has_more"`
}

// StreamView is the JSON form of a stream's estimator state.
type StreamView struct {
	Key         string             `json:"key"`
	Granularity models.Granularity `json:"granularity"`
	Value       float64            `json:"value"`
	Timestamp   time.Time          `json:"timestamp"`
	LastEmitted time.Time          `json:"lastEmitted"`
	Mean        float64            `json:"mean"`
	StdDev      float64            `json:"stddev"`
	Count       int                `json:"count"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Snooze      int                `json:"snooze"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   status,
		Timestamp:    time.Now().Unix(),
	})
}

// pagination reads ?limit and ?offset, clamping limit to maxLimit.
func pagination(r *http.Request) (limit, offset int) {
	limit = defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = min(n, maxLimit)
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// granularityParam parses ?granularity, defaulting to the finest configured.
func (s *Server) granularityParam(r *http.Request) (models.Granularity, error) {
	raw := r.URL.Query().Get("granularity")
	if raw == "" {
		grans := s.engine.Granularities()
		if len(grans) == 0 {
			return "", errors.New("no granularities configured")
		}
		return grans[0], nil
	}
	return models.ParseGranularity(raw)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"idle":    s.engine.Idle(),
	})
}

func (s *Server) handleRecentInsights(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r)
	insights := s.engine.RecentInsights(limit)
	if insights == nil {
		insights = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, insights)
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	g, err := s.granularityParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_granularity", err.Error())
		return
	}
	limit, offset := pagination(r)
	keys := s.engine.StreamKeys(g)

	page := StreamPage{Granularity: g, Total: len(keys), Limit: limit, Offset: offset, Keys: []string{}}
	if offset < len(keys) {
		end := min(offset+limit, len(keys))
		page.Keys = keys[offset:end]
		page.HasMore = end < len(keys)
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleStreamState(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing_key", "key is required")
		return
	}
	g, err := s.granularityParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_granularity", err.Error())
		return
	}
	st, ok := s.engine.StreamState(key, g)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_stream", "stream is not tracked at this granularity")
		return
	}
	writeJSON(w, http.StatusOK, StreamView{
		Key:         key,
		Granularity: g,
		Value:       st.Y,
		Timestamp:   st.TS,
		LastEmitted: st.LastEmitted,
		Mean:        st.Avg,
		StdDev:      st.StdDev(s.engine.Window(g)),
		Count:       st.N,
		Min:         st.Min,
		Max:         st.Max,
		Snooze:      st.Snooze,
	})
}

func (s *Server) handleStreamHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "history_unavailable", "the configured storage backend does not serve history")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing_key", "key is required")
		return
	}
	g, err := s.granularityParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_granularity", err.Error())
		return
	}
	span := defaultHistorySpan
	if raw := r.URL.Query().Get("since"); raw != "" {
		if span, err = time.ParseDuration(raw); err != nil || span <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_since", "since must be a positive duration such as 6h")
			return
		}
	}

	records, err := s.history.StatHistory(r.Context(), key, g, time.Now().Add(-span))
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to read stream history")
		writeError(w, http.StatusInternalServerError, "history_failed", "failed to read stream history")
		return
	}
	if records == nil {
		records = []models.StatRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var ctl stats.Control
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ctl); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := s.engine.Control(ctl); err != nil {
		if errors.Is(err, internalerrors.ErrMalformed) {
			writeError(w, http.StatusBadRequest, "invalid_control", err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, "control_rejected", err.Error())
		return
	}
	log.Info().Str("op", string(ctl.Op)).Str("key", ctl.StreamKey()).Msg("Accepted control command from admin API")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		writeError(w, http.StatusNotImplemented, "storage_unavailable", "the configured storage backend does not report statistics")
		return
	}
	writeJSON(w, http.StatusOK, s.storage.GetStats(r.Context()))
}
