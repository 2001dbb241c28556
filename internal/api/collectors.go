package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/collector"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
)

// startBody is the JSON body of POST /collectors/start. Every field is
// optional.
type startBody struct {
	Symbols    []string `json:"symbols"`
	Kinds      []string `json:"kinds"`
	Providers  []string `json:"providers"`
	Timeframes []string `json:"timeframes"`
	Interval   string   `json:"interval"`
}

func (b startBody) request() (collector.StartRequest, error) {
	req := collector.StartRequest{Symbols: b.Symbols, Providers: b.Providers}
	for _, raw := range b.Kinds {
		kind, err := models.ParseRecordKind(raw)
		if err != nil {
			return req, err
		}
		req.Kinds = append(req.Kinds, kind)
	}
	for _, raw := range b.Timeframes {
		tf, err := models.ParseTimeframe(raw)
		if err != nil {
			return req, err
		}
		req.Timeframes = append(req.Timeframes, tf)
	}
	if b.Interval != "" {
		d, err := time.ParseDuration(b.Interval)
		if err != nil || d <= 0 {
			return req, fmt.Errorf("invalid interval %q", b.Interval)
		}
		req.Interval = d
	}
	return req, nil
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleStartCollectors(w http.ResponseWriter, r *http.Request) {
	var body startBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := body.request()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	handles, err := s.supervisor.StartCollection(r.Context(), req)
	if err != nil {
		writeError(w, controlStatus(err), err.Error())
		return
	}

	created := 0
	for _, h := range handles {
		if h.Created {
			created++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"message":   fmt.Sprintf("%d collectors started, %d already running", created, len(handles)-created),
		"jobs":      handles,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStopCollectors(w http.ResponseWriter, r *http.Request) {
	var sel collector.JobSelector
	if err := decodeBody(r, &sel); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if sel.IsZero() {
		sel.All = true
	}

	snapshots, err := s.supervisor.StopCollection(r.Context(), sel)
	if err != nil {
		writeError(w, controlStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"message":   fmt.Sprintf("%d collectors stopped", len(snapshots)),
		"jobs":      snapshots,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleCollectorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":      s.supervisor.GetStatus(),
		"timestamp": time.Now().UTC(),
	})
}

func controlStatus(err error) int {
	switch {
	case errors.Is(err, collector.ErrInvalidRequest), errors.Is(err, collector.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, collector.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
