package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/roach88/martsync/internal/engine"
	"github.com/roach88/martsync/internal/ir"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// RunRecord is one ledger entry as served by GET /api/runs.
type RunRecord struct {
	RunID       string          `json:"run_id"`
	EffectiveAt string          `json:"effective_at"`
	StartedAt   string          `json:"started_at"`
	FinishedAt  string          `json:"finished_at"`
	Status      string          `json:"status"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Summary     json.RawMessage `json:"summary"`
}

// WritebackRequest is the body of POST /api/tables/{table}/writeback.
type WritebackRequest struct {
	Rows []map[string]any `json:"rows"`
}

func (s *Server) handleWatermarks(w http.ResponseWriter, r *http.Request) {
	marks, err := s.engine.Watermarks(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, marks)
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	violations, err := s.engine.Check(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, violations)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	runs, err := s.engine.Runs(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]RunRecord, len(runs))
	for i, rec := range runs {
		out[i] = RunRecord{
			RunID:       rec.RunID,
			EffectiveAt: ir.NewTimestamp(rec.EffectiveAt).String(),
			StartedAt:   ir.NewTimestamp(rec.StartedAt).String(),
			FinishedAt:  ir.NewTimestamp(rec.FinishedAt).String(),
			Status:      rec.Status,
			ErrorCode:   rec.ErrorCode,
			Summary:     json.RawMessage(rec.Summary),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.running.TryLock() {
		s.writeError(w, http.StatusConflict, errors.New("a run is already in progress"))
		return
	}
	defer s.running.Unlock()

	sum, err := s.engine.Run(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, sum)
		return
	}
	var re *engine.RunError
	if errors.As(err, &re) && re.Code != engine.CodeInternal {
		// The summary carries the code and the violations.
		writeJSON(w, http.StatusUnprocessableEntity, sum)
		return
	}
	s.writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) handleWriteback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "table")
	table, ok := s.engine.Project().Table(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown table %q", name))
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	dec.DisallowUnknownFields()
	var req WritebackRequest
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if len(req.Rows) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("request has no rows"))
		return
	}

	rows := make([]ir.Row, len(req.Rows))
	for i, raw := range req.Rows {
		row, err := decodeRow(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("row %d: %w", i, err))
			return
		}
		rows[i] = row
	}

	res, err := s.engine.Writeback(r.Context(), table.Name, rows)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case ir.HasCode(err, ir.ErrWritebackForbidden):
		s.writeError(w, http.StatusUnprocessableEntity, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

// decodeRow turns a JSON object into a row. Numbers stay exact: integers
// become Int, anything else Decimal. The engine coerces each value to its
// column type afterwards.
func decodeRow(raw map[string]any) (ir.Row, error) {
	row := make(ir.Row, len(raw))
	for col, v := range raw {
		switch val := v.(type) {
		case nil:
			row[col] = ir.Null{}
		case string:
			row[col] = ir.String(val)
		case bool:
			row[col] = ir.Bool(val)
		case json.Number:
			if n, err := val.Int64(); err == nil {
				row[col] = ir.Int(n)
				continue
			}
			d, err := decimal.NewFromString(val.String())
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", col, err)
			}
			row[col] = ir.NewDecimal(d)
		default:
			return nil, fmt.Errorf("column %q: unsupported JSON value %T", col, v)
		}
	}
	return row, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var coded *ir.Error
	if errors.As(err, &coded) {
		resp.Code = string(coded.Code)
		resp.Details = coded.Details
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, resp)
}
