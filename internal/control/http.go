package control

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-bridge/internal/protocol"
)

const maxBody = 64 << 10

// Paths of the HTTP control API, keyed by operation.
var opRoutes = map[string]struct{ method, path string }{
	protocol.OpEnable:          {http.MethodPost, "/v1/universal/enable"},
	protocol.OpDisable:         {http.MethodPost, "/v1/universal/disable"},
	protocol.OpStatus:          {http.MethodGet, "/v1/status"},
	protocol.OpProcessingStart: {http.MethodPost, "/v1/processing/start"},
	protocol.OpProcessingStop:  {http.MethodPost, "/v1/processing/stop"},
}

// Register adds the control routes to mux.
func (s *Service) Register(mux *http.ServeMux) {
	for op, route := range opRoutes {
		mux.HandleFunc(route.method+" "+route.path, s.handleOp(op))
	}
	mux.HandleFunc("GET /v1/cycles", s.handleCycles)
	mux.HandleFunc("GET /v1/cycles/{id}/events", s.handleCycleEvents)
}

func (s *Service) handleOp(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req protocol.ControlRequest
		if r.Method == http.MethodPost {
			if err := decodeBody(r, &req); err != nil {
				writeJSON(w, http.StatusBadRequest, protocol.ControlReply{Error: err.Error(), Code: "bad_request"})
				return
			}
		}
		reply, err := s.run(r.Context(), op, req)
		_, code := classify(err)
		writeJSON(w, code, reply)
	}
}

// decodeBody accepts an empty body as the zero request.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Service) handleCycles(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusNotFound, protocol.ControlReply{Error: "journal disabled", Code: "journal_disabled"})
		return
	}
	cycles, err := s.journal.Cycles(r.Context(), queryLimit(r))
	if err != nil {
		s.logger.Warn("failed to list cycles", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, protocol.ControlReply{Error: err.Error(), Code: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (s *Service) handleCycleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusNotFound, protocol.ControlReply{Error: "journal disabled", Code: "journal_disabled"})
		return
	}
	records, err := s.journal.CycleEvents(r.Context(), r.PathValue("id"), queryLimit(r))
	if err != nil {
		s.logger.Warn("failed to list cycle events", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, protocol.ControlReply{Error: err.Error(), Code: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func queryLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
