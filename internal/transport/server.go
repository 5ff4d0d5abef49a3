package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/austindbirch/status_relay/internal/engagement"
	"github.com/austindbirch/status_relay/internal/logging"
)

// NewServer exposes any Sessions over the HTTP transport protocol spoken by
// HTTPSessions.
func NewServer(sessions Sessions, log *logging.Logger) http.Handler {
	srv := &server{sessions: sessions, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("POST /sessions/{session}/send", srv.send)
	mux.HandleFunc("POST /sessions/{session}/history", srv.history)
	mux.HandleFunc("DELETE /sessions/{session}/messages/{message}", srv.delete)
	return mux
}

type server struct {
	sessions Sessions
	log      *logging.Logger
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) fail(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	var te *Error
	switch {
	case errors.As(err, &te) && te.StatusCode != 0:
		code = te.StatusCode
	case errors.Is(err, ErrUnknownSession):
		code = http.StatusNotFound
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *server) session(w http.ResponseWriter, r *http.Request) (Transport, bool) {
	t, err := s.sessions.Session(r.PathValue("session"))
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	return t, true
}

func (s *server) send(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if req.Address == "" || len(req.Recipients) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "address and recipients required"})
		return
	}
	t, ok := s.session(w, r)
	if !ok {
		return
	}

	res, err := t.SendToAddress(ctx, req.Address, req.Payload, req.SendOptions)
	if err != nil {
		s.log.WithContext(ctx).WithSession(r.PathValue("session")).WithError(err).Warn("send failed")
		s.fail(w, err)
		return
	}
	s.log.WithContext(ctx).WithSession(r.PathValue("session")).WithMessage(res.MessageID).
		WithField("recipients", len(req.Recipients)).Info("sent")
	writeJSON(w, http.StatusOK, res)
}

func (s *server) history(w http.ResponseWriter, r *http.Request) {
	var req engagement.HistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AnchorID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "anchor_id required"})
		return
	}
	t, ok := s.session(w, r)
	if !ok {
		return
	}
	receipts, err := t.FetchHistory(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	if receipts == nil {
		receipts = []engagement.Receipt{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Receipts: receipts})
}

func (s *server) delete(w http.ResponseWriter, r *http.Request) {
	t, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := t.DeleteByIdentifier(r.Context(), r.URL.Query().Get("address"), r.PathValue("message")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
