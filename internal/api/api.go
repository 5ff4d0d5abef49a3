// Package api exposes the broadcast service over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/austindbirch/status_relay/internal/auth"
	"github.com/austindbirch/status_relay/internal/broadcast"
	"github.com/austindbirch/status_relay/internal/delivery"
	"github.com/austindbirch/status_relay/internal/engagement"
	"github.com/austindbirch/status_relay/internal/logging"
	"github.com/austindbirch/status_relay/internal/perfmem"
	"github.com/austindbirch/status_relay/internal/recipients"
	"github.com/austindbirch/status_relay/internal/tracing"
	"github.com/austindbirch/status_relay/internal/transport"
)

// Broadcaster is what the API needs from the broadcast service.
type Broadcaster interface {
	SubmitDelivery(ctx context.Context, sessionID string, payload transport.Payload, style *transport.Style, spec recipients.Spec) (broadcast.Submission, error)
	Resend(ctx context.Context, postID string, spec recipients.Spec) (broadcast.Resent, error)
	GetEngagement(postID string) (engagement.PostView, error)
	RequestHistoricalSync(ctx context.Context, postID string, count int, force bool) (engagement.FetchResult, error)
	DeletePost(ctx context.Context, postID string) error
	Hydrate(ctx context.Context, sessionID string) (int, error)
	AbandonSession(sessionID string) int
	Performance(sessionID string) (perfmem.Record, bool)
	Post(postID string) (broadcast.Post, bool)
	Posts(sessionID string) []broadcast.Post
}

type SubmitRequest struct {
	Payload transport.Payload `json:"payload"`
	Style   *transport.Style  `json:"style,omitempty"`
	To      recipients.Spec   `json:"to"`
}

type ResendRequest struct {
	To recipients.Spec `json:"to"`
}

type SyncRequest struct {
	Count int  `json:"count,omitempty"`
	Force bool `json:"force,omitempty"`
}

type SyncResponse struct {
	PostID   string `json:"post_id"`
	Merged   int    `json:"merged"`
	Skipped  bool   `json:"skipped"`
	Complete string `json:"completeness"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Summary *delivery.Summary `json:"summary,omitempty"`
}

type Handler struct {
	svc Broadcaster
	log *logging.Logger
	mux *http.ServeMux
}

func NewHandler(svc Broadcaster, log *logging.Logger) *Handler {
	h := &Handler{svc: svc, log: log, mux: http.NewServeMux()}

	h.handle("POST /v1/sessions/{session}/posts", "api.SubmitDelivery", h.submit)
	h.handle("GET /v1/sessions/{session}/posts", "api.ListPosts", h.listPosts)
	h.handle("DELETE /v1/sessions/{session}/queue", "api.AbandonSession", h.abandon)
	h.handle("GET /v1/sessions/{session}/performance", "api.Performance", h.performance)
	h.handle("POST /v1/sessions/{session}/hydrate", "api.Hydrate", h.hydrate)
	h.handle("GET /v1/posts/{post}", "api.GetPost", h.getPost)
	h.handle("DELETE /v1/posts/{post}", "api.DeletePost", h.deletePost)
	h.handle("POST /v1/posts/{post}/resend", "api.Resend", h.resend)
	h.handle("GET /v1/posts/{post}/engagement", "api.GetEngagement", h.engagement)
	h.handle("POST /v1/posts/{post}/sync", "api.RequestHistoricalSync", h.sync)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handle registers a route that continues any incoming trace.
func (h *Handler) handle(pattern, span string, fn http.HandlerFunc) {
	h.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, sp := tracing.StartSpan(ctx, span, attribute.String("http.route", pattern))
		defer sp.End()
		fn(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, recipients.ErrValidation),
		errors.Is(err, broadcast.ErrInvalidPayload),
		errors.Is(err, delivery.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, broadcast.ErrNotFound),
		errors.Is(err, transport.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, engagement.ErrHistoryTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, broadcast.ErrNothingSent),
		errors.Is(err, transport.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, delivery.ErrQueueClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, summary *delivery.Summary) {
	code := statusFor(err)
	tracing.SetSpanError(r.Context(), err)
	entry := h.log.WithContext(r.Context()).WithError(err).WithFields(map[string]any{
		"path":   r.URL.Path,
		"status": code,
	})
	if code >= 500 {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error(), Summary: summary})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return false
	}
	return true
}

// session authorizes the caller for the session in the path.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("session")
	if !auth.Authorize(r.Context(), id) {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "session not permitted"})
		return "", false
	}
	return id, true
}

// post loads the post in the path and authorizes the caller for its session.
func (h *Handler) post(w http.ResponseWriter, r *http.Request) (broadcast.Post, bool) {
	p, ok := h.svc.Post(r.PathValue("post"))
	if !ok {
		h.fail(w, r, broadcast.ErrNotFound, nil)
		return p, false
	}
	if !auth.Authorize(r.Context(), p.SessionID) {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "session not permitted"})
		return p, false
	}
	return p, true
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	var req SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	sub, err := h.svc.SubmitDelivery(r.Context(), session, req.Payload, req.Style, req.To)
	if err != nil {
		var summary *delivery.Summary
		if sub.Summary.JobID != "" {
			summary = &sub.Summary
		}
		h.fail(w, r, err, summary)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) listPosts(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": h.svc.Posts(session)})
}

func (h *Handler) abandon(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"abandoned": h.svc.AbandonSession(session)})
}

func (h *Handler) performance(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	rec, found := h.svc.Performance(session)
	if !found {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no fresh performance record"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) hydrate(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	n, err := h.svc.Hydrate(r.Context(), session)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"hydrated": n})
}

func (h *Handler) getPost(w http.ResponseWriter, r *http.Request) {
	p, ok := h.post(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) deletePost(w http.ResponseWriter, r *http.Request) {
	p, ok := h.post(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeletePost(r.Context(), p.ID); err != nil {
		h.fail(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resend(w http.ResponseWriter, r *http.Request) {
	p, ok := h.post(w, r)
	if !ok {
		return
	}
	var req ResendRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Resend(r.Context(), p.ID, req.To)
	if err != nil {
		var summary *delivery.Summary
		if res.Summary.JobID != "" {
			summary = &res.Summary
		}
		h.fail(w, r, err, summary)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) engagement(w http.ResponseWriter, r *http.Request) {
	p, ok := h.post(w, r)
	if !ok {
		return
	}
	view, err := h.svc.GetEngagement(p.ID)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	p, ok := h.post(w, r)
	if !ok {
		return
	}
	var req SyncRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.RequestHistoricalSync(r.Context(), p.ID, req.Count, req.Force)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	out := SyncResponse{PostID: p.ID, Merged: len(res.Receipts), Skipped: res.Skipped}
	if view, err := h.svc.GetEngagement(p.ID); err == nil {
		out.Complete = view.Completeness
	}
	writeJSON(w, http.StatusOK, out)
}
