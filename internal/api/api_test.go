package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/austindbirch/status_relay/internal/auth"
	"github.com/austindbirch/status_relay/internal/broadcast"
	"github.com/austindbirch/status_relay/internal/delivery"
	"github.com/austindbirch/status_relay/internal/engagement"
	"github.com/austindbirch/status_relay/internal/logging"
	"github.com/austindbirch/status_relay/internal/perfmem"
	"github.com/austindbirch/status_relay/internal/planner"
	"github.com/austindbirch/status_relay/internal/recipients"
	"github.com/austindbirch/status_relay/internal/transport"
)

func newTestHandler(t *testing.T, fail func(c transport.Call) error) (*Handler, *transport.Simulator) {
	t.Helper()
	log := logging.Discard()
	sim := transport.NewSimulator(transport.SimOptions{Fail: fail})
	mem := perfmem.New(time.Hour)
	q := delivery.NewQueue(planner.New(planner.Config{}, sim, mem, log), delivery.QueueOptions{
		Policy: delivery.RetryPolicy{MaxAttempts: 1},
		Logger: log,
	})
	t.Cleanup(q.Close)

	svc := broadcast.NewService(q, engagement.NewAggregator(time.Second, log), sim, broadcast.Options{
		Directory: broadcast.StaticDirectory{
			"s1": {Contacts: []string{"15550000001@s.whatsapp.net", "15550000002@s.whatsapp.net"}},
		},
		Memory: mem,
		Logger: log,
	})
	return NewHandler(svc, log), sim
}

func do(t *testing.T, h http.Handler, method, path string, body any, ctx context.Context) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func submitPost(t *testing.T, h http.Handler) broadcast.Submission {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/v1/sessions/s1/posts", SubmitRequest{
		Payload: transport.Payload{Kind: "text", Text: "hello"},
		To:      recipients.Spec{AllContacts: true},
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body)
	}
	var sub broadcast.Submission
	if err := json.Unmarshal(rec.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode submission: %v", err)
	}
	return sub
}

func TestHandler_PostLifecycle(t *testing.T) {
	h, sim := newTestHandler(t, nil)
	sub := submitPost(t, h)
	if sub.PostID == "" || sub.MessageID == "" || sub.Summary.Sent != 2 {
		t.Fatalf("submission = %+v", sub)
	}

	rec := do(t, h, http.MethodGet, "/v1/posts/"+sub.PostID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get post status = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/v1/sessions/s1/posts", nil, nil)
	var list struct {
		Posts []broadcast.Post `json:"posts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list.Posts) != 1 {
		t.Errorf("list posts = %s (%v)", rec.Body, err)
	}

	rec = do(t, h, http.MethodPost, "/v1/posts/"+sub.PostID+"/resend", ResendRequest{
		To: recipients.Spec{Recipients: []string{"15550000003"}},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resend status = %d, body %s", rec.Code, rec.Body)
	}
	var resent broadcast.Resent
	_ = json.Unmarshal(rec.Body.Bytes(), &resent)
	if !resent.Reused || resent.MessageID != sub.MessageID {
		t.Errorf("resend = %+v, want reuse of %s", resent, sub.MessageID)
	}

	sim.AddHistory(sub.MessageID, engagement.Receipt{
		Participant: "15550000001@s.whatsapp.net",
		Kind:        engagement.KindViewed,
		At:          time.Now().UTC(),
	})
	rec = do(t, h, http.MethodPost, "/v1/posts/"+sub.PostID+"/sync", SyncRequest{Count: 10}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d, body %s", rec.Code, rec.Body)
	}
	var synced SyncResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &synced)
	if synced.Merged != 1 || synced.Complete != engagement.CompletenessHistoricalLive {
		t.Errorf("sync = %+v", synced)
	}

	rec = do(t, h, http.MethodGet, "/v1/posts/"+sub.PostID+"/engagement", nil, nil)
	var view engagement.PostView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Totals.Viewed != 1 {
		t.Errorf("view totals = %+v", view.Totals)
	}

	rec = do(t, h, http.MethodDelete, "/v1/posts/"+sub.PostID, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if !sim.Deleted(sub.MessageID) {
		t.Error("identifier not retracted")
	}
	rec = do(t, h, http.MethodGet, "/v1/posts/"+sub.PostID+"/engagement", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("engagement after delete status = %d, want 404", rec.Code)
	}
}

func TestHandler_SubmitErrors(t *testing.T) {
	tests := []struct {
		name string
		body any
		fail func(c transport.Call) error
		want int
	}{
		{
			name: "no recipients",
			body: SubmitRequest{Payload: transport.Payload{Kind: "text", Text: "x"}},
			want: http.StatusBadRequest,
		},
		{
			name: "bad payload",
			body: SubmitRequest{Payload: transport.Payload{Kind: "sticker"}, To: recipients.Spec{AllContacts: true}},
			want: http.StatusBadRequest,
		},
		{
			name: "invalid json",
			body: "not an object",
			want: http.StatusBadRequest,
		},
		{
			name: "transport down",
			body: SubmitRequest{Payload: transport.Payload{Kind: "text", Text: "x"}, To: recipients.Spec{AllContacts: true}},
			fail: func(transport.Call) error {
				return &transport.Error{Op: "send", StatusCode: http.StatusForbidden, Err: errors.New("logged out")}
			},
			want: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, tt.fail)
			rec := do(t, h, http.MethodPost, "/v1/sessions/s1/posts", tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
			var er ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil || er.Error == "" {
				t.Errorf("error body = %s", rec.Body)
			}
			if tt.want == http.StatusBadGateway && (er.Summary == nil || er.Summary.Failed != 2) {
				t.Errorf("summary = %+v, want failure summary", er.Summary)
			}
		})
	}
}

func TestHandler_SessionAuthorization(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	sub := submitPost(t, h)
	other := auth.WithSessionID(context.Background(), "s2")

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/v1/sessions/s1/posts"},
		{http.MethodGet, "/v1/sessions/s1/posts"},
		{http.MethodDelete, "/v1/sessions/s1/queue"},
		{http.MethodGet, "/v1/posts/" + sub.PostID},
		{http.MethodGet, "/v1/posts/" + sub.PostID + "/engagement"},
		{http.MethodDelete, "/v1/posts/" + sub.PostID},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			rec := do(t, h, p.method, p.path, nil, other)
			if rec.Code != http.StatusForbidden {
				t.Errorf("status = %d, want 403", rec.Code)
			}
		})
	}

	own := auth.WithSessionID(context.Background(), "s1")
	if rec := do(t, h, http.MethodGet, "/v1/posts/"+sub.PostID, nil, own); rec.Code != http.StatusOK {
		t.Errorf("own session status = %d, want 200", rec.Code)
	}
}

func TestHandler_SessionRoutes(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	rec := do(t, h, http.MethodGet, "/v1/sessions/s1/performance", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("performance status = %d, want 404", rec.Code)
	}

	rec = do(t, h, http.MethodDelete, "/v1/sessions/s1/queue", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "{\"abandoned\":0}\n" {
		t.Errorf("abandon = %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodPost, "/v1/sessions/s1/hydrate", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "{\"hydrated\":0}\n" {
		t.Errorf("hydrate = %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodPost, "/v1/posts/missing/resend", ResendRequest{}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("resend missing status = %d, want 404", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", recipients.ErrValidation), http.StatusBadRequest},
		{broadcast.ErrInvalidPayload, http.StatusBadRequest},
		{delivery.ErrInvalidJob, http.StatusBadRequest},
		{auth.ErrUnauthenticated, http.StatusUnauthorized},
		{broadcast.ErrNotFound, http.StatusNotFound},
		{transport.ErrUnknownSession, http.StatusNotFound},
		{engagement.ErrHistoryTimeout, http.StatusGatewayTimeout},
		{broadcast.ErrNothingSent, http.StatusBadGateway},
		{&transport.Error{Op: "send", StatusCode: 500}, http.StatusBadGateway},
		{delivery.ErrQueueClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
