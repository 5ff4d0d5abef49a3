package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStats reports delivery queue occupancy.
type QueueStats interface {
	ActiveSessions() int
	Pending() int
}

type Status struct {
	OK             bool   `json:"ok"`
	Message        string `json:"message,omitempty"`
	Database       bool   `json:"database,omitempty"`
	ActiveSessions int    `json:"active_sessions"`
	PendingJobs    int    `json:"pending_jobs"`
}

// HTTPHandler returns an HTTP handler that reports the health status of the relay.
// A nil pinger means the relay runs without durable storage.
func HTTPHandler(db Pinger, queue QueueStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: db != nil}

		if queue != nil {
			st.ActiveSessions = queue.ActiveSessions()
			st.PendingJobs = queue.Pending()
		}

		code := http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}
