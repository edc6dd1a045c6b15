package health

import (
	"context"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/austindbirch/harbor_beacon/internal/delivery"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Pinger is satisfied by *pgxpool.Pool
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueProbe is satisfied by *delivery.Queue
type QueueProbe interface {
	Stats() delivery.Stats
}

type Status struct {
	OK       bool            `json:"ok"`
	Message  string          `json:"message,omitempty"`
	Database bool            `json:"database,omitempty"`
	Queue    *delivery.Stats `json:"queue,omitempty"`
}

// HTTPHandler returns an HTTP handler that reports the health status of the
// relay. Either probe may be nil.
func HTTPHandler(pool Pinger, queue QueueProbe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true}

		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}
		if queue != nil {
			stats := queue.Stats()
			st.Queue = &stats
			if stats.ShuttingDown && st.OK {
				st.OK = false
				st.Message = "delivery queue shutting down"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
