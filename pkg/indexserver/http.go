package indexserver

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TeoSlayer/topicbus/pkg/registry"
)

// StatsResponse is the JSON document served at /api/stats. Peer addresses
// and message contents are not exposed.
type StatsResponse struct {
	registry.Stats
	Connections   int      `json:"connections"`
	TotalRequests int64    `json:"total_requests"`
	UptimeSecs    int64    `json:"uptime_secs"`
	TopicNames    []string `json:"topic_names"`
}

// Stats returns the current server and registry statistics.
func (s *Server) Stats() StatsResponse {
	topics := s.reg.Topics()
	if topics == nil {
		topics = []string{}
	}
	return StatsResponse{
		Stats:         s.reg.Stats(),
		Connections:   s.ActiveConnections(),
		TotalRequests: s.requestCount.Load(),
		UptimeSecs:    int64(s.clock.Since(s.startTime).Seconds()),
		TopicNames:    topics,
	}
}

// Gatherer exposes the server's metric registry.
func (s *Server) Gatherer() prometheus.Gatherer {
	return s.promReg
}

// Handler serves /metrics, /api/stats and the pprof endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Stats())
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return mux
}
