package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

type statsResponse struct {
	Online     []string `json:"online"`
	Groups     int      `json:"groups"`
	QueueDepth int      `json:"queue_depth"`
}

func (s *Server) manageRouter() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.HandleFunc("/v1/stats", s.handleStats).Methods("GET")
	router.Handle("/metrics", s.telemetry.Handler()).Methods("GET")
	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := statsResponse{
		Online:     s.registry.ListOnline(),
		Groups:     s.directory.Count(),
		QueueDepth: s.dispatcher.QueueDepth(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&stats); err != nil {
		s.log.Warnf("stats encode failure: %v", err)
	}
}
