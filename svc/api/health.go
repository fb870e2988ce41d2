package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"pasteir/svc/util"
)

type HealthResponse struct {
	Status    string  `json:"status"`
	ErrorRate float64 `json:"error_rate_percent"`
}
type ReadyResponse struct {
	Ready bool   `json:"ready"`
	Store string `json:"store"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s.lim != nil {
		resp.ErrorRate = s.lim.ErrorRate()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// Ready pings the paste store and the grace cache. Either one down makes
// the instance unready since both sit on the read path.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true, Store: "up"}
	if err := s.paste.Ready(ctx); err != nil {
		util.Error().Err(err).Msg("readiness check failed")
		resp.Ready = false
		resp.Store = "down"
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
