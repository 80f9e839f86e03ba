package httpapi

import "net/http"

func (s *Server) handlePerfStages(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}
