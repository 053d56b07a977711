package web

import (
	"net/http"

	"github.com/fleetwatch/fleetwatch/internal/cluster"
	"github.com/fleetwatch/fleetwatch/internal/metrics"
)

// apiClusterStatus lists this node and its verified peers.
func (s *Server) apiClusterStatus(w http.ResponseWriter, r *http.Request) {
	nodes := []cluster.NodeSnapshot{}
	if s.deps.Cluster != nil {
		peers, err := s.deps.Cluster.Peers(r.Context())
		if err != nil {
			respondError(w, r, s.deps.Log, err)
			return
		}
		nodes = peers

		active := 0
		for _, n := range nodes {
			if n.Status == cluster.NodeActive {
				active++
			}
		}
		metrics.ClusterPeersActive.Set(float64(active))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"node_id": s.deps.NodeID,
		"backend": s.deps.BackendName,
		"nodes":   nodes,
	})
}

// apiClusterHealth is the load-balancer probe. It bypasses auth by
// design and reports 503 whenever the coordination backend is out of
// reach.
func (s *Server) apiClusterHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backend != nil {
		if err := s.deps.Backend.Ping(r.Context()); err != nil {
			metrics.BackendErrors.WithLabelValues("ping").Inc()
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":  "unhealthy",
				"node_id": s.deps.NodeID,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"node_id": s.deps.NodeID,
	})
}
