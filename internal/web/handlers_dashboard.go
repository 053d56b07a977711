package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/fleet"
	"github.com/fleetwatch/fleetwatch/internal/metrics"
)

// apiMachines lists all machines with derived status.
func (s *Server) apiMachines(w http.ResponseWriter, r *http.Request) {
	machines := s.deps.Store.List()
	if machines == nil {
		machines = []fleet.MachineSnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": machines})
}

// apiSummary returns fleet counts by status and refreshes the gauges.
func (s *Server) apiSummary(w http.ResponseWriter, r *http.Request) {
	sum := s.deps.Store.Summary()

	metrics.MachinesByStatus.WithLabelValues(string(fleet.StatusOnline)).Set(float64(sum.Online))
	metrics.MachinesByStatus.WithLabelValues(string(fleet.StatusStale)).Set(float64(sum.Stale))
	metrics.MachinesByStatus.WithLabelValues(string(fleet.StatusOffline)).Set(float64(sum.Offline))

	writeJSON(w, http.StatusOK, sum)
}

// apiMachine returns one machine snapshot.
func (s *Server) apiMachine(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Store.Get(r.PathValue("id"))
	if err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machine": snap})
}

// apiHistory returns a machine's retained history, optionally bounded by
// ?since=<RFC3339>.
func (s *Server) apiHistory(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			respondError(w, r, s.deps.Log, badRequest("since must be RFC3339"))
			return
		}
		since = parsed
	}

	entries, err := s.deps.Store.History(r.PathValue("id"), since)
	if err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}
	if entries == nil {
		entries = []fleet.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// apiReadWidgetLogs returns the stored widget log tail for a machine.
func (s *Server) apiReadWidgetLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Store.Exists(id) {
		respondError(w, r, s.deps.Log, fleet.ErrUnknownMachine)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.deps.Store.WidgetLogs(id)})
}

// apiEnqueueCommand queues a command for a machine's next poll.
func (s *Server) apiEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MachineID string         `json:"machine_id"`
		Action    string         `json:"action"`
		Params    map[string]any `json:"params"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		respondError(w, r, s.deps.Log, badRequest("malformed JSON"))
		return
	}
	if req.MachineID == "" || req.Action == "" {
		respondError(w, r, s.deps.Log, badRequest("machine_id and action are required"))
		return
	}

	id, err := s.deps.Store.EnqueueCommand(req.MachineID, req.Action, req.Params)
	if err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}

	metrics.CommandsTotal.WithLabelValues("queued").Inc()
	s.deps.Bus.Publish(events.Event{
		Type:      events.EventCommandQueued,
		MachineID: req.MachineID,
		Message:   fmt.Sprintf("command %s (%s) queued", id, req.Action),
		Timestamp: time.Now(),
	})

	writeJSON(w, http.StatusOK, map[string]string{"command_id": id})
}

// apiCreateUser adds a dashboard account. Password hashes never appear
// in any response.
func (s *Server) apiCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		respondError(w, r, s.deps.Log, badRequest("malformed JSON"))
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, r, s.deps.Log, badRequest("username and password are required"))
		return
	}
	if req.Role == "" {
		req.Role = "viewer"
	}

	if err := s.deps.Users.Create(r.Context(), req.Username, req.Password, req.Role); err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "username": req.Username})
}
