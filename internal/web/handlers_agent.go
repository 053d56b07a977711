package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/crypt"
	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/fleet"
	"github.com/fleetwatch/fleetwatch/internal/metrics"
)

// maxBodySize bounds any agent request body.
const maxBodySize = 1 << 20

// reportRequest is the plaintext shape of an ingestion call.
type reportRequest struct {
	MachineID string         `json:"machine_id"`
	Info      map[string]any `json:"info"`
	Metrics   map[string]any `json:"metrics"`
}

// ackRequest is the plaintext shape of a command acknowledgement.
type ackRequest struct {
	CommandID string         `json:"command_id"`
	Result    map[string]any `json:"result"`
}

// widgetLogsRequest is a forwarded widget log batch.
type widgetLogsRequest struct {
	MachineID string                 `json:"machine_id"`
	Entries   []fleet.WidgetLogEntry `json:"entries"`
}

// decodeBody reads a request body that is either plain JSON or an
// encrypted envelope, and unmarshals the plaintext into v. Envelopes
// require the wire cipher; receiving one without a configured key is a
// client error, not a server fault.
func (s *Server) decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return badRequest("unreadable body")
	}
	if len(body) > maxBodySize {
		return badRequest("body too large")
	}
	if len(body) == 0 {
		return badRequest("empty body")
	}

	if crypt.IsEnvelope(body) {
		if s.deps.Cipher == nil {
			return badRequest("encrypted payload but no key configured")
		}
		var env crypt.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return crypt.ErrBadEnvelope
		}
		body, err = s.deps.Cipher.Decrypt(&env)
		if err != nil {
			metrics.DecryptFailures.Inc()
			return err
		}
	}

	if err := json.Unmarshal(body, v); err != nil {
		return badRequest("malformed JSON")
	}
	return nil
}

// apiReport ingests one telemetry report and returns any queued commands
// on the same round trip.
func (s *Server) apiReport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req reportRequest
	if err := s.decodeBody(r, &req); err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}
	if req.MachineID == "" {
		respondError(w, r, s.deps.Log, badRequest("machine_id is required"))
		return
	}

	known := s.deps.Store.Exists(req.MachineID)
	commands := s.deps.Store.Report(req.MachineID, req.Info, req.Metrics)
	if commands == nil {
		commands = []fleet.Command{}
	}

	metrics.IngestTotal.Inc()
	metrics.IngestDuration.Observe(time.Since(start).Seconds())
	if !known {
		s.deps.Bus.Publish(events.Event{
			Type:      events.EventMachineOnline,
			MachineID: req.MachineID,
			Message:   fmt.Sprintf("machine %s first report", req.MachineID),
			Timestamp: time.Now(),
		})
	}
	if len(commands) > 0 {
		metrics.CommandsTotal.WithLabelValues("delivered").Add(float64(len(commands)))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"commands": commands,
	})
}

// apiPollCommands delivers pending commands for a machine without a
// fresh report.
func (s *Server) apiPollCommands(w http.ResponseWriter, r *http.Request) {
	machineID := r.PathValue("machine_id")

	commands := s.deps.Store.DeliverPending(machineID)
	if commands == nil {
		commands = []fleet.Command{}
	}
	if len(commands) > 0 {
		metrics.CommandsTotal.WithLabelValues("delivered").Add(float64(len(commands)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands})
}

// apiAckCommand records an agent's command result.
func (s *Server) apiAckCommand(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := s.decodeBody(r, &req); err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}
	if req.CommandID == "" {
		respondError(w, r, s.deps.Log, badRequest("command_id is required"))
		return
	}
	if req.Result != nil {
		encoded, err := json.Marshal(req.Result)
		if err != nil || len(encoded) > s.deps.Store.ResultLimit() {
			respondError(w, r, s.deps.Log, badRequest("result exceeds size limit"))
			return
		}
	}

	if err := s.deps.Store.AckCommand(req.CommandID, req.Result); err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}

	metrics.CommandsTotal.WithLabelValues("acknowledged").Inc()
	s.deps.Bus.Publish(events.Event{
		Type:      events.EventCommandAcked,
		MachineID: r.PathValue("machine_id"),
		Message:   fmt.Sprintf("command %s acknowledged", req.CommandID),
		Timestamp: time.Now(),
	})

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// apiWidgetLogs accepts a batch of display-widget log lines.
func (s *Server) apiWidgetLogs(w http.ResponseWriter, r *http.Request) {
	var req widgetLogsRequest
	if err := s.decodeBody(r, &req); err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}
	if req.MachineID == "" {
		respondError(w, r, s.deps.Log, badRequest("machine_id is required"))
		return
	}

	count := s.deps.Store.AppendWidgetLogs(req.MachineID, req.Entries)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": count})
}
