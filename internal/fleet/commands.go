package fleet

import (
	"time"

	"github.com/google/uuid"
)

// CommandStatus tracks a command through its monotonic lifecycle:
// pending -> delivered -> acknowledged, with any state able to expire.
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandDelivered    CommandStatus = "delivered"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandExpired      CommandStatus = "expired"
)

// Command is a server-minted instruction for one target machine.
type Command struct {
	ID             string         `json:"id"`
	MachineID      string         `json:"machine_id"`
	Action         string         `json:"action"`
	Params         map[string]any `json:"params,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Status         CommandStatus  `json:"status"`
}

func copyCommand(c *Command) Command {
	out := *c
	out.Params = copyMap(c.Params)
	out.Result = copyMap(c.Result)
	if c.DeliveredAt != nil {
		t := *c.DeliveredAt
		out.DeliveredAt = &t
	}
	if c.AcknowledgedAt != nil {
		t := *c.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	return out
}

// EnqueueCommand creates a pending command for machineID and returns its
// id. Fails with ErrUnknownMachine for machines that have never reported.
func (s *Store) EnqueueCommand(machineID, action string, params map[string]any) (string, error) {
	if !s.Exists(machineID) {
		return "", ErrUnknownMachine
	}

	now := s.clock.Now()

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	// Collision on a fresh UUID is effectively impossible, but the
	// contract is to re-mint invisibly rather than surface a conflict.
	id := uuid.NewString()
	for s.commands[id] != nil || s.pendingHasIDLocked(id) {
		id = uuid.NewString()
	}

	cmd := &Command{
		ID:        id,
		MachineID: machineID,
		Action:    action,
		Params:    copyMap(params),
		CreatedAt: now,
		Status:    CommandPending,
	}
	s.pending[machineID] = append(s.pending[machineID], cmd)
	return id, nil
}

// DeliverPending atomically drains the pending queue for machineID,
// marks each command delivered, indexes it by id, and returns copies in
// insertion order.
func (s *Store) DeliverPending(machineID string) []Command {
	now := s.clock.Now()

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	queue := s.pending[machineID]
	if len(queue) == 0 {
		return nil
	}
	delete(s.pending, machineID)

	out := make([]Command, 0, len(queue))
	for _, cmd := range queue {
		t := now
		cmd.Status = CommandDelivered
		cmd.DeliveredAt = &t
		s.commands[cmd.ID] = cmd
		out = append(out, copyCommand(cmd))
	}
	return out
}

// AckCommand marks a delivered command acknowledged and records its
// result. Unknown ids and repeated acks fail with ErrBadCommand.
func (s *Store) AckCommand(commandID string, result map[string]any) error {
	now := s.clock.Now()

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	cmd, ok := s.commands[commandID]
	if !ok || cmd.Status != CommandDelivered {
		return ErrBadCommand
	}
	t := now
	cmd.Status = CommandAcknowledged
	cmd.AcknowledgedAt = &t
	cmd.Result = copyMap(result)
	return nil
}

// GetCommand returns a copy of a delivered, acknowledged, or expired command.
func (s *Store) GetCommand(commandID string) (*Command, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	cmd, ok := s.commands[commandID]
	if !ok {
		return nil, ErrBadCommand
	}
	out := copyCommand(cmd)
	return &out, nil
}

// ExpireCommands transitions commands older than the TTL to expired and
// returns how many moved. Pending commands are dropped from their queue;
// delivered-but-unacknowledged ones are marked in place. Run on a
// schedule by the owner.
func (s *Store) ExpireCommands() int {
	now := s.clock.Now()
	cutoff := now.Add(-s.commandTTL)
	expired := 0

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	for machineID, queue := range s.pending {
		kept := queue[:0]
		for _, cmd := range queue {
			if cmd.CreatedAt.Before(cutoff) {
				cmd.Status = CommandExpired
				s.commands[cmd.ID] = cmd
				expired++
				continue
			}
			kept = append(kept, cmd)
		}
		if len(kept) == 0 {
			delete(s.pending, machineID)
		} else {
			s.pending[machineID] = kept
		}
	}

	for _, cmd := range s.commands {
		if cmd.Status == CommandDelivered && cmd.CreatedAt.Before(cutoff) {
			cmd.Status = CommandExpired
			expired++
		}
	}
	return expired
}

// ResultLimit exposes the configured ack payload cap for the HTTP layer.
func (s *Store) ResultLimit() int { return s.resultLimit }

func (s *Store) pendingHasIDLocked(id string) bool {
	for _, queue := range s.pending {
		for _, cmd := range queue {
			if cmd.ID == id {
				return true
			}
		}
	}
	return false
}
