package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/crypt"
)

// snapshotSchemaVersion guards against loading snapshots written by an
// incompatible release.
const snapshotSchemaVersion = 1

// snapshotFile is the on-disk layout. Opaque fields are raw JSON when no
// at-rest key is configured, and crypt envelopes otherwise; machine ids,
// timestamps, and action names stay queryable plaintext either way.
type snapshotFile struct {
	SchemaVersion int                           `json:"schema_version"`
	Machines      map[string]persistedMachine   `json:"machines"`
	Commands      map[string]persistedCommand   `json:"commands"`
	Pending       map[string][]persistedCommand `json:"pending_commands"`
	SavedAt       time.Time                     `json:"saved_at"`
}

type persistedMachine struct {
	ID        string             `json:"id"`
	Info      json.RawMessage    `json:"info,omitempty"`
	Metrics   json.RawMessage    `json:"metrics,omitempty"`
	FirstSeen time.Time          `json:"first_seen"`
	LastSeen  time.Time          `json:"last_seen"`
	History   []persistedHistory `json:"history"`
}

type persistedHistory struct {
	Timestamp time.Time       `json:"timestamp"`
	Metrics   json.RawMessage `json:"metrics,omitempty"`
}

type persistedCommand struct {
	ID             string          `json:"id"`
	MachineID      string          `json:"machine_id"`
	Action         string          `json:"action"`
	Params         json.RawMessage `json:"params,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Status         CommandStatus   `json:"status"`
}

// Persister snapshots the store to a single file on a cadence and on
// graceful shutdown. Best-effort: a crash loses at most one interval.
type Persister struct {
	store  *Store
	path   string
	cipher *crypt.Cipher // nil = plaintext at rest
}

// NewPersister wires a store to its snapshot file. cipher may be nil.
func NewPersister(store *Store, path string, cipher *crypt.Cipher) *Persister {
	return &Persister{store: store, path: path, cipher: cipher}
}

// Save writes the snapshot atomically (temp file + rename).
func (p *Persister) Save() error {
	snap, err := p.encode()
	if err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load restores the registry and command state from the snapshot file.
// A missing file is not an error; the store starts empty.
func (p *Persister) Load() error {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.SchemaVersion != snapshotSchemaVersion {
		return fmt.Errorf("unsupported snapshot schema %d", snap.SchemaVersion)
	}
	return p.decode(&snap)
}

func (p *Persister) encode() (*snapshotFile, error) {
	snap := &snapshotFile{
		SchemaVersion: snapshotSchemaVersion,
		Machines:      make(map[string]persistedMachine),
		Commands:      make(map[string]persistedCommand),
		Pending:       make(map[string][]persistedCommand),
		SavedAt:       p.store.clock.Now(),
	}

	s := p.store
	s.mu.RLock()
	for id, m := range s.machines {
		pm := persistedMachine{
			ID:        m.id,
			FirstSeen: m.firstSeen,
			LastSeen:  m.lastSeen,
		}
		var err error
		if pm.Info, err = p.sealMap(m.info); err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		if pm.Metrics, err = p.sealMap(m.metrics); err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		for _, h := range m.history {
			sealed, err := p.sealMap(h.Metrics)
			if err != nil {
				s.mu.RUnlock()
				return nil, err
			}
			pm.History = append(pm.History, persistedHistory{Timestamp: h.Timestamp, Metrics: sealed})
		}
		snap.Machines[id] = pm
	}
	s.mu.RUnlock()

	s.cmdMu.Lock()
	for id, cmd := range s.commands {
		pc, err := p.sealCommand(cmd)
		if err != nil {
			s.cmdMu.Unlock()
			return nil, err
		}
		snap.Commands[id] = pc
	}
	for machineID, queue := range s.pending {
		for _, cmd := range queue {
			pc, err := p.sealCommand(cmd)
			if err != nil {
				s.cmdMu.Unlock()
				return nil, err
			}
			snap.Pending[machineID] = append(snap.Pending[machineID], pc)
		}
	}
	s.cmdMu.Unlock()

	return snap, nil
}

func (p *Persister) decode(snap *snapshotFile) error {
	s := p.store

	s.mu.Lock()
	s.machines = make(map[string]*machine, len(snap.Machines))
	for id, pm := range snap.Machines {
		m := &machine{id: id, firstSeen: pm.FirstSeen, lastSeen: pm.LastSeen}
		var err error
		if m.info, err = p.openMap(pm.Info); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("machine %s info: %w", id, err)
		}
		if m.metrics, err = p.openMap(pm.Metrics); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("machine %s metrics: %w", id, err)
		}
		for _, h := range pm.History {
			metrics, err := p.openMap(h.Metrics)
			if err != nil {
				s.mu.Unlock()
				return fmt.Errorf("machine %s history: %w", id, err)
			}
			m.history = append(m.history, HistoryEntry{Timestamp: h.Timestamp, Metrics: metrics})
		}
		s.machines[id] = m
	}
	s.mu.Unlock()

	s.cmdMu.Lock()
	s.commands = make(map[string]*Command, len(snap.Commands))
	s.pending = make(map[string][]*Command)
	for id, pc := range snap.Commands {
		cmd, err := p.openCommand(pc)
		if err != nil {
			s.cmdMu.Unlock()
			return fmt.Errorf("command %s: %w", id, err)
		}
		s.commands[id] = cmd
	}
	for machineID, queue := range snap.Pending {
		for _, pc := range queue {
			cmd, err := p.openCommand(pc)
			if err != nil {
				s.cmdMu.Unlock()
				return fmt.Errorf("pending command %s: %w", pc.ID, err)
			}
			s.pending[machineID] = append(s.pending[machineID], cmd)
		}
	}
	s.cmdMu.Unlock()

	return nil
}

func (p *Persister) sealCommand(cmd *Command) (persistedCommand, error) {
	pc := persistedCommand{
		ID:             cmd.ID,
		MachineID:      cmd.MachineID,
		Action:         cmd.Action,
		CreatedAt:      cmd.CreatedAt,
		DeliveredAt:    cmd.DeliveredAt,
		AcknowledgedAt: cmd.AcknowledgedAt,
		Status:         cmd.Status,
	}
	var err error
	if pc.Params, err = p.sealMap(cmd.Params); err != nil {
		return pc, err
	}
	pc.Result, err = p.sealMap(cmd.Result)
	return pc, err
}

func (p *Persister) openCommand(pc persistedCommand) (*Command, error) {
	cmd := &Command{
		ID:             pc.ID,
		MachineID:      pc.MachineID,
		Action:         pc.Action,
		CreatedAt:      pc.CreatedAt,
		DeliveredAt:    pc.DeliveredAt,
		AcknowledgedAt: pc.AcknowledgedAt,
		Status:         pc.Status,
	}
	var err error
	if cmd.Params, err = p.openMap(pc.Params); err != nil {
		return nil, err
	}
	cmd.Result, err = p.openMap(pc.Result)
	return cmd, err
}

// sealMap marshals a mapping, encrypting it when an at-rest key is set.
func (p *Persister) sealMap(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	plain, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal field: %w", err)
	}
	if p.cipher == nil {
		return plain, nil
	}
	sealed, err := p.cipher.EncryptField(plain)
	if err != nil {
		return nil, fmt.Errorf("encrypt field: %w", err)
	}
	return sealed, nil
}

// openMap reverses sealMap, tolerating plaintext snapshots from before
// an at-rest key was configured.
func (p *Persister) openMap(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	plain := []byte(raw)
	if p.cipher != nil && crypt.IsEnvelope(plain) {
		var err error
		plain, err = p.cipher.DecryptField(plain)
		if err != nil {
			return nil, err
		}
	}
	var m map[string]any
	if err := json.Unmarshal(plain, &m); err != nil {
		return nil, fmt.Errorf("unmarshal field: %w", err)
	}
	return m, nil
}
