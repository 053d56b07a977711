package fleet

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/clock"
)

// Store owns all machine records, command state, and widget log tails.
//
// Locking: machines are guarded by an RWMutex so dashboard reads of
// distinct machines do not serialize; commands use their own mutex.
// Acquisition order is fixed — machines before commands, never the
// reverse — and no method holds both at once.
type Store struct {
	log   *slog.Logger
	clock clock.Clock

	historySize  int
	onlineWindow time.Duration
	staleWindow  time.Duration
	commandTTL   time.Duration
	resultLimit  int

	mu       sync.RWMutex
	machines map[string]*machine

	cmdMu    sync.Mutex
	pending  map[string][]*Command // machine id -> queued commands, insertion order
	commands map[string]*Command   // command id -> delivered/acked/expired commands

	logMu      sync.Mutex
	widgetLogs map[string][]WidgetLogEntry
}

// Options configures a Store. Zero values fall back to the defaults.
type Options struct {
	HistorySize  int
	OnlineWindow time.Duration
	StaleWindow  time.Duration
	CommandTTL   time.Duration
	ResultLimit  int
	Clock        clock.Clock
	Log          *slog.Logger
}

// DefaultCommandTTL expires unacknowledged commands.
const DefaultCommandTTL = 15 * time.Minute

// DefaultResultLimit caps an ack's result payload.
const DefaultResultLimit = 64 * 1024

// NewStore creates an empty Store.
func NewStore(opts Options) *Store {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.OnlineWindow <= 0 {
		opts.OnlineWindow = DefaultOnlineWindow
	}
	if opts.StaleWindow <= 0 {
		opts.StaleWindow = DefaultStaleWindow
	}
	if opts.CommandTTL <= 0 {
		opts.CommandTTL = DefaultCommandTTL
	}
	if opts.ResultLimit <= 0 {
		opts.ResultLimit = DefaultResultLimit
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Store{
		log:          opts.Log.With("component", "fleet-store"),
		clock:        opts.Clock,
		historySize:  opts.HistorySize,
		onlineWindow: opts.OnlineWindow,
		staleWindow:  opts.StaleWindow,
		commandTTL:   opts.CommandTTL,
		resultLimit:  opts.ResultLimit,
		machines:     make(map[string]*machine),
		pending:      make(map[string][]*Command),
		commands:     make(map[string]*Command),
		widgetLogs:   make(map[string][]WidgetLogEntry),
	}
}

// Update upserts the machine record, stamps last-seen, and appends one
// history entry, evicting the oldest when the ring is full. A machine
// entry is created on first ingestion and never deleted here.
func (s *Store) Update(machineID string, info, metrics map[string]any) {
	now := s.clock.Now()

	s.mu.Lock()
	m, ok := s.machines[machineID]
	if !ok {
		m = &machine{id: machineID, firstSeen: now}
		s.machines[machineID] = m
	}
	if info != nil {
		m.info = copyMap(info)
	}
	m.metrics = copyMap(metrics)
	m.lastSeen = now

	m.history = append(m.history, HistoryEntry{Timestamp: now, Metrics: copyMap(metrics)})
	if len(m.history) > s.historySize {
		// FIFO eviction; shift rather than re-slice so the backing array
		// does not pin evicted entries.
		copy(m.history, m.history[1:])
		m.history = m.history[:s.historySize]
	}
	s.mu.Unlock()
}

// Report is the ingestion hot path: update the machine, then collect its
// pending commands so the agent sees them on the same round trip. The
// machine lock is released before the command lock is taken.
func (s *Store) Report(machineID string, info, metrics map[string]any) []Command {
	s.Update(machineID, info, metrics)
	return s.DeliverPending(machineID)
}

// Get returns a deep snapshot of one machine.
func (s *Store) Get(machineID string) (*MachineSnapshot, error) {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.machines[machineID]
	if !ok {
		return nil, ErrUnknownMachine
	}
	snap := s.snapshotLocked(m, now)
	return &snap, nil
}

// List returns snapshots of all machines with status computed at call time.
func (s *Store) List() []MachineSnapshot {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]MachineSnapshot, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, s.snapshotLocked(m, now))
	}
	return out
}

// Summary counts machines by derived status.
func (s *Store) Summary() Summary {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{Total: len(s.machines)}
	for _, m := range s.machines {
		switch deriveStatus(m.lastSeen, now, s.onlineWindow, s.staleWindow) {
		case StatusOnline:
			sum.Online++
		case StatusStale:
			sum.Stale++
		default:
			sum.Offline++
		}
	}
	return sum
}

// History returns entries with timestamp strictly after since, oldest
// first. A zero since returns the whole retained tail.
func (s *Store) History(machineID string, since time.Time) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.machines[machineID]
	if !ok {
		return nil, ErrUnknownMachine
	}

	out := make([]HistoryEntry, 0, len(m.history))
	for _, e := range m.history {
		if e.Timestamp.After(since) {
			out = append(out, HistoryEntry{Timestamp: e.Timestamp, Metrics: copyMap(e.Metrics)})
		}
	}
	return out, nil
}

// Exists reports whether a machine has ever reported.
func (s *Store) Exists(machineID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.machines[machineID]
	return ok
}

// snapshotLocked deep-copies a record. Caller holds mu.
func (s *Store) snapshotLocked(m *machine, now time.Time) MachineSnapshot {
	return MachineSnapshot{
		ID:        m.id,
		Info:      copyMap(m.info),
		Metrics:   copyMap(m.metrics),
		FirstSeen: m.firstSeen,
		LastSeen:  m.lastSeen,
		Status:    deriveStatus(m.lastSeen, now, s.onlineWindow, s.staleWindow),
	}
}
