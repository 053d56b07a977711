// Package cluster implements membership over the coordination backend.
// Each node writes a signed, TTL'd record under a well-known prefix and
// rewrites it every heartbeat interval; peers are discovered by listing
// the prefix and verifying each record's HMAC and freshness. There is no
// leader: any node serves any request.
package cluster

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/coord"
	"github.com/fleetwatch/fleetwatch/internal/crypt"
)

// RecordPrefix is the coordination-backend namespace for node records.
const RecordPrefix = "fleet:cluster:"

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultNodeTimeout       = 30 * time.Second
)

// NodeStatus derives from heartbeat age; it is never stored.
type NodeStatus string

const (
	NodeActive   NodeStatus = "active"
	NodeInactive NodeStatus = "inactive"
)

// Record is the signed membership document written to the backend.
type Record struct {
	NodeID    string    `json:"node_id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Roles     []string  `json:"roles,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	Signature string    `json:"signature"`
}

// NodeSnapshot is a verified peer as seen by the status route.
type NodeSnapshot struct {
	NodeID        string     `json:"node_id"`
	Host          string     `json:"host"`
	Port          int        `json:"port"`
	Roles         []string   `json:"roles,omitempty"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Status        NodeStatus `json:"status"`
	Self          bool       `json:"self"`
}

// Manager owns this node's membership record and heartbeat loop.
type Manager struct {
	backend coord.Backend
	signer  *crypt.NodeSigner
	log     *slog.Logger

	nodeID string
	host   string
	port   int
	roles  []string

	heartbeatInterval time.Duration
	nodeTimeout       time.Duration

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Options configures a Manager.
type Options struct {
	Backend           coord.Backend
	Signer            *crypt.NodeSigner
	Log               *slog.Logger
	Host              string
	Port              int
	Roles             []string
	HeartbeatInterval time.Duration
	NodeTimeout       time.Duration
}

// New derives a node id and prepares the manager. Call Start to register
// and begin heartbeating.
func New(opts Options) (*Manager, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("cluster manager requires a backend")
	}
	if opts.Signer == nil {
		return nil, fmt.Errorf("cluster manager requires a signer")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.NodeTimeout <= 0 {
		opts.NodeTimeout = DefaultNodeTimeout
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	nodeID, err := generateNodeID()
	if err != nil {
		return nil, fmt.Errorf("generate node id: %w", err)
	}

	return &Manager{
		backend:           opts.Backend,
		signer:            opts.Signer,
		log:               opts.Log.With("component", "cluster", "nodeID", nodeID),
		nodeID:            nodeID,
		host:              opts.Host,
		port:              opts.Port,
		roles:             opts.Roles,
		heartbeatInterval: opts.HeartbeatInterval,
		nodeTimeout:       opts.NodeTimeout,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}, nil
}

// NodeID returns this node's identifier, stable per process invocation.
func (m *Manager) NodeID() string { return m.nodeID }

// Start registers the node and launches the heartbeat goroutine. The
// initial registration uses compare-and-set so a node id collision with
// a live peer surfaces instead of silently overwriting its record.
func (m *Manager) Start(ctx context.Context) error {
	rec, err := m.signedRecord()
	if err != nil {
		return err
	}
	err = coord.Retry(ctx, m.log, "cluster register", func() error {
		return m.backend.CompareAndSwap(ctx, m.key(), nil, rec, m.recordTTL())
	})
	if err != nil {
		return fmt.Errorf("register node: %w", err)
	}

	m.started = true
	go m.heartbeatLoop()

	m.log.Info("node registered", "host", m.host, "port", m.port,
		"heartbeat", m.heartbeatInterval, "timeout", m.nodeTimeout)
	return nil
}

// Stop halts the heartbeat and deletes the node record. An abrupt crash
// skips the delete; the record's TTL expires it naturally.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stop)
		if m.started {
			<-m.done
		}

		err := coord.Retry(ctx, m.log, "cluster deregister", func() error {
			return m.backend.Delete(ctx, m.key())
		})
		if err != nil {
			m.log.Warn("failed to delete node record; TTL will expire it", "error", err)
			return
		}
		m.log.Info("node deregistered")
	})
}

// Peers lists all verified node records. Records with bad signatures or
// issued-at outside the skew window are dropped, not surfaced.
func (m *Manager) Peers(ctx context.Context) ([]NodeSnapshot, error) {
	var raw map[string][]byte
	err := coord.Retry(ctx, m.log, "cluster list", func() error {
		var err error
		raw, err = m.backend.List(ctx, RecordPrefix)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	peers := make([]NodeSnapshot, 0, len(raw))
	for key, data := range raw {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			m.log.Warn("discarding unparseable node record", "key", key, "error", err)
			continue
		}
		if err := m.signer.Verify(rec.NodeID, rec.Host, rec.Port, rec.IssuedAt, rec.Signature, now); err != nil {
			m.log.Warn("discarding unverified node record", "key", key, "error", err)
			continue
		}

		status := NodeInactive
		if now.Sub(rec.IssuedAt) <= m.nodeTimeout {
			status = NodeActive
		}
		peers = append(peers, NodeSnapshot{
			NodeID:        rec.NodeID,
			Host:          rec.Host,
			Port:          rec.Port,
			Roles:         rec.Roles,
			LastHeartbeat: rec.IssuedAt,
			Status:        status,
			Self:          rec.NodeID == m.nodeID,
		})
	}
	return peers, nil
}

// Healthy reports whether the coordination backend is reachable.
func (m *Manager) Healthy(ctx context.Context) bool {
	return m.backend.Ping(ctx) == nil
}

func (m *Manager) heartbeatLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.beat()
		}
	}
}

// beat rewrites the node record with a fresh issued-at and signature.
// Plain Put, not CAS: the node owns its key after registration.
func (m *Manager) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), m.heartbeatInterval)
	defer cancel()

	rec, err := m.signedRecord()
	if err != nil {
		m.log.Error("failed to build heartbeat record", "error", err)
		return
	}
	err = coord.Retry(ctx, m.log, "cluster heartbeat", func() error {
		return m.backend.Put(ctx, m.key(), rec, m.recordTTL())
	})
	if err != nil {
		m.log.Warn("heartbeat write failed", "error", err)
	}
}

func (m *Manager) signedRecord() ([]byte, error) {
	now := time.Now()
	rec := Record{
		NodeID:    m.nodeID,
		Host:      m.host,
		Port:      m.port,
		Roles:     m.roles,
		IssuedAt:  now,
		Signature: m.signer.Sign(m.nodeID, m.host, m.port, now),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal node record: %w", err)
	}
	return data, nil
}

func (m *Manager) key() string { return RecordPrefix + m.nodeID }

// recordTTL is 3x the heartbeat interval so two consecutive missed
// writes still leave the record visible.
func (m *Manager) recordTTL() time.Duration { return 3 * m.heartbeatInterval }

// generateNodeID combines the hostname with a random suffix, keeping ids
// readable in the backend while staying unique across restarts.
func generateNodeID() (string, error) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "node"
	}
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hostname + "-" + hex.EncodeToString(b), nil
}
