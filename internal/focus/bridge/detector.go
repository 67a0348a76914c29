package bridge

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/confmesh/focus/internal/focus/xmpp"
)

// Listener observes fleet changes. Callbacks run on the XMPP layer's threads;
// implementations enqueue and return.
type Listener interface {
	BridgeAdded(b *Bridge)
	BridgeRemoved(b *Bridge)
	BridgeBecameNonOperational(b *Bridge)
}

// DetectorConfig configures the bridge brewery detector.
type DetectorConfig struct {
	// RampupInterval bounds how long a new endpoint keeps inflating the
	// corrected stress of its bridge.
	RampupInterval time.Duration
	// PerEndpointStress is the stress each recently added endpoint charges.
	PerEndpointStress float64
}

// Detector maintains the bridge fleet from brewery MUC presence. It
// implements xmpp.OccupantHandler.
type Detector struct {
	cfg DetectorConfig

	mu        sync.RWMutex
	bridges   map[string]*Bridge
	listeners []Listener
}

// NewDetector creates an empty detector.
func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{
		cfg:     cfg,
		bridges: make(map[string]*Bridge),
	}
}

// AddListener registers a fleet listener.
func (d *Detector) AddListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

func (d *Detector) snapshotListeners() []Listener {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Listener(nil), d.listeners...)
}

// OccupantJoined implements xmpp.OccupantHandler.
func (d *Detector) OccupantJoined(o xmpp.Occupant) {
	status, ok := xmpp.ParseBridgeStatus(o)
	if !ok {
		slog.Debug("[BridgeDetector] Ignoring occupant without bridge status", "jid", o.OccupantJID.String())
		return
	}

	b := NewBridge(o.OccupantJID, status, d.cfg.RampupInterval, d.cfg.PerEndpointStress)

	d.mu.Lock()
	d.bridges[b.ID()] = b
	d.mu.Unlock()

	slog.Info("[BridgeDetector] Bridge joined",
		"jid", b.ID(),
		"region", status.Region,
		"version", status.Version,
		"stress", status.Stress)

	for _, l := range d.snapshotListeners() {
		l.BridgeAdded(b)
	}
}

// OccupantPresenceChanged implements xmpp.OccupantHandler.
func (d *Detector) OccupantPresenceChanged(o xmpp.Occupant) {
	status, ok := xmpp.ParseBridgeStatus(o)
	if !ok {
		return
	}

	d.mu.RLock()
	b := d.bridges[o.OccupantJID.String()]
	d.mu.RUnlock()
	if b == nil {
		// Presence before join can happen on reconnect races; treat as join.
		d.OccupantJoined(o)
		return
	}

	wasOperational := b.IsOperational()
	b.UpdateStatus(status)

	if wasOperational && (!status.Operational || status.Drain) {
		slog.Warn("[BridgeDetector] Bridge no longer accepting endpoints",
			"jid", b.ID(),
			"operational", status.Operational,
			"drain", status.Drain)
		if !status.Operational {
			for _, l := range d.snapshotListeners() {
				l.BridgeBecameNonOperational(b)
			}
		}
	}
}

// OccupantLeft implements xmpp.OccupantHandler.
func (d *Detector) OccupantLeft(o xmpp.Occupant) {
	id := o.OccupantJID.String()

	d.mu.Lock()
	b := d.bridges[id]
	delete(d.bridges, id)
	d.mu.Unlock()

	if b == nil {
		return
	}
	b.MarkRemoved()

	slog.Info("[BridgeDetector] Bridge left", "jid", id)
	for _, l := range d.snapshotListeners() {
		l.BridgeRemoved(b)
	}
}

// Get returns the bridge with the given JID string, or nil.
func (d *Detector) Get(id string) *Bridge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.bridges[id]
}

// Snapshot returns all known bridges ordered by JID.
func (d *Detector) Snapshot() []*Bridge {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Bridge, 0, len(d.bridges))
	for _, b := range d.bridges {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// OperationalCount returns how many bridges are currently operational.
func (d *Detector) OperationalCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, b := range d.bridges {
		if b.IsOperational() {
			n++
		}
	}
	return n
}
