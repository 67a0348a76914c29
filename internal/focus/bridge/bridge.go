// Package bridge tracks the media bridge fleet advertised in the brewery MUC
// and implements bridge selection for conferences.
package bridge

import (
	"sync"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/focus/xmpp"
)

// Bridge is one media bridge known from brewery presence.
type Bridge struct {
	jid jid.JID

	mu                 sync.Mutex
	status             xmpp.BridgeStatus
	removed            bool
	lastFailure        time.Time
	lastRestartRequest time.Time

	// endpointAdds holds the instants of recent endpoint allocations, used
	// to bias stress while the bridge's own report lags behind.
	endpointAdds   []time.Time
	rampupInterval time.Duration
	perEndpoint    float64
}

// NewBridge creates a bridge record from its first presence.
func NewBridge(j jid.JID, status xmpp.BridgeStatus, rampupInterval time.Duration, perEndpointStress float64) *Bridge {
	return &Bridge{
		jid:            j,
		status:         status,
		rampupInterval: rampupInterval,
		perEndpoint:    perEndpointStress,
	}
}

// JID returns the bridge's occupant JID.
func (b *Bridge) JID() jid.JID { return b.jid }

// ID returns the string form of the JID, used as a map key.
func (b *Bridge) ID() string { return b.jid.String() }

// UpdateStatus replaces the advertised fields atomically.
func (b *Bridge) UpdateStatus(status xmpp.BridgeStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

// Status returns a copy of the advertised fields.
func (b *Bridge) Status() xmpp.BridgeStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Region returns the advertised region, or "".
func (b *Bridge) Region() string { return b.Status().Region }

// Version returns the advertised version, or "".
func (b *Bridge) Version() string { return b.Status().Version }

// RelayID returns the advertised relay ID, or "".
func (b *Bridge) RelayID() string { return b.Status().RelayID }

// MarkRemoved flags the bridge as gone from the brewery.
func (b *Bridge) MarkRemoved() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = true
}

// IsRemoved reports whether the bridge left the brewery.
func (b *Bridge) IsRemoved() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removed
}

// MarkFailed records a colibri failure, starting the selection cooldown.
func (b *Bridge) MarkFailed(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = now
}

// InFailureCooldown reports whether the last failure is fresher than the
// cooldown window.
func (b *Bridge) InFailureCooldown(now time.Time, cooldown time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.lastFailure.IsZero() && now.Sub(b.lastFailure) < cooldown
}

// MarkRestartRequested records that a restart was requested, resetting the
// failure cooldown so a follow-up start lands here again.
func (b *Bridge) MarkRestartRequested(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastRestartRequest = now
	b.lastFailure = time.Time{}
}

// EndpointAdded records an endpoint allocation for stress correction.
func (b *Bridge) EndpointAdded(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneAddsLocked(now)
	b.endpointAdds = append(b.endpointAdds, now)
}

// EndpointRemoved consumes the oldest pending allocation when an endpoint is
// expired before the bridge's stress report caught up with the add. Removals
// beyond what is pending are ignored, so the correction never goes negative.
func (b *Bridge) EndpointRemoved(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneAddsLocked(now)
	if len(b.endpointAdds) > 0 {
		b.endpointAdds = b.endpointAdds[1:]
	}
}

func (b *Bridge) pruneAddsLocked(now time.Time) {
	cutoff := now.Add(-b.rampupInterval)
	kept := b.endpointAdds[:0]
	for _, at := range b.endpointAdds {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	b.endpointAdds = kept
}

// CorrectedStress is the advertised stress plus a charge for endpoints added
// within the ramp-up interval, damping thundering-herd allocation onto a
// freshly empty bridge.
func (b *Bridge) CorrectedStress(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneAddsLocked(now)
	return b.status.Stress + float64(len(b.endpointAdds))*b.perEndpoint
}

// IsOperational reports whether the bridge is present and healthy.
func (b *Bridge) IsOperational() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.removed && b.status.Operational
}
