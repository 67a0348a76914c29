// Package jibri drives recording, streaming and SIP gateway sessions on the
// jibri worker fleet.
package jibri

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/focus/xmpp"
)

// Selection timeouts. selectTimeout spreads back-to-back requests across
// workers; failureTimeout keeps a failing worker out of rotation.
const (
	selectTimeout  = 200 * time.Millisecond
	failureTimeout = 60 * time.Second
)

// Selection errors, mapped to stanza errors by the dispatcher.
var (
	// ErrNoInstances means no healthy jibri is registered at all
	ErrNoInstances = fmt.Errorf("no jibri instances")
	// ErrAllBusy means healthy instances exist but none can take a session
	ErrAllBusy = fmt.Errorf("all jibri instances are busy")
)

type instance struct {
	jid          jid.JID
	status       xmpp.JibriWorkerStatus
	lastSelected time.Time
	lastFailed   time.Time
}

// Detector maintains the jibri worker fleet from brewery MUC presence and
// selects workers for new sessions. It implements xmpp.OccupantHandler.
type Detector struct {
	mu        sync.Mutex
	instances map[string]*instance
	now       func() time.Time
}

// NewDetector creates an empty jibri detector.
func NewDetector() *Detector {
	return &Detector{
		instances: make(map[string]*instance),
		now:       time.Now,
	}
}

// OccupantJoined implements xmpp.OccupantHandler.
func (d *Detector) OccupantJoined(o xmpp.Occupant) {
	status, ok := xmpp.ParseJibriWorkerStatus(o)
	if !ok {
		return
	}
	d.mu.Lock()
	d.instances[o.OccupantJID.String()] = &instance{jid: o.OccupantJID, status: status}
	d.mu.Unlock()
	slog.Info("[JibriDetector] Worker joined",
		"jid", o.OccupantJID.String(),
		"healthy", status.Healthy,
		"busy", status.Busy)
}

// OccupantPresenceChanged implements xmpp.OccupantHandler.
func (d *Detector) OccupantPresenceChanged(o xmpp.Occupant) {
	status, ok := xmpp.ParseJibriWorkerStatus(o)
	if !ok {
		return
	}
	d.mu.Lock()
	if inst, found := d.instances[o.OccupantJID.String()]; found {
		inst.status = status
	} else {
		d.instances[o.OccupantJID.String()] = &instance{jid: o.OccupantJID, status: status}
	}
	d.mu.Unlock()
}

// OccupantLeft implements xmpp.OccupantHandler.
func (d *Detector) OccupantLeft(o xmpp.Occupant) {
	d.mu.Lock()
	delete(d.instances, o.OccupantJID.String())
	d.mu.Unlock()
	slog.Info("[JibriDetector] Worker left", "jid", o.OccupantJID.String())
}

// InstanceCount returns the number of known workers.
func (d *Detector) InstanceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.instances)
}

// InstanceFailed puts the worker into the failure cooldown.
func (d *Detector) InstanceFailed(workerJID jid.JID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inst, ok := d.instances[workerJID.String()]; ok {
		inst.lastFailed = d.now()
		slog.Warn("[JibriDetector] Worker failed", "jid", workerJID.String())
	}
}

// SelectJibri picks a worker for a new session: healthy, not busy, not
// selected within selectTimeout, not failed within failureTimeout. Among the
// eligible, the one whose last failure is oldest wins.
func (d *Detector) SelectJibri() (jid.JID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	healthy := 0
	var eligible []*instance
	for _, inst := range d.instances {
		if !inst.status.Healthy {
			continue
		}
		healthy++
		if inst.status.Busy {
			continue
		}
		if now.Sub(inst.lastSelected) < selectTimeout {
			continue
		}
		if !inst.lastFailed.IsZero() && now.Sub(inst.lastFailed) < failureTimeout {
			continue
		}
		eligible = append(eligible, inst)
	}

	if len(eligible) == 0 {
		if healthy == 0 {
			return jid.JID{}, ErrNoInstances
		}
		return jid.JID{}, ErrAllBusy
	}

	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].lastFailed.Equal(eligible[j].lastFailed) {
			return eligible[i].lastFailed.Before(eligible[j].lastFailed)
		}
		return eligible[i].jid.String() < eligible[j].jid.String()
	})

	chosen := eligible[0]
	chosen.lastSelected = now
	slog.Debug("[JibriDetector] Worker selected", "jid", chosen.jid.String())
	return chosen.jid, nil
}
