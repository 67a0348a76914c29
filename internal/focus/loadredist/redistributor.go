// Package loadredist moves endpoints between bridges on operator request,
// e.g. to drain a bridge before maintenance.
package loadredist

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/focus/bridge"
)

// Move errors, mapped to HTTP statuses by the admin API.
var (
	ErrBridgeNotFound     = errors.New("bridge not found")
	ErrConferenceNotFound = errors.New("conference not found")
	ErrMissingParameter   = errors.New("missing parameter")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrMoveFailed         = errors.New("move failed")
)

// Result reports a completed redistribution.
type Result struct {
	MovedEndpoints int `json:"movedEndpoints"`
	Conferences    int `json:"conferences"`
}

// Conference is the slice of a conference the redistributor drives.
type Conference interface {
	RoomJID() jid.JID
	EndpointsOnBridge(bridgeID string) []string
	MoveEndpoint(endpointID string) error
	MoveEndpointsFromBridge(bridgeID string, count int) int
}

// ConferenceStore looks up live conferences.
type ConferenceStore interface {
	ConferenceByRoom(room jid.JID) (Conference, bool)
	AllConferences() []Conference
}

// Redistributor implements the operator move commands.
type Redistributor struct {
	detector    *bridge.Detector
	conferences ConferenceStore
}

// NewRedistributor creates a redistributor over the bridge fleet and
// conference store.
func NewRedistributor(detector *bridge.Detector, conferences ConferenceStore) *Redistributor {
	return &Redistributor{
		detector:    detector,
		conferences: conferences,
	}
}

// MoveEndpoint moves exactly one endpoint off its bridge. With a non-empty
// expectedBridgeID the move only happens when the endpoint currently sits on
// that bridge.
func (r *Redistributor) MoveEndpoint(conferenceID, endpointID, expectedBridgeID string) (Result, error) {
	if conferenceID == "" || endpointID == "" {
		return Result{}, fmt.Errorf("%w: conference and endpoint are required", ErrMissingParameter)
	}
	room, err := jid.Parse(conferenceID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: conference %q: %v", ErrInvalidParameter, conferenceID, err)
	}
	c, ok := r.conferences.ConferenceByRoom(room)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrConferenceNotFound, conferenceID)
	}

	if expectedBridgeID != "" && !hasEndpoint(c, expectedBridgeID, endpointID) {
		slog.Info("[LoadRedist] Endpoint not on the expected bridge, not moved",
			"conference", conferenceID,
			"endpoint", endpointID,
			"bridge", expectedBridgeID)
		return Result{}, nil
	}

	if err := c.MoveEndpoint(endpointID); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMoveFailed, err)
	}
	return Result{MovedEndpoints: 1, Conferences: 1}, nil
}

// MoveEndpoints moves up to count endpoints off the bridge. With a non-empty
// conferenceID only that conference gives up endpoints; otherwise conferences
// are drained largest share first.
func (r *Redistributor) MoveEndpoints(bridgeID, conferenceID string, count int) (Result, error) {
	if err := r.checkBridge(bridgeID); err != nil {
		return Result{}, err
	}
	if count < 0 {
		return Result{}, fmt.Errorf("%w: negative count %d", ErrInvalidParameter, count)
	}
	if count == 0 {
		return Result{}, nil
	}

	if conferenceID != "" {
		room, err := jid.Parse(conferenceID)
		if err != nil {
			return Result{}, fmt.Errorf("%w: conference %q: %v", ErrInvalidParameter, conferenceID, err)
		}
		c, ok := r.conferences.ConferenceByRoom(room)
		if !ok {
			return Result{}, fmt.Errorf("%w: %s", ErrConferenceNotFound, conferenceID)
		}
		return r.drain(bridgeID, []Conference{c}, count), nil
	}

	return r.drain(bridgeID, r.conferences.AllConferences(), count), nil
}

// MoveFraction moves the given fraction of the bridge's endpoints, rounded to
// the nearest whole endpoint.
func (r *Redistributor) MoveFraction(bridgeID string, fraction float64) (Result, error) {
	if err := r.checkBridge(bridgeID); err != nil {
		return Result{}, err
	}
	if fraction < 0 || fraction > 1 {
		return Result{}, fmt.Errorf("%w: fraction %v outside [0, 1]", ErrInvalidParameter, fraction)
	}

	total := 0
	conferences := r.conferences.AllConferences()
	for _, c := range conferences {
		total += len(c.EndpointsOnBridge(bridgeID))
	}
	count := int(math.Round(fraction * float64(total)))
	if count == 0 {
		return Result{}, nil
	}
	return r.drain(bridgeID, conferences, count), nil
}

func (r *Redistributor) checkBridge(bridgeID string) error {
	if bridgeID == "" {
		return fmt.Errorf("%w: bridge is required", ErrMissingParameter)
	}
	if r.detector.Get(bridgeID) == nil {
		return fmt.Errorf("%w: %s", ErrBridgeNotFound, bridgeID)
	}
	return nil
}

// drain takes endpoints from the conferences with the largest share on the
// bridge first, exhausting each before touching the next.
func (r *Redistributor) drain(bridgeID string, conferences []Conference, count int) Result {
	type share struct {
		c Conference
		n int
	}
	shares := make([]share, 0, len(conferences))
	for _, c := range conferences {
		if n := len(c.EndpointsOnBridge(bridgeID)); n > 0 {
			shares = append(shares, share{c, n})
		}
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].n != shares[j].n {
			return shares[i].n > shares[j].n
		}
		return shares[i].c.RoomJID().String() < shares[j].c.RoomJID().String()
	})

	var res Result
	for _, s := range shares {
		if res.MovedEndpoints >= count {
			break
		}
		moved := s.c.MoveEndpointsFromBridge(bridgeID, count-res.MovedEndpoints)
		if moved == 0 {
			continue
		}
		res.MovedEndpoints += moved
		res.Conferences++
	}

	slog.Info("[LoadRedist] Redistribution finished",
		"bridge", bridgeID,
		"moved", res.MovedEndpoints,
		"conferences", res.Conferences)
	return res
}

func hasEndpoint(c Conference, bridgeID, endpointID string) bool {
	for _, id := range c.EndpointsOnBridge(bridgeID) {
		if id == endpointID {
			return true
		}
	}
	return false
}
