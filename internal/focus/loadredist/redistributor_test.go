package loadredist

import (
	"errors"
	"fmt"
	"testing"

	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/focus/bridge"
	"github.com/confmesh/focus/internal/focus/xmpp"
)

const testBridge = "jvbbrewery@internal.muc.example.com/jvb1"

func testDetector(t *testing.T) *bridge.Detector {
	t.Helper()
	d := bridge.NewDetector(bridge.DetectorConfig{})
	d.OccupantJoined(xmpp.Occupant{
		OccupantJID: jid.MustParse(testBridge),
		Extensions: map[string]xmpp.PresenceExtension{
			xmpp.BridgeStatusNS: {
				Namespace: xmpp.BridgeStatusNS,
				Name:      "stats",
				Attrs:     map[string]string{"stress-level": "0.1"},
			},
		},
	})
	return d
}

// fakeConference hands out endpoints from a fixed roster and records moves.
type fakeConference struct {
	room      jid.JID
	endpoints []string
	moved     []string
	moveErr   error
}

func newFakeConference(local string, endpointCount int) *fakeConference {
	c := &fakeConference{room: jid.MustParse(local + "@conference.example.com")}
	for i := 0; i < endpointCount; i++ {
		c.endpoints = append(c.endpoints, fmt.Sprintf("%s-ep%d", local, i))
	}
	return c
}

func (c *fakeConference) RoomJID() jid.JID { return c.room }

func (c *fakeConference) EndpointsOnBridge(bridgeID string) []string {
	if bridgeID != testBridge {
		return nil
	}
	return append([]string(nil), c.endpoints...)
}

func (c *fakeConference) MoveEndpoint(endpointID string) error {
	if c.moveErr != nil {
		return c.moveErr
	}
	for i, id := range c.endpoints {
		if id == endpointID {
			c.endpoints = append(c.endpoints[:i], c.endpoints[i+1:]...)
			c.moved = append(c.moved, endpointID)
			return nil
		}
	}
	return fmt.Errorf("unknown endpoint %s", endpointID)
}

func (c *fakeConference) MoveEndpointsFromBridge(bridgeID string, count int) int {
	moved := 0
	for moved < count {
		ids := c.EndpointsOnBridge(bridgeID)
		if len(ids) == 0 {
			break
		}
		if err := c.MoveEndpoint(ids[0]); err != nil {
			break
		}
		moved++
	}
	return moved
}

type fakeStore struct {
	conferences []*fakeConference
}

func (s *fakeStore) ConferenceByRoom(room jid.JID) (Conference, bool) {
	for _, c := range s.conferences {
		if c.room.Equal(room.Bare()) {
			return c, true
		}
	}
	return nil, false
}

func (s *fakeStore) AllConferences() []Conference {
	out := make([]Conference, len(s.conferences))
	for i, c := range s.conferences {
		out[i] = c
	}
	return out
}

func newTestRedistributor(t *testing.T, conferences ...*fakeConference) (*Redistributor, *fakeStore) {
	t.Helper()
	store := &fakeStore{conferences: conferences}
	return NewRedistributor(testDetector(t), store), store
}

func TestMoveEndpoint(t *testing.T) {
	c1 := newFakeConference("c1", 2)
	r, _ := newTestRedistributor(t, c1)

	res, err := r.MoveEndpoint(c1.room.String(), "c1-ep0", "")
	if err != nil {
		t.Fatalf("MoveEndpoint: %v", err)
	}
	if res.MovedEndpoints != 1 || res.Conferences != 1 {
		t.Errorf("result = %+v, want 1 endpoint in 1 conference", res)
	}
	if len(c1.moved) != 1 || c1.moved[0] != "c1-ep0" {
		t.Errorf("moved = %v, want [c1-ep0]", c1.moved)
	}
}

func TestMoveEndpointExpectedBridgeMismatch(t *testing.T) {
	c1 := newFakeConference("c1", 2)
	r, _ := newTestRedistributor(t, c1)

	res, err := r.MoveEndpoint(c1.room.String(), "c1-ep0", "jvbbrewery@internal.muc.example.com/other")
	if err != nil {
		t.Fatalf("MoveEndpoint: %v", err)
	}
	if res.MovedEndpoints != 0 {
		t.Errorf("result = %+v, want nothing moved", res)
	}
	if len(c1.moved) != 0 {
		t.Errorf("moved = %v, want none", c1.moved)
	}
}

func TestMoveEndpointErrors(t *testing.T) {
	c1 := newFakeConference("c1", 1)
	c1.moveErr = fmt.Errorf("transport-replace refused")
	r, _ := newTestRedistributor(t, c1)

	tests := []struct {
		name                            string
		conference, endpoint, expected  string
		want                            error
	}{
		{"missing conference", "", "ep", "", ErrMissingParameter},
		{"missing endpoint", c1.room.String(), "", "", ErrMissingParameter},
		{"bad conference jid", "not a jid", "ep", "", ErrInvalidParameter},
		{"unknown conference", "other@conference.example.com", "ep", "", ErrConferenceNotFound},
		{"move failure", c1.room.String(), "c1-ep0", "", ErrMoveFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.MoveEndpoint(tt.conference, tt.endpoint, tt.expected)
			if !errors.Is(err, tt.want) {
				t.Errorf("MoveEndpoint = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMoveEndpointsSingleConference(t *testing.T) {
	c1 := newFakeConference("c1", 4)
	c2 := newFakeConference("c2", 3)
	r, _ := newTestRedistributor(t, c1, c2)

	res, err := r.MoveEndpoints(testBridge, c2.room.String(), 10)
	if err != nil {
		t.Fatalf("MoveEndpoints: %v", err)
	}
	if res.MovedEndpoints != 3 || res.Conferences != 1 {
		t.Errorf("result = %+v, want all 3 of c2", res)
	}
	if len(c1.moved) != 0 {
		t.Errorf("c1 moved = %v, want untouched", c1.moved)
	}
}

func TestMoveEndpointsErrors(t *testing.T) {
	r, _ := newTestRedistributor(t, newFakeConference("c1", 1))

	if _, err := r.MoveEndpoints("", "", 1); !errors.Is(err, ErrMissingParameter) {
		t.Errorf("empty bridge = %v, want ErrMissingParameter", err)
	}
	if _, err := r.MoveEndpoints("jvbbrewery@internal.muc.example.com/ghost", "", 1); !errors.Is(err, ErrBridgeNotFound) {
		t.Errorf("unknown bridge = %v, want ErrBridgeNotFound", err)
	}
	if _, err := r.MoveEndpoints(testBridge, "", -1); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("negative count = %v, want ErrInvalidParameter", err)
	}
	if _, err := r.MoveFraction(testBridge, 1.5); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("fraction 1.5 = %v, want ErrInvalidParameter", err)
	}
}

func TestMoveFractionDrainsLargestFirst(t *testing.T) {
	c1 := newFakeConference("c1", 4)
	c2 := newFakeConference("c2", 3)
	c3 := newFakeConference("c3", 3)
	r, _ := newTestRedistributor(t, c3, c1, c2)

	res, err := r.MoveFraction(testBridge, 0.5)
	if err != nil {
		t.Fatalf("MoveFraction: %v", err)
	}
	if res.MovedEndpoints != 5 || res.Conferences != 2 {
		t.Errorf("result = %+v, want 5 endpoints from 2 conferences", res)
	}

	// The largest conference is drained fully, then the next one by room
	// order gives up the remainder.
	if len(c1.moved) != 4 {
		t.Errorf("c1 moved %d, want 4", len(c1.moved))
	}
	if len(c2.moved) != 1 {
		t.Errorf("c2 moved %d, want 1", len(c2.moved))
	}
	if len(c3.moved) != 0 {
		t.Errorf("c3 moved %d, want 0", len(c3.moved))
	}
}

func TestMoveFractionZero(t *testing.T) {
	c1 := newFakeConference("c1", 4)
	r, _ := newTestRedistributor(t, c1)

	res, err := r.MoveFraction(testBridge, 0)
	if err != nil {
		t.Fatalf("MoveFraction: %v", err)
	}
	if res.MovedEndpoints != 0 || res.Conferences != 0 {
		t.Errorf("result = %+v, want nothing moved", res)
	}
}
