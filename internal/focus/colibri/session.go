package colibri

import (
	"github.com/confmesh/focus/internal/focus/bridge"
)

// BridgeSession is one conference's allocation on one bridge. It is the
// cascade node for that bridge.
type BridgeSession struct {
	bridge *bridge.Bridge
	// conferenceID is assigned by the bridge in its first response.
	conferenceID string
	endpoints    map[string]struct{}
}

func newBridgeSession(b *bridge.Bridge) *BridgeSession {
	return &BridgeSession{
		bridge:    b,
		endpoints: make(map[string]struct{}),
	}
}

// RelayID implements cascade.Node. Bridges without an advertised relay ID
// fall back to their JID so single-bridge conferences still form a valid
// one-node cascade.
func (s *BridgeSession) RelayID() string {
	if id := s.bridge.RelayID(); id != "" {
		return id
	}
	return s.bridge.ID()
}

// Bridge returns the underlying bridge record.
func (s *BridgeSession) Bridge() *bridge.Bridge { return s.bridge }

// ConferenceID returns the bridge-assigned colibri conference ID, empty until
// the first allocation response.
func (s *BridgeSession) ConferenceID() string { return s.conferenceID }

// EndpointCount returns the number of endpoints allocated on this bridge.
func (s *BridgeSession) EndpointCount() int { return len(s.endpoints) }

func (s *BridgeSession) endpointIDs() []string {
	out := make([]string, 0, len(s.endpoints))
	for id := range s.endpoints {
		out = append(out, id)
	}
	return out
}
