package conference

import (
	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/focus/jingle"
	"github.com/confmesh/focus/internal/focus/source"
	"github.com/confmesh/focus/internal/focus/xmpp"
)

// FeaturesNS is the presence extension participants use to advertise their
// media capabilities.
const FeaturesNS = "http://confmesh.org/protocol/features"

// Participant is one endpoint in the conference. All fields are owned by the
// conference queue; no locking.
type Participant struct {
	occupantJID jid.JID
	realJID     jid.JID
	role        xmpp.Role

	caps      source.PeerCapabilities
	signaling *source.Signaling

	session *jingle.Session
	region  string
	statsID string
	// compactSources marks peers that accept the compact JSON source
	// encoding instead of inline XML.
	compactSources bool

	// inviteRunning guards against scheduling a second invite while one is
	// in flight.
	inviteRunning bool
}

// EndpointID is the MUC resource, which doubles as the colibri endpoint ID.
func (p *Participant) EndpointID() string {
	return p.occupantJID.Resourcepart()
}

// OccupantJID returns the participant's in-room JID.
func (p *Participant) OccupantJID() jid.JID { return p.occupantJID }

// Role returns the participant's MUC role.
func (p *Participant) Role() xmpp.Role { return p.role }

// Capabilities returns the advertised media capabilities.
func (p *Participant) Capabilities() source.PeerCapabilities { return p.caps }

// hasSession reports whether a live Jingle session exists.
func (p *Participant) hasSession() bool {
	return p.session != nil && !p.session.State().IsTerminal()
}

// parseCapabilities reads the features presence extension. Absent extension
// or attributes default to full capability, matching clients predating the
// extension.
func parseCapabilities(o xmpp.Occupant) source.PeerCapabilities {
	caps := source.AllCapabilities()
	ext, ok := o.Extension(FeaturesNS)
	if !ok {
		return caps
	}
	if v, ok := ext.Attrs["audio"]; ok {
		caps.SupportsAudio = v != "false"
	}
	if v, ok := ext.Attrs["video"]; ok {
		caps.SupportsVideo = v != "false"
	}
	if v, ok := ext.Attrs["simulcast"]; ok {
		caps.ReceivesSimulcast = v != "false"
	}
	if v, ok := ext.Attrs["multi-stream"]; ok {
		caps.ReceivesMultipleStreams = v != "false"
	}
	return caps
}

// newParticipant builds a participant from an occupant's join presence.
func newParticipant(o xmpp.Occupant) *Participant {
	caps := parseCapabilities(o)
	p := &Participant{
		occupantJID: o.OccupantJID,
		realJID:     o.RealJID,
		role:        o.Role,
		caps:        caps,
		signaling:   source.NewSignaling(caps),
	}
	if ext, ok := o.Extension(FeaturesNS); ok {
		p.region = ext.Attrs["region"]
		p.statsID = ext.Attrs["stats-id"]
		p.compactSources = ext.Attrs["json-sources"] == "true"
	}
	return p
}
