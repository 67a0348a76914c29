package xmpp

import (
	"github.com/confmesh/focus/internal/focus/source"
)

// ColibriNS routes colibri conference-modify IQs.
const ColibriNS = "jitsi:colibri2"

// ColibriEndpoint describes one endpoint in a colibri request.
type ColibriEndpoint struct {
	ID     string
	Create bool
	Expire bool
	// UseSsrcRewriting asks the bridge to renumber forwarded SSRCs.
	UseSsrcRewriting bool
	// Media lists the requested channel kinds (audio, video; data is implied).
	Media []source.MediaType
	// Sources the endpoint advertises, for forwarding setup.
	Sources source.EndpointSourceSet
	// Transport carries the endpoint's ICE/DTLS answer on updates.
	Transport *RawExtension
}

// ColibriRelay describes one relay (octo) channel set toward a peer bridge.
type ColibriRelay struct {
	RelayID string
	MeshID  string
	Create  bool
	Expire  bool
	// RemoteSources this relay must forward.
	RemoteSources source.ConferenceSourceMap
	Transport     *RawExtension
}

// ColibriRequest is a typed colibri conference-modify request.
type ColibriRequest struct {
	ConferenceID string
	// MeetingID correlates the conference across bridges of one cascade.
	MeetingID string
	// CreateConference is set on the first request to a bridge.
	CreateConference bool
	// ExpireConference tears the whole conference down on this bridge.
	ExpireConference bool
	Endpoints        []ColibriEndpoint
	Relays           []ColibriRelay
}

func (ColibriRequest) payloadName() string { return "colibri" }

// ColibriResponse is the bridge's answer to a conference-modify request.
type ColibriResponse struct {
	ConferenceID string
	// Transports maps endpoint ID to the bridge-side transport offer.
	Transports map[string]RawExtension
	// RelayTransports maps relay ID to the bridge-side relay transport.
	RelayTransports map[string]RawExtension
	// Sources the bridge itself announces (e.g. rewritten SSRCs).
	Sources source.ConferenceSourceMap
}

func (ColibriResponse) payloadName() string { return "colibri-response" }
