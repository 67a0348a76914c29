package xmpp

import (
	"mellium.im/xmpp/jid"
)

// ConferenceNS routes conference (admission) IQs to the focus.
const ConferenceNS = "http://jitsi.org/protocol/focus"

// ConferencePayload is the typed view of a ConferenceIq: the admission
// request a client sends to obtain a room, and the focus's answer.
type ConferencePayload struct {
	Room       jid.JID
	MachineUID string
	SessionID  string
	Identity   string
	// Properties carries client capability hints (codec preferences etc.).
	Properties map[string]string

	// Response fields.
	FocusJID jid.JID
	Ready    bool
	// AuthRequired is set when the deployment requires authentication and
	// the caller has no session yet.
	AuthRequired bool
}

func (ConferencePayload) payloadName() string { return "conference" }

// LoginURLPayload answers a login-url query during external authentication.
type LoginURLPayload struct {
	Room       jid.JID
	MachineUID string
	URL        string
}

func (LoginURLPayload) payloadName() string { return "login-url" }

// LogoutPayload terminates an authentication session on request.
type LogoutPayload struct {
	SessionID string
}

func (LogoutPayload) payloadName() string { return "logout" }
