package xmpp

import (
	"github.com/confmesh/focus/internal/focus/source"
)

// JingleNS routes Jingle IQs to the focus.
const JingleNS = "urn:xmpp:jingle:1"

// JingleAction is the action attribute of a Jingle IQ.
type JingleAction string

const (
	ActionSessionInitiate  JingleAction = "session-initiate"
	ActionSessionAccept    JingleAction = "session-accept"
	ActionSessionInfo      JingleAction = "session-info"
	ActionSessionTerminate JingleAction = "session-terminate"
	ActionTransportReplace JingleAction = "transport-replace"
	ActionTransportAccept  JingleAction = "transport-accept"
	ActionTransportInfo    JingleAction = "transport-info"
	ActionTransportReject  JingleAction = "transport-reject"
	ActionSourceAdd        JingleAction = "source-add"
	ActionSourceRemove     JingleAction = "source-remove"
)

// NormalizeJingleAction parses an action attribute, folding legacy aliases.
// ok is false for an unknown action; an empty action returns "" and false.
func NormalizeJingleAction(s string) (JingleAction, bool) {
	switch JingleAction(s) {
	case ActionSessionInitiate, ActionSessionAccept, ActionSessionInfo,
		ActionSessionTerminate, ActionTransportReplace, ActionTransportAccept,
		ActionTransportInfo, ActionTransportReject, ActionSourceAdd,
		ActionSourceRemove:
		return JingleAction(s), true
	case "addsource":
		return ActionSourceAdd, true
	case "removesource":
		return ActionSourceRemove, true
	default:
		return "", false
	}
}

// RawExtension is an opaque XML element the focus forwards without
// interpreting. The XMPP layer serializes Body verbatim.
type RawExtension struct {
	Namespace string
	Name      string
	Body      string
}

// Content is one Jingle content block: an opaque RTP description plus an
// opaque transport. Name doubles as the media label (audio/video/data).
type Content struct {
	Name        string
	Description RawExtension
	Transport   RawExtension
}

// JingleReason is the reason element of session-terminate.
type JingleReason struct {
	Condition string // e.g. "success", "gone", "connectivity-error"
	Text      string
}

// JinglePayload is the typed view of a Jingle IQ. Sources arrive either
// pre-parsed from inline XML (Sources) or as the compact JSON form
// (CompactSources), depending on what the peer sent.
type JinglePayload struct {
	Action JingleAction
	// RawAction preserves the wire value; empty means the attribute was
	// missing, which is a bad-request.
	RawAction      string
	SID            string
	Contents       []Content
	Extensions     []RawExtension
	Sources        source.ConferenceSourceMap
	CompactSources string
	Reason         *JingleReason
}

func (JinglePayload) payloadName() string { return "jingle" }

// SourceMap resolves the payload's sources, decoding the compact form when
// that is what the peer used.
func (p JinglePayload) SourceMap() (source.ConferenceSourceMap, error) {
	if p.CompactSources != "" {
		return source.DecodeCompact(p.CompactSources)
	}
	if p.Sources == nil {
		return source.ConferenceSourceMap{}, nil
	}
	return p.Sources, nil
}
