package jingle

import (
	"log/slog"
	"sync"

	"github.com/confmesh/focus/internal/focus/xmpp"
)

// Registry maps SIDs to live sessions and dispatches inbound Jingle IQs.
// Sessions deregister themselves on termination.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds the session. A prior session holding the same SID is evicted
// with a warning; random SIDs make that a bug worth noticing.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	prior := r.sessions[s.SID()]
	r.sessions[s.SID()] = s
	r.mu.Unlock()

	if prior != nil {
		slog.Warn("[Jingle] Evicting session with duplicate SID",
			"sid", s.SID(),
			"evicted_peer", prior.Peer().String(),
			"peer", s.Peer().String())
	}
}

// Get returns the session for the SID, or nil.
func (r *Registry) Get(sid string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sid]
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// remove drops the session unless the SID was since re-registered to another
// session.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.SID()] == s {
		delete(r.sessions, s.SID())
	}
}

// HandleIQ is the inbound entry point for the Jingle namespace. Register it
// with the connection via RegisterIQHandler(xmpp.JingleNS, ...).
func (r *Registry) HandleIQ(iq xmpp.IQ) xmpp.IQResponse {
	p, ok := iq.Payload.(xmpp.JinglePayload)
	if !ok {
		return xmpp.Reply(iq.ErrorReply(xmpp.BadRequest("not a jingle payload")))
	}

	if p.RawAction == "" {
		return xmpp.Reply(iq.ErrorReply(xmpp.BadRequest("missing action attribute")))
	}
	action, known := xmpp.NormalizeJingleAction(p.RawAction)
	if !known {
		return xmpp.Reply(iq.ErrorReply(xmpp.FeatureNotImplemented(
			"unsupported action " + p.RawAction)))
	}
	p.Action = action

	s := r.Get(p.SID)
	if s == nil {
		slog.Debug("[Jingle] IQ for unknown session",
			"sid", p.SID,
			"action", string(action),
			"from", iq.From.String())
		return xmpp.Reply(iq.ErrorReply(xmpp.BadRequest("unknown session " + p.SID)))
	}

	if stanzaErr := s.handleInbound(p); stanzaErr != nil {
		return xmpp.Reply(iq.ErrorReply(stanzaErr))
	}
	return xmpp.Reply(iq.Result(nil))
}
