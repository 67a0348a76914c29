package jingle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/focus/source"
	"github.com/confmesh/focus/internal/focus/xmpp"
)

// Sentinel errors for session operations
var (
	// ErrInvalidTransition is returned when an operation is attempted in a
	// state that does not allow it
	ErrInvalidTransition = fmt.Errorf("invalid session state transition")
	// ErrSessionTerminated is returned for operations on a terminated session
	ErrSessionTerminated = fmt.Errorf("session is terminated")
	// ErrPeerError is returned when the peer answered with an error IQ
	ErrPeerError = fmt.Errorf("peer returned error")
	// ErrNoResponse is returned when a request got no result before the
	// deadline. For transport-replace this is a failure, not a success.
	ErrNoResponse = fmt.Errorf("no response from peer")
)

// RequestHandler consumes inbound Jingle requests that passed the session's
// state gate. A nil return acknowledges the request; a non-nil StanzaError is
// sent back to the peer.
type RequestHandler interface {
	HandleRequest(s *Session, p xmpp.JinglePayload) *xmpp.StanzaError
}

// SessionConfig carries the per-session knobs.
type SessionConfig struct {
	// RequestTimeout bounds how long outbound request/response operations
	// wait for the peer's result.
	RequestTimeout time.Duration
	// EncodeSourcesCompact selects the compact JSON source encoding for
	// peers that advertise support for it.
	EncodeSourcesCompact bool
}

// Session is one participant's Jingle session with the focus.
type Session struct {
	sid  string
	peer jid.JID

	conn     xmpp.Connection
	handler  RequestHandler
	registry *Registry
	cfg      SessionConfig

	mu             sync.RWMutex
	state          SessionState
	createdAt      time.Time
	stateChangedAt time.Time
}

// NewSession creates a session toward peer with a fresh random SID and
// registers it. The prior holder of the SID, if any, is evicted.
func NewSession(conn xmpp.Connection, peer jid.JID, handler RequestHandler, registry *Registry, cfg SessionConfig) *Session {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	now := time.Now()
	s := &Session{
		sid:            uuid.NewString(),
		peer:           peer,
		conn:           conn,
		handler:        handler,
		registry:       registry,
		cfg:            cfg,
		state:          StateIdle,
		createdAt:      now,
		stateChangedAt: now,
	}
	if registry != nil {
		registry.Register(s)
	}
	return s
}

// SID returns the session identifier.
func (s *Session) SID() string { return s.sid }

// Peer returns the remote full JID.
func (s *Session) Peer() jid.JID { return s.peer }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) transition(next SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, next)
	}
	slog.Debug("[Jingle] State transition",
		"sid", s.sid,
		"peer", s.peer.String(),
		"from", s.state.String(),
		"to", next.String())
	s.state = next
	s.stateChangedAt = time.Now()
	return nil
}

func (s *Session) payload(action xmpp.JingleAction) xmpp.JinglePayload {
	return xmpp.JinglePayload{
		Action:    action,
		RawAction: string(action),
		SID:       s.sid,
	}
}

// embedSources places the sources into the payload in the encoding the peer
// supports.
func (s *Session) embedSources(p *xmpp.JinglePayload, sources source.ConferenceSourceMap) error {
	if sources.IsEmpty() {
		return nil
	}
	if s.cfg.EncodeSourcesCompact {
		encoded, err := source.EncodeCompact(sources)
		if err != nil {
			return fmt.Errorf("encoding sources: %w", err)
		}
		p.CompactSources = encoded
		return nil
	}
	p.Sources = sources.Copy()
	return nil
}

func (s *Session) request(ctx context.Context, p xmpp.JinglePayload) (*xmpp.IQ, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	result, err := s.conn.SendIQ(ctx, xmpp.IQ{
		To:      s.peer,
		From:    s.conn.JID(),
		Type:    xmpp.IQSet,
		Payload: p,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	if result == nil {
		return nil, ErrNoResponse
	}
	if result.Error != nil {
		return result, fmt.Errorf("%w: %s", ErrPeerError, result.Error.Error())
	}
	return result, nil
}

// Initiate sends session-initiate carrying the offer contents, extra
// extensions and the conference's current sources, and awaits the peer's
// acknowledgement. The session stays Inviting until session-accept arrives.
func (s *Session) Initiate(ctx context.Context, contents []xmpp.Content, extras []xmpp.RawExtension, sources source.ConferenceSourceMap) error {
	if err := s.transition(StateInviting); err != nil {
		return err
	}

	p := s.payload(xmpp.ActionSessionInitiate)
	p.Contents = contents
	p.Extensions = extras
	if err := s.embedSources(&p, sources); err != nil {
		return err
	}

	if _, err := s.request(ctx, p); err != nil {
		slog.Warn("[Jingle] session-initiate failed",
			"sid", s.sid,
			"peer", s.peer.String(),
			"error", err)
		return fmt.Errorf("session-initiate to %s: %w", s.peer.String(), err)
	}

	slog.Info("[Jingle] Session initiated", "sid", s.sid, "peer", s.peer.String())
	return nil
}

// ReplaceTransport sends transport-replace with the new transport contents
// and a full resend of sources, and awaits the result. A missing or timed-out
// result is a failure: the caller escalates to terminate-and-reinvite.
func (s *Session) ReplaceTransport(ctx context.Context, contents []xmpp.Content, extras []xmpp.RawExtension, sources source.ConferenceSourceMap) error {
	if err := s.transition(StateTransportPending); err != nil {
		return err
	}

	p := s.payload(xmpp.ActionTransportReplace)
	p.Contents = contents
	p.Extensions = extras
	if err := s.embedSources(&p, sources); err != nil {
		return err
	}

	if _, err := s.request(ctx, p); err != nil {
		slog.Warn("[Jingle] transport-replace failed",
			"sid", s.sid,
			"peer", s.peer.String(),
			"error", err)
		return fmt.Errorf("transport-replace to %s: %w", s.peer.String(), err)
	}

	if err := s.transition(StateActive); err != nil {
		return err
	}
	slog.Info("[Jingle] Transport replaced", "sid", s.sid, "peer", s.peer.String())
	return nil
}

// AddSource announces new sources to the peer. Fire-and-forget.
func (s *Session) AddSource(sources source.ConferenceSourceMap) error {
	return s.sendSourceUpdate(xmpp.ActionSourceAdd, sources)
}

// RemoveSource retracts sources from the peer. Fire-and-forget.
func (s *Session) RemoveSource(sources source.ConferenceSourceMap) error {
	return s.sendSourceUpdate(xmpp.ActionSourceRemove, sources)
}

func (s *Session) sendSourceUpdate(action xmpp.JingleAction, sources source.ConferenceSourceMap) error {
	if s.State().IsTerminal() {
		return ErrSessionTerminated
	}
	if sources.IsEmpty() {
		return nil
	}

	p := s.payload(action)
	if err := s.embedSources(&p, sources); err != nil {
		return err
	}
	return s.conn.SendStanza(xmpp.IQ{
		To:      s.peer,
		From:    s.conn.JID(),
		Type:    xmpp.IQSet,
		Payload: p,
	})
}

// Terminate ends the session. When send is true a session-terminate stanza
// with the given reason is sent to the peer first. Idempotent.
func (s *Session) Terminate(reason xmpp.JingleReason, send bool) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminated
	s.stateChangedAt = time.Now()
	s.mu.Unlock()

	if send {
		p := s.payload(xmpp.ActionSessionTerminate)
		p.Reason = &reason
		if err := s.conn.SendStanza(xmpp.IQ{
			To:      s.peer,
			From:    s.conn.JID(),
			Type:    xmpp.IQSet,
			Payload: p,
		}); err != nil {
			slog.Warn("[Jingle] Failed to send session-terminate",
				"sid", s.sid,
				"peer", s.peer.String(),
				"error", err)
		}
	}

	if s.registry != nil {
		s.registry.remove(s)
	}
	slog.Info("[Jingle] Session terminated",
		"sid", s.sid,
		"peer", s.peer.String(),
		"reason", reason.Condition)
}

// expectedStates maps inbound actions to the states in which they are
// expected. Anything else answers feature-not-implemented.
var expectedStates = map[xmpp.JingleAction][]SessionState{
	xmpp.ActionSessionAccept:    {StateInviting},
	xmpp.ActionSessionInfo:      {StateInviting, StateActive, StateTransportPending},
	xmpp.ActionSessionTerminate: {StateIdle, StateInviting, StateActive, StateTransportPending},
	xmpp.ActionTransportAccept:  {StateTransportPending},
	xmpp.ActionTransportReject:  {StateTransportPending},
	xmpp.ActionTransportInfo:    {StateInviting, StateActive, StateTransportPending},
	xmpp.ActionSourceAdd:        {StateActive, StateTransportPending},
	xmpp.ActionSourceRemove:     {StateActive, StateTransportPending},
}

// handleInbound gates the action against the state machine and forwards it to
// the handler. Returns nil on success.
func (s *Session) handleInbound(p xmpp.JinglePayload) *xmpp.StanzaError {
	state := s.State()
	allowed := false
	for _, st := range expectedStates[p.Action] {
		if st == state {
			allowed = true
			break
		}
	}
	if !allowed {
		slog.Warn("[Jingle] Unexpected action for state",
			"sid", s.sid,
			"action", string(p.Action),
			"state", state.String())
		return xmpp.FeatureNotImplemented(
			fmt.Sprintf("unexpected %s in state %s", p.Action, state))
	}

	if s.handler != nil {
		if stanzaErr := s.handler.HandleRequest(s, p); stanzaErr != nil {
			return stanzaErr
		}
	}

	// State effects apply only after the handler accepted the request.
	switch p.Action {
	case xmpp.ActionSessionAccept:
		if err := s.transition(StateActive); err != nil {
			return xmpp.InternalServerError(err.Error())
		}
	case xmpp.ActionTransportAccept, xmpp.ActionTransportReject:
		if err := s.transition(StateActive); err != nil {
			return xmpp.InternalServerError(err.Error())
		}
	case xmpp.ActionSessionTerminate:
		s.Terminate(xmpp.JingleReason{}, false)
	}
	return nil
}
