package jibri

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/focus/xmpp"
)

// ConferenceContext is the slice of a conference the dispatcher needs:
// permission checks and presence publication.
type ConferenceContext interface {
	RoomJID() jid.JID
	OccupantRole(occupantJID jid.JID) (xmpp.Role, bool)
	PublishExtension(ext xmpp.PresenceExtension) error
}

// Dispatcher owns one conference's jibri sessions: at most one recording or
// streaming session, plus one SIP gateway session per SIP address.
type Dispatcher struct {
	conf     ConferenceContext
	conn     xmpp.Connection
	detector *Detector
	cfg      SessionConfig

	mu        sync.Mutex
	recording *Session
	sip       map[string]*Session
}

// NewDispatcher creates a dispatcher for the conference.
func NewDispatcher(conf ConferenceContext, conn xmpp.Connection, detector *Detector, cfg SessionConfig) *Dispatcher {
	return &Dispatcher{
		conf:     conf,
		conn:     conn,
		detector: detector,
		cfg:      cfg,
		sip:      make(map[string]*Session),
	}
}

// ActiveSessions returns the number of live sessions.
func (d *Dispatcher) ActiveSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.sip)
	if d.recording != nil {
		n++
	}
	return n
}

// classify validates the start request and determines the session kind.
func classify(p xmpp.JibriPayload) (Kind, *xmpp.StanzaError) {
	if p.SipAddress != "" {
		return KindSip, nil
	}
	switch p.RecordingMode {
	case xmpp.RecordingModeStream:
		if p.StreamID == "" {
			return 0, xmpp.BadRequest("stream-id is required for live streaming")
		}
		return KindStreaming, nil
	case xmpp.RecordingModeFile, "":
		if p.StreamID != "" {
			return 0, xmpp.BadRequest("stream-id must not be set for file recording")
		}
		return KindRecording, nil
	default:
		return 0, xmpp.BadRequest("unsupported recording mode " + string(p.RecordingMode))
	}
}

func (d *Dispatcher) requireModerator(from jid.JID) *xmpp.StanzaError {
	role, found := d.conf.OccupantRole(from)
	if !found || !role.HasModeratorRights() {
		return xmpp.Forbidden("only moderators can control recording")
	}
	return nil
}

// HandleStart processes a participant's start request. The returned payload
// acknowledges the caller with the session ID and pending status.
func (d *Dispatcher) HandleStart(from jid.JID, p xmpp.JibriPayload) (*xmpp.JibriPayload, *xmpp.StanzaError) {
	if stanzaErr := d.requireModerator(from); stanzaErr != nil {
		return nil, stanzaErr
	}
	kind, stanzaErr := classify(p)
	if stanzaErr != nil {
		return nil, stanzaErr
	}

	s := newSession(kind, d.conf.RoomJID(), d.conn, d.detector, d.cfg, d.statusChanged)
	s.streamID = p.StreamID
	s.youtubeID = p.YouTubeBroadcastID
	s.sipAddress = p.SipAddress
	s.displayName = p.DisplayName

	// Reserve the slot before the (blocking) start.
	d.mu.Lock()
	switch kind {
	case KindSip:
		if d.sip[p.SipAddress] != nil {
			d.mu.Unlock()
			return nil, xmpp.UnexpectedRequest("a SIP session for this address is already active")
		}
		d.sip[p.SipAddress] = s
	default:
		if d.recording != nil {
			d.mu.Unlock()
			return nil, xmpp.UnexpectedRequest("a recording session is already active")
		}
		d.recording = s
	}
	d.mu.Unlock()

	if err := s.Start(context.Background()); err != nil {
		d.release(s)
		return nil, startError(err)
	}

	return &xmpp.JibriPayload{
		SessionID: s.ID(),
		Status:    xmpp.JibriStatusPending,
	}, nil
}

// HandleStop processes a participant's stop request.
func (d *Dispatcher) HandleStop(from jid.JID, p xmpp.JibriPayload) (*xmpp.JibriPayload, *xmpp.StanzaError) {
	if stanzaErr := d.requireModerator(from); stanzaErr != nil {
		return nil, stanzaErr
	}

	s := d.findSession(p)
	if s == nil {
		return nil, xmpp.ItemNotFound("no such session")
	}
	s.Stop(context.Background())
	return &xmpp.JibriPayload{
		SessionID: s.ID(),
		Status:    xmpp.JibriStatusOff,
	}, nil
}

// HandleWorkerUpdate routes a worker's status IQ to its session.
func (d *Dispatcher) HandleWorkerUpdate(p xmpp.JibriPayload) *xmpp.StanzaError {
	s := d.findSession(p)
	if s == nil {
		return xmpp.ItemNotFound("no such session")
	}
	s.HandleWorkerUpdate(p)
	return nil
}

// StopAll ends every session, used when the conference ends.
func (d *Dispatcher) StopAll() {
	d.mu.Lock()
	sessions := make([]*Session, 0, len(d.sip)+1)
	if d.recording != nil {
		sessions = append(sessions, d.recording)
	}
	for _, s := range d.sip {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	for _, s := range sessions {
		s.Stop(context.Background())
	}
}

func (d *Dispatcher) findSession(p xmpp.JibriPayload) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.SessionID != "" {
		if d.recording != nil && d.recording.ID() == p.SessionID {
			return d.recording
		}
		for _, s := range d.sip {
			if s.ID() == p.SessionID {
				return s
			}
		}
		return nil
	}
	if p.SipAddress != "" {
		return d.sip[p.SipAddress]
	}
	return d.recording
}

// release removes the session from its slot, tolerating double removal.
func (d *Dispatcher) release(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.recording == s {
		d.recording = nil
	}
	if s.sipAddress != "" && d.sip[s.sipAddress] == s {
		delete(d.sip, s.sipAddress)
	}
}

// statusChanged republishes the session state on the conference MUC and
// frees the slot when the session ends.
func (d *Dispatcher) statusChanged(s *Session, status xmpp.JibriStatus, failureReason string) {
	var ext xmpp.PresenceExtension
	if s.Kind() == KindSip {
		ext = xmpp.SipCallStateExtension(s.ID(), s.SipAddress(), status, failureReason)
	} else {
		ext = xmpp.RecordingStatusExtension(s.ID(), status, s.Mode(), failureReason)
	}
	if err := d.conf.PublishExtension(ext); err != nil {
		slog.Warn("[Jibri] Failed to publish session status",
			"session", s.ID(),
			"status", string(status),
			"error", err)
	}

	if status == xmpp.JibriStatusOff {
		d.release(s)
	}
}

// startError maps a selection or start failure to the caller-visible error.
func startError(err error) *xmpp.StanzaError {
	switch {
	case errors.Is(err, ErrNoInstances):
		return xmpp.ServiceUnavailable("no Jibris available")
	case errors.Is(err, ErrAllBusy):
		return xmpp.ResourceConstraint("all Jibris are busy")
	default:
		return xmpp.InternalServerError(err.Error())
	}
}
