package app

import (
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/focus/conference"
	"github.com/confmesh/focus/internal/focus/jibri"
	"github.com/confmesh/focus/internal/focus/xmpp"
)

// jibriRouter routes jibri IQs to per-conference dispatchers: participant
// start/stop requests by the sender's room, worker status updates by session
// ID.
type jibriRouter struct {
	conn        xmpp.Connection
	detector    *jibri.Detector
	conferences *conference.Manager
	cfg         jibri.SessionConfig

	mu          sync.Mutex
	dispatchers map[string]*jibri.Dispatcher // by bare room JID
}

func newJibriRouter(conn xmpp.Connection, detector *jibri.Detector, conferences *conference.Manager, cfg jibri.SessionConfig) *jibriRouter {
	return &jibriRouter{
		conn:        conn,
		detector:    detector,
		conferences: conferences,
		cfg:         cfg,
		dispatchers: make(map[string]*jibri.Dispatcher),
	}
}

// HandleIQ is wired into the connection for the jibri namespace.
func (r *jibriRouter) HandleIQ(iq xmpp.IQ) xmpp.IQResponse {
	p, ok := iq.Payload.(xmpp.JibriPayload)
	if !ok {
		return xmpp.Reply(iq.ErrorReply(xmpp.BadRequest("unsupported jibri payload")))
	}

	// Status updates come from workers and carry no action.
	if p.Action == "" && p.Status != "" {
		if stanzaErr := r.routeWorkerUpdate(p); stanzaErr != nil {
			return xmpp.Reply(iq.ErrorReply(stanzaErr))
		}
		return xmpp.Reply(iq.Result(nil))
	}

	d := r.dispatcherFor(iq.From)
	if d == nil {
		return xmpp.Reply(iq.ErrorReply(xmpp.ItemNotFound("no conference for this room")))
	}

	switch p.Action {
	case xmpp.JibriActionStart:
		ack, stanzaErr := d.HandleStart(iq.From, p)
		if stanzaErr != nil {
			return xmpp.Reply(iq.ErrorReply(stanzaErr))
		}
		return xmpp.Reply(iq.Result(*ack))
	case xmpp.JibriActionStop:
		ack, stanzaErr := d.HandleStop(iq.From, p)
		if stanzaErr != nil {
			return xmpp.Reply(iq.ErrorReply(stanzaErr))
		}
		return xmpp.Reply(iq.Result(*ack))
	default:
		return xmpp.Reply(iq.ErrorReply(xmpp.BadRequest("unsupported jibri action")))
	}
}

// dispatcherFor returns the room's dispatcher, creating it lazily. from is
// the requesting occupant's JID; nil when the room has no conference.
func (r *jibriRouter) dispatcherFor(from jid.JID) *jibri.Dispatcher {
	c := r.conferences.Get(from)
	if c == nil {
		return nil
	}
	key := c.RoomJID().Bare().String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.dispatchers[key]; ok {
		return d
	}
	d := jibri.NewDispatcher(c, r.conn, r.detector, r.cfg)
	r.dispatchers[key] = d
	return d
}

func (r *jibriRouter) routeWorkerUpdate(p xmpp.JibriPayload) *xmpp.StanzaError {
	r.mu.Lock()
	dispatchers := make([]*jibri.Dispatcher, 0, len(r.dispatchers))
	for _, d := range r.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	r.mu.Unlock()

	for _, d := range dispatchers {
		if stanzaErr := d.HandleWorkerUpdate(p); stanzaErr == nil {
			return nil
		}
	}
	return xmpp.ItemNotFound("no such session")
}

// conferenceEnded stops and drops the room's dispatcher.
func (r *jibriRouter) conferenceEnded(room jid.JID) {
	key := room.Bare().String()
	r.mu.Lock()
	d := r.dispatchers[key]
	delete(r.dispatchers, key)
	r.mu.Unlock()
	if d != nil {
		d.StopAll()
	}
}

// StopAll ends every jibri session, used on shutdown.
func (r *jibriRouter) StopAll() {
	r.mu.Lock()
	dispatchers := make([]*jibri.Dispatcher, 0, len(r.dispatchers))
	for _, d := range r.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	r.dispatchers = make(map[string]*jibri.Dispatcher)
	r.mu.Unlock()

	for _, d := range dispatchers {
		d.StopAll()
	}
}
