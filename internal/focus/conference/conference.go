// Package conference drives one conference: membership, media allocation,
// Jingle sessions and source distribution. All state is owned by a
// per-conference task queue; external callers enqueue and await.
package conference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/focus/bridge"
	"github.com/confmesh/focus/internal/focus/colibri"
	"github.com/confmesh/focus/internal/focus/jingle"
	"github.com/confmesh/focus/internal/focus/metrics"
	"github.com/confmesh/focus/internal/focus/source"
	"github.com/confmesh/focus/internal/focus/xmpp"
)

// ErrEnded is returned for operations on a conference that already ended.
var ErrEnded = fmt.Errorf("conference ended")

// Config carries the per-conference tunables, normally shared across all
// conferences of one focus.
type Config struct {
	// FocusNick is the focus's own MUC nickname.
	FocusNick string
	// MaxSourcesPerUser bounds accepted sources per endpoint.
	MaxSourcesPerUser int
	// UseSsrcRewriting asks bridges to renumber forwarded SSRCs.
	UseSsrcRewriting bool
	// CodecDescriptions are the RTP descriptions offered in session-initiate,
	// one per content name, built from the enabled codec config.
	CodecDescriptions map[string]xmpp.RawExtension
	// RequestTimeout bounds colibri request/response exchanges.
	RequestTimeout time.Duration
	// JingleTimeout bounds Jingle request/response exchanges. Zero means
	// RequestTimeout applies.
	JingleTimeout time.Duration
}

func (cfg Config) jingleRequestTimeout() time.Duration {
	if cfg.JingleTimeout > 0 {
		return cfg.JingleTimeout
	}
	return cfg.RequestTimeout
}

// Conference is one live conference. Everything below the queue runs
// single-threaded.
type Conference struct {
	roomJID jid.JID
	conn    xmpp.Connection
	muc     xmpp.MucClient
	cfg     Config

	queue    *taskQueue
	registry *jingle.Registry
	media    *colibri.SessionManager

	room         xmpp.Room
	participants map[string]*Participant // by endpoint ID
	sources      source.ConferenceSourceMap
	ended        bool

	onEnded func(*Conference)
}

// New creates a conference for the room. Call Start to join the MUC.
func New(roomJID jid.JID, conn xmpp.Connection, muc xmpp.MucClient, selector *bridge.Selector, registry *jingle.Registry, cfg Config, onEnded func(*Conference)) *Conference {
	if cfg.FocusNick == "" {
		cfg.FocusNick = "focus"
	}
	if cfg.MaxSourcesPerUser <= 0 {
		cfg.MaxSourcesPerUser = 20
	}
	c := &Conference{
		roomJID:      roomJID,
		conn:         conn,
		muc:          muc,
		cfg:          cfg,
		queue:        newTaskQueue(roomJID.String()),
		registry:     registry,
		participants: make(map[string]*Participant),
		sources:      source.ConferenceSourceMap{},
		onEnded:      onEnded,
	}
	c.media = colibri.NewSessionManager(conn, selector, c, colibri.ManagerConfig{
		MeetingID:      uuid.NewString(),
		RequestTimeout: cfg.RequestTimeout,
	})
	return c
}

// RoomJID returns the conference room address.
func (c *Conference) RoomJID() jid.JID { return c.roomJID }

// Start joins the conference MUC.
func (c *Conference) Start(ctx context.Context) error {
	room, err := c.muc.JoinRoom(ctx, c.roomJID, c.cfg.FocusNick, c)
	if err != nil {
		return fmt.Errorf("joining %s: %w", c.roomJID.String(), err)
	}
	return c.queue.Call(func() error {
		c.room = room
		metrics.ConferencesCreated.Inc()
		metrics.Conferences.Inc()
		slog.Info("[Conference] Started", "room", c.roomJID.String())
		return nil
	})
}

// Stop ends the conference, terminating every session with reason gone.
func (c *Conference) Stop() {
	_ = c.queue.Call(func() error {
		c.endLocked(xmpp.JingleReason{Condition: "gone"})
		return nil
	})
}

// ParticipantCount returns the number of joined participants.
func (c *Conference) ParticipantCount() int {
	n := 0
	_ = c.queue.Call(func() error {
		n = len(c.participants)
		return nil
	})
	return n
}

// BridgeCount returns how many bridges the conference spans.
func (c *Conference) BridgeCount() int { return c.media.BridgeCount() }

// EndpointsOnBridge returns the conference's endpoints hosted by the bridge.
func (c *Conference) EndpointsOnBridge(bridgeID string) []string {
	return c.media.EndpointsOn(bridgeID)
}

// Sources returns a copy of the conference source map.
func (c *Conference) Sources() source.ConferenceSourceMap {
	out := source.ConferenceSourceMap{}
	_ = c.queue.Call(func() error {
		out = c.sources.Copy()
		return nil
	})
	return out
}

// OccupantRole returns the role of the occupant with the given in-room JID.
func (c *Conference) OccupantRole(occupantJID jid.JID) (xmpp.Role, bool) {
	var (
		role  xmpp.Role
		found bool
	)
	_ = c.queue.Call(func() error {
		for _, p := range c.participants {
			if p.occupantJID.Equal(occupantJID) {
				role, found = p.role, true
				return nil
			}
		}
		return nil
	})
	return role, found
}

// PublishExtension republishes the focus presence in the room with the given
// extension, used for recording and SIP call state.
func (c *Conference) PublishExtension(ext xmpp.PresenceExtension) error {
	return c.queue.Call(func() error {
		if c.room == nil {
			return ErrEnded
		}
		return c.room.SetPresenceExtension(ext)
	})
}

// OccupantJoined implements xmpp.OccupantHandler.
func (c *Conference) OccupantJoined(o xmpp.Occupant) {
	c.queue.Enqueue(func() { c.memberJoined(o) })
}

// OccupantPresenceChanged implements xmpp.OccupantHandler.
func (c *Conference) OccupantPresenceChanged(o xmpp.Occupant) {
	c.queue.Enqueue(func() { c.memberUpdated(o) })
}

// OccupantLeft implements xmpp.OccupantHandler.
func (c *Conference) OccupantLeft(o xmpp.Occupant) {
	c.queue.Enqueue(func() { c.memberLeft(o) })
}

func (c *Conference) memberJoined(o xmpp.Occupant) {
	if c.ended {
		return
	}
	nick := o.OccupantJID.Resourcepart()
	if nick == c.cfg.FocusNick {
		return
	}
	if _, ok := c.participants[nick]; ok {
		slog.Warn("[Conference] Duplicate join", "room", c.roomJID.String(), "endpoint", nick)
		return
	}

	p := newParticipant(o)
	c.participants[nick] = p
	metrics.Participants.Inc()
	slog.Info("[Conference] Member joined",
		"room", c.roomJID.String(),
		"endpoint", nick,
		"role", p.role.String())

	c.scheduleInvite(p)
}

func (c *Conference) memberUpdated(o xmpp.Occupant) {
	p, ok := c.participants[o.OccupantJID.Resourcepart()]
	if !ok {
		return
	}
	if p.role != o.Role {
		slog.Info("[Conference] Role changed",
			"room", c.roomJID.String(),
			"endpoint", p.EndpointID(),
			"role", o.Role.String())
		p.role = o.Role
	}
}

func (c *Conference) memberLeft(o xmpp.Occupant) {
	nick := o.OccupantJID.Resourcepart()
	p, ok := c.participants[nick]
	if !ok {
		return
	}
	c.removeParticipant(p, xmpp.JingleReason{Condition: "gone"}, true)

	if len(c.participants) == 0 {
		slog.Info("[Conference] No more participants, stopping the conference",
			"room", c.roomJID.String())
		c.endLocked(xmpp.JingleReason{Condition: "gone"})
	}
}

// removeParticipant tears one participant down: session, allocation, sources.
func (c *Conference) removeParticipant(p *Participant, reason xmpp.JingleReason, sendTerminate bool) {
	nick := p.EndpointID()
	delete(c.participants, nick)
	metrics.Participants.Dec()

	if p.session != nil {
		p.session.Terminate(reason, sendTerminate && p.hasSession())
	}
	if err := c.media.Expire(nick); err != nil && !errors.Is(err, colibri.ErrUnknownEndpoint) {
		slog.Warn("[Conference] Expire failed",
			"room", c.roomJID.String(),
			"endpoint", nick,
			"error", err)
	}

	if set, ok := c.sources[nick]; ok {
		removed := source.NewConferenceSourceMap(nick, set)
		delete(c.sources, nick)
		c.propagate(nick, nil, removed)
	}

	slog.Info("[Conference] Member left", "room", c.roomJID.String(), "endpoint", nick)
}

func (c *Conference) scheduleInvite(p *Participant) {
	if p.inviteRunning {
		return
	}
	p.inviteRunning = true
	c.queue.Enqueue(func() {
		p.inviteRunning = false
		c.invite(p)
	})
}

// invite allocates channels and starts the participant's Jingle session.
func (c *Conference) invite(p *Participant) {
	if c.ended || c.participants[p.EndpointID()] != p {
		return
	}
	if p.hasSession() {
		p.session.Terminate(xmpp.JingleReason{Condition: "connectivity-error"}, true)
		p.session = nil
	}

	offer, err := c.allocate(p)
	if err != nil {
		return
	}

	p.session = jingle.NewSession(c.conn, p.occupantJID, c, c.registry, jingle.SessionConfig{
		RequestTimeout:       c.cfg.jingleRequestTimeout(),
		EncodeSourcesCompact: p.compactSources,
	})

	initial := p.signaling.Reset(c.sources)
	ctx := context.Background()
	if err := p.session.Initiate(ctx, c.offerContents(offer), nil, initial); err != nil {
		slog.Warn("[Conference] Invite failed",
			"room", c.roomJID.String(),
			"endpoint", p.EndpointID(),
			"error", err)
		p.session.Terminate(xmpp.JingleReason{Condition: "connectivity-error"}, false)
		p.session = nil
		if expireErr := c.media.Expire(p.EndpointID()); expireErr != nil && !errors.Is(expireErr, colibri.ErrUnknownEndpoint) {
			slog.Warn("[Conference] Expire after failed invite",
				"endpoint", p.EndpointID(),
				"error", expireErr)
		}
	}
}

// allocate runs bridge selection and channel allocation for the participant,
// handling the failure ladder: bridge failure re-runs, no bridge ends the
// conference.
func (c *Conference) allocate(p *Participant) (*colibri.Offer, error) {
	offer, err := c.media.Allocate(context.Background(), colibri.Endpoint{
		ID:               p.EndpointID(),
		StatsID:          p.statsID,
		Region:           p.region,
		Medias:           []source.MediaType{source.MediaAudio, source.MediaVideo},
		UseSsrcRewriting: c.cfg.UseSsrcRewriting,
	})
	switch {
	case err == nil:
		return offer, nil
	case errors.Is(err, colibri.ErrNoBridgeAvailable):
		slog.Error("[Conference] No bridge available, ending conference",
			"room", c.roomJID.String())
		c.endLocked(xmpp.JingleReason{Condition: "general-error", Text: "resource constraint"})
		return nil, err
	case errors.Is(err, colibri.ErrBridgeFailed):
		// The failed bridge is in cooldown now; run selection again.
		slog.Warn("[Conference] Allocation hit a failed bridge, retrying",
			"room", c.roomJID.String(),
			"endpoint", p.EndpointID())
		c.scheduleInvite(p)
		return nil, err
	default:
		return nil, err
	}
}

// offerContents builds the session-initiate contents: the configured codec
// descriptions plus the bridge transport.
func (c *Conference) offerContents(offer *colibri.Offer) []xmpp.Content {
	names := make([]string, 0, len(c.cfg.CodecDescriptions))
	for name := range c.cfg.CodecDescriptions {
		names = append(names, name)
	}
	sort.Strings(names)

	contents := make([]xmpp.Content, 0, len(names))
	for _, name := range names {
		contents = append(contents, xmpp.Content{
			Name:        name,
			Description: c.cfg.CodecDescriptions[name],
			Transport:   offer.Transport,
		})
	}
	if len(contents) == 0 {
		contents = append(contents, xmpp.Content{Name: "audio", Transport: offer.Transport},
			xmpp.Content{Name: "video", Transport: offer.Transport})
	}
	return contents
}

// HandleRequest implements jingle.RequestHandler. Runs on the XMPP thread;
// the work moves onto the conference queue.
func (c *Conference) HandleRequest(s *jingle.Session, p xmpp.JinglePayload) *xmpp.StanzaError {
	var stanzaErr *xmpp.StanzaError
	if err := c.queue.Call(func() error {
		stanzaErr = c.handleJingle(s, p)
		return nil
	}); err != nil {
		return xmpp.ServiceUnavailable("conference ended")
	}
	return stanzaErr
}

func (c *Conference) handleJingle(s *jingle.Session, payload xmpp.JinglePayload) *xmpp.StanzaError {
	nick := s.Peer().Resourcepart()
	p, ok := c.participants[nick]
	if !ok || p.session != s {
		return xmpp.BadRequest("no participant for session")
	}

	switch payload.Action {
	case xmpp.ActionSessionAccept, xmpp.ActionSourceAdd:
		candidate, err := payload.SourceMap()
		if err != nil {
			return xmpp.BadRequest(err.Error())
		}
		return c.acceptSources(p, candidate[nick])

	case xmpp.ActionSourceRemove:
		candidate, err := payload.SourceMap()
		if err != nil {
			return xmpp.BadRequest(err.Error())
		}
		return c.retractSources(p, candidate[nick])

	case xmpp.ActionSessionTerminate:
		// Keep the room membership; only the media session ends.
		if err := c.media.Expire(nick); err != nil && !errors.Is(err, colibri.ErrUnknownEndpoint) {
			slog.Warn("[Conference] Expire failed", "endpoint", nick, "error", err)
		}
		if set, ok := c.sources[nick]; ok {
			removed := source.NewConferenceSourceMap(nick, set)
			delete(c.sources, nick)
			c.propagate(nick, nil, removed)
		}
		p.session = nil
		return nil

	case xmpp.ActionSessionInfo, xmpp.ActionTransportInfo,
		xmpp.ActionTransportAccept, xmpp.ActionTransportReject:
		return nil

	default:
		return xmpp.FeatureNotImplemented("unsupported action " + string(payload.Action))
	}
}

// acceptSources validates and admits sources advertised by the participant.
func (c *Conference) acceptSources(p *Participant, candidate source.EndpointSourceSet) *xmpp.StanzaError {
	if candidate.IsEmpty() {
		return nil
	}
	nick := p.EndpointID()

	accepted, err := source.TryAdd(c.sources, nick, candidate, c.cfg.MaxSourcesPerUser)
	if err != nil {
		slog.Warn("[Conference] Rejected sources",
			"room", c.roomJID.String(),
			"endpoint", nick,
			"error", err)
		return xmpp.NotAcceptable(err.Error())
	}
	if accepted.IsEmpty() {
		return nil
	}

	current := c.sources[nick].Union(accepted)
	c.sources[nick] = current
	if err := c.media.UpdateSources(nick, current); err != nil {
		slog.Warn("[Conference] Bridge source update failed", "endpoint", nick, "error", err)
	}

	c.propagate(nick, source.NewConferenceSourceMap(nick, accepted), nil)
	return nil
}

// retractSources removes sources the participant retracts. Unknown sources
// are a bad-request.
func (c *Conference) retractSources(p *Participant, removal source.EndpointSourceSet) *xmpp.StanzaError {
	if removal.IsEmpty() {
		return nil
	}
	nick := p.EndpointID()

	current, ok := c.sources[nick]
	if !ok {
		return xmpp.BadRequest("no sources to remove")
	}
	for _, ssrc := range removal.SSRCs() {
		if !current.HasSSRC(ssrc) {
			return xmpp.BadRequest(fmt.Sprintf("source %d not signaled", ssrc))
		}
	}

	remaining := current.Diff(removal)
	if remaining.IsEmpty() {
		delete(c.sources, nick)
	} else {
		c.sources[nick] = remaining
	}
	if err := c.media.UpdateSources(nick, remaining); err != nil {
		slog.Warn("[Conference] Bridge source update failed", "endpoint", nick, "error", err)
	}

	c.propagate(nick, nil, source.NewConferenceSourceMap(nick, removal))
	return nil
}

// propagate pushes a source delta to every other participant through their
// signaling outbox.
func (c *Conference) propagate(fromID string, added, removed source.ConferenceSourceMap) {
	for nick, p := range c.participants {
		if nick == fromID || !p.hasSession() {
			continue
		}
		if !added.IsEmpty() {
			p.signaling.AddSources(added)
		}
		if !removed.IsEmpty() {
			p.signaling.RemoveSources(removed)
		}
		for _, op := range p.signaling.Flush() {
			var err error
			switch op.Operation {
			case source.Add:
				err = p.session.AddSource(op.Sources)
			case source.Remove:
				err = p.session.RemoveSource(op.Sources)
			}
			if err != nil {
				slog.Warn("[Conference] Source signaling failed",
					"endpoint", nick,
					"op", op.Operation.String(),
					"error", err)
			}
		}
	}
}

// MoveEndpoint moves one endpoint off its bridge: expire, re-select,
// transport-replace. A failed replace falls back to a fresh invite.
func (c *Conference) MoveEndpoint(endpointID string) error {
	return c.queue.Call(func() error { return c.moveParticipant(endpointID) })
}

// MoveEndpointsFromBridge moves up to count endpoints off the given bridge,
// returning how many moves started.
func (c *Conference) MoveEndpointsFromBridge(bridgeID string, count int) int {
	moved := 0
	_ = c.queue.Call(func() error {
		for _, id := range c.media.EndpointsOn(bridgeID) {
			if moved >= count {
				break
			}
			if err := c.moveParticipant(id); err != nil {
				slog.Warn("[Conference] Move failed", "endpoint", id, "error", err)
				continue
			}
			moved++
		}
		return nil
	})
	return moved
}

func (c *Conference) moveParticipant(endpointID string) error {
	p, ok := c.participants[endpointID]
	if !ok {
		return fmt.Errorf("no participant %s", endpointID)
	}

	if err := c.media.MoveEndpoint(endpointID); err != nil && !errors.Is(err, colibri.ErrUnknownEndpoint) {
		return err
	}
	offer, err := c.allocate(p)
	if err != nil {
		return err
	}
	metrics.ParticipantsMoved.Inc()

	if !p.hasSession() {
		c.scheduleInvite(p)
		return nil
	}

	full := p.signaling.Reset(c.sources)
	if err := p.session.ReplaceTransport(context.Background(), c.offerContents(offer), nil, full); err != nil {
		slog.Warn("[Conference] transport-replace failed, re-inviting",
			"room", c.roomJID.String(),
			"endpoint", endpointID,
			"error", err)
		p.session.Terminate(xmpp.JingleReason{Condition: "connectivity-error"}, true)
		p.session = nil
		if expireErr := c.media.Expire(endpointID); expireErr != nil && !errors.Is(expireErr, colibri.ErrUnknownEndpoint) {
			slog.Warn("[Conference] Expire after failed replace",
				"endpoint", endpointID,
				"error", expireErr)
		}
		c.scheduleInvite(p)
	}
	return nil
}

// BridgeFailed implements colibri.EventHandler: every endpoint that lost its
// allocation is re-invited as a move.
func (c *Conference) BridgeFailed(bridgeID string, lostEndpoints []string) {
	metrics.BridgesFailed.Inc()
	slog.Warn("[Conference] Bridge failed",
		"room", c.roomJID.String(),
		"bridge", bridgeID,
		"endpoints", len(lostEndpoints))

	for _, id := range lostEndpoints {
		endpointID := id
		c.queue.Enqueue(func() {
			if err := c.moveParticipant(endpointID); err != nil {
				slog.Warn("[Conference] Re-invite after bridge failure failed",
					"endpoint", endpointID,
					"error", err)
			}
		})
	}
}

// BridgeCountChanged implements colibri.EventHandler.
func (c *Conference) BridgeCountChanged(count int) {
	slog.Debug("[Conference] Bridge count changed",
		"room", c.roomJID.String(),
		"bridges", count)
}

// OnBridgeRemoved reacts to a bridge leaving the fleet while hosting this
// conference's endpoints.
func (c *Conference) OnBridgeRemoved(bridgeID string) {
	c.queue.Enqueue(func() { c.media.OnBridgeRemoved(bridgeID) })
}

// endLocked tears the whole conference down. Must run on the queue.
func (c *Conference) endLocked(reason xmpp.JingleReason) {
	if c.ended {
		return
	}
	c.ended = true

	for _, p := range c.participants {
		if p.session != nil {
			p.session.Terminate(reason, p.hasSession())
		}
		if err := c.media.Expire(p.EndpointID()); err != nil && !errors.Is(err, colibri.ErrUnknownEndpoint) {
			slog.Debug("[Conference] Expire during shutdown", "endpoint", p.EndpointID(), "error", err)
		}
		metrics.Participants.Dec()
	}
	c.participants = make(map[string]*Participant)
	c.sources = source.ConferenceSourceMap{}

	if c.room != nil {
		if err := c.room.Leave(reason.Condition); err != nil {
			slog.Warn("[Conference] Failed to leave room", "room", c.roomJID.String(), "error", err)
		}
		c.room = nil
	}

	metrics.ConferencesEnded.Inc()
	metrics.Conferences.Dec()
	slog.Info("[Conference] Ended", "room", c.roomJID.String(), "reason", reason.Condition)

	onEnded := c.onEnded
	c.queue.Close()
	if onEnded != nil {
		go onEnded(c)
	}
}
