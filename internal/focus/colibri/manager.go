// Package colibri allocates conference media channels on the bridge fleet
// and maintains the relay cascade connecting the allocated bridges.
package colibri

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/focus/bridge"
	"github.com/confmesh/focus/internal/focus/cascade"
	"github.com/confmesh/focus/internal/focus/source"
	"github.com/confmesh/focus/internal/focus/xmpp"
)

// Sentinel errors for allocation outcomes
var (
	// ErrNoBridgeAvailable means selection produced no usable bridge. The
	// conference ends with resource-constraint when this surfaces on a join.
	ErrNoBridgeAvailable = fmt.Errorf("no bridge available")
	// ErrUnknownEndpoint is returned for operations on an endpoint with no
	// allocation
	ErrUnknownEndpoint = fmt.Errorf("endpoint has no allocation")
	// ErrBridgeFailed means the hosting bridge errored or timed out and was
	// marked failed; affected endpoints need a re-invite
	ErrBridgeFailed = fmt.Errorf("bridge request failed")
)

// allBridges share one full mesh. Loop-free by construction, and removing a
// bridge never severs the remaining ones.
const defaultMeshID = "0"

// Endpoint describes one participant's media allocation request.
type Endpoint struct {
	ID               string
	StatsID          string
	Region           string
	Medias           []source.MediaType
	UseSsrcRewriting bool
	InitialSources   source.EndpointSourceSet
}

// Offer is what an allocation yields: the material for session-initiate.
type Offer struct {
	BridgeID     string
	ConferenceID string
	Transport    xmpp.RawExtension
}

// EventHandler receives fleet-level consequences of colibri operations.
// Callbacks run on the caller's goroutine, which is the conference queue.
type EventHandler interface {
	// BridgeFailed fires after a bridge was marked failed and its sessions
	// expired. lostEndpoints need a re-invite.
	BridgeFailed(bridgeID string, lostEndpoints []string)
	// BridgeCountChanged fires when the conference's bridge count changes.
	BridgeCountChanged(count int)
}

// ManagerConfig carries the per-conference colibri knobs.
type ManagerConfig struct {
	MeetingID      string
	RequestTimeout time.Duration
}

// SessionManager owns one conference's bridge sessions and cascade. All
// methods are safe for concurrent use, though in practice the conference
// queue serializes them.
type SessionManager struct {
	conn     xmpp.Connection
	selector *bridge.Selector
	cfg      ManagerConfig
	handler  EventHandler

	mu             sync.Mutex
	cascade        *cascade.Cascade
	sessions       map[string]*BridgeSession // by bridge ID
	endpointBridge map[string]string         // endpoint ID -> bridge ID
	versionPin     string
}

// NewSessionManager creates a manager with an empty cascade.
func NewSessionManager(conn xmpp.Connection, selector *bridge.Selector, handler EventHandler, cfg ManagerConfig) *SessionManager {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	return &SessionManager{
		conn:           conn,
		selector:       selector,
		cfg:            cfg,
		handler:        handler,
		cascade:        cascade.New(),
		sessions:       make(map[string]*BridgeSession),
		endpointBridge: make(map[string]string),
	}
}

// BridgeCount returns the number of bridges the conference currently spans.
func (m *SessionManager) BridgeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EndpointCount returns the number of allocated endpoints.
func (m *SessionManager) EndpointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.endpointBridge)
}

// BridgeOf returns the ID of the bridge hosting the endpoint, or "".
func (m *SessionManager) BridgeOf(endpointID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpointBridge[endpointID]
}

// EndpointsOn returns the endpoints allocated on the given bridge, sorted.
func (m *SessionManager) EndpointsOn(bridgeID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[bridgeID]
	if s == nil {
		return nil
	}
	out := s.endpointIDs()
	sort.Strings(out)
	return out
}

func (m *SessionManager) bridgeCountsLocked() map[string]int {
	counts := make(map[string]int, len(m.sessions))
	for id, s := range m.sessions {
		counts[id] = s.EndpointCount()
	}
	return counts
}

// Allocate picks a bridge for the endpoint, growing the cascade when the
// endpoint lands on a new bridge, and requests its channels. The returned
// offer feeds session-initiate.
func (m *SessionManager) Allocate(ctx context.Context, ep Endpoint) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.selector.SelectBridge(m.bridgeCountsLocked(), ep.Region, m.versionPin)
	if b == nil {
		return nil, ErrNoBridgeAvailable
	}

	session := m.sessions[b.ID()]
	isNew := session == nil
	if isNew {
		session = newBridgeSession(b)
	}

	req := xmpp.ColibriRequest{
		ConferenceID:     session.conferenceID,
		MeetingID:        m.cfg.MeetingID,
		CreateConference: isNew,
		Endpoints: []xmpp.ColibriEndpoint{{
			ID:               ep.ID,
			Create:           true,
			UseSsrcRewriting: ep.UseSsrcRewriting,
			Media:            ep.Medias,
			Sources:          ep.InitialSources,
		}},
	}
	if isNew {
		// The joining bridge gets a relay toward every bridge already in
		// the mesh; each of those gets the reverse relay below.
		for id := range m.sessions {
			req.Relays = append(req.Relays, xmpp.ColibriRelay{
				RelayID: m.sessions[id].RelayID(),
				MeshID:  defaultMeshID,
				Create:  true,
			})
		}
	}

	resp, err := m.request(ctx, b.JID().String(), req)
	if err != nil {
		m.failBridgeLocked(b.ID(), err)
		return nil, fmt.Errorf("%w: allocating %s on %s: %v", ErrBridgeFailed, ep.ID, b.ID(), err)
	}

	if isNew {
		if err := m.admitBridgeLocked(session); err != nil {
			return nil, err
		}
	}
	if session.conferenceID == "" {
		session.conferenceID = resp.ConferenceID
	}
	session.endpoints[ep.ID] = struct{}{}
	m.endpointBridge[ep.ID] = b.ID()
	if m.versionPin == "" {
		m.versionPin = b.Version()
	}
	b.EndpointAdded(time.Now())

	slog.Info("[Colibri] Endpoint allocated",
		"endpoint", ep.ID,
		"bridge", b.ID(),
		"new_bridge", isNew,
		"bridges", len(m.sessions))

	return &Offer{
		BridgeID:     b.ID(),
		ConferenceID: session.conferenceID,
		Transport:    resp.Transports[ep.ID],
	}, nil
}

// admitBridgeLocked registers the new session, adds its cascade node and
// pushes the reverse relays to the bridges already in the mesh.
func (m *SessionManager) admitBridgeLocked(session *BridgeSession) error {
	if err := m.cascade.AddNodeToMesh(session, defaultMeshID); err != nil {
		return fmt.Errorf("adding %s to cascade: %w", session.RelayID(), err)
	}
	for id, peer := range m.sessions {
		update := xmpp.ColibriRequest{
			ConferenceID: peer.conferenceID,
			MeetingID:    m.cfg.MeetingID,
			Relays: []xmpp.ColibriRelay{{
				RelayID: session.RelayID(),
				MeshID:  defaultMeshID,
				Create:  true,
			}},
		}
		if err := m.send(id, update); err != nil {
			slog.Warn("[Colibri] Failed to announce relay",
				"bridge", id,
				"relay", session.RelayID(),
				"error", err)
		}
	}
	m.sessions[session.bridge.ID()] = session
	m.notifyBridgeCount()
	return nil
}

// Expire frees the endpoint's channels, dropping its bridge from the
// conference when it hosted nothing else.
func (m *SessionManager) Expire(endpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireLocked(endpointID)
}

func (m *SessionManager) expireLocked(endpointID string) error {
	bridgeID, ok := m.endpointBridge[endpointID]
	if !ok {
		return ErrUnknownEndpoint
	}
	session := m.sessions[bridgeID]
	delete(m.endpointBridge, endpointID)
	delete(session.endpoints, endpointID)
	if b := m.selector.Detector().Get(bridgeID); b != nil {
		b.EndpointRemoved(time.Now())
	}

	req := xmpp.ColibriRequest{
		ConferenceID: session.conferenceID,
		MeetingID:    m.cfg.MeetingID,
		Endpoints:    []xmpp.ColibriEndpoint{{ID: endpointID, Expire: true}},
	}
	if session.EndpointCount() == 0 {
		req.ExpireConference = true
	}
	if err := m.send(bridgeID, req); err != nil {
		slog.Warn("[Colibri] Failed to expire endpoint",
			"endpoint", endpointID,
			"bridge", bridgeID,
			"error", err)
	}

	if session.EndpointCount() == 0 {
		m.dropSessionLocked(session, true)
	}
	return nil
}

// UpdateSources pushes the endpoint's current source set to its bridge and
// refreshes the remote sources on every relayed bridge.
func (m *SessionManager) UpdateSources(endpointID string, sources source.EndpointSourceSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bridgeID, ok := m.endpointBridge[endpointID]
	if !ok {
		return ErrUnknownEndpoint
	}
	session := m.sessions[bridgeID]

	if err := m.send(bridgeID, xmpp.ColibriRequest{
		ConferenceID: session.conferenceID,
		MeetingID:    m.cfg.MeetingID,
		Endpoints: []xmpp.ColibriEndpoint{{
			ID:      endpointID,
			Sources: sources,
		}},
	}); err != nil {
		return fmt.Errorf("updating sources of %s on %s: %w", endpointID, bridgeID, err)
	}

	remote := source.NewConferenceSourceMap(endpointID, sources)
	for id, peer := range m.sessions {
		if id == bridgeID {
			continue
		}
		if err := m.send(id, xmpp.ColibriRequest{
			ConferenceID: peer.conferenceID,
			MeetingID:    m.cfg.MeetingID,
			Relays: []xmpp.ColibriRelay{{
				RelayID:       session.RelayID(),
				MeshID:        defaultMeshID,
				RemoteSources: remote,
			}},
		}); err != nil {
			slog.Warn("[Colibri] Failed to update relay sources",
				"bridge", id,
				"relay", session.RelayID(),
				"error", err)
		}
	}
	return nil
}

// MoveEndpoint expires the endpoint's allocation so the caller can re-invite
// it; selection runs again on the next Allocate.
func (m *SessionManager) MoveEndpoint(endpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpointBridge[endpointID]; !ok {
		return ErrUnknownEndpoint
	}
	slog.Info("[Colibri] Moving endpoint", "endpoint", endpointID)
	return m.expireLocked(endpointID)
}

// OnBridgeRemoved handles a bridge leaving the fleet or going non-operational
// while hosting conference endpoints.
func (m *SessionManager) OnBridgeRemoved(bridgeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[bridgeID] == nil {
		return
	}
	m.failBridgeLocked(bridgeID, fmt.Errorf("bridge left or went non-operational"))
}

// failBridgeLocked marks the bridge failed, drops its session and reports the
// endpoints that lost their allocation.
func (m *SessionManager) failBridgeLocked(bridgeID string, cause error) {
	session := m.sessions[bridgeID]
	var lost []string
	if session != nil {
		lost = session.endpointIDs()
		sort.Strings(lost)
		for _, id := range lost {
			delete(m.endpointBridge, id)
		}
		m.dropSessionLocked(session, false)
	}
	if b := m.selector.Detector().Get(bridgeID); b != nil {
		if b.Status().ShutdownInProgress {
			// Orderly restart, not a fault: skip the cooldown so the bridge
			// is selectable again as soon as it comes back.
			b.MarkRestartRequested(time.Now())
		} else {
			b.MarkFailed(time.Now())
		}
	}

	slog.Error("[Colibri] Bridge failed",
		"bridge", bridgeID,
		"lost_endpoints", len(lost),
		"error", cause)

	if m.handler != nil {
		m.handler.BridgeFailed(bridgeID, lost)
	}
}

// dropSessionLocked removes the session, its cascade node and its relays on
// the remaining bridges. expireRemote controls whether the remaining bridges
// are told to expire the relay (skipped when the bridge already failed).
func (m *SessionManager) dropSessionLocked(session *BridgeSession, expireRemote bool) {
	bridgeID := session.bridge.ID()
	delete(m.sessions, bridgeID)

	if m.cascade.ContainsNode(session.RelayID()) {
		if err := m.cascade.RemoveNode(session.RelayID(), m.repairCascade); err != nil {
			slog.Error("[Colibri] Cascade removal failed",
				"relay", session.RelayID(),
				"error", err)
		}
	}

	if expireRemote {
		for id, peer := range m.sessions {
			if err := m.send(id, xmpp.ColibriRequest{
				ConferenceID: peer.conferenceID,
				MeetingID:    m.cfg.MeetingID,
				Relays: []xmpp.ColibriRelay{{
					RelayID: session.RelayID(),
					MeshID:  defaultMeshID,
					Expire:  true,
				}},
			}); err != nil {
				slog.Warn("[Colibri] Failed to expire relay",
					"bridge", id,
					"relay", session.RelayID(),
					"error", err)
			}
		}
	}

	if len(m.sessions) == 0 {
		m.versionPin = ""
	}
	m.notifyBridgeCount()
}

// repairCascade reconnects the fragments left by removing a node that
// bridged several meshes: one representative per severed mesh, chained into
// fresh meshes off the first fragment.
func (m *SessionManager) repairCascade(removed cascade.Node, meshes []string) []cascade.RepairLink {
	var reps []string
	for _, meshID := range meshes {
		members := m.cascade.MeshMembers(meshID)
		if len(members) > 0 {
			reps = append(reps, members[0])
		}
	}
	var links []cascade.RepairLink
	for i := 1; i < len(reps); i++ {
		links = append(links, cascade.RepairLink{
			A:      reps[0],
			B:      reps[i],
			MeshID: "repair-" + uuid.NewString()[:8],
		})
	}
	slog.Info("[Colibri] Repairing cascade",
		"removed", removed.RelayID(),
		"new_links", len(links))
	return links
}

func (m *SessionManager) notifyBridgeCount() {
	if m.handler != nil {
		m.handler.BridgeCountChanged(len(m.sessions))
	}
}

func parseJID(s string) (jid.JID, error) {
	j, err := jid.Parse(s)
	if err != nil {
		return jid.JID{}, fmt.Errorf("bad bridge jid %q: %w", s, err)
	}
	return j, nil
}

// request sends a colibri request and awaits the typed response.
func (m *SessionManager) request(ctx context.Context, bridgeID string, req xmpp.ColibriRequest) (*xmpp.ColibriResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	to, err := parseJID(bridgeID)
	if err != nil {
		return nil, err
	}
	result, err := m.conn.SendIQ(ctx, xmpp.IQ{
		To:      to,
		From:    m.conn.JID(),
		Type:    xmpp.IQSet,
		Payload: req,
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("no response")
	}
	if result.Error != nil {
		return nil, fmt.Errorf("bridge answered %s", result.Error.Error())
	}
	resp, ok := result.Payload.(xmpp.ColibriResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response payload")
	}
	return &resp, nil
}

// send fires a colibri update without awaiting the response.
func (m *SessionManager) send(bridgeID string, req xmpp.ColibriRequest) error {
	to, err := parseJID(bridgeID)
	if err != nil {
		return err
	}
	return m.conn.SendStanza(xmpp.IQ{
		To:      to,
		From:    m.conn.JID(),
		Type:    xmpp.IQSet,
		Payload: req,
	})
}
