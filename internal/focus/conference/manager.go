package conference

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/focus/bridge"
	"github.com/confmesh/focus/internal/focus/jingle"
	"github.com/confmesh/focus/internal/focus/xmpp"
)

// Manager owns the focus's live conferences, keyed by bare room JID.
type Manager struct {
	conn     xmpp.Connection
	muc      xmpp.MucClient
	selector *bridge.Selector
	registry *jingle.Registry
	cfg      Config

	mu            sync.Mutex
	conferences   map[string]*Conference
	endedListener func(room jid.JID)
}

// NewManager creates a conference manager. The Jingle registry is shared
// across conferences since SIDs are globally unique.
func NewManager(conn xmpp.Connection, muc xmpp.MucClient, selector *bridge.Selector, registry *jingle.Registry, cfg Config) *Manager {
	return &Manager{
		conn:        conn,
		muc:         muc,
		selector:    selector,
		registry:    registry,
		cfg:         cfg,
		conferences: make(map[string]*Conference),
	}
}

// EnsureConference returns the conference for the room, creating and starting
// it when absent. created reports whether this call created it.
func (m *Manager) EnsureConference(ctx context.Context, room jid.JID) (c *Conference, created bool, err error) {
	key := room.Bare().String()

	m.mu.Lock()
	if existing, ok := m.conferences[key]; ok {
		m.mu.Unlock()
		return existing, false, nil
	}
	c = New(room.Bare(), m.conn, m.muc, m.selector, m.registry, m.cfg, m.conferenceEnded)
	m.conferences[key] = c
	m.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.conferences, key)
		m.mu.Unlock()
		return nil, false, err
	}
	return c, true, nil
}

// Get returns the conference for the room, or nil.
func (m *Manager) Get(room jid.JID) *Conference {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conferences[room.Bare().String()]
}

// HasConference reports whether a conference exists for the room.
func (m *Manager) HasConference(room jid.JID) bool {
	return m.Get(room) != nil
}

// Admit ensures a conference exists for the room, creating and starting one
// when needed. The admission path calls this for every accepted request.
func (m *Manager) Admit(ctx context.Context, room jid.JID) error {
	_, _, err := m.EnsureConference(ctx, room)
	return err
}

// Conferences returns all live conferences ordered by room JID.
func (m *Manager) Conferences() []*Conference {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conference, 0, len(m.conferences))
	for _, c := range m.conferences {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RoomJID().String() < out[j].RoomJID().String()
	})
	return out
}

// Count returns the number of live conferences.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conferences)
}

// Stats is a point-in-time snapshot of the conference pool.
type Stats struct {
	Conferences  int `json:"conferences"`
	Participants int `json:"participants"`
}

// Stats snapshots the pool for the admin API.
func (m *Manager) Stats() Stats {
	confs := m.Conferences()
	s := Stats{Conferences: len(confs)}
	for _, c := range confs {
		s.Participants += c.ParticipantCount()
	}
	return s
}

// Stop ends every conference, used on shutdown.
func (m *Manager) Stop() {
	for _, c := range m.Conferences() {
		c.Stop()
	}
}

func (m *Manager) conferenceEnded(c *Conference) {
	key := c.RoomJID().Bare().String()
	m.mu.Lock()
	removed := m.conferences[key] == c
	if removed {
		delete(m.conferences, key)
	}
	listener := m.endedListener
	m.mu.Unlock()
	slog.Debug("[FocusManager] Conference removed", "room", key)

	if removed && listener != nil {
		listener(c.RoomJID())
	}
}

// SetEndedListener registers a callback invoked with the room JID after a
// conference is removed. Used to release per-room state held elsewhere, e.g.
// auth sessions and jibri dispatchers.
func (m *Manager) SetEndedListener(fn func(room jid.JID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endedListener = fn
}
