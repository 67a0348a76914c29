// Package auth implements the XMPP-domain authentication authority and the
// conference admission handler built on it.
package auth

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/focus/metrics"
	"github.com/confmesh/focus/internal/focus/xmpp"
	"github.com/confmesh/focus/internal/store"
)

// sweepInterval is how often expired sessions are evicted.
const sweepInterval = 10 * time.Second

// Session binds one authenticated user on one machine to a room.
type Session struct {
	ID         string
	MachineUID string
	// Identity is the authenticated user's bare JID.
	Identity string
	Room     jid.JID
}

// StoreConfig carries the authentication policy knobs.
type StoreConfig struct {
	// TrustedDomain is the XMPP domain whose users count as authenticated.
	TrustedDomain string
	// Lifetime evicts sessions idle longer than this.
	Lifetime time.Duration
	// DisableAutoLogin drops a room's sessions when its conference ends,
	// forcing re-authentication on the next join.
	DisableAutoLogin bool
}

func (c *StoreConfig) defaults() {
	if c.Lifetime <= 0 {
		c.Lifetime = 24 * time.Hour
	}
}

// Store holds authentication sessions with idle expiry. Any read touches the
// session, restarting its lifetime.
type Store struct {
	cfg      StoreConfig
	sessions *store.TTLStore[string, *Session]
}

// NewStore creates a session store sweeping every 10 seconds. Close releases
// the sweeper.
func NewStore(cfg StoreConfig) *Store {
	cfg.defaults()
	s := &Store{
		cfg:      cfg,
		sessions: store.NewTTLStore[string, *Session](sweepInterval),
	}
	s.sessions.SetOnEvict(func(id string, sess *Session) {
		metrics.AuthSessions.Dec()
		slog.Info("[Auth] Session expired",
			"session", id,
			"identity", sess.Identity)
	})
	return s
}

// Close stops the sweeper and drops all sessions.
func (s *Store) Close() {
	metrics.AuthSessions.Sub(float64(s.sessions.Len()))
	s.sessions.Close()
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	return s.sessions.Len()
}

// CreateSession registers a new session for the user on the given machine.
func (s *Store) CreateSession(machineUID, identity string, room jid.JID) *Session {
	sess := &Session{
		ID:         uuid.NewString(),
		MachineUID: machineUID,
		Identity:   identity,
		Room:       room.Bare(),
	}
	s.sessions.Set(sess.ID, sess, s.cfg.Lifetime)
	metrics.AuthSessions.Inc()
	slog.Info("[Auth] Session created",
		"session", sess.ID,
		"identity", identity,
		"machine", machineUID)
	return sess
}

// GetSession returns the session and touches it. ok is false for unknown or
// expired IDs.
func (s *Store) GetSession(sessionID string) (*Session, bool) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, false
	}
	s.sessions.Refresh(sessionID, s.cfg.Lifetime)
	return sess, true
}

// FindByJID returns the session of the given user's bare JID, if any.
func (s *Store) FindByJID(userJID jid.JID) (*Session, bool) {
	return s.find(func(sess *Session) bool {
		return sess.Identity == userJID.Bare().String()
	})
}

func (s *Store) findByMachineUID(machineUID string) (*Session, bool) {
	return s.find(func(sess *Session) bool {
		return sess.MachineUID == machineUID
	})
}

func (s *Store) find(match func(*Session) bool) (*Session, bool) {
	var found *Session
	s.sessions.ForEach(func(_ string, sess *Session) bool {
		if match(sess) {
			found = sess
			return false
		}
		return true
	})
	return found, found != nil
}

// Destroy removes the session. It returns false for unknown IDs.
func (s *Store) Destroy(sessionID string) bool {
	if !s.sessions.Delete(sessionID) {
		return false
	}
	metrics.AuthSessions.Dec()
	slog.Info("[Auth] Session destroyed", "session", sessionID)
	return true
}

// ConferenceEnded drops the room's sessions when auto-login is disabled.
func (s *Store) ConferenceEnded(room jid.JID) {
	if !s.cfg.DisableAutoLogin {
		return
	}
	bare := room.Bare().String()
	removed := s.sessions.DeleteWhere(func(_ string, sess *Session) bool {
		return sess.Room.String() == bare
	})
	if removed > 0 {
		metrics.AuthSessions.Sub(float64(removed))
		slog.Info("[Auth] Dropped sessions of ended conference",
			"room", bare,
			"count", removed)
	}
}

// Authenticate applies the XMPP-domain policy to an admission request.
//
// A presented session ID must be known and match the request's machine UID.
// Without one, users of the trusted domain get a fresh session (or their
// existing one for the same machine); anyone else may only join rooms that
// already exist, without a session.
func (s *Store) Authenticate(from jid.JID, p xmpp.ConferencePayload, roomExists bool) (*Session, *xmpp.StanzaError) {
	if p.SessionID != "" {
		sess, ok := s.GetSession(p.SessionID)
		if !ok {
			return nil, xmpp.SessionInvalid("session not found or expired")
		}
		if p.MachineUID == "" || sess.MachineUID != p.MachineUID {
			return nil, xmpp.NotAcceptable("machine UID mismatch or empty")
		}
		return sess, nil
	}

	if from.Domainpart() == s.cfg.TrustedDomain && p.MachineUID != "" {
		if sess, ok := s.findByMachineUID(p.MachineUID); ok && sess.Identity == from.Bare().String() {
			s.sessions.Refresh(sess.ID, s.cfg.Lifetime)
			return sess, nil
		}
		return s.CreateSession(p.MachineUID, from.Bare().String(), p.Room), nil
	}

	if roomExists {
		// Unauthenticated join of an existing room is allowed.
		return nil, nil
	}
	return nil, xmpp.NotAuthorized("not authorized to create the room")
}
