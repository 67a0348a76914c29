package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/confmesh/focus/internal/focus/xmpp"
)

func room(local string) jid.JID {
	return jid.MustParse(local + "@conference.server.net")
}

func newTestStore(t *testing.T, cfg StoreConfig) *Store {
	t.Helper()
	s := NewStore(cfg)
	t.Cleanup(s.Close)
	return s
}

type fakeRegistry struct {
	mu    sync.Mutex
	rooms map[string]bool
}

func newFakeRegistry(existing ...jid.JID) *fakeRegistry {
	r := &fakeRegistry{rooms: make(map[string]bool)}
	for _, room := range existing {
		r.rooms[room.Bare().String()] = true
	}
	return r
}

func (r *fakeRegistry) HasConference(room jid.JID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[room.Bare().String()]
}

func (r *fakeRegistry) Admit(_ context.Context, room jid.JID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room.Bare().String()] = true
	return nil
}

func newTestHandler(t *testing.T, existing ...jid.JID) (*Handler, *Store) {
	t.Helper()
	store := newTestStore(t, StoreConfig{TrustedDomain: "auth.server.net"})
	h := NewHandler(store, newFakeRegistry(existing...), jid.MustParse("focus@auth.server.net/focus"))
	return h, store
}

func request(from, machineUID, sessionID string, roomJID jid.JID) (jid.JID, xmpp.ConferencePayload) {
	return jid.MustParse(from), xmpp.ConferencePayload{
		Room:       roomJID,
		MachineUID: machineUID,
		SessionID:  sessionID,
	}
}

func TestUntrustedUserCannotCreateRoom(t *testing.T) {
	h, _ := newTestHandler(t)

	from, p := request("user1@server.net", "u1", "", room("r1"))
	_, stanzaErr := h.HandleConferenceRequest(context.Background(), from, p)
	if stanzaErr == nil || stanzaErr.Condition != stanza.NotAuthorized {
		t.Fatalf("HandleConferenceRequest = %v, want not-authorized", stanzaErr)
	}
}

func TestTrustedUserGetsSession(t *testing.T) {
	h, store := newTestHandler(t)

	from, p := request("user1@auth.server.net", "u1", "", room("r1"))
	res, stanzaErr := h.HandleConferenceRequest(context.Background(), from, p)
	if stanzaErr != nil {
		t.Fatalf("HandleConferenceRequest: %v", stanzaErr)
	}
	if res.SessionID == "" {
		t.Fatal("no session-id in result")
	}
	if !res.Ready || res.AuthRequired {
		t.Errorf("result = %+v, want ready without auth-required", res)
	}
	if got := store.Count(); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}

	// The same machine reuses its session.
	res2, stanzaErr := h.HandleConferenceRequest(context.Background(), from, p)
	if stanzaErr != nil {
		t.Fatal(stanzaErr)
	}
	if res2.SessionID != res.SessionID {
		t.Errorf("second join session = %s, want %s", res2.SessionID, res.SessionID)
	}
}

func TestStolenSessionRejected(t *testing.T) {
	h, _ := newTestHandler(t)

	from, p := request("user1@auth.server.net", "u1", "", room("r1"))
	res, stanzaErr := h.HandleConferenceRequest(context.Background(), from, p)
	if stanzaErr != nil {
		t.Fatal(stanzaErr)
	}

	// Another machine presenting the stolen session ID is turned away.
	thief, p2 := request("user2@guest.server.net", "u2", res.SessionID, room("r1"))
	_, stanzaErr = h.HandleConferenceRequest(context.Background(), thief, p2)
	if stanzaErr == nil || stanzaErr.Condition != stanza.NotAcceptable {
		t.Fatalf("stolen session = %v, want not-acceptable", stanzaErr)
	}
}

func TestUnknownSessionIsSessionInvalid(t *testing.T) {
	h, _ := newTestHandler(t)

	from, p := request("user1@auth.server.net", "u1", "no-such-session", room("r1"))
	_, stanzaErr := h.HandleConferenceRequest(context.Background(), from, p)
	if stanzaErr == nil || stanzaErr.Condition != stanza.NotAcceptable {
		t.Fatalf("unknown session = %v, want not-acceptable", stanzaErr)
	}
	if stanzaErr.AppCondition != "session-invalid" {
		t.Errorf("AppCondition = %q, want session-invalid", stanzaErr.AppCondition)
	}
}

func TestNewMachineGetsNewSession(t *testing.T) {
	h, _ := newTestHandler(t)

	from, p := request("user1@auth.server.net", "u1", "", room("r1"))
	first, stanzaErr := h.HandleConferenceRequest(context.Background(), from, p)
	if stanzaErr != nil {
		t.Fatal(stanzaErr)
	}

	from, p = request("user1@auth.server.net", "u3", "", room("r1"))
	second, stanzaErr := h.HandleConferenceRequest(context.Background(), from, p)
	if stanzaErr != nil {
		t.Fatal(stanzaErr)
	}
	if second.SessionID == "" || second.SessionID == first.SessionID {
		t.Errorf("new machine session = %q, want a fresh id", second.SessionID)
	}
}

func TestGuestJoinsExistingRoom(t *testing.T) {
	h, _ := newTestHandler(t, room("r1"))

	from, p := request("user1@server.net", "u1", "", room("r1"))
	res, stanzaErr := h.HandleConferenceRequest(context.Background(), from, p)
	if stanzaErr != nil {
		t.Fatalf("guest join of existing room rejected: %v", stanzaErr)
	}
	if res.SessionID != "" {
		t.Errorf("guest got session %q, want none", res.SessionID)
	}
	if !res.AuthRequired {
		t.Error("AuthRequired not set for an unauthenticated join")
	}
}

func TestSessionExpiry(t *testing.T) {
	s := newTestStore(t, StoreConfig{TrustedDomain: "auth.server.net", Lifetime: 50 * time.Millisecond})

	sess := s.CreateSession("u1", "user1@auth.server.net", room("r1"))
	if _, ok := s.GetSession(sess.ID); !ok {
		t.Fatal("fresh session not found")
	}

	time.Sleep(80 * time.Millisecond)
	if _, ok := s.GetSession(sess.ID); ok {
		t.Error("expired session still returned")
	}
}

func TestGetSessionTouches(t *testing.T) {
	s := newTestStore(t, StoreConfig{TrustedDomain: "auth.server.net", Lifetime: 200 * time.Millisecond})

	sess := s.CreateSession("u1", "user1@auth.server.net", room("r1"))
	for i := 0; i < 3; i++ {
		time.Sleep(120 * time.Millisecond)
		if _, ok := s.GetSession(sess.ID); !ok {
			t.Fatalf("session expired despite activity (round %d)", i)
		}
	}
}

func TestFindByJID(t *testing.T) {
	s := newTestStore(t, StoreConfig{TrustedDomain: "auth.server.net"})

	sess := s.CreateSession("u1", "user1@auth.server.net", room("r1"))
	found, ok := s.FindByJID(jid.MustParse("user1@auth.server.net/laptop"))
	if !ok || found.ID != sess.ID {
		t.Fatalf("FindByJID = %+v, %v; want session %s", found, ok, sess.ID)
	}
	if _, ok := s.FindByJID(jid.MustParse("user2@auth.server.net")); ok {
		t.Error("FindByJID matched the wrong user")
	}
}

func TestLogout(t *testing.T) {
	h, store := newTestHandler(t)

	from, p := request("user1@auth.server.net", "u1", "", room("r1"))
	res, stanzaErr := h.HandleConferenceRequest(context.Background(), from, p)
	if stanzaErr != nil {
		t.Fatal(stanzaErr)
	}

	if stanzaErr := h.HandleLogout(xmpp.LogoutPayload{SessionID: res.SessionID}); stanzaErr != nil {
		t.Fatalf("HandleLogout: %v", stanzaErr)
	}
	if got := store.Count(); got != 0 {
		t.Errorf("Count after logout = %d, want 0", got)
	}

	stanzaErr = h.HandleLogout(xmpp.LogoutPayload{SessionID: res.SessionID})
	if stanzaErr == nil || stanzaErr.AppCondition != "session-invalid" {
		t.Fatalf("second logout = %v, want session-invalid", stanzaErr)
	}
}

func TestConferenceEndedDropsSessions(t *testing.T) {
	s := newTestStore(t, StoreConfig{TrustedDomain: "auth.server.net", DisableAutoLogin: true})

	s.CreateSession("u1", "user1@auth.server.net", room("r1"))
	s.CreateSession("u2", "user2@auth.server.net", room("r1"))
	keep := s.CreateSession("u3", "user3@auth.server.net", room("r2"))

	s.ConferenceEnded(room("r1"))
	if got := s.Count(); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}
	if _, ok := s.GetSession(keep.ID); !ok {
		t.Error("session of another room dropped")
	}
}

func TestAutoLoginKeepsSessions(t *testing.T) {
	s := newTestStore(t, StoreConfig{TrustedDomain: "auth.server.net"})

	s.CreateSession("u1", "user1@auth.server.net", room("r1"))
	s.ConferenceEnded(room("r1"))
	if got := s.Count(); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
}
