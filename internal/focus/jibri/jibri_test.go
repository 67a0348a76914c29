package jibri

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/confmesh/focus/internal/focus/xmpp"
)

func workerJID(nick string) jid.JID {
	return jid.MustParse("jibribrewery@internal.muc.example.com/" + nick)
}

func workerOccupant(nick string, attrs map[string]string) xmpp.Occupant {
	return xmpp.Occupant{
		OccupantJID: workerJID(nick),
		Extensions: map[string]xmpp.PresenceExtension{
			xmpp.JibriStatusNS: {
				Namespace: xmpp.JibriStatusNS,
				Name:      "jibri-status",
				Attrs:     attrs,
			},
		},
	}
}

func testDetector(nicks ...string) *Detector {
	d := NewDetector()
	for _, nick := range nicks {
		d.OccupantJoined(workerOccupant(nick, map[string]string{"health": "healthy"}))
	}
	return d
}

func TestDetectorSelection(t *testing.T) {
	d := testDetector("j1", "j2")
	now := time.Now()
	d.now = func() time.Time { return now }

	first, err := d.SelectJibri()
	if err != nil {
		t.Fatalf("SelectJibri: %v", err)
	}

	// Within selectTimeout the same worker is not handed out again.
	second, err := d.SelectJibri()
	if err != nil {
		t.Fatalf("SelectJibri: %v", err)
	}
	if first.Equal(second) {
		t.Error("back-to-back selections returned the same worker")
	}

	// Both sit in selectTimeout now.
	if _, err := d.SelectJibri(); !errors.Is(err, ErrAllBusy) {
		t.Errorf("third select = %v, want ErrAllBusy", err)
	}

	// Past the window both come back.
	now = now.Add(time.Second)
	if _, err := d.SelectJibri(); err != nil {
		t.Errorf("select after window = %v, want success", err)
	}
}

func TestDetectorFailureCooldown(t *testing.T) {
	d := testDetector("j1", "j2")
	now := time.Now()
	d.now = func() time.Time { return now }

	d.InstanceFailed(workerJID("j1"))

	// j1 sits out the cooldown on every selection.
	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		got, err := d.SelectJibri()
		if err != nil {
			t.Fatalf("SelectJibri: %v", err)
		}
		if got.Equal(workerJID("j1")) {
			t.Fatal("failed worker selected during cooldown")
		}
	}

	// After the cooldown j1 is preferred last: j2's lastFailed is zero.
	now = now.Add(failureTimeout)
	got, err := d.SelectJibri()
	if err != nil {
		t.Fatal(err)
	}
	if got.Equal(workerJID("j1")) {
		t.Error("worker with the newest failure chosen over a clean one")
	}
}

func TestDetectorErrors(t *testing.T) {
	d := NewDetector()
	if _, err := d.SelectJibri(); !errors.Is(err, ErrNoInstances) {
		t.Errorf("empty fleet = %v, want ErrNoInstances", err)
	}

	d.OccupantJoined(workerOccupant("j1", map[string]string{"health": "unhealthy"}))
	if _, err := d.SelectJibri(); !errors.Is(err, ErrNoInstances) {
		t.Errorf("unhealthy fleet = %v, want ErrNoInstances", err)
	}

	d.OccupantPresenceChanged(workerOccupant("j1", map[string]string{"health": "healthy", "busy": "busy"}))
	if _, err := d.SelectJibri(); !errors.Is(err, ErrAllBusy) {
		t.Errorf("busy fleet = %v, want ErrAllBusy", err)
	}

	d.OccupantLeft(workerOccupant("j1", nil))
	if got := d.InstanceCount(); got != 0 {
		t.Errorf("InstanceCount = %d, want 0", got)
	}
}

type fakeConf struct {
	mu        sync.Mutex
	room      jid.JID
	roles     map[string]xmpp.Role
	published []xmpp.PresenceExtension
}

func newFakeConf() *fakeConf {
	return &fakeConf{
		room: jid.MustParse("orange@conference.example.com"),
		roles: map[string]xmpp.Role{
			"orange@conference.example.com/mod":   xmpp.RoleModerator,
			"orange@conference.example.com/guest": xmpp.RoleParticipant,
		},
	}
}

func (c *fakeConf) RoomJID() jid.JID { return c.room }

func (c *fakeConf) OccupantRole(occupantJID jid.JID) (xmpp.Role, bool) {
	role, ok := c.roles[occupantJID.String()]
	return role, ok
}

func (c *fakeConf) PublishExtension(ext xmpp.PresenceExtension) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, ext)
	return nil
}

func (c *fakeConf) lastPublished() (xmpp.PresenceExtension, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.published) == 0 {
		return xmpp.PresenceExtension{}, false
	}
	return c.published[len(c.published)-1], true
}

type fakeConn struct {
	mu     sync.Mutex
	self   jid.JID
	starts []xmpp.IQ
	stops  []xmpp.IQ
	fail   map[string]bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		self: jid.MustParse("focus@auth.example.com/focus"),
		fail: make(map[string]bool),
	}
}

func (c *fakeConn) JID() jid.JID { return c.self }

func (c *fakeConn) SendIQ(ctx context.Context, iq xmpp.IQ) (*xmpp.IQ, error) {
	c.mu.Lock()
	c.starts = append(c.starts, iq)
	failed := c.fail[iq.To.String()]
	c.mu.Unlock()
	if failed {
		return nil, fmt.Errorf("worker unreachable")
	}
	res := iq.Result(nil)
	return &res, nil
}

func (c *fakeConn) SendStanza(iq xmpp.IQ) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops = append(c.stops, iq)
	return nil
}

func (c *fakeConn) RegisterIQHandler(namespace string, handler xmpp.IQHandler) {}

func (c *fakeConn) startTargets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, iq := range c.starts {
		out = append(out, iq.To.String())
	}
	return out
}

func moderator() jid.JID { return jid.MustParse("orange@conference.example.com/mod") }
func guest() jid.JID     { return jid.MustParse("orange@conference.example.com/guest") }

func newTestDispatcher(t *testing.T, cfg SessionConfig, nicks ...string) (*Dispatcher, *fakeConf, *fakeConn) {
	t.Helper()
	conf := newFakeConf()
	conn := newFakeConn()
	d := NewDispatcher(conf, conn, testDetector(nicks...), cfg)
	t.Cleanup(d.StopAll)
	return d, conf, conn
}

func TestStartRecordingLifecycle(t *testing.T) {
	d, conf, conn := newTestDispatcher(t, SessionConfig{}, "j1")

	ack, stanzaErr := d.HandleStart(moderator(), xmpp.JibriPayload{
		Action:        xmpp.JibriActionStart,
		RecordingMode: xmpp.RecordingModeFile,
	})
	if stanzaErr != nil {
		t.Fatalf("HandleStart: %v", stanzaErr)
	}
	if ack.SessionID == "" || ack.Status != xmpp.JibriStatusPending {
		t.Fatalf("ack = %+v, want pending with session id", ack)
	}
	if got := d.ActiveSessions(); got != 1 {
		t.Errorf("ActiveSessions = %d, want 1", got)
	}

	ext, ok := conf.lastPublished()
	if !ok || ext.Namespace != xmpp.RecordingStatusNS || ext.Attrs["status"] != "pending" {
		t.Fatalf("published = %+v, want pending recording status", ext)
	}

	if stanzaErr := d.HandleWorkerUpdate(xmpp.JibriPayload{
		SessionID: ack.SessionID,
		Status:    xmpp.JibriStatusOn,
	}); stanzaErr != nil {
		t.Fatalf("HandleWorkerUpdate: %v", stanzaErr)
	}
	if ext, _ := conf.lastPublished(); ext.Attrs["status"] != "on" {
		t.Errorf("published status = %q, want on", ext.Attrs["status"])
	}

	if _, stanzaErr := d.HandleStop(moderator(), xmpp.JibriPayload{SessionID: ack.SessionID}); stanzaErr != nil {
		t.Fatalf("HandleStop: %v", stanzaErr)
	}
	if len(conn.stops) != 1 {
		t.Errorf("stop orders sent = %d, want 1", len(conn.stops))
	}
	if got := d.ActiveSessions(); got != 0 {
		t.Errorf("ActiveSessions after stop = %d, want 0", got)
	}
	if ext, _ := conf.lastPublished(); ext.Attrs["status"] != "off" {
		t.Errorf("published status = %q, want off", ext.Attrs["status"])
	}

	// A second stop must not drive anything negative or publish again.
	if _, stanzaErr := d.HandleStop(moderator(), xmpp.JibriPayload{SessionID: ack.SessionID}); stanzaErr == nil {
		t.Error("stop of an ended session succeeded, want item-not-found")
	}
	if got := d.ActiveSessions(); got != 0 {
		t.Errorf("ActiveSessions = %d, want 0", got)
	}
}

func TestStartRequiresModerator(t *testing.T) {
	d, _, _ := newTestDispatcher(t, SessionConfig{}, "j1")

	_, stanzaErr := d.HandleStart(guest(), xmpp.JibriPayload{RecordingMode: xmpp.RecordingModeFile})
	if stanzaErr == nil || stanzaErr.Condition != stanza.Forbidden {
		t.Fatalf("guest start = %v, want forbidden", stanzaErr)
	}

	_, stanzaErr = d.HandleStop(guest(), xmpp.JibriPayload{SessionID: "x"})
	if stanzaErr == nil || stanzaErr.Condition != stanza.Forbidden {
		t.Fatalf("guest stop = %v, want forbidden", stanzaErr)
	}
}

func TestStartValidation(t *testing.T) {
	d, _, _ := newTestDispatcher(t, SessionConfig{}, "j1")

	tests := []struct {
		name string
		p    xmpp.JibriPayload
	}{
		{"streaming without stream id", xmpp.JibriPayload{RecordingMode: xmpp.RecordingModeStream}},
		{"file recording with stream id", xmpp.JibriPayload{RecordingMode: xmpp.RecordingModeFile, StreamID: "live-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, stanzaErr := d.HandleStart(moderator(), tt.p)
			if stanzaErr == nil || stanzaErr.Condition != stanza.BadRequest {
				t.Fatalf("HandleStart = %v, want bad-request", stanzaErr)
			}
		})
	}
}

func TestSecondRecordingRejected(t *testing.T) {
	d, _, _ := newTestDispatcher(t, SessionConfig{}, "j1", "j2")

	if _, stanzaErr := d.HandleStart(moderator(), xmpp.JibriPayload{RecordingMode: xmpp.RecordingModeFile}); stanzaErr != nil {
		t.Fatal(stanzaErr)
	}
	_, stanzaErr := d.HandleStart(moderator(), xmpp.JibriPayload{RecordingMode: xmpp.RecordingModeFile})
	if stanzaErr == nil || stanzaErr.Condition != stanza.UnexpectedRequest {
		t.Fatalf("second start = %v, want unexpected-request", stanzaErr)
	}
}

func TestSipSessionsPerAddress(t *testing.T) {
	d, conf, _ := newTestDispatcher(t, SessionConfig{}, "j1", "j2")

	if _, stanzaErr := d.HandleStart(moderator(), xmpp.JibriPayload{SipAddress: "a@sip.example.com"}); stanzaErr != nil {
		t.Fatal(stanzaErr)
	}
	if _, stanzaErr := d.HandleStart(moderator(), xmpp.JibriPayload{SipAddress: "b@sip.example.com"}); stanzaErr != nil {
		t.Fatalf("second SIP address rejected: %v", stanzaErr)
	}
	if got := d.ActiveSessions(); got != 2 {
		t.Errorf("ActiveSessions = %d, want 2", got)
	}

	_, stanzaErr := d.HandleStart(moderator(), xmpp.JibriPayload{SipAddress: "a@sip.example.com"})
	if stanzaErr == nil || stanzaErr.Condition != stanza.UnexpectedRequest {
		t.Fatalf("duplicate SIP address = %v, want unexpected-request", stanzaErr)
	}

	if ext, _ := conf.lastPublished(); ext.Namespace != xmpp.SipCallStateNS {
		t.Errorf("published namespace = %s, want sip call state", ext.Namespace)
	}
}

func TestStartErrorMapping(t *testing.T) {
	t.Run("no instances", func(t *testing.T) {
		d, _, _ := newTestDispatcher(t, SessionConfig{})
		_, stanzaErr := d.HandleStart(moderator(), xmpp.JibriPayload{RecordingMode: xmpp.RecordingModeFile})
		if stanzaErr == nil || stanzaErr.Condition != stanza.ServiceUnavailable {
			t.Fatalf("HandleStart = %v, want service-unavailable", stanzaErr)
		}
	})

	t.Run("all busy", func(t *testing.T) {
		conf := newFakeConf()
		conn := newFakeConn()
		det := NewDetector()
		det.OccupantJoined(workerOccupant("j1", map[string]string{"health": "healthy", "busy": "busy"}))
		d := NewDispatcher(conf, conn, det, SessionConfig{})
		_, stanzaErr := d.HandleStart(moderator(), xmpp.JibriPayload{RecordingMode: xmpp.RecordingModeFile})
		if stanzaErr == nil || stanzaErr.Condition != stanza.ResourceConstraint {
			t.Fatalf("HandleStart = %v, want resource-constraint", stanzaErr)
		}
	})
}

func TestPendingTimeoutRetriesFreshWorker(t *testing.T) {
	d, _, conn := newTestDispatcher(t, SessionConfig{
		PendingTimeout: 100 * time.Millisecond,
		NumRetries:     2,
	}, "j1", "j2")

	ack, stanzaErr := d.HandleStart(moderator(), xmpp.JibriPayload{RecordingMode: xmpp.RecordingModeFile})
	if stanzaErr != nil {
		t.Fatal(stanzaErr)
	}

	// The worker never reaches On; the session must retry on the other one.
	deadline := time.Now().Add(2 * time.Second)
	for {
		targets := conn.startTargets()
		if len(targets) >= 2 {
			if targets[0] == targets[1] {
				t.Fatalf("retry went to the same worker %s", targets[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no retry observed, start targets = %v", targets)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if stanzaErr := d.HandleWorkerUpdate(xmpp.JibriPayload{
		SessionID: ack.SessionID,
		Status:    xmpp.JibriStatusOn,
	}); stanzaErr != nil {
		t.Fatal(stanzaErr)
	}
}

func TestWorkerFailureWithRetry(t *testing.T) {
	d, conf, conn := newTestDispatcher(t, SessionConfig{NumRetries: 2}, "j1", "j2")

	ack, stanzaErr := d.HandleStart(moderator(), xmpp.JibriPayload{RecordingMode: xmpp.RecordingModeFile})
	if stanzaErr != nil {
		t.Fatal(stanzaErr)
	}
	first := conn.startTargets()[0]

	if stanzaErr := d.HandleWorkerUpdate(xmpp.JibriPayload{
		SessionID:     ack.SessionID,
		Status:        xmpp.JibriStatusOff,
		FailureReason: "busy",
		ShouldRetry:   true,
	}); stanzaErr != nil {
		t.Fatal(stanzaErr)
	}

	targets := conn.startTargets()
	if len(targets) != 2 {
		t.Fatalf("start orders = %v, want retry on a second worker", targets)
	}
	if targets[1] == first {
		t.Error("retry reused the failed worker")
	}
	if got := d.ActiveSessions(); got != 1 {
		t.Errorf("ActiveSessions = %d, want 1", got)
	}

	// A terminal failure ends the session and publishes the reason.
	if stanzaErr := d.HandleWorkerUpdate(xmpp.JibriPayload{
		SessionID:     ack.SessionID,
		Status:        xmpp.JibriStatusOff,
		FailureReason: "error",
		ShouldRetry:   false,
	}); stanzaErr != nil {
		t.Fatal(stanzaErr)
	}
	if got := d.ActiveSessions(); got != 0 {
		t.Errorf("ActiveSessions = %d, want 0", got)
	}
	ext, _ := conf.lastPublished()
	if ext.Attrs["status"] != "off" || ext.Attrs["failure_reason"] != "error" {
		t.Errorf("published = %+v, want off with failure reason", ext.Attrs)
	}
}
