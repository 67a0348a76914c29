package auth

import (
	"context"
	"log/slog"

	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/focus/xmpp"
)

// ConferenceRegistry is the slice of the conference manager the admission
// path needs: room existence and creation.
type ConferenceRegistry interface {
	HasConference(room jid.JID) bool
	Admit(ctx context.Context, room jid.JID) error
}

// Handler answers conference (admission), logout and login-url IQs.
type Handler struct {
	// store is nil when authentication is disabled; then everyone is
	// admitted without a session.
	store       *Store
	conferences ConferenceRegistry
	focusJID    jid.JID
}

// NewHandler creates the admission handler. store may be nil to disable
// authentication.
func NewHandler(store *Store, conferences ConferenceRegistry, focusJID jid.JID) *Handler {
	return &Handler{
		store:       store,
		conferences: conferences,
		focusJID:    focusJID,
	}
}

// HandleIQ dispatches an inbound focus IQ, wired into the connection for the
// conference namespace.
func (h *Handler) HandleIQ(iq xmpp.IQ) xmpp.IQResponse {
	switch p := iq.Payload.(type) {
	case xmpp.ConferencePayload:
		res, stanzaErr := h.HandleConferenceRequest(context.Background(), iq.From, p)
		if stanzaErr != nil {
			return xmpp.Reply(iq.ErrorReply(stanzaErr))
		}
		return xmpp.Reply(iq.Result(*res))
	case xmpp.LogoutPayload:
		if stanzaErr := h.HandleLogout(p); stanzaErr != nil {
			return xmpp.Reply(iq.ErrorReply(stanzaErr))
		}
		return xmpp.Reply(iq.Result(nil))
	case xmpp.LoginURLPayload:
		// XMPP-domain authentication has no external login page.
		return xmpp.Reply(iq.ErrorReply(
			xmpp.FeatureNotImplemented("login URL not supported by XMPP domain authentication")))
	default:
		return xmpp.Reply(iq.ErrorReply(xmpp.BadRequest("unsupported focus request")))
	}
}

// HandleConferenceRequest runs the admission fast path: authenticate the
// caller, ensure the conference exists, answer with the focus address.
func (h *Handler) HandleConferenceRequest(ctx context.Context, from jid.JID, p xmpp.ConferencePayload) (*xmpp.ConferencePayload, *xmpp.StanzaError) {
	if p.Room.Equal(jid.JID{}) {
		return nil, xmpp.BadRequest("missing room")
	}

	var sess *Session
	if h.store != nil {
		var stanzaErr *xmpp.StanzaError
		sess, stanzaErr = h.store.Authenticate(from, p, h.conferences.HasConference(p.Room))
		if stanzaErr != nil {
			slog.Info("[Auth] Admission rejected",
				"from", from.String(),
				"room", p.Room.String(),
				"error", stanzaErr.Error())
			return nil, stanzaErr
		}
	}

	if err := h.conferences.Admit(ctx, p.Room); err != nil {
		slog.Error("[Auth] Failed to create conference",
			"room", p.Room.String(),
			"error", err)
		return nil, xmpp.InternalServerError("failed to create the conference")
	}

	res := &xmpp.ConferencePayload{
		Room:         p.Room,
		FocusJID:     h.focusJID,
		Ready:        true,
		AuthRequired: h.store != nil && sess == nil,
	}
	if sess != nil {
		res.SessionID = sess.ID
		res.Identity = sess.Identity
	}
	return res, nil
}

// HandleLogout destroys the caller's session.
func (h *Handler) HandleLogout(p xmpp.LogoutPayload) *xmpp.StanzaError {
	if h.store == nil || p.SessionID == "" {
		return xmpp.BadRequest("missing session-id")
	}
	if !h.store.Destroy(p.SessionID) {
		return xmpp.SessionInvalid("session not found or expired")
	}
	return nil
}
