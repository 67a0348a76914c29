package xmpp

import (
	"context"
	"strconv"

	"mellium.im/xmpp/jid"
)

// Role is a MUC occupant role as the focus cares about it. It folds the MUC
// role and affiliation into the single ladder used for permission checks.
type Role int

const (
	RoleVisitor Role = iota
	RoleParticipant
	RoleModerator
	RoleOwner
)

// String returns the string representation of the role.
func (r Role) String() string {
	switch r {
	case RoleVisitor:
		return "Visitor"
	case RoleParticipant:
		return "Participant"
	case RoleModerator:
		return "Moderator"
	case RoleOwner:
		return "Owner"
	default:
		return "Unknown(" + strconv.Itoa(int(r)) + ")"
	}
}

// HasModeratorRights returns true for moderators and owners.
func (r Role) HasModeratorRights() bool {
	return r >= RoleModerator
}

// PresenceExtension is one custom element attached to a MUC presence,
// delivered as attribute map plus opaque body.
type PresenceExtension struct {
	Namespace string
	Name      string
	Attrs     map[string]string
	Body      string
}

// Occupant is a snapshot of one MUC occupant as seen in its latest presence.
type Occupant struct {
	// OccupantJID is the in-room address (room@muc/nick).
	OccupantJID jid.JID
	// RealJID is the occupant's real address when the room exposes it.
	RealJID jid.JID
	Role    Role
	// Extensions carries the custom presence elements, keyed by namespace.
	Extensions map[string]PresenceExtension
}

// Extension returns the presence extension with the given namespace.
func (o Occupant) Extension(namespace string) (PresenceExtension, bool) {
	ext, ok := o.Extensions[namespace]
	return ext, ok
}

// OccupantHandler receives room membership callbacks. Calls arrive on the
// XMPP layer's threads; handlers must enqueue and return quickly.
type OccupantHandler interface {
	OccupantJoined(o Occupant)
	OccupantPresenceChanged(o Occupant)
	OccupantLeft(o Occupant)
}

// Room is one joined MUC.
type Room interface {
	RoomJID() jid.JID
	// SetPresenceExtension republishes the focus's own presence with the
	// given extension replacing any prior one in the same namespace.
	SetPresenceExtension(ext PresenceExtension) error
	Leave(reason string) error
}

// MucClient joins rooms on behalf of the focus.
type MucClient interface {
	JoinRoom(ctx context.Context, room jid.JID, nick string, handler OccupantHandler) (Room, error)
}
