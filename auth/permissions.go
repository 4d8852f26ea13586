package auth

import (
	"fmt"

	"github.com/nats-io/jwt/v2"
)

// Capabilities is the capability set derived from a user's roles, used to
// gate privileged coordinator operations.
type Capabilities struct {
	ManageChannels   bool
	DeleteAnyMessage bool
}

// CapabilitiesFor maps roles to capabilities. Admins can do everything; the
// moderator role grants channel management only.
func CapabilitiesFor(isAdmin bool, roles []string) Capabilities {
	if isAdmin {
		return Capabilities{ManageChannels: true, DeleteAnyMessage: true}
	}
	return Capabilities{
		ManageChannels: hasRole(roles, "moderator"),
	}
}

// clientSubjects are the operation subjects any authenticated client may
// publish to. Privileged operations are gated in the coordinator, not here:
// subject-level permissions only keep clients out of each other's delivery
// streams.
var clientSubjects = jwt.StringList{
	"conn.>",
	"presence.>",
	"rooms.>",
	"room.>",
	"chat.>",
	"dm.>",
	"call.>",
	"prefs.>",
	"_INBOX.>",
}

// ClientPermissions returns the NATS permissions minted for an authenticated
// user. Sub.Allow is scoped to the user's own deliver subject so a client can
// only ever receive its own fan-out.
func ClientPermissions(username string) jwt.Permissions {
	return jwt.Permissions{
		Pub: jwt.Permission{Allow: clientSubjects},
		Sub: jwt.Permission{Allow: jwt.StringList{
			fmt.Sprintf("deliver.%s.>", username),
			"_INBOX.>",
		}},
		Resp: &jwt.ResponsePermission{
			MaxMsgs: 1,
			Expires: 5 * 60 * 1000000000, // 5 minutes in nanoseconds
		},
	}
}

// ServicePermissions returns unrestricted permissions for backend service
// accounts (the coordinator itself).
func ServicePermissions() jwt.Permissions {
	return jwt.Permissions{
		Pub: jwt.Permission{Allow: jwt.StringList{">"}},
		Sub: jwt.Permission{Allow: jwt.StringList{">"}},
		Resp: &jwt.ResponsePermission{
			MaxMsgs: -1,
			Expires: 5 * 60 * 1000000000,
		},
	}
}
