package auth

import "testing"

func TestCapabilitiesFor(t *testing.T) {
	cases := []struct {
		name    string
		isAdmin bool
		roles   []string
		want    Capabilities
	}{
		{"admin", true, nil, Capabilities{ManageChannels: true, DeleteAnyMessage: true}},
		{"moderator", false, []string{"moderator"}, Capabilities{ManageChannels: true}},
		{"plain user", false, []string{"user"}, Capabilities{}},
		{"no roles", false, nil, Capabilities{}},
	}
	for _, tc := range cases {
		if got := CapabilitiesFor(tc.isAdmin, tc.roles); got != tc.want {
			t.Errorf("%s: CapabilitiesFor = %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

func TestClientPermissionsScopedToOwnDeliverSubject(t *testing.T) {
	perms := ClientPermissions("ann")

	found := false
	for _, s := range perms.Sub.Allow {
		if s == "deliver.ann.>" {
			found = true
		}
		if s == "deliver.>" || s == ">" {
			t.Errorf("Sub.Allow %q is too broad", s)
		}
	}
	if !found {
		t.Error("Sub.Allow must include the user's own deliver subject")
	}
	if perms.Resp == nil || perms.Resp.MaxMsgs != 1 {
		t.Error("client permissions must allow single-message replies")
	}
}

func TestServicePermissionsUnrestricted(t *testing.T) {
	perms := ServicePermissions()
	if len(perms.Pub.Allow) != 1 || perms.Pub.Allow[0] != ">" {
		t.Errorf("Pub.Allow = %v", perms.Pub.Allow)
	}
	if len(perms.Sub.Allow) != 1 || perms.Sub.Allow[0] != ">" {
		t.Errorf("Sub.Allow = %v", perms.Sub.Allow)
	}
}
