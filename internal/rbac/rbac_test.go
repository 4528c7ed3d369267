package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "guest read", role: RoleGuest, action: ActionRead, allow: true},
		{name: "guest participate", role: RoleGuest, action: ActionParticipate, allow: false},
		{name: "member participate", role: RoleMember, action: ActionParticipate, allow: true},
		{name: "member structure", role: RoleMember, action: ActionStructure, allow: false},
		{name: "admin structure", role: RoleAdmin, action: ActionStructure, allow: true},
		{name: "admin members", role: RoleAdmin, action: ActionMembers, allow: true},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: false},
		{name: "owner admin", role: RoleOwner, action: ActionAdmin, allow: true},
		{name: "unknown read", role: Role("root"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalizeAndAssignable(t *testing.T) {
	if got := Normalize("admin"); got != RoleAdmin {
		t.Fatalf("Normalize(admin) = %q", got)
	}
	if got := Normalize("superuser"); got != RoleGuest {
		t.Fatalf("Normalize(superuser) = %q, want guest", got)
	}
	if Assignable("owner") {
		t.Fatal("owner must not be assignable")
	}
	if !Assignable("member") {
		t.Fatal("member must be assignable")
	}
}
