package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer write", role: RoleViewer, action: ActionWrite, allow: false},
		{name: "editor write", role: RoleEditor, action: ActionWrite, allow: true},
		{name: "owner write", role: RoleOwner, action: ActionWrite, allow: true},
		{name: "unknown read", role: Role("guest"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestRequiredLevelsAgreeWithCan(t *testing.T) {
	for _, action := range []Action{ActionRead, ActionWrite} {
		for _, role := range AtLeast(Required(action)) {
			if !Can(role, action) {
				t.Fatalf("%q listed for %q but Can() denies it", role, action)
			}
		}
	}
	if got := AtLeast(Required(ActionWrite)); len(got) != 1 || got[0] != RoleEditor {
		t.Fatalf("write should require editor, got %v", got)
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("editor"); got != RoleEditor {
		t.Fatalf("Normalize(editor) = %q", got)
	}
	if got := Normalize("superuser"); got != RoleViewer {
		t.Fatalf("Normalize(superuser) = %q", got)
	}
}
