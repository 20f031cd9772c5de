// Package rbac decides which document operations a tenant role may perform.
package rbac

import "strings"

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionShare  Action = "share"
	ActionAdmin  Action = "admin"
)

// grants lists what each role may do. Admin is unrestricted and not listed.
var grants = map[Role]map[Action]bool{
	RoleViewer: {ActionRead: true},
	RoleEditor: {ActionRead: true, ActionWrite: true, ActionDelete: true, ActionShare: true},
}

func Can(role Role, action Action) bool {
	if role == RoleAdmin {
		return true
	}
	return grants[role][action]
}

// Normalize maps a claim value onto a known role. Unknown and empty values
// get the least privileged role.
func Normalize(role string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(role))); r {
	case RoleViewer, RoleEditor, RoleAdmin:
		return r
	}
	return RoleViewer
}
