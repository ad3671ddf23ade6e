package identity

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Permission is an atomic capability a role may grant. The set of
// permissions is closed at compile time; unknown names in configuration are
// a load-time error, never a request-time one.
type Permission string

const (
	PermManageUsers   Permission = "manage_users"
	PermManageRoles   Permission = "manage_roles"
	PermManageConfig  Permission = "manage_config"
	PermViewDashboard Permission = "view_dashboard"
	PermViewAudit     Permission = "view_audit"
	PermExportData    Permission = "export_data"
	PermResolveAlerts Permission = "resolve_alerts"
)

var knownPermissions = map[Permission]struct{}{
	PermManageUsers:   {},
	PermManageRoles:   {},
	PermManageConfig:  {},
	PermViewDashboard: {},
	PermViewAudit:     {},
	PermExportData:    {},
	PermResolveAlerts: {},
}

// ParsePermission validates a configured permission name.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.TrimSpace(strings.ToLower(s)))
	if _, ok := knownPermissions[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPermission, s)
	}
	return p, nil
}

// Permissions lists every known permission in stable order.
func Permissions() []Permission {
	out := make([]Permission, 0, len(knownPermissions))
	for p := range knownPermissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Role groups a fixed, flattened permission set with the set of role names
// it may assign to others. There is no runtime permission inheritance: a
// superior role literally contains its subordinates' permissions.
type Role struct {
	Name        string
	Permissions map[Permission]struct{}
	Grants      map[string]struct{}
}

// NewRole builds a role from permission and grant lists.
func NewRole(name string, perms []Permission, grants []string) Role {
	r := Role{
		Name:        strings.TrimSpace(strings.ToLower(name)),
		Permissions: make(map[Permission]struct{}, len(perms)),
		Grants:      make(map[string]struct{}, len(grants)),
	}
	for _, p := range perms {
		r.Permissions[p] = struct{}{}
	}
	for _, g := range grants {
		g = strings.TrimSpace(strings.ToLower(g))
		if g != "" {
			r.Grants[g] = struct{}{}
		}
	}
	return r
}

// Has reports whether the role's set contains the permission.
func (r Role) Has(p Permission) bool {
	_, ok := r.Permissions[p]
	return ok
}

// CanGrant reports whether the role may assign roleName to others.
func (r Role) CanGrant(roleName string) bool {
	_, ok := r.Grants[strings.TrimSpace(strings.ToLower(roleName))]
	return ok
}

// PermissionNames returns the role's permission set as a sorted string
// slice, for serialization and display.
func PermissionNames(r Role) []string {
	out := make([]string, 0, len(r.Permissions))
	for p := range r.Permissions {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}

// GrantNames returns the role's grantable-role set, sorted.
func GrantNames(r Role) []string {
	out := make([]string, 0, len(r.Grants))
	for g := range r.Grants {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Built-in role names. Admin ⊇ Editor ⊇ Viewer by flattened sets.
const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// BuiltinRoles seeds the role table. Additional roles may be configured on
// top of these.
func BuiltinRoles() []Role {
	return []Role{
		NewRole(RoleAdmin, Permissions(), []string{RoleAdmin, RoleEditor, RoleViewer}),
		NewRole(RoleEditor, []Permission{
			PermViewDashboard, PermViewAudit, PermExportData,
		}, []string{RoleViewer}),
		NewRole(RoleViewer, []Permission{PermViewDashboard}, nil),
	}
}

// Status describes a user account's lifecycle state. Temporary lockout after
// failed authentications is tracked separately via LockedUntil; StatusLocked
// is an administrative state.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusLocked    Status = "locked"
	StatusSuspended Status = "suspended"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.TrimSpace(strings.ToLower(s)))
	switch st {
	case StatusActive, StatusInactive, StatusLocked, StatusSuspended:
		return st, nil
	}
	return "", fmt.Errorf("%w: unsupported status %q", ErrInvalidInput, s)
}

// User is a stored account record. FailedAttempts resets to zero on every
// successful authentication; LockedUntil is set only once FailedAttempts
// reaches the configured maximum and is cleared when the window elapses.
type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	CredentialHash string    `json:"-"`
	Role           string    `json:"role"`
	FailedAttempts int       `json:"failed_attempts"`
	LockedUntil    time.Time `json:"locked_until,omitempty"`
	LastLogin      time.Time `json:"last_login,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// LockedAt reports whether the account is under temporary lockout at t.
func (u User) LockedAt(t time.Time) bool {
	return !u.LockedUntil.IsZero() && t.Before(u.LockedUntil)
}
