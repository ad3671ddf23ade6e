package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Njanja2025/sentinel/internal/audit"
	"github.com/Njanja2025/sentinel/internal/ids"
)

// UserStore persists user records. A nil store leaves the registry
// process-local, which is how most tests run it.
type UserStore interface {
	SaveUser(ctx context.Context, u User) error
	UpdateUser(ctx context.Context, u User) error
	DeleteUser(ctx context.Context, username string) error
	ListUsers(ctx context.Context) ([]User, error)
}

// RoleStore persists the role table, keyed by role name.
type RoleStore interface {
	SaveRole(ctx context.Context, r Role) error
	ListRoles(ctx context.Context) ([]Role, error)
}

// Registry owns the user and role tables. The role table is immutable after
// construction; user records carry their own lock so lockout bookkeeping for
// different users never serializes.
type Registry struct {
	roles map[string]Role
	store UserStore
	log   *audit.Log
	now   func() time.Time

	mu    sync.RWMutex
	users map[string]*userRecord
}

type userRecord struct {
	mu sync.Mutex
	u  User
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// New constructs a registry over the given role set. Role validation errors
// (cycles, unknown grant targets) are fatal: they are configuration
// mistakes, never request-time conditions.
func New(store UserStore, log *audit.Log, roles []Role, opts ...Option) (*Registry, error) {
	if len(roles) == 0 {
		roles = BuiltinRoles()
	}
	if err := ValidateRoles(roles); err != nil {
		return nil, err
	}
	r := &Registry{
		roles: make(map[string]Role, len(roles)),
		store: store,
		log:   log,
		now:   time.Now,
		users: make(map[string]*userRecord),
	}
	for _, role := range roles {
		r.roles[role.Name] = role
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ValidateRoles checks a role set for duplicate names, grants that point at
// undefined roles, and cycles in the can-grant relation.
func ValidateRoles(roles []Role) error {
	byName := make(map[string]Role, len(roles))
	for _, role := range roles {
		if role.Name == "" {
			return fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		if _, dup := byName[role.Name]; dup {
			return fmt.Errorf("%w: duplicate role %q", ErrInvalidInput, role.Name)
		}
		byName[role.Name] = role
	}
	for _, role := range roles {
		for grant := range role.Grants {
			if _, ok := byName[grant]; !ok {
				return fmt.Errorf("%w: role %q grants undefined role %q", ErrUnknownRole, role.Name, grant)
			}
		}
	}
	// DFS over the can-grant relation; self-grants (admin granting admin)
	// are allowed, any longer cycle is a configuration error.
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(byName))
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		color[name] = grey
		for grant := range byName[name].Grants {
			if grant == name {
				continue
			}
			switch color[grant] {
			case grey:
				return fmt.Errorf("%w: %s", ErrRoleCycle, strings.Join(append(path, name, grant), " -> "))
			case white:
				if err := visit(grant, append(path, name)); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if color[name] == white {
			if err := visit(name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// Hydrate loads persisted users into the in-memory table. Called once at
// engine start, before any request traffic.
func (r *Registry) Hydrate(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	users, err := r.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("identity: hydrate users: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range users {
		r.users[u.Username] = &userRecord{u: u}
	}
	return nil
}

// EnsureRoles persists the role table so operator tooling can read it.
func (r *Registry) EnsureRoles(ctx context.Context, store RoleStore) error {
	if store == nil {
		return nil
	}
	for _, name := range r.roleNames() {
		if err := store.SaveRole(ctx, r.roles[name]); err != nil {
			return fmt.Errorf("identity: ensure role %q: %w", name, err)
		}
	}
	return nil
}

func (r *Registry) roleNames() []string {
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Role returns a defined role by name.
func (r *Registry) Role(name string) (Role, bool) {
	role, ok := r.roles[strings.TrimSpace(strings.ToLower(name))]
	return role, ok
}

// Roles lists the role table in stable order.
func (r *Registry) Roles() []Role {
	out := make([]Role, 0, len(r.roles))
	for _, name := range r.roleNames() {
		out = append(out, r.roles[name])
	}
	return out
}

// CreateUser registers a new account with the given role and credential.
func (r *Registry) CreateUser(ctx context.Context, actor, username, roleName, credential string) (User, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	if username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	roleName = strings.TrimSpace(strings.ToLower(roleName))
	if _, ok := r.roles[roleName]; !ok {
		return User{}, fmt.Errorf("%w: %q", ErrUnknownRole, roleName)
	}
	hash, err := HashCredential(credential)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	u := User{
		ID:             ids.New(),
		Username:       username,
		CredentialHash: hash,
		Role:           roleName,
		Status:         StatusActive,
		CreatedAt:      r.now().UTC(),
	}

	r.mu.Lock()
	if _, exists := r.users[username]; exists {
		r.mu.Unlock()
		return User{}, fmt.Errorf("%w: %q", ErrDuplicateUser, username)
	}
	r.users[username] = &userRecord{u: u}
	r.mu.Unlock()

	rollback := func() {
		r.mu.Lock()
		delete(r.users, username)
		r.mu.Unlock()
	}
	if r.store != nil {
		if err := r.store.SaveUser(ctx, u); err != nil {
			rollback()
			return User{}, fmt.Errorf("identity: persist user: %w", err)
		}
	}
	if r.log != nil {
		_, err := r.log.Append(ctx, audit.Draft{
			Actor:    actor,
			Action:   "identity.user_created",
			Resource: username,
			Status:   audit.StatusSuccess,
			Details:  "role=" + roleName,
		})
		if err != nil {
			// An unaudited account must not exist: undo the creation.
			rollback()
			if r.store != nil {
				_ = r.store.DeleteUser(ctx, username)
			}
			return User{}, err
		}
	}
	return u, nil
}

// AssignRole changes the target user's role. The actor's own role must list
// the new role in its grant set; role changes take effect on the next
// permission check and never invalidate existing sessions.
func (r *Registry) AssignRole(ctx context.Context, actor, target, newRole string) error {
	actorUser, ok := r.GetUser(actor)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownUser, actor)
	}
	newRole = strings.TrimSpace(strings.ToLower(newRole))
	if _, ok := r.roles[newRole]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRole, newRole)
	}
	actorRole, ok := r.roles[actorUser.Role]
	if !ok || !actorRole.CanGrant(newRole) {
		if r.log != nil {
			if _, err := r.log.Append(ctx, audit.Draft{
				Actor:    actor,
				Action:   "identity.access_denied",
				Resource: target,
				Status:   audit.StatusDenied,
				Details:  "attempted to grant role " + newRole,
			}); err != nil {
				return err
			}
		}
		return ErrPermissionDenied
	}

	var oldRole string
	err := r.withUser(ctx, target, func(u *User) error {
		oldRole = u.Role
		u.Role = newRole
		return nil
	})
	if err != nil {
		return err
	}
	if r.log != nil {
		_, err := r.log.Append(ctx, audit.Draft{
			Actor:    actor,
			Action:   "identity.role_changed",
			Resource: target,
			Status:   audit.StatusSuccess,
			Details:  fmt.Sprintf("role %s -> %s", oldRole, newRole),
		})
		if err != nil {
			// Unaudited role changes must not stand.
			restoreErr := r.withUser(ctx, target, func(u *User) error {
				u.Role = oldRole
				return nil
			})
			if restoreErr != nil {
				return fmt.Errorf("%w (rollback failed: %v)", err, restoreErr)
			}
			return err
		}
	}
	return nil
}

// SetStatus updates an account's lifecycle status.
func (r *Registry) SetStatus(ctx context.Context, actor, username string, status Status) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}
	if err := r.withUser(ctx, username, func(u *User) error {
		u.Status = status
		return nil
	}); err != nil {
		return err
	}
	if r.log != nil {
		if _, err := r.log.Append(ctx, audit.Draft{
			Actor:    actor,
			Action:   "identity.status_changed",
			Resource: username,
			Status:   audit.StatusSuccess,
			Details:  "status=" + string(status),
		}); err != nil {
			return err
		}
	}
	return nil
}

// CheckPermission reports whether the user may exercise the permission: the
// account must be Active and the permission must literally be in the
// assigned role's set. Pure over the current tables; no audit side effects.
func (r *Registry) CheckPermission(username string, perm Permission) bool {
	u, ok := r.GetUser(username)
	if !ok || u.Status != StatusActive {
		return false
	}
	role, ok := r.roles[u.Role]
	if !ok {
		return false
	}
	return role.Has(perm)
}

// GetUser returns a copy of the user record.
func (r *Registry) GetUser(username string) (User, bool) {
	username = strings.TrimSpace(strings.ToLower(username))
	r.mu.RLock()
	rec, ok := r.users[username]
	r.mu.RUnlock()
	if !ok {
		return User{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.u, true
}

// Users returns copies of every user record in stable order.
func (r *Registry) Users() []User {
	r.mu.RLock()
	names := make([]string, 0, len(r.users))
	for name := range r.users {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	out := make([]User, 0, len(names))
	for _, name := range names {
		if u, ok := r.GetUser(name); ok {
			out = append(out, u)
		}
	}
	return out
}

// UpdateUser applies fn to the named record under its row lock and persists
// the result. The lock is held across fn and the store write but never
// across an audit append.
func (r *Registry) UpdateUser(ctx context.Context, username string, fn func(u *User) error) error {
	return r.withUser(ctx, username, fn)
}

func (r *Registry) withUser(ctx context.Context, username string, fn func(u *User) error) error {
	username = strings.TrimSpace(strings.ToLower(username))
	r.mu.RLock()
	rec, ok := r.users[username]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownUser, username)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	next := rec.u
	if err := fn(&next); err != nil {
		return err
	}
	if r.store != nil {
		if err := r.store.UpdateUser(ctx, next); err != nil {
			return fmt.Errorf("identity: persist user: %w", err)
		}
	}
	rec.u = next
	return nil
}
