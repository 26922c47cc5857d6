package authz

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Action is one of the four canonical operations a role can grant.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Actions lists all canonical actions in seeding order.
func Actions() []Action {
	return []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}
}

// Valid reports whether the action is one of the canonical four.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ScopeKind is the category of resource an assignment applies to.
type ScopeKind string

const (
	ScopeGlobal  ScopeKind = "global"
	ScopeProject ScopeKind = "project"
	ScopeFlow    ScopeKind = "flow"
)

// ResourceScopeKinds lists the scope kinds that reference a concrete
// resource, in seeding order. Global is intentionally absent: global roles
// bypass scoped checks instead of carrying their own permission family.
func ResourceScopeKinds() []ScopeKind {
	return []ScopeKind{ScopeProject, ScopeFlow}
}

// Valid reports whether the kind is known at all.
func (k ScopeKind) Valid() bool {
	switch k {
	case ScopeGlobal, ScopeProject, ScopeFlow:
		return true
	}
	return false
}

// Scoped reports whether the kind requires a scope id.
func (k ScopeKind) Scoped() bool {
	return k == ScopeProject || k == ScopeFlow
}

// System role names seeded by the catalog.
const (
	RoleViewer = "Viewer"
	RoleEditor = "Editor"
	RoleOwner  = "Owner"
	RoleAdmin  = "Admin"
)

// Permission is an (action, scope kind) capability. Immutable once seeded.
type Permission struct {
	ID        uuid.UUID
	Action    Action
	ScopeKind ScopeKind
}

// Name returns the canonical "action:kind" form used in audit records and
// API payloads.
func (p Permission) Name() string {
	return string(p.Action) + ":" + string(p.ScopeKind)
}

// Role is a named set of permissions. System roles are created once at
// bootstrap and referenced by name thereafter.
type Role struct {
	ID          uuid.UUID
	Name        string
	Description string
	System      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Assignment binds a user to a role at a scope. ScopeID is nil exactly when
// ScopeKind is Global. User and scope are immutable dimensions; only the
// role pointer may change after creation.
type Assignment struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	RoleID    uuid.UUID
	ScopeKind ScopeKind
	ScopeID   *uuid.UUID
	Immutable bool
	CreatedBy uuid.UUID
	CreatedAt time.Time
}

// AccessCheck is a single entry of a batched decision request.
type AccessCheck struct {
	Action    Action
	ScopeKind ScopeKind
	ScopeID   uuid.UUID
}

// AssignmentFilter narrows management listings.
type AssignmentFilter struct {
	UserID    *uuid.UUID
	RoleName  string
	ScopeKind ScopeKind
}

// Sentinel errors raised by the lifecycle manager. Decision queries never
// raise them: an unknown kind or missing record degrades to deny.
var (
	ErrUserNotFound        = errors.New("authz: user not found")
	ErrRoleNotFound        = errors.New("authz: role not found")
	ErrResourceNotFound    = errors.New("authz: scope resource not found")
	ErrInvalidScope        = errors.New("authz: invalid scope")
	ErrDuplicateAssignment = errors.New("authz: assignment already exists")
	ErrAssignmentNotFound  = errors.New("authz: assignment not found")
	ErrImmutableAssignment = errors.New("authz: assignment is immutable")
)
