package authz

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/audit"
	"github.com/flowdeck/flowdeck/internal/shared"
)

// LifecycleStore is the persistence surface assignment mutations need.
type LifecycleStore interface {
	RoleByName(ctx context.Context, name string) (Role, error)
	RoleByID(ctx context.Context, id uuid.UUID) (Role, error)
	ScopedAssignments(ctx context.Context, userID uuid.UUID, kind ScopeKind, scopeID *uuid.UUID) ([]Assignment, error)
	CreateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	GetAssignment(ctx context.Context, id uuid.UUID) (Assignment, error)
	UpdateAssignmentRole(ctx context.Context, id, roleID uuid.UUID) (Assignment, error)
	DeleteAssignment(ctx context.Context, id uuid.UUID) error
}

// Auditor receives one record per successful mutation.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Lifecycle validates and applies assignment mutations. Caller privilege is
// enforced by the transport layer before these methods run; the lifecycle
// checks input validity and immutability only.
type Lifecycle struct {
	store    LifecycleStore
	users    UserDirectory
	projects ProjectDirectory
	flows    FlowDirectory
	auditor  Auditor
	logger   *slog.Logger
}

// NewLifecycle constructs a Lifecycle.
func NewLifecycle(store LifecycleStore, users UserDirectory, projects ProjectDirectory, flows FlowDirectory, auditor Auditor, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{store: store, users: users, projects: projects, flows: flows, auditor: auditor, logger: logger}
}

// AssignInput carries the parameters of a new assignment.
type AssignInput struct {
	UserID    uuid.UUID
	RoleName  string
	ScopeKind ScopeKind
	ScopeID   *uuid.UUID
	CreatedBy uuid.UUID
	Immutable bool
}

// Assign validates and persists a new assignment. Validation order: user,
// role, scope shape, scope resource, duplicate. The duplicate pre-check is
// backed by the store's uniqueness constraint to close the race window.
func (l *Lifecycle) Assign(ctx context.Context, input AssignInput) (Assignment, error) {
	exists, err := l.users.Exists(ctx, input.UserID)
	if err != nil {
		return Assignment{}, err
	}
	if !exists {
		return Assignment{}, fmt.Errorf("%w: %s", ErrUserNotFound, input.UserID)
	}

	role, err := l.store.RoleByName(ctx, input.RoleName)
	if err != nil {
		return Assignment{}, err
	}

	if err := validateScope(input.ScopeKind, input.ScopeID); err != nil {
		return Assignment{}, err
	}

	if input.ScopeKind.Scoped() {
		var dir interface {
			Exists(ctx context.Context, id uuid.UUID) (bool, error)
		}
		if input.ScopeKind == ScopeProject {
			dir = l.projects
		} else {
			dir = l.flows
		}
		exists, err := dir.Exists(ctx, *input.ScopeID)
		if err != nil {
			return Assignment{}, err
		}
		if !exists {
			return Assignment{}, fmt.Errorf("%w: %s %s", ErrResourceNotFound, input.ScopeKind, *input.ScopeID)
		}
	}

	existing, err := l.store.ScopedAssignments(ctx, input.UserID, input.ScopeKind, input.ScopeID)
	if err != nil {
		return Assignment{}, err
	}
	for _, a := range existing {
		if a.RoleID == role.ID {
			return Assignment{}, ErrDuplicateAssignment
		}
	}

	created, err := l.store.CreateAssignment(ctx, Assignment{
		UserID:    input.UserID,
		RoleID:    role.ID,
		ScopeKind: input.ScopeKind,
		ScopeID:   input.ScopeID,
		Immutable: input.Immutable,
		CreatedBy: input.CreatedBy,
	})
	if err != nil {
		return Assignment{}, err
	}

	l.record(ctx, audit.Entry{
		Actor:    input.CreatedBy.String(),
		Action:   "assign_role",
		Entity:   "assignment",
		EntityID: created.ID.String(),
		Meta: map[string]any{
			"user_id":    created.UserID.String(),
			"role_id":    role.ID.String(),
			"role_name":  role.Name,
			"scope_kind": string(created.ScopeKind),
			"scope_id":   scopeIDString(created.ScopeID),
			"created_by": created.CreatedBy.String(),
			"immutable":  created.Immutable,
		},
	})
	return created, nil
}

// UpdateRole changes the role of an existing assignment. User and scope are
// immutable dimensions: changing either requires delete plus recreate.
// Immutable assignments are rejected unconditionally; there is no override
// path regardless of caller.
func (l *Lifecycle) UpdateRole(ctx context.Context, assignmentID uuid.UUID, newRoleName string) (Assignment, error) {
	current, err := l.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Assignment{}, err
	}
	if current.Immutable {
		return Assignment{}, fmt.Errorf("%w: %s", ErrImmutableAssignment, assignmentID)
	}

	role, err := l.store.RoleByName(ctx, newRoleName)
	if err != nil {
		return Assignment{}, err
	}

	updated, err := l.store.UpdateAssignmentRole(ctx, assignmentID, role.ID)
	if err != nil {
		return Assignment{}, err
	}

	l.record(ctx, audit.Entry{
		Actor:    l.actor(ctx),
		Action:   "update_role",
		Entity:   "assignment",
		EntityID: updated.ID.String(),
		Meta: map[string]any{
			"user_id":     updated.UserID.String(),
			"old_role_id": current.RoleID.String(),
			"new_role_id": role.ID.String(),
			"new_role":    role.Name,
			"scope_kind":  string(updated.ScopeKind),
			"scope_id":    scopeIDString(updated.ScopeID),
		},
	})
	return updated, nil
}

// Remove deletes an assignment, subject to the same immutability guard.
func (l *Lifecycle) Remove(ctx context.Context, assignmentID uuid.UUID) error {
	current, err := l.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if current.Immutable {
		return fmt.Errorf("%w: %s", ErrImmutableAssignment, assignmentID)
	}

	if err := l.store.DeleteAssignment(ctx, assignmentID); err != nil {
		return err
	}

	l.record(ctx, audit.Entry{
		Actor:    l.actor(ctx),
		Action:   "remove_role",
		Entity:   "assignment",
		EntityID: current.ID.String(),
		Meta: map[string]any{
			"user_id":    current.UserID.String(),
			"role_id":    current.RoleID.String(),
			"scope_kind": string(current.ScopeKind),
			"scope_id":   scopeIDString(current.ScopeID),
		},
	})
	return nil
}

// record emits the audit entry synchronously but never propagates a sink
// failure: every successful mutation returns success to its caller.
func (l *Lifecycle) record(ctx context.Context, entry audit.Entry) {
	if l.auditor == nil {
		return
	}
	if err := l.auditor.Record(ctx, entry); err != nil && l.logger != nil {
		l.logger.Warn("audit record failed",
			slog.String("action", entry.Action),
			slog.String("entity_id", entry.EntityID),
			slog.Any("error", err))
	}
}

func (l *Lifecycle) actor(ctx context.Context) string {
	if p := shared.PrincipalFromContext(ctx); p != nil {
		return p.UserID.String()
	}
	return ""
}

func validateScope(kind ScopeKind, scopeID *uuid.UUID) error {
	switch kind {
	case ScopeGlobal:
		if scopeID != nil {
			return fmt.Errorf("%w: global scope forbids a scope id, got %s", ErrInvalidScope, *scopeID)
		}
	case ScopeProject, ScopeFlow:
		if scopeID == nil {
			return fmt.Errorf("%w: %s scope requires a scope id", ErrInvalidScope, kind)
		}
	default:
		return fmt.Errorf("%w: unknown scope kind %q", ErrInvalidScope, kind)
	}
	return nil
}

func scopeIDString(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}
