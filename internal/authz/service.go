package authz

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// DecisionStore is the read surface the decision path needs.
type DecisionStore interface {
	ScopedAssignments(ctx context.Context, userID uuid.UUID, kind ScopeKind, scopeID *uuid.UUID) ([]Assignment, error)
	AssignmentsForUser(ctx context.Context, userID uuid.UUID) ([]Assignment, error)
	RolesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Role, error)
	RolePermissionsByIDs(ctx context.Context, roleIDs []uuid.UUID) (map[uuid.UUID][]Permission, error)
}

// UserDirectory is the external user lookup consumed by the engine.
type UserDirectory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	IsSuperuser(ctx context.Context, id uuid.UUID) (bool, error)
}

// ProjectDirectory is the external project lookup consumed by the engine.
type ProjectDirectory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// FlowDirectory is the external flow lookup consumed by the engine. Parent
// lookups return nil for detached flows and for flows that no longer exist:
// at decision time a missing resource means "no rule", not an error.
type FlowDirectory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	ParentProjectID(ctx context.Context, id uuid.UUID) (*uuid.UUID, error)
	ParentProjectIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*uuid.UUID, error)
}

// Service answers access questions. It holds no decision state between
// calls: every check re-reads assignments through the store so the answer is
// correct under concurrent mutation and multi-instance deployment.
type Service struct {
	store  DecisionStore
	users  UserDirectory
	flows  FlowDirectory
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(store DecisionStore, users UserDirectory, flows FlowDirectory, logger *slog.Logger) *Service {
	return &Service{store: store, users: users, flows: flows, logger: logger}
}

// CanAccess decides whether the user may perform action on the scoped
// resource. Decision order, short-circuiting at the first match: superuser
// bypass, global role grant (Admin is universal), direct assignment at the
// requested scope, then for flows inheritance from the parent project.
//
// A direct flow assignment is authoritative: it replaces any inherited
// project role even when it grants fewer rights. An unknown scope kind or a
// missing parent resolves to deny, never to an error.
func (s *Service) CanAccess(ctx context.Context, userID uuid.UUID, action Action, kind ScopeKind, scopeID uuid.UUID) (bool, error) {
	super, err := s.users.IsSuperuser(ctx, userID)
	if err != nil {
		return false, err
	}
	if super {
		return true, nil
	}

	globals, err := s.store.ScopedAssignments(ctx, userID, ScopeGlobal, nil)
	if err != nil {
		return false, err
	}
	granted, err := s.globalGrant(ctx, globals, action, kind)
	if err != nil {
		return false, err
	}
	if granted {
		return true, nil
	}

	if !action.Valid() {
		return false, nil
	}

	switch kind {
	case ScopeProject:
		return s.directGrant(ctx, userID, ScopeProject, scopeID, action)
	case ScopeFlow:
		direct, err := s.store.ScopedAssignments(ctx, userID, ScopeFlow, &scopeID)
		if err != nil {
			return false, err
		}
		if len(direct) > 0 {
			// The flow-level role is authoritative, even when it denies.
			return s.assignmentsGrant(ctx, direct, action, ScopeFlow)
		}
		parentID, err := s.flows.ParentProjectID(ctx, scopeID)
		if err != nil {
			return false, err
		}
		if parentID == nil {
			return false, nil
		}
		return s.directGrant(ctx, userID, ScopeProject, *parentID, action)
	default:
		// Unknown kinds deny rather than error: a false negative is the
		// safe failure mode for an authorization check.
		if s.logger != nil {
			s.logger.Debug("denied unknown scope kind", slog.String("kind", string(kind)))
		}
		return false, nil
	}
}

// BatchCanAccess evaluates every check under CanAccess semantics using a
// single assignment fetch for the user, one role/permission lookup and one
// parent-resolution pass. Results are order-preserving with the input.
func (s *Service) BatchCanAccess(ctx context.Context, userID uuid.UUID, checks []AccessCheck) ([]bool, error) {
	results := make([]bool, len(checks))
	if len(checks) == 0 {
		return results, nil
	}

	super, err := s.users.IsSuperuser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if super {
		for i := range results {
			results[i] = true
		}
		return results, nil
	}

	all, err := s.store.AssignmentsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var globals []Assignment
	byScope := make(map[ScopeKind]map[uuid.UUID][]Assignment)
	roleIDs := make([]uuid.UUID, 0, len(all))
	seenRoles := make(map[uuid.UUID]struct{}, len(all))
	for _, a := range all {
		if _, ok := seenRoles[a.RoleID]; !ok {
			seenRoles[a.RoleID] = struct{}{}
			roleIDs = append(roleIDs, a.RoleID)
		}
		if a.ScopeKind == ScopeGlobal {
			globals = append(globals, a)
			continue
		}
		if a.ScopeID == nil {
			continue
		}
		if byScope[a.ScopeKind] == nil {
			byScope[a.ScopeKind] = make(map[uuid.UUID][]Assignment)
		}
		byScope[a.ScopeKind][*a.ScopeID] = append(byScope[a.ScopeKind][*a.ScopeID], a)
	}

	roles, err := s.store.RolesByIDs(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	perms, err := s.store.RolePermissionsByIDs(ctx, roleIDs)
	if err != nil {
		return nil, err
	}

	globalAdmin := false
	for _, a := range globals {
		if roles[a.RoleID].Name == RoleAdmin {
			globalAdmin = true
			break
		}
	}
	if globalAdmin {
		for i := range results {
			results[i] = true
		}
		return results, nil
	}

	// Resolve parents only for flow checks that have no direct assignment.
	needParent := make([]uuid.UUID, 0)
	seenFlows := make(map[uuid.UUID]struct{})
	for _, check := range checks {
		if check.ScopeKind != ScopeFlow {
			continue
		}
		if _, direct := byScope[ScopeFlow][check.ScopeID]; direct {
			continue
		}
		if _, ok := seenFlows[check.ScopeID]; !ok {
			seenFlows[check.ScopeID] = struct{}{}
			needParent = append(needParent, check.ScopeID)
		}
	}
	parents := map[uuid.UUID]*uuid.UUID{}
	if len(needParent) > 0 {
		parents, err = s.flows.ParentProjectIDs(ctx, needParent)
		if err != nil {
			return nil, err
		}
	}

	grant := func(list []Assignment, action Action, kind ScopeKind) bool {
		for _, a := range list {
			if permitted(perms[a.RoleID], action, kind) {
				return true
			}
		}
		return false
	}

	for i, check := range checks {
		if !check.Action.Valid() {
			continue
		}
		if grant(globals, check.Action, check.ScopeKind) {
			results[i] = true
			continue
		}
		switch check.ScopeKind {
		case ScopeProject:
			results[i] = grant(byScope[ScopeProject][check.ScopeID], check.Action, ScopeProject)
		case ScopeFlow:
			if direct, ok := byScope[ScopeFlow][check.ScopeID]; ok {
				results[i] = grant(direct, check.Action, ScopeFlow)
				continue
			}
			parentID := parents[check.ScopeID]
			if parentID == nil {
				continue
			}
			results[i] = grant(byScope[ScopeProject][*parentID], check.Action, ScopeProject)
		}
	}
	return results, nil
}

// PermissionsForScope returns the permission set implied by the winning
// assignment under CanAccess resolution, restricted to the requested kind.
// Superusers and global Admins hold the full set.
func (s *Service) PermissionsForScope(ctx context.Context, userID uuid.UUID, kind ScopeKind, scopeID uuid.UUID) ([]Permission, error) {
	if !kind.Scoped() {
		return nil, nil
	}

	super, err := s.users.IsSuperuser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if super {
		return fullPermissionSet(kind), nil
	}

	set := make(map[Action]Permission)
	globals, err := s.store.ScopedAssignments(ctx, userID, ScopeGlobal, nil)
	if err != nil {
		return nil, err
	}
	if len(globals) > 0 {
		roleIDs := assignmentRoleIDs(globals)
		roles, err := s.store.RolesByIDs(ctx, roleIDs)
		if err != nil {
			return nil, err
		}
		for _, a := range globals {
			if roles[a.RoleID].Name == RoleAdmin {
				return fullPermissionSet(kind), nil
			}
		}
		if err := s.collectRolePermissions(ctx, globals, kind, set); err != nil {
			return nil, err
		}
	}

	winner, err := s.store.ScopedAssignments(ctx, userID, kind, &scopeID)
	if err != nil {
		return nil, err
	}
	if len(winner) == 0 && kind == ScopeFlow {
		parentID, err := s.flows.ParentProjectID(ctx, scopeID)
		if err != nil {
			return nil, err
		}
		if parentID != nil {
			winner, err = s.store.ScopedAssignments(ctx, userID, ScopeProject, parentID)
			if err != nil {
				return nil, err
			}
		}
	}
	if err := s.collectRolePermissions(ctx, winner, kind, set); err != nil {
		return nil, err
	}

	out := make([]Permission, 0, len(set))
	for _, action := range Actions() {
		if p, ok := set[action]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Service) directGrant(ctx context.Context, userID uuid.UUID, kind ScopeKind, scopeID uuid.UUID, action Action) (bool, error) {
	list, err := s.store.ScopedAssignments(ctx, userID, kind, &scopeID)
	if err != nil {
		return false, err
	}
	return s.assignmentsGrant(ctx, list, action, kind)
}

func (s *Service) assignmentsGrant(ctx context.Context, list []Assignment, action Action, kind ScopeKind) (bool, error) {
	if len(list) == 0 {
		return false, nil
	}
	perms, err := s.store.RolePermissionsByIDs(ctx, assignmentRoleIDs(list))
	if err != nil {
		return false, err
	}
	for _, a := range list {
		if permitted(perms[a.RoleID], action, kind) {
			return true, nil
		}
	}
	return false, nil
}

// globalGrant applies steps one level below the superuser bypass: any global
// Admin assignment passes unconditionally, any other global role passes when
// its permission family covers (action, kind).
func (s *Service) globalGrant(ctx context.Context, globals []Assignment, action Action, kind ScopeKind) (bool, error) {
	if len(globals) == 0 {
		return false, nil
	}
	roleIDs := assignmentRoleIDs(globals)
	roles, err := s.store.RolesByIDs(ctx, roleIDs)
	if err != nil {
		return false, err
	}
	for _, a := range globals {
		if roles[a.RoleID].Name == RoleAdmin {
			return true, nil
		}
	}
	if !action.Valid() || !kind.Scoped() {
		return false, nil
	}
	perms, err := s.store.RolePermissionsByIDs(ctx, roleIDs)
	if err != nil {
		return false, err
	}
	for _, a := range globals {
		if permitted(perms[a.RoleID], action, kind) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) collectRolePermissions(ctx context.Context, list []Assignment, kind ScopeKind, set map[Action]Permission) error {
	if len(list) == 0 {
		return nil
	}
	perms, err := s.store.RolePermissionsByIDs(ctx, assignmentRoleIDs(list))
	if err != nil {
		return err
	}
	for _, a := range list {
		for _, p := range perms[a.RoleID] {
			if p.ScopeKind == kind {
				set[p.Action] = p
			}
		}
	}
	return nil
}

func permitted(perms []Permission, action Action, kind ScopeKind) bool {
	for _, p := range perms {
		if p.Action == action && p.ScopeKind == kind {
			return true
		}
	}
	return false
}

func assignmentRoleIDs(list []Assignment) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(list))
	ids := make([]uuid.UUID, 0, len(list))
	for _, a := range list {
		if _, ok := seen[a.RoleID]; !ok {
			seen[a.RoleID] = struct{}{}
			ids = append(ids, a.RoleID)
		}
	}
	return ids
}

func fullPermissionSet(kind ScopeKind) []Permission {
	perms := make([]Permission, 0, len(Actions()))
	for _, action := range Actions() {
		perms = append(perms, Permission{Action: action, ScopeKind: kind})
	}
	return perms
}
