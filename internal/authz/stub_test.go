package authz

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/audit"
)

// stubStore is an in-memory Store stand-in shared by the service, lifecycle
// and handler tests.
type stubStore struct {
	roles       map[uuid.UUID]Role
	perms       map[uuid.UUID][]Permission
	assignments map[uuid.UUID]Assignment

	createErr error
}

func newStubStore() *stubStore {
	return &stubStore{
		roles:       make(map[uuid.UUID]Role),
		perms:       make(map[uuid.UUID][]Permission),
		assignments: make(map[uuid.UUID]Assignment),
	}
}

// addSystemRole registers a role granting the listed actions for both
// resource scope kinds, mirroring what Seed produces.
func (s *stubStore) addSystemRole(name string, actions ...Action) Role {
	role := Role{ID: uuid.New(), Name: name, System: true}
	s.roles[role.ID] = role
	for _, kind := range ResourceScopeKinds() {
		for _, action := range actions {
			s.perms[role.ID] = append(s.perms[role.ID], Permission{
				ID: uuid.New(), Action: action, ScopeKind: kind,
			})
		}
	}
	return role
}

func (s *stubStore) addAssignment(a Assignment) Assignment {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	s.assignments[a.ID] = a
	return a
}

func (s *stubStore) ScopedAssignments(_ context.Context, userID uuid.UUID, kind ScopeKind, scopeID *uuid.UUID) ([]Assignment, error) {
	var out []Assignment
	for _, a := range s.assignments {
		if a.UserID != userID || a.ScopeKind != kind {
			continue
		}
		if (a.ScopeID == nil) != (scopeID == nil) {
			continue
		}
		if scopeID != nil && *a.ScopeID != *scopeID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *stubStore) AssignmentsForUser(_ context.Context, userID uuid.UUID) ([]Assignment, error) {
	var out []Assignment
	for _, a := range s.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubStore) RolesByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]Role, error) {
	out := make(map[uuid.UUID]Role, len(ids))
	for _, id := range ids {
		if role, ok := s.roles[id]; ok {
			out[id] = role
		}
	}
	return out, nil
}

func (s *stubStore) RolePermissionsByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID][]Permission, error) {
	out := make(map[uuid.UUID][]Permission, len(ids))
	for _, id := range ids {
		out[id] = s.perms[id]
	}
	return out, nil
}

func (s *stubStore) RoleByName(_ context.Context, name string) (Role, error) {
	for _, role := range s.roles {
		if role.Name == name {
			return role, nil
		}
	}
	return Role{}, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
}

func (s *stubStore) RoleByID(_ context.Context, id uuid.UUID) (Role, error) {
	role, ok := s.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("%w: %s", ErrRoleNotFound, id)
	}
	return role, nil
}

func (s *stubStore) ListRoles(_ context.Context) ([]Role, error) {
	out := make([]Role, 0, len(s.roles))
	for _, role := range s.roles {
		out = append(out, role)
	}
	return out, nil
}

func (s *stubStore) ListAssignments(_ context.Context, filter AssignmentFilter) ([]Assignment, error) {
	var out []Assignment
	for _, a := range s.assignments {
		if filter.UserID != nil && a.UserID != *filter.UserID {
			continue
		}
		if filter.ScopeKind != "" && a.ScopeKind != filter.ScopeKind {
			continue
		}
		if filter.RoleName != "" && s.roles[a.RoleID].Name != filter.RoleName {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *stubStore) CreateAssignment(_ context.Context, a Assignment) (Assignment, error) {
	if s.createErr != nil {
		return Assignment{}, s.createErr
	}
	for _, existing := range s.assignments {
		if existing.UserID == a.UserID && existing.RoleID == a.RoleID &&
			existing.ScopeKind == a.ScopeKind && equalScopeIDs(existing.ScopeID, a.ScopeID) {
			return Assignment{}, ErrDuplicateAssignment
		}
	}
	a.ID = uuid.New()
	s.assignments[a.ID] = a
	return a, nil
}

func (s *stubStore) GetAssignment(_ context.Context, id uuid.UUID) (Assignment, error) {
	a, ok := s.assignments[id]
	if !ok {
		return Assignment{}, fmt.Errorf("%w: %s", ErrAssignmentNotFound, id)
	}
	return a, nil
}

func (s *stubStore) UpdateAssignmentRole(_ context.Context, id, roleID uuid.UUID) (Assignment, error) {
	a, ok := s.assignments[id]
	if !ok {
		return Assignment{}, fmt.Errorf("%w: %s", ErrAssignmentNotFound, id)
	}
	a.RoleID = roleID
	s.assignments[id] = a
	return a, nil
}

func (s *stubStore) DeleteAssignment(_ context.Context, id uuid.UUID) error {
	if _, ok := s.assignments[id]; !ok {
		return fmt.Errorf("%w: %s", ErrAssignmentNotFound, id)
	}
	delete(s.assignments, id)
	return nil
}

func equalScopeIDs(a, b *uuid.UUID) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

type stubUsers struct {
	existing map[uuid.UUID]bool
	supers   map[uuid.UUID]bool
}

func newStubUsers() *stubUsers {
	return &stubUsers{existing: make(map[uuid.UUID]bool), supers: make(map[uuid.UUID]bool)}
}

func (s *stubUsers) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	return s.existing[id], nil
}

func (s *stubUsers) IsSuperuser(_ context.Context, id uuid.UUID) (bool, error) {
	return s.supers[id], nil
}

type stubProjects struct {
	existing map[uuid.UUID]bool
}

func newStubProjects() *stubProjects {
	return &stubProjects{existing: make(map[uuid.UUID]bool)}
}

func (s *stubProjects) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	return s.existing[id], nil
}

type stubFlows struct {
	existing map[uuid.UUID]bool
	parents  map[uuid.UUID]*uuid.UUID
}

func newStubFlows() *stubFlows {
	return &stubFlows{existing: make(map[uuid.UUID]bool), parents: make(map[uuid.UUID]*uuid.UUID)}
}

func (s *stubFlows) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	return s.existing[id], nil
}

func (s *stubFlows) ParentProjectID(_ context.Context, id uuid.UUID) (*uuid.UUID, error) {
	return s.parents[id], nil
}

func (s *stubFlows) ParentProjectIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*uuid.UUID, error) {
	out := make(map[uuid.UUID]*uuid.UUID, len(ids))
	for _, id := range ids {
		out[id] = s.parents[id]
	}
	return out, nil
}

type stubAuditor struct {
	entries []audit.Entry
	err     error
}

func (s *stubAuditor) Record(_ context.Context, entry audit.Entry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}
