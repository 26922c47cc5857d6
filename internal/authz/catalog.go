package authz

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// roleSpec declares a system role and the actions it grants. Each granted
// action expands to one permission per resource scope kind.
type roleSpec struct {
	name        string
	description string
	actions     []Action
}

// systemRoles is the closed set of built-in roles. Order matters only for
// deterministic seeding output.
func systemRoles() []roleSpec {
	return []roleSpec{
		{name: RoleViewer, description: "Read-only access", actions: []Action{ActionRead}},
		{name: RoleEditor, description: "Create, read and update access", actions: []Action{ActionCreate, ActionRead, ActionUpdate}},
		{name: RoleOwner, description: "Full access", actions: Actions()},
		{name: RoleAdmin, description: "Full access, intended for global scope", actions: Actions()},
	}
}

// SeedStore is the persistence surface the catalog needs. Ensure methods
// insert by natural key and report whether a new record was created.
type SeedStore interface {
	EnsurePermission(ctx context.Context, action Action, kind ScopeKind) (uuid.UUID, bool, error)
	EnsureRole(ctx context.Context, name, description string, system bool) (uuid.UUID, bool, error)
	EnsureRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) (bool, error)
}

// SeedResult reports how many records a Seed call created.
type SeedResult struct {
	PermissionsCreated int
	RolesCreated       int
	MappingsCreated    int
}

// Catalog seeds the closed permission/role model.
type Catalog struct {
	store SeedStore
}

// NewCatalog constructs a Catalog over the given store.
func NewCatalog(store SeedStore) *Catalog {
	return &Catalog{store: store}
}

// Seed inserts the 8 permissions, 4 system roles and 24 role-permission
// edges, skipping records that already exist. Running it twice yields zero
// creations the second time.
func (c *Catalog) Seed(ctx context.Context) (SeedResult, error) {
	var result SeedResult

	permIDs := make(map[Permission]uuid.UUID, len(Actions())*len(ResourceScopeKinds()))
	for _, kind := range ResourceScopeKinds() {
		for _, action := range Actions() {
			id, created, err := c.store.EnsurePermission(ctx, action, kind)
			if err != nil {
				return SeedResult{}, fmt.Errorf("authz: seed permission %s:%s: %w", action, kind, err)
			}
			permIDs[Permission{Action: action, ScopeKind: kind}] = id
			if created {
				result.PermissionsCreated++
			}
		}
	}

	for _, spec := range systemRoles() {
		roleID, created, err := c.store.EnsureRole(ctx, spec.name, spec.description, true)
		if err != nil {
			return SeedResult{}, fmt.Errorf("authz: seed role %s: %w", spec.name, err)
		}
		if created {
			result.RolesCreated++
		}
		for _, action := range spec.actions {
			for _, kind := range ResourceScopeKinds() {
				permID := permIDs[Permission{Action: action, ScopeKind: kind}]
				attached, err := c.store.EnsureRolePermission(ctx, roleID, permID)
				if err != nil {
					return SeedResult{}, fmt.Errorf("authz: seed mapping %s -> %s:%s: %w", spec.name, action, kind, err)
				}
				if attached {
					result.MappingsCreated++
				}
			}
		}
	}

	return result, nil
}
