package authz

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

// fixture wires a service over in-memory stubs with the four system roles
// pre-registered.
type fixture struct {
	store  *stubStore
	users  *stubUsers
	flows  *stubFlows
	svc    *Service
	viewer Role
	editor Role
	owner  Role
	admin  Role
}

func newFixture() *fixture {
	store := newStubStore()
	f := &fixture{
		store:  store,
		users:  newStubUsers(),
		flows:  newStubFlows(),
		viewer: store.addSystemRole(RoleViewer, ActionRead),
		editor: store.addSystemRole(RoleEditor, ActionCreate, ActionRead, ActionUpdate),
		owner:  store.addSystemRole(RoleOwner, ActionCreate, ActionRead, ActionUpdate, ActionDelete),
		admin:  store.addSystemRole(RoleAdmin, ActionCreate, ActionRead, ActionUpdate, ActionDelete),
	}
	f.svc = NewService(store, f.users, f.flows, nil)
	return f
}

func (f *fixture) user() uuid.UUID {
	id := uuid.New()
	f.users.existing[id] = true
	return id
}

func (f *fixture) grant(userID, roleID uuid.UUID, kind ScopeKind, scopeID *uuid.UUID) Assignment {
	return f.store.addAssignment(Assignment{
		UserID: userID, RoleID: roleID, ScopeKind: kind, ScopeID: scopeID,
	})
}

func TestCanAccessSuperuserBypassesEverything(t *testing.T) {
	f := newFixture()
	userID := f.user()
	f.users.supers[userID] = true

	for _, action := range Actions() {
		ok, err := f.svc.CanAccess(context.Background(), userID, action, ScopeFlow, uuid.New())
		if err != nil {
			t.Fatalf("CanAccess: %v", err)
		}
		if !ok {
			t.Fatalf("superuser denied %s", action)
		}
	}

	// Even nonsense scope kinds pass for superusers.
	ok, err := f.svc.CanAccess(context.Background(), userID, ActionRead, ScopeKind("workspace"), uuid.New())
	if err != nil {
		t.Fatalf("CanAccess: %v", err)
	}
	if !ok {
		t.Fatal("superuser denied on unknown scope kind")
	}
}

func TestCanAccessNoAssignmentsDeniesAll(t *testing.T) {
	f := newFixture()
	userID := f.user()

	for _, kind := range ResourceScopeKinds() {
		for _, action := range Actions() {
			ok, err := f.svc.CanAccess(context.Background(), userID, action, kind, uuid.New())
			if err != nil {
				t.Fatalf("CanAccess: %v", err)
			}
			if ok {
				t.Fatalf("unassigned user allowed %s on %s", action, kind)
			}
		}
	}
}

func TestCanAccessGlobalAdminIsUniversal(t *testing.T) {
	f := newFixture()
	userID := f.user()
	f.grant(userID, f.admin.ID, ScopeGlobal, nil)

	ok, err := f.svc.CanAccess(context.Background(), userID, ActionDelete, ScopeFlow, uuid.New())
	if err != nil {
		t.Fatalf("CanAccess: %v", err)
	}
	if !ok {
		t.Fatal("global Admin denied on an unseen flow")
	}
}

func TestCanAccessGlobalViewerGrantsReadOnly(t *testing.T) {
	f := newFixture()
	userID := f.user()
	f.grant(userID, f.viewer.ID, ScopeGlobal, nil)
	projectID := uuid.New()

	ok, err := f.svc.CanAccess(context.Background(), userID, ActionRead, ScopeProject, projectID)
	if err != nil {
		t.Fatalf("CanAccess: %v", err)
	}
	if !ok {
		t.Fatal("global Viewer denied read on project")
	}

	ok, err = f.svc.CanAccess(context.Background(), userID, ActionDelete, ScopeProject, projectID)
	if err != nil {
		t.Fatalf("CanAccess: %v", err)
	}
	if ok {
		t.Fatal("global Viewer allowed delete on project")
	}
}

func TestCanAccessDirectProjectAssignment(t *testing.T) {
	f := newFixture()
	userID := f.user()
	projectID := uuid.New()
	otherID := uuid.New()
	f.grant(userID, f.editor.ID, ScopeProject, &projectID)

	cases := []struct {
		action  Action
		scopeID uuid.UUID
		want    bool
	}{
		{ActionUpdate, projectID, true},
		{ActionDelete, projectID, false},
		{ActionUpdate, otherID, false},
	}
	for _, tc := range cases {
		ok, err := f.svc.CanAccess(context.Background(), userID, tc.action, ScopeProject, tc.scopeID)
		if err != nil {
			t.Fatalf("CanAccess: %v", err)
		}
		if ok != tc.want {
			t.Fatalf("%s on %s: got %v, want %v", tc.action, tc.scopeID, ok, tc.want)
		}
	}
}

func TestCanAccessFlowInheritsFromParentProject(t *testing.T) {
	f := newFixture()
	userID := f.user()
	projectID := uuid.New()
	flowID := uuid.New()
	f.flows.parents[flowID] = &projectID
	f.grant(userID, f.owner.ID, ScopeProject, &projectID)

	ok, err := f.svc.CanAccess(context.Background(), userID, ActionDelete, ScopeFlow, flowID)
	if err != nil {
		t.Fatalf("CanAccess: %v", err)
	}
	if !ok {
		t.Fatal("project Owner denied delete on child flow")
	}
}

func TestCanAccessDirectFlowAssignmentOverridesInheritance(t *testing.T) {
	f := newFixture()
	userID := f.user()
	projectID := uuid.New()
	flowID := uuid.New()
	f.flows.parents[flowID] = &projectID
	f.grant(userID, f.editor.ID, ScopeProject, &projectID)
	f.grant(userID, f.viewer.ID, ScopeFlow, &flowID)

	// The direct Viewer role wins even though it grants less than the
	// inherited Editor role would.
	ok, err := f.svc.CanAccess(context.Background(), userID, ActionUpdate, ScopeFlow, flowID)
	if err != nil {
		t.Fatalf("CanAccess: %v", err)
	}
	if ok {
		t.Fatal("direct flow Viewer did not override inherited project Editor")
	}

	ok, err = f.svc.CanAccess(context.Background(), userID, ActionRead, ScopeFlow, flowID)
	if err != nil {
		t.Fatalf("CanAccess: %v", err)
	}
	if !ok {
		t.Fatal("direct flow Viewer denied read")
	}
}

func TestCanAccessDetachedFlowNeverInherits(t *testing.T) {
	f := newFixture()
	userID := f.user()
	projectID := uuid.New()
	flowID := uuid.New()
	// No parent registered for flowID.
	f.grant(userID, f.owner.ID, ScopeProject, &projectID)

	ok, err := f.svc.CanAccess(context.Background(), userID, ActionRead, ScopeFlow, flowID)
	if err != nil {
		t.Fatalf("CanAccess: %v", err)
	}
	if ok {
		t.Fatal("detached flow inherited project permissions")
	}
}

func TestCanAccessUnknownScopeKindDenies(t *testing.T) {
	f := newFixture()
	userID := f.user()
	f.grant(userID, f.owner.ID, ScopeGlobal, nil)

	ok, err := f.svc.CanAccess(context.Background(), userID, ActionRead, ScopeKind("workspace"), uuid.New())
	if err != nil {
		t.Fatalf("CanAccess: %v", err)
	}
	if ok {
		t.Fatal("unknown scope kind was allowed")
	}
}

func TestCanAccessInvalidActionDenies(t *testing.T) {
	f := newFixture()
	userID := f.user()
	projectID := uuid.New()
	f.grant(userID, f.owner.ID, ScopeProject, &projectID)

	ok, err := f.svc.CanAccess(context.Background(), userID, Action("publish"), ScopeProject, projectID)
	if err != nil {
		t.Fatalf("CanAccess: %v", err)
	}
	if ok {
		t.Fatal("unknown action was allowed")
	}
}

func TestBatchCanAccessMatchesSingleChecks(t *testing.T) {
	f := newFixture()
	userID := f.user()
	projectID := uuid.New()
	flowID := uuid.New()
	orphanFlow := uuid.New()
	f.flows.parents[flowID] = &projectID
	f.grant(userID, f.editor.ID, ScopeProject, &projectID)
	f.grant(userID, f.viewer.ID, ScopeFlow, &flowID)

	checks := []AccessCheck{
		{Action: ActionRead, ScopeKind: ScopeProject, ScopeID: projectID},
		{Action: ActionDelete, ScopeKind: ScopeProject, ScopeID: projectID},
		{Action: ActionUpdate, ScopeKind: ScopeFlow, ScopeID: flowID},
		{Action: ActionRead, ScopeKind: ScopeFlow, ScopeID: flowID},
		{Action: ActionRead, ScopeKind: ScopeFlow, ScopeID: orphanFlow},
		{Action: Action("publish"), ScopeKind: ScopeProject, ScopeID: projectID},
	}

	got, err := f.svc.BatchCanAccess(context.Background(), userID, checks)
	if err != nil {
		t.Fatalf("BatchCanAccess: %v", err)
	}
	if len(got) != len(checks) {
		t.Fatalf("got %d results, want %d", len(got), len(checks))
	}
	for i, check := range checks {
		want, err := f.svc.CanAccess(context.Background(), userID, check.Action, check.ScopeKind, check.ScopeID)
		if err != nil {
			t.Fatalf("CanAccess: %v", err)
		}
		if got[i] != want {
			t.Fatalf("check %d (%s %s): batch=%v single=%v", i, check.Action, check.ScopeKind, got[i], want)
		}
	}
}

func TestBatchCanAccessSuperuserAllTrue(t *testing.T) {
	f := newFixture()
	userID := f.user()
	f.users.supers[userID] = true

	got, err := f.svc.BatchCanAccess(context.Background(), userID, []AccessCheck{
		{Action: ActionDelete, ScopeKind: ScopeFlow, ScopeID: uuid.New()},
		{Action: ActionRead, ScopeKind: ScopeKind("workspace"), ScopeID: uuid.New()},
	})
	if err != nil {
		t.Fatalf("BatchCanAccess: %v", err)
	}
	for i, ok := range got {
		if !ok {
			t.Fatalf("superuser denied batch check %d", i)
		}
	}
}

func TestBatchCanAccessEmptyInput(t *testing.T) {
	f := newFixture()
	got, err := f.svc.BatchCanAccess(context.Background(), f.user(), nil)
	if err != nil {
		t.Fatalf("BatchCanAccess: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d results for empty input", len(got))
	}
}

func TestPermissionsForScopeViewer(t *testing.T) {
	f := newFixture()
	userID := f.user()
	projectID := uuid.New()
	f.grant(userID, f.viewer.ID, ScopeProject, &projectID)

	perms, err := f.svc.PermissionsForScope(context.Background(), userID, ScopeProject, projectID)
	if err != nil {
		t.Fatalf("PermissionsForScope: %v", err)
	}
	if len(perms) != 1 || perms[0].Action != ActionRead || perms[0].ScopeKind != ScopeProject {
		t.Fatalf("got %v, want exactly read:project", perms)
	}
}

func TestPermissionsForScopeCombinesGlobalAndDirect(t *testing.T) {
	f := newFixture()
	userID := f.user()
	flowID := uuid.New()
	f.grant(userID, f.viewer.ID, ScopeGlobal, nil)
	f.grant(userID, f.editor.ID, ScopeFlow, &flowID)

	perms, err := f.svc.PermissionsForScope(context.Background(), userID, ScopeFlow, flowID)
	if err != nil {
		t.Fatalf("PermissionsForScope: %v", err)
	}
	want := map[Action]bool{ActionCreate: true, ActionRead: true, ActionUpdate: true}
	if len(perms) != len(want) {
		t.Fatalf("got %d permissions, want %d: %v", len(perms), len(want), perms)
	}
	for _, p := range perms {
		if !want[p.Action] {
			t.Fatalf("unexpected permission %s", p.Name())
		}
		if p.ScopeKind != ScopeFlow {
			t.Fatalf("permission %s has kind %s, want flow", p.Action, p.ScopeKind)
		}
	}
}

func TestPermissionsForScopeInheritsParentProject(t *testing.T) {
	f := newFixture()
	userID := f.user()
	projectID := uuid.New()
	flowID := uuid.New()
	f.flows.parents[flowID] = &projectID
	f.grant(userID, f.viewer.ID, ScopeProject, &projectID)

	perms, err := f.svc.PermissionsForScope(context.Background(), userID, ScopeFlow, flowID)
	if err != nil {
		t.Fatalf("PermissionsForScope: %v", err)
	}
	if len(perms) != 1 || perms[0].Action != ActionRead || perms[0].ScopeKind != ScopeFlow {
		t.Fatalf("got %v, want read:flow via inheritance", perms)
	}
}

func TestViewerAtProjectEditorAtFlow(t *testing.T) {
	f := newFixture()
	userID := f.user()
	projectID := uuid.New()
	flowID := uuid.New()
	f.flows.parents[flowID] = &projectID
	f.grant(userID, f.viewer.ID, ScopeProject, &projectID)

	perms, err := f.svc.PermissionsForScope(context.Background(), userID, ScopeProject, projectID)
	if err != nil {
		t.Fatalf("PermissionsForScope: %v", err)
	}
	if len(perms) != 1 || perms[0].Action != ActionRead {
		t.Fatalf("got %v, want {read}", perms)
	}

	f.grant(userID, f.editor.ID, ScopeFlow, &flowID)

	ok, err := f.svc.CanAccess(context.Background(), userID, ActionDelete, ScopeFlow, flowID)
	if err != nil {
		t.Fatalf("CanAccess: %v", err)
	}
	if ok {
		t.Fatal("flow Editor allowed delete")
	}
	ok, err = f.svc.CanAccess(context.Background(), userID, ActionUpdate, ScopeFlow, flowID)
	if err != nil {
		t.Fatalf("CanAccess: %v", err)
	}
	if !ok {
		t.Fatal("flow Editor denied update")
	}
}

func TestPermissionsForScopeSuperuserFullSet(t *testing.T) {
	f := newFixture()
	userID := f.user()
	f.users.supers[userID] = true

	perms, err := f.svc.PermissionsForScope(context.Background(), userID, ScopeProject, uuid.New())
	if err != nil {
		t.Fatalf("PermissionsForScope: %v", err)
	}
	if len(perms) != len(Actions()) {
		t.Fatalf("got %d permissions, want %d", len(perms), len(Actions()))
	}
}

func TestPermissionsForScopeGlobalAdminFullSet(t *testing.T) {
	f := newFixture()
	userID := f.user()
	f.grant(userID, f.admin.ID, ScopeGlobal, nil)

	perms, err := f.svc.PermissionsForScope(context.Background(), userID, ScopeFlow, uuid.New())
	if err != nil {
		t.Fatalf("PermissionsForScope: %v", err)
	}
	if len(perms) != len(Actions()) {
		t.Fatalf("got %d permissions, want %d", len(perms), len(Actions()))
	}
}

func TestPermissionsForScopeGlobalKindReturnsNothing(t *testing.T) {
	f := newFixture()
	userID := f.user()
	f.grant(userID, f.owner.ID, ScopeGlobal, nil)

	perms, err := f.svc.PermissionsForScope(context.Background(), userID, ScopeGlobal, uuid.Nil)
	if err != nil {
		t.Fatalf("PermissionsForScope: %v", err)
	}
	if len(perms) != 0 {
		t.Fatalf("got %v for global kind, want none", perms)
	}
}
