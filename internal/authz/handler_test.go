package authz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowdeck/flowdeck/internal/shared"
)

type handlerFixture struct {
	*lifecycleFixture
	svc       *Service
	handler   *Handler
	principal uuid.UUID
	router    chi.Router
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	lf := newLifecycleFixture()
	f := &handlerFixture{
		lifecycleFixture: lf,
		principal:        uuid.New(),
	}
	f.users.existing[f.principal] = true
	f.svc = NewService(lf.store, lf.users, lf.flows, nil)
	f.handler = NewHandler(nil, f.svc, lf.lc, lf.store, nil)

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.ContextWithPrincipal(r.Context(), &shared.Principal{UserID: f.principal})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	f.handler.MountDecisionRoutes(router)
	f.handler.MountManagementRoutes(router)
	f.router = router
	return f
}

func (f *handlerFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestCheckEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	projectID := f.project()
	f.store.addAssignment(Assignment{
		UserID: f.principal, RoleID: f.viewer.ID, ScopeKind: ScopeProject, ScopeID: &projectID,
	})

	rec := f.do(t, http.MethodPost, "/permissions/check", map[string]any{
		"permission": "read",
		"scopeType":  "project",
		"scopeId":    projectID.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		HasPermission bool `json:"hasPermission"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.HasPermission)

	rec = f.do(t, http.MethodPost, "/permissions/check", map[string]any{
		"permission": "delete",
		"scopeType":  "project",
		"scopeId":    projectID.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.HasPermission)
}

func TestCheckBatchEndpointPreservesOrder(t *testing.T) {
	f := newHandlerFixture(t)
	projectID := f.project()
	f.store.addAssignment(Assignment{
		UserID: f.principal, RoleID: f.editor.ID, ScopeKind: ScopeProject, ScopeID: &projectID,
	})

	rec := f.do(t, http.MethodPost, "/permissions/check-batch", map[string]any{
		"checks": []map[string]string{
			{"action": "update", "resourceType": "project", "resourceId": projectID.String()},
			{"action": "delete", "resourceType": "project", "resourceId": projectID.String()},
			{"action": "read", "resourceType": "project", "resourceId": projectID.String()},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Results []struct {
			Action  string `json:"action"`
			Allowed bool   `json:"allowed"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 3)
	assert.True(t, resp.Results[0].Allowed)
	assert.False(t, resp.Results[1].Allowed)
	assert.True(t, resp.Results[2].Allowed)
	assert.Equal(t, "update", resp.Results[0].Action)
}

func TestCheckBatchEndpointCaps(t *testing.T) {
	f := newHandlerFixture(t)
	checks := make([]map[string]string, MaxBatchChecks+1)
	for i := range checks {
		checks[i] = map[string]string{
			"action":       "read",
			"resourceType": "project",
			"resourceId":   uuid.NewString(),
		}
	}

	rec := f.do(t, http.MethodPost, "/permissions/check-batch", map[string]any{"checks": checks})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScopePermissionsEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	flowID := f.flow()
	f.store.addAssignment(Assignment{
		UserID: f.principal, RoleID: f.editor.ID, ScopeKind: ScopeFlow, ScopeID: &flowID,
	})

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/permissions/scope?scopeType=flow&scopeId=%s", flowID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"create", "read", "update"}, resp.Permissions)
}

func TestCreateAssignmentEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	userID := f.user()
	projectID := f.project()

	rec := f.do(t, http.MethodPost, "/assignments", map[string]any{
		"userId":    userID.String(),
		"roleName":  RoleEditor,
		"scopeType": "project",
		"scopeId":   projectID.String(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		ID        string `json:"id"`
		UserID    string `json:"userId"`
		ScopeType string `json:"scopeType"`
		Role      struct {
			Name string `json:"name"`
		} `json:"role"`
		CreatedBy string `json:"createdBy"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, userID.String(), resp.UserID)
	assert.Equal(t, RoleEditor, resp.Role.Name)
	assert.Equal(t, "project", resp.ScopeType)
	assert.Equal(t, f.principal.String(), resp.CreatedBy)
}

func TestAssignmentErrorMapping(t *testing.T) {
	f := newHandlerFixture(t)
	userID := f.user()
	projectID := f.project()

	// Unknown user maps to 404.
	rec := f.do(t, http.MethodPost, "/assignments", map[string]any{
		"userId":    uuid.NewString(),
		"roleName":  RoleViewer,
		"scopeType": "project",
		"scopeId":   projectID.String(),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Global scope with a scope id maps to 400.
	rec = f.do(t, http.MethodPost, "/assignments", map[string]any{
		"userId":    userID.String(),
		"roleName":  RoleViewer,
		"scopeType": "global",
		"scopeId":   projectID.String(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Exact duplicate maps to 409.
	body := map[string]any{
		"userId":    userID.String(),
		"roleName":  RoleViewer,
		"scopeType": "project",
		"scopeId":   projectID.String(),
	}
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/assignments", body).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/assignments", body).Code)
}

func TestDeleteImmutableAssignmentEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	userID := f.user()
	projectID := f.project()
	locked := f.store.addAssignment(Assignment{
		UserID: userID, RoleID: f.viewer.ID, ScopeKind: ScopeProject, ScopeID: &projectID, Immutable: true,
	})

	rec := f.do(t, http.MethodDelete, "/assignments/"+locked.ID.String(), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/assignments/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRolesEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodGet, "/roles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var roles []struct {
		Name         string `json:"name"`
		IsSystemRole bool   `json:"isSystemRole"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &roles))
	require.Len(t, roles, 2)
	for _, role := range roles {
		assert.True(t, role.IsSystemRole)
	}
}
