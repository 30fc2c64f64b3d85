package httpapi

import (
	"net/http"
	"testing"

	"dealroom.org/internal/audit"
	"dealroom.org/internal/auth"
)

func TestRoleManagementRequiresAdmin(t *testing.T) {
	api := newTestAPI(t, Options{})

	resp := api.do(http.MethodPut, "/roles/u-new", map[string]any{"role": "editor"}, nil)
	expectError(t, resp, http.StatusUnauthorized, codeAuthRequired)

	resp = api.do(http.MethodPut, "/roles/u-new", map[string]any{"role": "editor"}, api.session("u-buyer", "buyer@acme.test"))
	expectError(t, resp, http.StatusForbidden, codeForbidden)

	admin := api.session("u-admin", "admin@acme.test")
	resp = api.do(http.MethodPut, "/roles/u-new", map[string]any{"role": "owner"}, admin)
	expectError(t, resp, http.StatusBadRequest, codeValidation)

	resp = api.do(http.MethodPut, "/roles/u-new", map[string]any{"role": "editor"}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("grant: %d", resp.StatusCode)
	}
	asg := decode[auth.Assignment](t, resp)
	if asg.UserID != "u-new" || asg.Role != auth.RoleEditor {
		t.Fatalf("unexpected assignment %+v", asg)
	}

	resp = api.do(http.MethodDelete, "/roles/u-new/editor", nil, admin)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.do(http.MethodDelete, "/roles/u-new/editor", nil, admin)
	expectError(t, resp, http.StatusNotFound, codeNotFound)

	if got := api.count(t, audit.EventRoleGranted); got != 1 {
		t.Fatalf("role_granted events = %d", got)
	}
}

func TestRegisterGrantsBuyer(t *testing.T) {
	api := newTestAPI(t, Options{})
	expectError(t, api.post("/registrations", nil, nil), http.StatusUnauthorized, codeAuthRequired)

	resp := api.post("/registrations", nil, api.session("u-fresh", "fresh@acme.test"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d", resp.StatusCode)
	}
	asg := decode[auth.Assignment](t, resp)
	if asg.Role != auth.RoleBuyer {
		t.Fatalf("role = %s", asg.Role)
	}

	resp = api.post("/registrations", nil, map[string]string{
		"Authorization": api.session("u-fresh", "fresh@acme.test")["Authorization"],
		tenantHeader:    "unknown-tenant",
	})
	expectError(t, resp, http.StatusNotFound, codeNotFound)
}

func TestListRolesAndDeleteAccount(t *testing.T) {
	api := newTestAPI(t, Options{})
	buyer := api.session("u-buyer", "buyer@acme.test")

	expectError(t, api.get("/roles", buyer), http.StatusForbidden, codeForbidden)
	list := decode[map[string][]auth.Assignment](t, api.get("/roles", api.session("u-admin", "admin@acme.test")))
	if len(list["items"]) != 2 {
		t.Fatalf("unexpected assignments %+v", list)
	}

	expectError(t, api.do(http.MethodDelete, "/registrations", nil, nil), http.StatusUnauthorized, codeAuthRequired)
	resp := api.do(http.MethodDelete, "/registrations", nil, buyer)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete account: %d", resp.StatusCode)
	}
	// the account no longer holds a buyer role
	expectError(t, api.get("/roles", buyer), http.StatusForbidden, codeForbidden)
	if got := api.count(t, audit.EventRoleRevoked); got != 1 {
		t.Fatalf("role_revoked events = %d", got)
	}
}
