package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"dealroom.org/internal/auth"
)

type grantRoleBody struct {
	Role string `json:"role" validate:"required,oneof=admin editor reviewer buyer"`
}

func (a *API) grantRole(w http.ResponseWriter, r *http.Request) {
	var body grantRoleBody
	if err := decodeAndValidate(r, &body); err != nil {
		badRequest(w, r, err)
		return
	}
	role, _ := auth.ParseRole(body.Role)
	asg, err := a.Access.GrantRole(r.Context(), tenantID(r), chi.URLParam(r, "userID"), role, meta(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asg)
}

func (a *API) revokeRole(w http.ResponseWriter, r *http.Request) {
	role, ok := auth.ParseRole(chi.URLParam(r, "role"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, codeValidation, "unknown role")
		return
	}
	if err := a.Access.RevokeRole(r.Context(), tenantID(r), chi.URLParam(r, "userID"), role, meta(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	items, err := a.Access.ListRoles(r.Context(), tenantID(r), principal(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// register gives the calling user the default buyer role in the tenant.
func (a *API) register(w http.ResponseWriter, r *http.Request) {
	asg, err := a.Access.Register(r.Context(), tenantID(r), principal(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, asg)
}

// deregister deletes the calling user's account: every role it holds, in every tenant.
func (a *API) deregister(w http.ResponseWriter, r *http.Request) {
	if err := a.Access.DeleteAccount(r.Context(), tenantID(r), meta(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
