package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dealroom.org/internal/access"
	"dealroom.org/internal/ledger"
)

type accessRequestBody struct {
	ListingID string `json:"listing_id" validate:"required,max=64"`
	Email     string `json:"email" validate:"required,email,max=254"`
	FullName  string `json:"full_name" validate:"required,max=200"`
	Company   string `json:"company" validate:"max=200"`
	Message   string `json:"message" validate:"max=2000"`
}

type accessRequestResponse struct {
	ID            string        `json:"id"`
	Status        ledger.Status `json:"status"`
	NDAURL        string        `json:"nda_url"`
	MagicLinkSent bool          `json:"magic_link_sent"`
}

type signNDABody struct {
	AccessRequestID string `json:"access_request_id" validate:"required,max=64"`
	MagicToken      string `json:"magic_token" validate:"required"`
	Signature       string `json:"signature" validate:"required,max=500"`
}

type signNDAResponse struct {
	AccessRequestID string    `json:"access_request_id"`
	AccessToken     string    `json:"access_token"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// alreadySignedResponse answers a replayed or concurrent signature; no token is issued.
type alreadySignedResponse struct {
	Status          string    `json:"status"`
	AccessRequestID string    `json:"access_request_id"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type reviewBody struct {
	Notes string `json:"notes" validate:"max=2000"`
}

func (a *API) createAccessRequest(w http.ResponseWriter, r *http.Request) {
	var body accessRequestBody
	if err := decodeAndValidate(r, &body); err != nil {
		badRequest(w, r, err)
		return
	}
	sub, err := a.Access.RequestAccess(r.Context(), tenantID(r), ledger.NewRequest{
		ListingID: body.ListingID,
		Email:     body.Email,
		FullName:  body.FullName,
		Company:   body.Company,
		Message:   body.Message,
	}, meta(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	code := http.StatusOK
	if sub.Created {
		code = http.StatusCreated
		w.Header().Set("Location", "/access-requests/"+sub.Request.ID)
	}
	writeJSON(w, code, accessRequestResponse{
		ID:            sub.Request.ID,
		Status:        sub.Request.Status,
		NDAURL:        sub.NDAURL,
		MagicLinkSent: sub.MagicLinkSent,
	})
}

func (a *API) resendMagicLink(w http.ResponseWriter, r *http.Request) {
	if err := a.Access.ResendMagicLink(r.Context(), tenantID(r), chi.URLParam(r, "id"), meta(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

func (a *API) signNDA(w http.ResponseWriter, r *http.Request) {
	var body signNDABody
	if err := decodeAndValidate(r, &body); err != nil {
		badRequest(w, r, err)
		return
	}
	signed, err := a.Access.SignNDA(r.Context(), tenantID(r), access.SignInput{
		RequestID:  body.AccessRequestID,
		MagicToken: body.MagicToken,
		Signature:  body.Signature,
		IP:         clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if signed.AlreadyProcessed {
		writeJSON(w, http.StatusOK, alreadySignedResponse{
			Status:          "already_processed",
			AccessRequestID: signed.Request.ID,
			ExpiresAt:       signed.ExpiresAt,
		})
		return
	}
	writeJSON(w, http.StatusOK, signNDAResponse{
		AccessRequestID: signed.Request.ID,
		AccessToken:     signed.AccessToken,
		ExpiresAt:       signed.ExpiresAt,
	})
}

func (a *API) declineAccessRequest(w http.ResponseWriter, r *http.Request) {
	a.reviewAccessRequest(w, r, a.Access.Decline)
}

func (a *API) revokeAccessRequest(w http.ResponseWriter, r *http.Request) {
	a.reviewAccessRequest(w, r, a.Access.Revoke)
}

type reviewFunc func(ctx context.Context, tenantID, requestID, notes string, m access.Meta) (ledger.AccessRequest, error)

func (a *API) reviewAccessRequest(w http.ResponseWriter, r *http.Request, fn reviewFunc) {
	var body reviewBody
	if r.ContentLength != 0 {
		if err := decodeAndValidate(r, &body); err != nil {
			badRequest(w, r, err)
			return
		}
	}
	row, err := fn(r.Context(), tenantID(r), chi.URLParam(r, "id"), body.Notes, meta(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (a *API) listAccessRequests(w http.ResponseWriter, r *http.Request) {
	rows, err := a.Access.ListRequests(r.Context(), tenantID(r), chi.URLParam(r, "id"), principal(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []ledger.AccessRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}
