package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"dealroom.org/internal/auth"
	"dealroom.org/internal/disclosure"
	"dealroom.org/internal/listing"
)

type listingResponse struct {
	Listing listing.Listing   `json:"listing"`
	Reason  disclosure.Reason `json:"reason"`
}

type fileResponse struct {
	ID          string            `json:"id"`
	Filename    string            `json:"filename"`
	AssetType   listing.AssetType `json:"asset_type"`
	ContentType string            `json:"content_type,omitempty"`
	SizeBytes   int64             `json:"size_bytes"`
	DownloadURL string            `json:"download_url"`
	ExpiresIn   int               `json:"expires_in"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

func toFileResponse(a listing.Asset, d disclosure.Delivery) fileResponse {
	return fileResponse{
		ID:          a.ID,
		Filename:    a.Filename,
		AssetType:   a.AssetType,
		ContentType: a.ContentType,
		SizeBytes:   a.SizeBytes,
		DownloadURL: d.URL,
		ExpiresIn:   d.ExpiresIn,
		ExpiresAt:   d.ExpiresAt,
	}
}

// disclosureRequest builds the broker question from the request. The bearer, when it is
// not a session, is treated as an NDA token.
func disclosureRequest(r *http.Request) disclosure.Request {
	credential, _ := auth.CredentialFromContext(r.Context())
	return disclosure.Request{
		TenantID:   tenantID(r),
		ListingID:  chi.URLParam(r, "id"),
		Principal:  principal(r),
		Token:      credential,
		ShareToken: strings.TrimSpace(r.URL.Query().Get("share")),
		IP:         clientIP(r),
		UserAgent:  r.UserAgent(),
	}
}

func (a *API) getListing(w http.ResponseWriter, r *http.Request) {
	d, err := a.Broker.Resolve(r.Context(), disclosureRequest(r))
	if err != nil || !d.Allowed {
		writeDenial(w, r, d, err)
		return
	}
	writeJSON(w, http.StatusOK, listingResponse{Listing: *d.Listing, Reason: d.Reason})
}

func (a *API) listFiles(w http.ResponseWriter, r *http.Request) {
	set, err := a.Broker.ResolveFiles(r.Context(), disclosureRequest(r))
	if err != nil || !set.Decision.Allowed {
		writeDenial(w, r, set.Decision, err)
		return
	}
	out := make([]fileResponse, 0, len(set.Files))
	for _, f := range set.Files {
		out = append(out, toFileResponse(f.Asset, f.Delivery))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getFile(w http.ResponseWriter, r *http.Request) {
	req := disclosureRequest(r)
	req.AssetID = chi.URLParam(r, "assetID")
	d, err := a.Broker.Resolve(r.Context(), req)
	if err != nil || !d.Allowed {
		writeDenial(w, r, d, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(*d.Asset, *d.Delivery))
}

func (a *API) rotateShareToken(w http.ResponseWriter, r *http.Request) {
	minted, err := a.Access.RotateShareToken(r.Context(), tenantID(r), chi.URLParam(r, "id"), meta(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"share_token": minted.Token,
		"expires_at":  minted.ExpiresAt,
	})
}
