package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dealroom.org/internal/audit"
)

// parseAuditFilter reads listing_id, event_type, from, to, after and limit.
func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		TenantID:  tenantID(r),
		ListingID: strings.TrimSpace(q.Get("listing_id")),
		After:     strings.TrimSpace(q.Get("after")),
	}
	if t := strings.TrimSpace(q.Get("event_type")); t != "" {
		f.Type = audit.EventType(t)
		if !f.Type.Known() {
			return audit.Filter{}, fmt.Errorf("unknown event_type %q", t)
		}
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := strings.TrimSpace(q.Get(p.name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("%s must be an RFC3339 timestamp", p.name)
		}
		*p.dst = t
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			return audit.Filter{}, fmt.Errorf("limit must be between 1 and 500")
		}
		f.Limit = n
	}
	return f, nil
}

func (a *API) listAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	page, err := a.Access.QueryAudit(r.Context(), f, principal(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
