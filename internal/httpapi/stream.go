package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"dealroom.org/internal/audit"
	"dealroom.org/internal/auth"
)

// Stream handles Server-Sent Events carrying the tenant's audit events as they are recorded.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.Events == nil {
		writeError(w, r, http.StatusServiceUnavailable, codeInternal, "streaming disabled")
		return
	}
	tenant := tenantID(r)
	if err := a.Access.Require(r.Context(), tenant, principal(r), auth.ActionViewAuditLog); err != nil {
		writeServiceError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.Events.Subscribe(ctx, func(e audit.Event) bool { return e.TenantID == tenant })

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + string(event.Type) + "\n"))
		_, _ = w.Write([]byte("id: " + event.ID + "\n"))
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
