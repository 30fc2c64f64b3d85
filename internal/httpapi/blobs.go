package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"dealroom.org/internal/obs"
	"dealroom.org/internal/storage"
)

// serveBlob streams a file addressed by a URL minted by storage.HMACSigner. The signature
// is the only authorization; the disclosure decision happened when the URL was minted.
func (a *API) serveBlob(w http.ResponseWriter, r *http.Request) {
	if a.Blobs == nil || a.BlobSigner == nil {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
		return
	}
	raw, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "invalid path")
		return
	}
	p, err := storage.CleanPath(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "invalid path")
		return
	}
	wm, err := a.BlobSigner.Verify(p, r.URL.Query())
	if err != nil {
		if errors.Is(err, storage.ErrSignExpired) {
			writeError(w, r, http.StatusForbidden, codeInvalidToken, "download link expired")
			return
		}
		writeError(w, r, http.StatusForbidden, codeInvalidToken, "invalid download signature")
		return
	}
	data, err := a.Blobs.GetFileBlob(r.Context(), p)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	obs.Logger().Info("blob served",
		zap.String("path", p),
		zap.String("watermark_ip", wm.IP),
		zap.Time("watermark_ts", wm.Timestamp),
		zap.Int("bytes", len(data)),
	)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(p)+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Watermark-Email", wm.Email)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
