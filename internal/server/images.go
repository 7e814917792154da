package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/engine"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/imagestore"
)

// registerImages streams stored versions. Keys start with the task id, so
// visibility follows the task.
func registerImages(r chi.Router, basePath string, e engine.Engine) {
	r.Get(path.Join(basePath, "images")+"/*", func(w http.ResponseWriter, req *http.Request) {
		key := strings.TrimLeft(chi.URLParam(req, "*"), "/")
		taskID, _, ok := strings.Cut(key, "/")
		if !ok || taskID == "" || e.Images == nil {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "not found", nil))
			return
		}
		ctx := req.Context()
		if _, err := e.GetTask(ctx, principalFromContext(ctx).viewer(), taskID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		keys, err := e.Repo.ListTaskImages(ctx, taskID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if !slices.Contains(keys, key) {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "not found", nil))
			return
		}
		rc, err := e.Images.Open(ctx, key)
		if errors.Is(err, imagestore.ErrNotFound) {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "not found", nil))
			return
		}
		if err != nil {
			e.Log.Error().Err(err).Str("image", key).Msg("open image")
			respondStatusError(w, handleError(err))
			return
		}
		defer rc.Close()
		if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.Header().Set("Cache-Control", "private, max-age=86400, immutable")
		if _, err := io.Copy(w, rc); err != nil {
			e.Log.Debug().Err(err).Str("image", key).Msg("stream image")
		}
	})
}
