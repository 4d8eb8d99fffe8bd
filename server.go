package offlineshell

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes mounts the dispatcher and its event surfaces on one router:
// the page event channel, push injection, sync signals, and the catch-all
// interception handler.
func (w *Worker) Routes(events http.Handler) chi.Router {
	r := chi.NewRouter()
	if events != nil {
		r.Get("/_shell/events", events.ServeHTTP)
	}
	r.Post("/_shell/push", w.servePush)
	r.Post("/_shell/sync/{tag}", w.serveSync)
	r.Handle("/*", http.Handler(w))
	return r
}

// servePush accepts a push payload, as delivered by the push service.
func (w *Worker) servePush(rw http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(rw, "Could not read payload", http.StatusBadRequest)
		return
	}
	notification := w.HandlePush(r.Context(), payload)
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(notification)
}

// serveSync signals connectivity restoration for one sync tag.
func (w *Worker) serveSync(rw http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	replayed := w.HandleSync(r.Context(), tag)
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]any{
		"tag":      tag,
		"replayed": replayed,
	})
}
