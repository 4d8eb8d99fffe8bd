package offlineshell

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	cachekey "github.com/offline-shell/offline-shell/pkg/cache-key"
	pushpayload "github.com/offline-shell/offline-shell/pkg/push-payload"
	serializer "github.com/offline-shell/offline-shell/pkg/response-serializer"
	"github.com/offline-shell/offline-shell/syncqueue"
)

// ControlMessage is a typed message from a hosting page.
type ControlMessage struct {
	Type string   `json:"type"`
	URLs []string `json:"urls,omitempty"`
}

// UpdateResult reports the outcome of one update-assets URL.
type UpdateResult struct {
	URL    string `json:"url"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type controlHandler func(ctx context.Context, msg ControlMessage) any

// controlHandlers builds the message dispatch table. One explicit table at
// startup instead of an implicit listener registry.
func (w *Worker) controlHandlers() map[string]controlHandler {
	return map[string]controlHandler{
		"activate-now":   w.handleActivateNow,
		"get-cache-info": w.handleGetCacheInfo,
		"clear-cache":    w.handleClearCache,
		"update-assets":  w.handleUpdateAssets,
	}
}

// HandleMessage dispatches one control message and returns the encoded
// reply, or nil for messages that expect none. Malformed messages and
// unknown types are ignored, never an error.
func (w *Worker) HandleMessage(ctx context.Context, raw json.RawMessage) json.RawMessage {
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		w.log.Debug().Err(err).Msg("Ignoring malformed control message")
		return nil
	}
	handler, ok := w.handlers[msg.Type]
	if !ok {
		w.log.Debug().Str("type", msg.Type).Msg("Ignoring unknown control message")
		return nil
	}
	reply := handler(ctx, msg)
	if reply == nil {
		return nil
	}
	data, err := json.Marshal(reply)
	if err != nil {
		w.log.Error().Err(err).Str("type", msg.Type).Msg("Could not encode control reply")
		return nil
	}
	return data
}

// handleActivateNow requests immediate activation. No reply is expected.
func (w *Worker) handleActivateNow(ctx context.Context, _ ControlMessage) any {
	if err := w.Activate(ctx); err != nil {
		w.log.Error().Err(err).Msg("Could not activate on request")
	}
	return nil
}

func (w *Worker) handleGetCacheInfo(_ context.Context, _ ControlMessage) any {
	entries := make(map[string]int)
	if namespaces, err := w.cache.Namespaces(); err == nil {
		for _, namespace := range namespaces {
			if keys, err := w.cache.Keys(namespace); err == nil {
				entries[namespace] = len(keys)
			}
		}
	}
	return map[string]any{
		"type":          "cache-info",
		"namespaceName": w.Version(),
		"version":       w.Version(),
		"entries":       entries,
	}
}

// handleClearCache deletes all namespaces unconditionally, the offline
// namespace included.
func (w *Worker) handleClearCache(_ context.Context, _ ControlMessage) any {
	success := true
	namespaces, err := w.cache.Namespaces()
	if err != nil {
		success = false
	}
	for _, namespace := range namespaces {
		if err := w.cache.DeleteNamespace(namespace); err != nil {
			w.log.Error().Err(err).Str("namespace", namespace).Msg("Could not delete namespace")
			success = false
		}
	}
	w.log.Info().Bool("success", success).Msg("Cleared cache on request")
	return map[string]any{
		"type":    "clear-cache-result",
		"success": success,
	}
}

// handleUpdateAssets re-fetches the given URLs into the current namespace.
// Each URL is attempted independently; failures are reported per URL.
func (w *Worker) handleUpdateAssets(ctx context.Context, msg ControlMessage) any {
	version := w.Version()
	results := make([]UpdateResult, 0, len(msg.URLs))
	for _, rawURL := range msg.URLs {
		if err := w.updateAsset(ctx, version, rawURL); err != nil {
			results = append(results, UpdateResult{URL: rawURL, Status: "failed", Error: err.Error()})
			continue
		}
		results = append(results, UpdateResult{URL: rawURL, Status: "updated"})
	}
	return map[string]any{
		"type":    "update-assets-result",
		"results": results,
	}
}

func (w *Worker) updateAsset(ctx context.Context, namespace, rawURL string) error {
	res, err := w.fetchURL(ctx, rawURL)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if !serializer.IsSuccess(res) {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	key, err := cachekey.FromURL(rawURL)
	if err != nil {
		return err
	}
	return w.cacheResponse(namespace, key, res)
}

// HandlePush parses a push payload with defaults and renders the resulting
// notification to all connected pages. Malformed payloads yield a fully
// defaulted notification, never an error.
func (w *Worker) HandlePush(ctx context.Context, payload []byte) pushpayload.Notification {
	notification := pushpayload.Parse(payload)
	w.log.Debug().Str("title", notification.Title).Str("tag", notification.Tag).Msg("Rendering push notification")
	if w.broadcaster != nil {
		w.broadcaster.Broadcast(ctx, map[string]any{
			"type":         "notification",
			"notification": notification,
		})
	}
	return notification
}

// HandleSync drains the pending mutation queue for a sync tag.
// Unregistered tags are ignored.
func (w *Worker) HandleSync(ctx context.Context, tag string) int {
	if w.replayer == nil {
		return 0
	}
	return w.replayer.HandleSync(ctx, tag)
}

// captureMutation queues a mutation that failed on the network and answers
// the client with a structured offline response.
func (w *Worker) captureMutation(rw http.ResponseWriter, r *http.Request, body []byte, cause error) {
	if w.queue == nil {
		w.log.Debug().Err(cause).Str("url", r.URL.String()).Msg("Mutation failed with no queue configured")
		http.Error(rw, "Could not get response", http.StatusBadGateway)
		return
	}
	item := syncqueue.Item{
		Tag:         w.syncTagFor(r.URL.Path),
		Method:      r.Method,
		URL:         r.URL.RequestURI(),
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	}
	id, err := w.queue.Enqueue(item)
	if err != nil {
		w.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not queue mutation")
		http.Error(rw, "Could not get response", http.StatusBadGateway)
		return
	}
	w.log.Info().Str("id", id).Str("tag", item.Tag).Str("url", item.URL).
		Msg("Queued mutation for deferred sync")
	res := serializer.SynthesizeJSON(http.StatusServiceUnavailable,
		fmt.Sprintf(`{"queued":true,"id":%q,"timestamp":%d}`, id, time.Now().UnixMilli()))
	res.Header.Set("Cache-Status", forwardStatus(CacheStatusFwdMethod, "sync-queue"))
	if err := send(rw, res); err != nil {
		w.log.Error().Err(err).Msg("Could not write queued response")
	}
}

// syncTagFor derives the sync tag for a mutation from its path, e.g.
// /api/posts/1 belongs to sync-posts.
func (w *Worker) syncTagFor(path string) string {
	rest := strings.TrimPrefix(path, w.classifier.APIPrefix)
	if rest == path {
		rest = strings.TrimPrefix(path, "/")
	}
	if segment, _, found := strings.Cut(rest, "/"); found || segment != "" {
		return "sync-" + segment
	}
	return "sync-default"
}
