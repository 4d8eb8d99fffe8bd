package offlineshell

import (
	"context"
	"fmt"

	"github.com/offline-shell/offline-shell/cache"
	cachekey "github.com/offline-shell/offline-shell/pkg/cache-key"
	serializer "github.com/offline-shell/offline-shell/pkg/response-serializer"
)

// LifecycleState is the activation state of a dispatcher instance.
// Transitions are one-way: installing, installed, active, redundant.
type LifecycleState string

const (
	StateInstalling LifecycleState = "installing"
	StateInstalled  LifecycleState = "installed"
	StateActive     LifecycleState = "active"
	StateRedundant  LifecycleState = "redundant"
)

// State returns the current lifecycle state.
func (w *Worker) State() LifecycleState {
	w.stateMutex.RLock()
	defer w.stateMutex.RUnlock()
	return w.state
}

func (w *Worker) setState(state LifecycleState) {
	w.stateMutex.Lock()
	defer w.stateMutex.Unlock()
	w.state = state
}

// Install pre-warms the version namespace from the precache manifest and the
// durable offline namespace from the offline assets. Any single fetch
// failure aborts the install and discards the partially populated namespace;
// the previously active version keeps serving.
func (w *Worker) Install(ctx context.Context) error {
	w.stateMutex.RLock()
	version := w.version
	manifest := append([]string(nil), w.precache...)
	w.stateMutex.RUnlock()

	w.log.Info().Int("manifest", len(manifest)).Msg("Installing")
	w.setState(StateInstalling)

	offlineAssets := []string{w.offlinePage, w.fallbackImage}
	for _, rawURL := range offlineAssets {
		if err := w.precacheURL(ctx, cache.OfflineNamespace, rawURL); err != nil {
			w.setState(StateRedundant)
			return fmt.Errorf("precache offline asset %s: %w", rawURL, err)
		}
	}
	for _, rawURL := range manifest {
		if err := w.precacheURL(ctx, version, rawURL); err != nil {
			// discard the partially populated namespace
			w.cache.DeleteNamespace(version)
			w.setState(StateRedundant)
			return fmt.Errorf("precache %s: %w", rawURL, err)
		}
	}
	w.setState(StateInstalled)
	w.log.Info().Msg("Installed, skipping waiting")
	return nil
}

// Activate evicts every namespace other than the current version and the
// offline namespace, takes control immediately, and notifies connected pages.
func (w *Worker) Activate(ctx context.Context) error {
	version := w.Version()
	namespaces, err := w.cache.Namespaces()
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}
	for _, namespace := range namespaces {
		if namespace == version || namespace == cache.OfflineNamespace {
			continue
		}
		w.log.Debug().Str("namespace", namespace).Msg("Evicting stale namespace")
		if err := w.cache.DeleteNamespace(namespace); err != nil {
			return fmt.Errorf("evict namespace %s: %w", namespace, err)
		}
	}
	w.setState(StateActive)
	w.log.Info().Msg("Activated and claimed clients")
	if w.broadcaster != nil {
		w.broadcaster.Broadcast(ctx, map[string]string{
			"type":    "activated",
			"version": version,
		})
	}
	return nil
}

// TransitionTo installs a new version namespace and activates it, replacing
// the current version. The running instance adopts the new identity; a
// failed install leaves the current version untouched and serving.
func (w *Worker) TransitionTo(ctx context.Context, version string, precache []string) error {
	w.stateMutex.Lock()
	previousVersion := w.version
	previousPrecache := w.precache
	if version == previousVersion {
		w.stateMutex.Unlock()
		return nil
	}
	w.version = version
	w.precache = precache
	w.stateMutex.Unlock()

	w.log.Info().Str("new-version", version).Msg("Version transition")

	if err := w.Install(ctx); err != nil {
		// roll the identity back so the old version keeps serving
		w.stateMutex.Lock()
		w.version = previousVersion
		w.precache = previousPrecache
		w.state = StateActive
		w.stateMutex.Unlock()
		return err
	}
	return w.Activate(ctx)
}

// precacheURL fetches a manifest URL from the origin and stores it verbatim.
// Only a 2xx response counts as a successful precache.
func (w *Worker) precacheURL(ctx context.Context, namespace, rawURL string) error {
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
