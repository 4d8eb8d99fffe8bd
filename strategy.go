package offlineshell

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/offline-shell/offline-shell/cache"
	cachekey "github.com/offline-shell/offline-shell/pkg/cache-key"
	serializer "github.com/offline-shell/offline-shell/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// Strategy names, used as the Cache-Status detail.
const (
	strategyNetworkFirst = "network-first"
	strategyCacheFirst   = "cache-first"
	strategySWR          = "stale-while-revalidate"
	strategyFallback     = "network-first-fallback"
)

type fetchResult struct {
	res *http.Response
	err error
}

// networkFirstTimeout races the origin fetch against a fixed timeout.
// A late fetch result is not discarded: the fetch goroutine writes a
// successful response to the cache whenever it arrives.
func (w *Worker) networkFirstTimeout(r *http.Request, logger zerolog.Logger) *http.Response {
	key, err := cachekey.FromRequest(r)
	if err != nil {
		return serializer.SynthesizeText(http.StatusMethodNotAllowed, "Method not allowed")
	}
	namespace := w.Version()

	resultCh := make(chan fetchResult, 1)
	// detached context: the fetch keeps running when the timeout wins
	go func() {
		res, err := w.fetch(context.WithoutCancel(r.Context()), r)
		if err == nil && serializer.IsSuccess(res) {
			if cacheErr := w.cacheResponse(namespace, key, res); cacheErr != nil {
				logger.Error().Err(cacheErr).Str("key", key).Msg("Could not write to cache")
			}
		}
		resultCh <- fetchResult{res, err}
	}()

	timer := time.NewTimer(w.apiTimeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		if result.err != nil {
			logger.Debug().Err(result.err).Msg("Network failed, falling back to cache")
			return w.apiFallback(namespace, key, logger)
		}
		cs := hitOrForward(result.res, strategyNetworkFirst)
		result.res.Header.Set("Cache-Status", cs)
		return result.res
	case <-timer.C:
		logger.Debug().Dur("timeout", w.apiTimeout).Msg("Network timed out, falling back to cache")
		// close the late response body once the loser settles
		go func() {
			if result := <-resultCh; result.err == nil {
				result.res.Body.Close()
			}
		}()
		return w.apiFallback(namespace, key, logger)
	}
}

// apiFallback serves the cached copy if present, or a structured offline
// error response.
func (w *Worker) apiFallback(namespace, key string, logger zerolog.Logger) *http.Response {
	if res, ok := w.cachedResponse(namespace, key); ok {
		logger.Trace().Str("key", key).Msg("Cache hit and serving")
		res.Header.Set("Cache-Status", hitStatus(strategyNetworkFirst))
		return res
	}
	body := fmt.Sprintf(`{"error":"You are offline","timestamp":%d}`, time.Now().UnixMilli())
	res := serializer.SynthesizeJSON(http.StatusServiceUnavailable, body)
	res.Header.Set("Cache-Status", forwardStatus(CacheStatusFwdMiss, strategyNetworkFirst))
	return res
}

// cacheFirstRevalidate serves from cache immediately, refreshing the entry in
// the background. On a miss it fetches in the foreground; if even that fails,
// the fallback image from the offline namespace is served.
func (w *Worker) cacheFirstRevalidate(r *http.Request, logger zerolog.Logger) *http.Response {
	key, err := cachekey.FromRequest(r)
	if err != nil {
		return serializer.SynthesizeText(http.StatusMethodNotAllowed, "Method not allowed")
	}
	namespace := w.Version()

	if res, ok := w.cachedResponse(namespace, key); ok {
		logger.Trace().Str("key", key).Msg("Cache hit and serving")
		go w.refresh(r.Clone(context.WithoutCancel(r.Context())), namespace, key, logger)
		res.Header.Set("Cache-Status", hitStatus(strategyCacheFirst))
		return res
	}

	res, err := w.fetch(r.Context(), r)
	if err == nil {
		if serializer.IsSuccess(res) {
			if cacheErr := w.cacheResponse(namespace, key, res); cacheErr != nil {
				logger.Error().Err(cacheErr).Str("key", key).Msg("Could not write to cache")
			}
		}
		res.Header.Set("Cache-Status", forwardStatus(CacheStatusFwdMiss, strategyCacheFirst))
		return res
	}

	logger.Debug().Err(err).Msg("Image fetch failed, serving fallback image")
	fallbackKey := cachekey.Normalize(w.fallbackImage)
	if res, ok := w.cachedResponse(cache.OfflineNamespace, fallbackKey); ok {
		res.Header.Set("Cache-Status", hitStatus(strategyCacheFirst))
		return res
	}
	fallback := serializer.SynthesizeText(http.StatusServiceUnavailable, "Image unavailable offline")
	fallback.Header.Set("Cache-Status", forwardStatus(CacheStatusFwdMiss, strategyCacheFirst))
	return fallback
}

// staleWhileRevalidate serves the stale cached copy while the fetch updates
// the cache in the background. Without a cached copy the fetch is awaited,
// and its failure terminates in the outer synthesized fallback.
func (w *Worker) staleWhileRevalidate(r *http.Request, logger zerolog.Logger) *http.Response {
	key, err := cachekey.FromRequest(r)
	if err != nil {
		return serializer.SynthesizeText(http.StatusMethodNotAllowed, "Method not allowed")
	}
	namespace := w.Version()

	if res, ok := w.cachedResponse(namespace, key); ok {
		logger.Trace().Str("key", key).Msg("Serving stale and revalidating")
		go w.refresh(r.Clone(context.WithoutCancel(r.Context())), namespace, key, logger)
		res.Header.Set("Cache-Status", hitStatus(strategySWR))
		return res
	}

	res, err := w.fetch(r.Context(), r)
	if err != nil {
		logger.Debug().Err(err).Msg("Asset fetch failed with empty cache")
		fallback := serializer.SynthesizeText(http.StatusServiceUnavailable, "Service unavailable")
		fallback.Header.Set("Cache-Status", forwardStatus(CacheStatusFwdMiss, strategySWR))
		return fallback
	}
	if serializer.IsSuccess(res) {
		if cacheErr := w.cacheResponse(namespace, key, res); cacheErr != nil {
			logger.Error().Err(cacheErr).Str("key", key).Msg("Could not write to cache")
		}
	}
	res.Header.Set("Cache-Status", forwardStatus(CacheStatusFwdMiss, strategySWR))
	return res
}

// networkFirstFallback fetches in the foreground, falling back to the cached
// copy, then to the offline page (HTML) or a synthesized timeout (default).
func (w *Worker) networkFirstFallback(r *http.Request, class PolicyClass, logger zerolog.Logger) *http.Response {
	key, err := cachekey.FromRequest(r)
	if err != nil {
		return serializer.SynthesizeText(http.StatusMethodNotAllowed, "Method not allowed")
	}
	namespace := w.Version()

	res, err := w.fetch(r.Context(), r)
	if err == nil {
		if serializer.IsSuccess(res) {
			if cacheErr := w.cacheResponse(namespace, key, res); cacheErr != nil {
				logger.Error().Err(cacheErr).Str("key", key).Msg("Could not write to cache")
			}
		}
		cs := hitOrForward(res, strategyFallback)
		res.Header.Set("Cache-Status", cs)
		return res
	}

	logger.Debug().Err(err).Msg("Network failed, falling back to cache")
	if res, ok := w.cachedResponse(namespace, key); ok {
		logger.Trace().Str("key", key).Msg("Cache hit and serving")
		res.Header.Set("Cache-Status", hitStatus(strategyFallback))
		return res
	}

	if class == ClassHTML {
		pageKey := cachekey.Normalize(w.offlinePage)
		if res, ok := w.cachedResponse(cache.OfflineNamespace, pageKey); ok {
			logger.Trace().Msg("Serving offline page")
			res.Header.Set("Cache-Status", hitStatus(strategyFallback))
			return res
		}
		fallback := serializer.Synthesize(http.StatusServiceUnavailable,
			"text/html; charset=utf-8", []byte("<!doctype html><title>Offline</title><h1>You are offline</h1>"))
		fallback.Header.Set("Cache-Status", forwardStatus(CacheStatusFwdMiss, strategyFallback))
		return fallback
	}

	fallback := serializer.SynthesizeText(http.StatusRequestTimeout, "Request timed out: you appear to be offline")
	fallback.Header.Set("Cache-Status", forwardStatus(CacheStatusFwdMiss, strategyFallback))
	return fallback
}

// refresh re-fetches a cached resource and updates the entry on success.
// Failures never reach the response path, they are only logged.
func (w *Worker) refresh(r *http.Request, namespace, key string, logger zerolog.Logger) {
	res, err := w.fetch(r.Context(), r)
	if err != nil {
		logger.Debug().Err(err).Str("key", key).Msg("Background refresh failed")
		return
	}
	defer res.Body.Close()
	if !serializer.IsSuccess(res) {
		logger.Debug().Int("http-status", res.StatusCode).Str("key", key).Msg("Non-cacheable refresh response")
		return
	}
	if err := w.cacheResponse(namespace, key, res); err != nil {
		logger.Debug().Err(err).Str("key", key).Msg("Could not write refreshed entry")
	}
}

// hitOrForward renders the status for a response served from the network:
// fwd=request when it was stored, fwd=miss when it was not cacheable.
func hitOrForward(res *http.Response, strategy string) string {
	if serializer.IsSuccess(res) {
		return forwardStatus(CacheStatusFwdRequest, strategy)
	}
	return forwardStatus(CacheStatusFwdMiss, strategy)
}
