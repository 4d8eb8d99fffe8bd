package offlineshell

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/offline-shell/offline-shell/cache"
	serializer "github.com/offline-shell/offline-shell/pkg/response-serializer"

	"github.com/rs/zerolog"
)

func newTestWorker(t *testing.T, handler http.Handler, configure func(*Config)) *Worker {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	originURL, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	logger := zerolog.Nop()
	config := Config{
		Cache:      cache.NewMemCache(),
		OriginURL:  *originURL,
		Version:    "v1",
		APITimeout: 250 * time.Millisecond,
		Logger:     &logger,
	}
	if configure != nil {
		configure(&config)
	}
	return CreateWorker(config)
}

// seed stores a synthesized response in the cache under the given namespace.
func seed(t *testing.T, w *Worker, namespace, key, contentType, body string) {
	t.Helper()
	res := serializer.Synthesize(http.StatusOK, contentType, []byte(body))
	if err := w.cacheResponse(namespace, key, res); err != nil {
		t.Fatal(err)
	}
}

func cachedBody(t *testing.T, w *Worker, namespace, key string) (string, bool) {
	t.Helper()
	res, ok := w.cachedResponse(namespace, key)
	if !ok {
		return "", false
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body), true
}

// waitForCache polls until the cache entry for key has the wanted body.
func waitForCache(t *testing.T, w *Worker, namespace, key, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if body, ok := cachedBody(t, w, namespace, key); ok && body == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("cache entry %s never became %q", key, want)
}

func get(w *Worker, path, accept string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, req)
	return rr
}

func TestAPIRequestServedFromNetworkAndCached(t *testing.T) {
	handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{"id":1}`))
	})
	w := newTestWorker(t, handler, nil)

	rr := get(w, "/api/widgets", "")

	if body := rr.Body.String(); body != `{"id":1}` {
		t.Fatalf("Body is %s", body)
	}
	if body, ok := cachedBody(t, w, "v1", "/api/widgets"); !ok || body != `{"id":1}` {
		t.Fatalf("Cache entry is %q (present: %v)", body, ok)
	}
}

func TestAPITimeoutWithEmptyCacheSynthesizesOffline(t *testing.T) {
	release := make(chan struct{})
	handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		<-release
		rw.Write([]byte(`{"id":1}`))
	})
	w := newTestWorker(t, handler, nil)
	defer close(release)

	rr := get(w, "/api/widgets", "")

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", rr.Code)
	}
	if body := rr.Body.String(); !strings.Contains(body, `"error":"You are offline"`) {
		t.Fatalf("Body is %s", body)
	}
}

func TestAPILateNetworkResultStillUpdatesCache(t *testing.T) {
	release := make(chan struct{})
	handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		<-release
		rw.Write([]byte(`{"id":2}`))
	})
	w := newTestWorker(t, handler, nil)

	rr := get(w, "/api/widgets", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", rr.Code)
	}

	// let the loser finish; its result must still be applied to the cache
	close(release)
	waitForCache(t, w, "v1", "/api/widgets", `{"id":2}`)
}

func TestAPIFallsBackToCacheOnNetworkFailure(t *testing.T) {
	w := newTestWorker(t, http.NotFoundHandler(), nil)
	seed(t, w, "v1", "/api/widgets", "application/json", `{"id":1}`)
	// make the origin unreachable
	w.originURL, _ = url.Parse("http://127.0.0.1:0")

	rr := get(w, "/api/widgets", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	if body := rr.Body.String(); body != `{"id":1}` {
		t.Fatalf("Body is %s", body)
	}
}

func TestAPINon2xxReturnedUncached(t *testing.T) {
	handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "not found", http.StatusNotFound)
	})
	w := newTestWorker(t, handler, nil)

	rr := get(w, "/api/widgets", "")

	if rr.Code != http.StatusNotFound {
		t.Fatalf("Status is %d", rr.Code)
	}
	if w.cache.Has("v1", "/api/widgets") {
		t.Fatal("Non-2xx response was cached")
	}
}

func TestImageServedFromCacheWithBackgroundRefresh(t *testing.T) {
	handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "image/png")
		rw.Write([]byte("fresh-image"))
	})
	w := newTestWorker(t, handler, nil)
	seed(t, w, "v1", "/images/logo.png", "image/png", "stale-image")

	rr := get(w, "/images/logo.png", "")

	// the response is exactly the cached entry
	if body := rr.Body.String(); body != "stale-image" {
		t.Fatalf("Body is %s", body)
	}
	// and a background fetch refreshes the entry
	waitForCache(t, w, "v1", "/images/logo.png", "fresh-image")
}

func TestImageMissFetchesForeground(t *testing.T) {
	handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "image/png")
		rw.Write([]byte("fresh-image"))
	})
	w := newTestWorker(t, handler, nil)

	rr := get(w, "/images/logo.png", "")

	if body := rr.Body.String(); body != "fresh-image" {
		t.Fatalf("Body is %s", body)
	}
	if body, ok := cachedBody(t, w, "v1", "/images/logo.png"); !ok || body != "fresh-image" {
		t.Fatalf("Cache entry is %q (present: %v)", body, ok)
	}
}

func TestImageFailureServesFallbackImage(t *testing.T) {
	w := newTestWorker(t, http.NotFoundHandler(), nil)
	seed(t, w, cache.OfflineNamespace, "/images/fallback.png", "image/png", "fallback-pixels")
	w.originURL, _ = url.Parse("http://127.0.0.1:0")

	rr := get(w, "/images/logo.png", "")

	if body := rr.Body.String(); body != "fallback-pixels" {
		t.Fatalf("Body is %s", body)
	}
}

func TestAssetServedStaleWhileRevalidating(t *testing.T) {
	handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Write([]byte("fresh-bundle"))
	})
	w := newTestWorker(t, handler, nil)
	seed(t, w, "v1", "/assets/app.js", "text/javascript", "stale-bundle")

	rr := get(w, "/assets/app.js", "")

	// stale cached value wins the response, fresh value wins the cache
	if body := rr.Body.String(); body != "stale-bundle" {
		t.Fatalf("Body is %s", body)
	}
	waitForCache(t, w, "v1", "/assets/app.js", "fresh-bundle")
}

func TestAssetMissAwaitsNetwork(t *testing.T) {
	handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Write([]byte("fresh-bundle"))
	})
	w := newTestWorker(t, handler, nil)

	rr := get(w, "/assets/app.js", "")

	if body := rr.Body.String(); body != "fresh-bundle" {
		t.Fatalf("Body is %s", body)
	}
}

func TestAssetMissAndNetworkFailure(t *testing.T) {
	w := newTestWorker(t, http.NotFoundHandler(), nil)
	w.originURL, _ = url.Parse("http://127.0.0.1:0")

	rr := get(w, "/assets/app.js", "")

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestHTMLFailureServesOfflinePage(t *testing.T) {
	w := newTestWorker(t, http.NotFoundHandler(), nil)
	seed(t, w, cache.OfflineNamespace, "/offline.html", "text/html", "<h1>offline</h1>")
	w.originURL, _ = url.Parse("http://127.0.0.1:0")

	rr := get(w, "/about", "text/html")

	if body := rr.Body.String(); body != "<h1>offline</h1>" {
		t.Fatalf("Body is %s", body)
	}
}

func TestHTMLFailurePrefersCachedCopyOverOfflinePage(t *testing.T) {
	w := newTestWorker(t, http.NotFoundHandler(), nil)
	seed(t, w, "v1", "/about", "text/html", "<h1>about</h1>")
	seed(t, w, cache.OfflineNamespace, "/offline.html", "text/html", "<h1>offline</h1>")
	w.originURL, _ = url.Parse("http://127.0.0.1:0")

	rr := get(w, "/about", "text/html")

	if body := rr.Body.String(); body != "<h1>about</h1>" {
		t.Fatalf("Body is %s", body)
	}
}

func TestDefaultFailureSynthesizes408(t *testing.T) {
	w := newTestWorker(t, http.NotFoundHandler(), nil)
	w.originURL, _ = url.Parse("http://127.0.0.1:0")

	rr := get(w, "/manifest.json", "application/json")

	if rr.Code != http.StatusRequestTimeout {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestNonGetBypassesCache(t *testing.T) {
	var gotMethod string
	handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		fmt.Fprint(rw, "created")
	})
	w := newTestWorker(t, handler, nil)

	req := httptest.NewRequest("POST", "/api/widgets", strings.NewReader(`{"name":"x"}`))
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, req)

	if gotMethod != "POST" {
		t.Fatalf("Origin saw method %q", gotMethod)
	}
	if body := rr.Body.String(); body != "created" {
		t.Fatalf("Body is %s", body)
	}
	if w.cache.Has("v1", "/api/widgets") {
		t.Fatal("Mutation response was cached")
	}
}

func TestResponsesCarryCacheStatus(t *testing.T) {
	handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Write([]byte("ok"))
	})
	w := newTestWorker(t, handler, nil)

	rr := get(w, "/api/widgets", "")

	if cs := rr.Header().Get("Cache-Status"); !strings.HasPrefix(cs, "Offline-Shell; ") {
		t.Fatalf("Cache-Status header is %q", cs)
	}
}

func TestConcurrentRequestsAreSafe(t *testing.T) {
	handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Write([]byte(r.URL.Path))
	})
	w := newTestWorker(t, handler, nil)
	seed(t, w, "v1", "/assets/app.js", "text/javascript", "stale")

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			switch i % 3 {
			case 0:
				get(w, "/api/widgets", "")
			case 1:
				get(w, "/assets/app.js", "")
			default:
				get(w, fmt.Sprintf("/page-%d", i), "text/html")
			}
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}
}
