package offlineshell

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/offline-shell/offline-shell/cache"
	serializer "github.com/offline-shell/offline-shell/pkg/response-serializer"
	"github.com/offline-shell/offline-shell/syncqueue"

	"github.com/rs/zerolog"
)

const defaultAPITimeout = 5 * time.Second

// Broadcaster delivers a message to every connected page. The client hub
// implements it; a nil Broadcaster in the config disables delivery.
type Broadcaster interface {
	Broadcast(ctx context.Context, message any)
}

type Config struct {
	// Storage for cache entries.
	Cache cache.CacheProvider
	// URL of the origin server.
	OriginURL url.URL
	// App version string; doubles as the current cache namespace name.
	Version string
	// URLs warmed into the version namespace at install time.
	// Install fails if any of them cannot be fetched.
	Precache []string
	// URL of the offline fallback document, stored durably.
	OfflinePage string
	// URL of the fallback image, stored durably.
	FallbackImage string
	// Timeout for the network-first API strategy. Defaults to 5 seconds.
	APITimeout time.Duration
	// Request classification rules. Zero value uses DefaultClassifier.
	Classifier Classifier
	// Queue for mutations captured while the origin is unreachable.
	// If nil, failed mutations are not captured.
	Queue *syncqueue.Queue
	// Sync tags with a registered replay routine.
	SyncTags []string
	// Broadcaster for page-facing events. May be nil.
	Broadcaster Broadcaster
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Worker is the cache-strategy dispatcher. It intercepts every request,
// classifies it, and serves it with the caching strategy of its class.
// It implements http.Handler.
type Worker struct {
	cache         cache.CacheProvider
	originURL     *url.URL
	classifier    Classifier
	apiTimeout    time.Duration
	precache      []string
	offlinePage   string
	fallbackImage string
	queue         *syncqueue.Queue
	replayer      *syncqueue.Replayer
	broadcaster   Broadcaster
	client        http.Client
	log           zerolog.Logger

	stateMutex sync.RWMutex
	version    string
	state      LifecycleState

	handlers map[string]controlHandler
}

// CreateWorker initializes a dispatcher instance. The instance starts in the
// installing state; call Install and Activate (or Start) before serving.
func CreateWorker(config Config) *Worker {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Str("version", config.Version).
		Logger()

	if config.APITimeout == 0 {
		config.APITimeout = defaultAPITimeout
	}
	if (config.Classifier == Classifier{}) {
		config.Classifier = DefaultClassifier()
	}
	if config.OfflinePage == "" {
		config.OfflinePage = "/offline.html"
	}
	if config.FallbackImage == "" {
		config.FallbackImage = "/images/fallback.png"
	}

	originURL := config.OriginURL
	w := &Worker{
		cache:         config.Cache,
		originURL:     &originURL,
		classifier:    config.Classifier,
		apiTimeout:    config.APITimeout,
		precache:      config.Precache,
		offlinePage:   config.OfflinePage,
		fallbackImage: config.FallbackImage,
		queue:         config.Queue,
		broadcaster:   config.Broadcaster,
		log:           logger,
		version:       config.Version,
		state:         StateInstalling,
		client: http.Client{
			// do not follow redirects, they are passed through as-is
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	if config.Queue != nil {
		w.replayer = syncqueue.NewReplayer(config.Queue, &originURL, logger)
		w.replayer.Register(config.SyncTags...)
	}
	w.handlers = w.controlHandlers()
	return w
}

// Start runs install followed by immediate activation (skip-waiting).
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	return w.Activate(ctx)
}

// Version returns the app version, which names the current cache namespace.
func (w *Worker) Version() string {
	w.stateMutex.RLock()
	defer w.stateMutex.RUnlock()
	return w.version
}

// ServeHTTP implements the http.Handler interface.
// It is the interception point for every request.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	class, intercept := w.classifier.Classify(r.Method, r.URL.Path, r.Header.Get("Accept"))
	if !intercept {
		w.bypass(rw, r)
		return
	}
	res := w.dispatch(r, class)
	if err := send(rw, res); err != nil {
		w.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not write response to client")
	}
}

// dispatch routes a classified request to its strategy executor.
// Every failure path terminates in a synthesized response.
func (w *Worker) dispatch(r *http.Request, class PolicyClass) *http.Response {
	logger := w.log.With().Str("class", string(class)).Str("url", r.URL.RequestURI()).Logger()
	switch class {
	case ClassAPI:
		return w.networkFirstTimeout(r, logger)
	case ClassImage:
		return w.cacheFirstRevalidate(r, logger)
	case ClassAsset:
		return w.staleWhileRevalidate(r, logger)
	default:
		return w.networkFirstFallback(r, class, logger)
	}
}

// fetch requests the resource from the origin, rewriting the request to the
// origin host. The upstream proxy headers are stripped like in any
// well-behaved intermediary.
func (w *Worker) fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, w.originURL.String()+r.URL.RequestURI(), r.Body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	req.Host = w.originURL.Host
	return w.client.Do(req)
}

// fetchURL fetches a raw URL (precache manifest entry, update-assets target)
// from the origin.
func (w *Worker) fetchURL(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	target := w.originURL.ResolveReference(u).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return w.client.Do(req)
}

// bypass pipes a non-intercepted request straight through to the origin.
// A mutation that fails on the network is captured into the sync queue for
// deferred replay, and answered with a structured offline response.
func (w *Worker) bypass(rw http.ResponseWriter, r *http.Request) {
	var body []byte
	if w.queue != nil && r.Body != nil {
		// buffer the body so it can be queued if the fetch fails
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(rw, "Could not read request", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	res, err := w.fetch(r.Context(), r)
	if err != nil {
		w.captureMutation(rw, r, body, err)
		return
	}
	res.Header.Set("Cache-Status", forwardStatus(CacheStatusFwdMethod, "bypass"))
	if err := send(rw, res); err != nil {
		w.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not write bypass response")
	}
}

// cacheResponse stores a response in the given namespace, leaving the
// response body readable afterwards.
func (w *Worker) cacheResponse(namespace, key string, res *http.Response) error {
	bts, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: res,
		StoredAt: time.Now(),
	})
	if err != nil {
		return err
	}
	return w.cache.Put(namespace, key, bts)
}

// cachedResponse loads a stored response. A store failure or a corrupted
// entry is treated as a cache miss; corrupted entries are purged.
func (w *Worker) cachedResponse(namespace, key string) (*http.Response, bool) {
	bts, ok, err := w.cache.Get(namespace, key)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	sRes, err := serializer.BytesToStoredResponse(bts)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Corrupted cache entry, purging")
		w.cache.Purge(namespace, key)
		return nil, false
	}
	return sRes.Response, true
}

func send(rw http.ResponseWriter, res *http.Response) error {
	defer res.Body.Close()
	copyHeader(rw.Header(), res.Header)
	rw.WriteHeader(res.StatusCode)
	_, err := io.Copy(rw, res.Body)
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// some servers do not like the presence of these headers
		// in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
