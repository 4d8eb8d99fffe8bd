package syncqueue

import (
	"bytes"
	"context"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
)

// Replayer drains the sync queue against the origin when a sync signal
// arrives. Replay routines are registered per tag; signals for unregistered
// tags are ignored.
type Replayer struct {
	queue  *Queue
	origin *url.URL
	client *http.Client
	log    zerolog.Logger
	tags   map[string]struct{}
}

func NewReplayer(queue *Queue, origin *url.URL, logger zerolog.Logger) *Replayer {
	return &Replayer{
		queue:  queue,
		origin: origin,
		client: &http.Client{},
		log:    logger,
		tags:   make(map[string]struct{}),
	}
}

// Register names a sync tag this replayer is willing to drain.
func (r *Replayer) Register(tags ...string) {
	for _, tag := range tags {
		r.tags[tag] = struct{}{}
	}
}

// Registered reports whether a tag has a replay routine.
func (r *Replayer) Registered(tag string) bool {
	_, ok := r.tags[tag]
	return ok
}

// HandleSync replays every queued item for the tag in FIFO order. An item is
// deleted only on a successful replay; a failed item stays queued for the
// next sync signal and does not block the items behind it. The returned
// count is the number of items successfully replayed.
func (r *Replayer) HandleSync(ctx context.Context, tag string) int {
	if !r.Registered(tag) {
		r.log.Debug().Str("tag", tag).Msg("Ignoring unknown sync tag")
		return 0
	}
	items, err := r.queue.Items(tag)
	if err != nil {
		r.log.Error().Err(err).Str("tag", tag).Msg("Could not read sync queue")
		return 0
	}
	r.log.Info().Str("tag", tag).Int("items", len(items)).Msg("Replaying queued mutations")
	replayed := 0
	for _, item := range items {
		if err := r.replay(ctx, item); err != nil {
			// keep the item queued for the next sync signal
			r.log.Warn().Err(err).Str("id", item.ID).Str("url", item.URL).
				Msg("Replay failed, keeping item queued")
			continue
		}
		if err := r.queue.Delete(item.ID); err != nil {
			r.log.Error().Err(err).Str("id", item.ID).Msg("Could not delete replayed item")
			continue
		}
		replayed++
	}
	return replayed
}

func (r *Replayer) replay(ctx context.Context, item Item) error {
	target := item.URL
	if u, err := url.Parse(item.URL); err == nil {
		target = r.origin.ResolveReference(u).String()
	}
	req, err := http.NewRequestWithContext(ctx, item.Method, target, bytes.NewReader(item.Body))
	if err != nil {
		return err
	}
	if item.ContentType != "" {
		req.Header.Set("Content-Type", item.ContentType)
	}
	res, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &ReplayError{Status: res.StatusCode}
	}
	return nil
}

// ReplayError is returned when the origin answered a replay with a
// non-success status.
type ReplayError struct {
	Status int
}

func (e *ReplayError) Error() string {
	return http.StatusText(e.Status)
}
