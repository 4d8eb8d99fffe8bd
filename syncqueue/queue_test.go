package syncqueue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	queue, err := NewQueue(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	return queue
}

func TestEnqueueAssignsIDAndKeepsFIFOOrder(t *testing.T) {
	queue := newTestQueue(t)

	first, err := queue.Enqueue(Item{Tag: "sync-posts", Method: "POST", URL: "/api/posts", Body: []byte("1")})
	require.NoError(t, err)
	require.NotEmpty(t, first)
	_, err = queue.Enqueue(Item{Tag: "sync-posts", Method: "POST", URL: "/api/posts", Body: []byte("2")})
	require.NoError(t, err)

	items, err := queue.Items("sync-posts")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "1", string(items[0].Body))
	assert.Equal(t, "2", string(items[1].Body))
	assert.Equal(t, first, items[0].ID)
}

func TestDeleteRemovesOneItem(t *testing.T) {
	queue := newTestQueue(t)
	id, err := queue.Enqueue(Item{Tag: "sync-posts", Method: "POST", URL: "/api/posts"})
	require.NoError(t, err)
	_, err = queue.Enqueue(Item{Tag: "sync-posts", Method: "POST", URL: "/api/posts"})
	require.NoError(t, err)

	require.NoError(t, queue.Delete(id))

	count, err := queue.Len("sync-posts")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestItemsAreScopedByTag(t *testing.T) {
	queue := newTestQueue(t)
	_, err := queue.Enqueue(Item{Tag: "sync-posts", Method: "POST", URL: "/api/posts"})
	require.NoError(t, err)
	_, err = queue.Enqueue(Item{Tag: "sync-settings", Method: "PUT", URL: "/api/settings"})
	require.NoError(t, err)

	items, err := queue.Items("sync-posts")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "/api/posts", items[0].URL)
}

func newTestReplayer(t *testing.T, queue *Queue, handler http.Handler) *Replayer {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	origin, err := url.Parse(server.URL)
	require.NoError(t, err)
	return NewReplayer(queue, origin, zerolog.Nop())
}

func TestReplaySuccessDeletesItems(t *testing.T) {
	var seen []string
	handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		rw.WriteHeader(http.StatusCreated)
	})
	queue := newTestQueue(t)
	replayer := newTestReplayer(t, queue, handler)
	replayer.Register("sync-posts")

	_, err := queue.Enqueue(Item{Tag: "sync-posts", Method: "POST", URL: "/api/posts", Body: []byte(`{"a":1}`)})
	require.NoError(t, err)
	_, err = queue.Enqueue(Item{Tag: "sync-posts", Method: "POST", URL: "/api/posts", Body: []byte(`{"a":2}`)})
	require.NoError(t, err)

	replayed := replayer.HandleSync(context.Background(), "sync-posts")

	assert.Equal(t, 2, replayed)
	assert.Equal(t, []string{"POST /api/posts", "POST /api/posts"}, seen)
	count, err := queue.Len("sync-posts")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReplayFailureKeepsItemWithoutBlockingOthers(t *testing.T) {
	handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/broken" {
			rw.WriteHeader(http.StatusInternalServerError)
			return
		}
		rw.WriteHeader(http.StatusOK)
	})
	queue := newTestQueue(t)
	replayer := newTestReplayer(t, queue, handler)
	replayer.Register("sync-posts")

	_, err := queue.Enqueue(Item{Tag: "sync-posts", Method: "POST", URL: "/api/broken"})
	require.NoError(t, err)
	_, err = queue.Enqueue(Item{Tag: "sync-posts", Method: "POST", URL: "/api/posts"})
	require.NoError(t, err)

	replayed := replayer.HandleSync(context.Background(), "sync-posts")

	// the broken item stays queued, the one behind it still went through
	assert.Equal(t, 1, replayed)
	items, err := queue.Items("sync-posts")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "/api/broken", items[0].URL)
}

func TestUnregisteredTagIgnored(t *testing.T) {
	queue := newTestQueue(t)
	replayer := newTestReplayer(t, queue, http.NotFoundHandler())

	_, err := queue.Enqueue(Item{Tag: "sync-mystery", Method: "POST", URL: "/api/things"})
	require.NoError(t, err)

	assert.Zero(t, replayer.HandleSync(context.Background(), "sync-mystery"))
	count, err := queue.Len("sync-mystery")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
