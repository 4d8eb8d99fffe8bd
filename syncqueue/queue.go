package syncqueue

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// Item is a mutation that failed while offline, queued for replay.
// An item is deleted only after its replay got a successful response.
type Item struct {
	ID          string
	Tag         string
	Method      string
	URL         string
	ContentType string
	Body        []byte
	EnqueuedAt  time.Time
}

// Queue is a durable FIFO queue of pending sync items, persisted in sqlite.
//
// Safe for concurrent use.
type Queue struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewQueue opens (and if needed creates) the queue database.
// If the file name is empty, a new in-memory db is opened.
func NewQueue(filename string) (*Queue, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sync queue db: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS sync_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tag TEXT NOT NULL,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		content_type TEXT,
		body BLOB,
		enqueued_at INTEGER NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("init sync queue db: %w", err)
	}
	return &Queue{db: db, writeMutex: &sync.Mutex{}}, nil
}

// Enqueue appends an item to the queue and returns its assigned id.
func (q *Queue) Enqueue(item Item) (string, error) {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	_, err := q.db.Exec(`INSERT INTO sync_queue
		(id, tag, method, url, content_type, body, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Tag, item.Method, item.URL,
		item.ContentType, item.Body, item.EnqueuedAt.Unix())
	if err != nil {
		return "", fmt.Errorf("enqueue sync item: %w", err)
	}
	return item.ID, nil
}

// Items returns the queued items for a tag in FIFO order.
func (q *Queue) Items(tag string) ([]Item, error) {
	rows, err := q.db.Query(`SELECT id, tag, method, url, content_type, body, enqueued_at
		FROM sync_queue WHERE tag = ? ORDER BY seq ASC`, tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var item Item
		var enqueuedAt int64
		if err := rows.Scan(&item.ID, &item.Tag, &item.Method, &item.URL,
			&item.ContentType, &item.Body, &enqueuedAt); err != nil {
			return items, err
		}
		item.EnqueuedAt = time.Unix(enqueuedAt, 0)
		items = append(items, item)
	}
	return items, rows.Err()
}

// Delete removes the item with the given id.
func (q *Queue) Delete(id string) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.Exec("DELETE FROM sync_queue WHERE id = ?", id)
	return err
}

// Len returns the number of items queued under a tag.
func (q *Queue) Len(tag string) (int, error) {
	var count int
	err := q.db.QueryRow("SELECT COUNT(*) FROM sync_queue WHERE tag = ?", tag).Scan(&count)
	return count, err
}
