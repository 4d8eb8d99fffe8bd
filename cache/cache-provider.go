package cache

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// OfflineNamespace is the durable namespace holding the offline fallback
// assets. It is never evicted by version rotation.
const OfflineNamespace = "offline"

// CacheProvider is a namespaced key-value store for serialized HTTP
// responses. One namespace exists per app version, plus the durable
// OfflineNamespace. Put and Get are atomic per key; that is the only
// synchronization the dispatcher relies on.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Get returns the stored bytes for the given key, if they exist.
	Get(namespace, key string) ([]byte, bool, error)
	// Put stores the given bytes under the given key, overwriting any
	// previous value (last writer wins).
	Put(namespace, key string, bytes []byte) error
	// Purge removes the entry for the given key, if present.
	Purge(namespace, key string)
	// Has checks if the specified key exists in the namespace.
	Has(namespace, key string) bool
	// Keys returns all keys stored in a namespace.
	Keys(namespace string) ([]string, error)
	// Namespaces returns the names of all non-empty namespaces.
	Namespaces() ([]string, error)
	// DeleteNamespace removes a namespace and every entry in it.
	DeleteNamespace(namespace string) error
}

type memCacheEntry struct {
	storedAt time.Time
	bytes    []byte
}

// MemCache is an in-memory CacheProvider guarded by a mutex. It doubles as
// the test provider and as a usable provider for ephemeral gateways.
type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]map[string]memCacheEntry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string]memCacheEntry),
	}
}

func (m MemCache) Get(namespace, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[namespace][key]
	if !ok {
		return nil, false, nil
	}
	return entry.bytes, true, nil
}

func (m MemCache) Put(namespace, key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	ns, ok := m.db[namespace]
	if !ok {
		ns = make(map[string]memCacheEntry)
		m.db[namespace] = ns
	}
	ns[key] = memCacheEntry{storedAt: time.Now(), bytes: bytes}
	return nil
}

func (m MemCache) Purge(namespace, key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db[namespace], key)
}

func (m MemCache) Has(namespace, key string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.db[namespace][key]
	return ok
}

func (m MemCache) Keys(namespace string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, 0, len(m.db[namespace]))
	for key := range m.db[namespace] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m MemCache) Namespaces() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	namespaces := make([]string, 0, len(m.db))
	for namespace, entries := range m.db {
		if len(entries) > 0 {
			namespaces = append(namespaces, namespace)
		}
	}
	sort.Strings(namespaces)
	return namespaces, nil
}

func (m MemCache) DeleteNamespace(namespace string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, namespace)
	return nil
}

// SQLiteCache is a CacheProvider persisted in a single sqlite database.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("open cache db: %w", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (namespace, key)
		)`,
		"CREATE INDEX IF NOT EXISTS namespace_idx ON cache (namespace)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return SQLiteCache{}, fmt.Errorf("init cache db: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Get(namespace, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow(
		"SELECT bytes FROM cache WHERE namespace = ? AND key = ?",
		namespace, key,
	).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteCache) Put(namespace, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO cache (namespace, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		namespace, key, time.Now().Unix(), bytes)
	return err
}

func (s SQLiteCache) Purge(namespace, key string) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	s.db.Exec("DELETE FROM cache WHERE namespace = ? AND key = ?", namespace, key)
}

func (s SQLiteCache) Has(namespace, key string) bool {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM cache WHERE namespace = ? AND key = ?",
		namespace, key,
	).Scan(&one)
	return err == nil
}

func (s SQLiteCache) Keys(namespace string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT key FROM cache WHERE namespace = ? ORDER BY key", namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s SQLiteCache) Namespaces() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT namespace FROM cache ORDER BY namespace")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var namespaces []string
	for rows.Next() {
		var namespace string
		if err := rows.Scan(&namespace); err != nil {
			return namespaces, err
		}
		namespaces = append(namespaces, namespace)
	}
	return namespaces, rows.Err()
}

func (s SQLiteCache) DeleteNamespace(namespace string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE namespace = ?", namespace)
	return err
}
