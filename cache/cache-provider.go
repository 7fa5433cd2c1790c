package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/glebarez/go-sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrConflict is returned by Insert when the store already holds an entry
// that violates its uniqueness constraint.
var ErrConflict = errors.New("cache entry conflicts with stored entry")

// Provider is an interface for a response cache.
// It stores and retrieves response bodies keyed by request method and path.
// Entries never expire and are never replaced.
//
// Implementations must be thread-safe!
type Provider interface {
	// Init ensures the storage schema exists.
	// It must be safe to call more than once.
	Init() error
	// Lookup returns the body stored for the given method and path, if any.
	// If there are several matching entries, the first in storage order is returned.
	Lookup(method, path string) (string, bool, error)
	// Insert stores a new entry.
	// It returns an error wrapping ErrConflict if the entry violates the store's uniqueness constraint.
	Insert(method, path, body string) error
	// Entries returns all entries in storage order.
	Entries() ([]Entry, error)
	// Close releases the underlying storage.
	Close() error
}

var (
	_ Provider = MemCache{}
	_ Provider = SQLiteCache{}
)

type Entry struct {
	ID     int64
	Method string
	Path   string
	Body   string
}

type MemCache struct {
	mutex   *sync.RWMutex
	entries *[]Entry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex:   &sync.RWMutex{},
		entries: &[]Entry{},
	}
}

func (m MemCache) Init() error {
	return nil
}

func (m MemCache) Lookup(method, path string) (string, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, entry := range *m.entries {
		if entry.Method == method && entry.Path == path {
			return entry.Body, true, nil
		}
	}
	return "", false, nil
}

func (m MemCache) Insert(method, path, body string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, entry := range *m.entries {
		if entry.Method == method && entry.Path == path {
			return fmt.Errorf("%w: %s %s", ErrConflict, method, path)
		}
	}
	*m.entries = append(*m.entries, Entry{
		ID:     int64(len(*m.entries) + 1),
		Method: method,
		Path:   path,
		Body:   body,
	})
	return nil
}

func (m MemCache) Entries() ([]Entry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := make([]Entry, len(*m.entries))
	copy(entries, *m.entries)
	return entries, nil
}

func (m MemCache) Close() error {
	return nil
}

// MemoryDSN makes NewSQLiteCache open a private in-memory database.
const MemoryDSN = "memory"

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache opens the sqlite database at dsn.
// Use MemoryDSN for a database that lives as long as the returned cache.
// The schema is not created until Init is called.
func NewSQLiteCache(dsn string) (SQLiteCache, error) {
	memory := dsn == MemoryDSN
	if memory {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("open cache db: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return SQLiteCache{}, fmt.Errorf("set journal mode: %w", err)
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Init() error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return runMigrations(s.db, webCacheMigrations)
}

func (s SQLiteCache) Lookup(method, path string) (string, bool, error) {
	var body string
	err := s.db.QueryRow("SELECT body FROM web_cache WHERE method = ? AND path = ? ORDER BY id ASC LIMIT 1", method, path).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return body, true, nil
}

func (s SQLiteCache) Insert(method, path, body string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT INTO web_cache (method, path, body) VALUES (?, ?, ?)", method, path, body)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s %s: %v", ErrConflict, method, path, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func (s SQLiteCache) Entries() ([]Entry, error) {
	entries := make([]Entry, 0)
	rows, err := s.db.Query("SELECT id, method, path, body FROM web_cache ORDER BY id ASC")
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.ID, &entry.Method, &entry.Path, &entry.Body); err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
