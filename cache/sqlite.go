package cache

import (
	"database/sql"
	"fmt"
	"sync"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// SQLiteStore is a Store persisted to an SQLite database, so cached subtrees
// survive across processes. All entries are loaded on open; Put buffers
// writes and flushes them in batches, with a final flush registered at
// process exit.
type SQLiteStore struct {
	*sql.DB
	dbName string

	mu        sync.RWMutex
	entries   map[Key]Entry
	pending   []Key
	batchSize int
}

// OpenSQLiteStore opens or creates the database at path. An empty path picks
// a fresh generated filename.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "kestrel_cache_" + xid.New().String() + ".sqlite3"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db %s: %w", path, err)
	}

	s := &SQLiteStore{
		DB:        db,
		dbName:    path,
		entries:   make(map[Key]Entry),
		batchSize: 256,
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
	key INTEGER PRIMARY KEY,
	data BLOB NOT NULL
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache table: %w", err)
	}

	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}

	atexit.Register(func() { s.Flush() })

	return s, nil
}

// Path returns the database filename.
func (s *SQLiteStore) Path() string {
	return s.dbName
}

func (s *SQLiteStore) load() error {
	rows, err := s.Query(`SELECT key, data FROM entries`)
	if err != nil {
		return fmt.Errorf("load cache entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key int64
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return fmt.Errorf("scan cache entry: %w", err)
		}

		e, err := DecodeEntry(data)
		if err != nil {
			// Undecodable rows degrade to misses.
			continue
		}
		s.entries[Key(key)] = e
	}

	return rows.Err()
}

// Get returns the entry for the key, if present.
func (s *SQLiteStore) Get(k Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[k]
	return e, ok
}

// Put inserts or replaces an entry and queues it for persistence.
func (s *SQLiteStore) Put(k Key, e Entry) {
	s.mu.Lock()
	s.entries[k] = e
	s.pending = append(s.pending, k)
	flushNow := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if flushNow {
		s.Flush()
	}
}

// Len returns the number of stored entries.
func (s *SQLiteStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Flush writes all pending entries in one transaction.
func (s *SQLiteStore) Flush() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	rows := make(map[Key][]byte, len(pending))
	for _, k := range pending {
		rows[k] = s.entries[k].Encode()
	}
	s.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("flush cache: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO entries (key, data) VALUES (?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("flush cache: %w", err)
	}

	for k, data := range rows {
		if _, err := stmt.Exec(int64(k), data); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("flush cache: %w", err)
		}
	}

	stmt.Close()
	return tx.Commit()
}

// Close flushes and closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	return s.DB.Close()
}
