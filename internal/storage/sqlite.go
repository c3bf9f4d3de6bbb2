package storage

import (
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for posts and search history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "prospector.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database handle for the similarity index.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Posts ---

const postColumns = `id, subreddit, title, body, score, num_comments, permalink, created_utc, embedding, analysis, stored_at`

// SavePost inserts a post, or replaces it if the id already exists.
// The embedding is stored as a little-endian float32 blob.
func (s *Store) SavePost(p Post) error {
	storedAt := p.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	var blob []byte
	if len(p.Embedding) > 0 {
		blob = EncodeEmbedding(p.Embedding)
	}
	_, err := s.db.Exec(`
		INSERT INTO posts (`+postColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			score = excluded.score,
			num_comments = excluded.num_comments,
			embedding = COALESCE(excluded.embedding, posts.embedding)`,
		p.ID, p.Subreddit, p.Title, p.Body, p.Score, p.NumComments, p.Permalink,
		p.CreatedUTC.UTC().Format(time.RFC3339), blob, p.Analysis,
		storedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving post %s: %w", p.ID, err)
	}
	return nil
}

// GetPost returns a single post by id, or ErrNotFound.
func (s *Store) GetPost(id string) (Post, error) {
	row := s.db.QueryRow(`SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, fmt.Errorf("getting post %s: %w", id, err)
	}
	return p, nil
}

// HasPost reports whether a post with the given id exists.
func (s *Store) HasPost(id string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM posts WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListAnalyzedPosts returns posts in a subreddit with non-empty analysis
// created at or after since, newest first.
func (s *Store) ListAnalyzedPosts(subreddit string, since time.Time) ([]Post, error) {
	rows, err := s.db.Query(`
		SELECT `+postColumns+` FROM posts
		WHERE subreddit = ? COLLATE NOCASE AND analysis != '' AND created_utc >= ?
		ORDER BY created_utc DESC`,
		subreddit, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("listing analyzed posts: %w", err)
	}
	defer rows.Close()
	return collectPosts(rows)
}

// UpdatePostAnalysis attaches analysis text to a stored post.
func (s *Store) UpdatePostAnalysis(id, analysis string) error {
	res, err := s.db.Exec(`UPDATE posts SET analysis = ? WHERE id = ?`, analysis, id)
	if err != nil {
		return fmt.Errorf("updating analysis for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPosts returns the number of stored posts.
func (s *Store) CountPosts() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM posts").Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (Post, error) {
	var p Post
	var createdUTC, storedAt string
	var blob []byte
	if err := row.Scan(&p.ID, &p.Subreddit, &p.Title, &p.Body, &p.Score, &p.NumComments,
		&p.Permalink, &createdUTC, &blob, &p.Analysis, &storedAt); err != nil {
		return Post{}, err
	}
	if len(blob) > 0 {
		vec, err := DecodeEmbedding(blob)
		if err != nil {
			return Post{}, fmt.Errorf("decoding embedding for %s: %w", p.ID, err)
		}
		p.Embedding = vec
	}
	t, err := time.Parse(time.RFC3339, createdUTC)
	if err != nil {
		return Post{}, fmt.Errorf("parsing created_utc for %s: %w", p.ID, err)
	}
	p.CreatedUTC = t
	if t, err := time.Parse(time.RFC3339, storedAt); err == nil {
		p.StoredAt = t
	}
	return p, nil
}

func collectPosts(rows *sql.Rows) ([]Post, error) {
	var posts []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// --- Search history ---

// GetLastSearch returns the search history row for (subreddit, timeframe),
// or ErrNotFound if no fetch has been recorded yet.
func (s *Store) GetLastSearch(subreddit, timeframe string) (SearchHistory, error) {
	var h SearchHistory
	var searchTime, postTime string
	err := s.db.QueryRow(`
		SELECT subreddit, timeframe, last_search_time, last_post_time
		FROM search_history WHERE subreddit = ? COLLATE NOCASE AND timeframe = ?`,
		subreddit, timeframe,
	).Scan(&h.Subreddit, &h.Timeframe, &searchTime, &postTime)
	if err == sql.ErrNoRows {
		return SearchHistory{}, ErrNotFound
	}
	if err != nil {
		return SearchHistory{}, fmt.Errorf("getting search history: %w", err)
	}
	if h.LastSearchTime, err = time.Parse(time.RFC3339, searchTime); err != nil {
		return SearchHistory{}, fmt.Errorf("parsing last_search_time: %w", err)
	}
	if h.LastPostTime, err = time.Parse(time.RFC3339, postTime); err != nil {
		return SearchHistory{}, fmt.Errorf("parsing last_post_time: %w", err)
	}
	return h, nil
}

// UpsertSearchHistory records (or refreshes) the last fetch for a
// (subreddit, timeframe) pair.
func (s *Store) UpsertSearchHistory(h SearchHistory) error {
	_, err := s.db.Exec(`
		INSERT INTO search_history (subreddit, timeframe, last_search_time, last_post_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subreddit, timeframe) DO UPDATE SET
			last_search_time = excluded.last_search_time,
			last_post_time = excluded.last_post_time`,
		h.Subreddit, h.Timeframe,
		h.LastSearchTime.UTC().Format(time.RFC3339),
		h.LastPostTime.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting search history: %w", err)
	}
	return nil
}

// --- Embedding codec ---

// EncodeEmbedding serializes a float32 vector to little-endian bytes.
func EncodeEmbedding(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeEmbedding deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func DecodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// DecodeEmbeddingInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func DecodeEmbeddingInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}
