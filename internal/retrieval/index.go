package retrieval

import (
	"container/heap"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/idlephase/prospector/internal/storage"
)

// ErrInvalidVector is returned when a query vector's dimensionality does not
// match the vectors held by the index.
var ErrInvalidVector = errors.New("query vector dimensionality mismatch")

// ScoredPost is a stored post with its cosine similarity to a query.
type ScoredPost struct {
	storage.Post
	Similarity float32
}

// SearchOptions narrow a similarity search.
type SearchOptions struct {
	// Subreddit restricts results to one subreddit (case-insensitive).
	// Empty means no restriction.
	Subreddit string

	// Threshold excludes results with similarity <= Threshold.
	Threshold float32

	// Limit caps the number of results. Values <= 0 default to 10.
	Limit int

	// Exclude holds post ids the caller has already seen. Callers grow this
	// set across calls to paginate without repeats; the index keeps no
	// session state of its own.
	Exclude map[string]bool
}

// Index ranks stored posts against a query embedding using brute-force
// cosine similarity over the SQLite post corpus. Results are ordered by
// similarity descending; equal similarities break by post id ascending so
// that repeated queries paginate deterministically.
type Index struct {
	db *sql.DB
}

// NewIndex wraps an existing post database for similarity search.
func NewIndex(db *sql.DB) *Index {
	return &Index{db: db}
}

// idScore holds only the id and score during the scan phase of Search.
// Full post rows are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Search returns at most opts.Limit posts whose similarity to vector exceeds
// opts.Threshold, best first. An empty result is not an error. Fails with
// ErrInvalidVector if vector's length differs from the stored embeddings.
func (ix *Index) Search(vector []float32, opts SearchOptions) ([]ScoredPost, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	queryNorm := norm(vector)

	// Phase 1: scan only id + embedding to find top-K candidates.
	query := `SELECT id, embedding FROM posts WHERE embedding IS NOT NULL`
	var args []any
	if opts.Subreddit != "" {
		query += ` AND subreddit = ? COLLATE NOCASE`
		args = append(args, opts.Subreddit)
	}

	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	h := &candidateHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if opts.Exclude[id] {
			continue
		}

		buf, err = storage.DecodeEmbeddingInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if len(buf) != len(vector) {
			return nil, fmt.Errorf("%w: query has %d dimensions, index has %d",
				ErrInvalidVector, len(vector), len(buf))
		}

		score := cosineSimilarity(vector, buf, queryNorm)
		if score <= opts.Threshold {
			continue
		}

		cand := idScore{ID: id, Score: score}
		if h.Len() < limit {
			heap.Push(h, cand)
		} else if betterThan(cand, (*h)[0]) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full rows only for the top-K ids.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	queryArgs := make([]any, len(topIDs))
	for i, id := range topIDs {
		queryArgs[i] = id
	}
	fullQuery := `SELECT id, subreddit, title, body, score, num_comments, permalink, created_utc, embedding, analysis, stored_at
		FROM posts WHERE id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := ix.db.Query(fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K posts: %w", err)
	}
	defer fullRows.Close()

	posts, err := collectScoredPosts(fullRows, scores)
	if err != nil {
		return nil, err
	}

	// The IN query doesn't preserve order; restore score-desc, id-asc.
	sortScored(posts)
	return posts, nil
}

func collectScoredPosts(rows *sql.Rows, scores map[string]float32) ([]ScoredPost, error) {
	var results []ScoredPost
	for rows.Next() {
		var p storage.Post
		var createdUTC, storedAt string
		var blob []byte
		if err := rows.Scan(&p.ID, &p.Subreddit, &p.Title, &p.Body, &p.Score, &p.NumComments,
			&p.Permalink, &createdUTC, &blob, &p.Analysis, &storedAt); err != nil {
			return nil, fmt.Errorf("scanning full post: %w", err)
		}
		vec, err := storage.DecodeEmbedding(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", p.ID, err)
		}
		p.Embedding = vec
		if p.CreatedUTC, err = parseRFC3339(createdUTC); err != nil {
			return nil, fmt.Errorf("parsing created_utc for %s: %w", p.ID, err)
		}
		if t, err := parseRFC3339(storedAt); err == nil {
			p.StoredAt = t
		}
		results = append(results, ScoredPost{Post: p, Similarity: scores[p.ID]})
	}
	return results, rows.Err()
}

// betterThan reports whether a ranks strictly ahead of b: higher similarity
// wins, equal similarity breaks by id ascending.
func betterThan(a, b idScore) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// sortScored sorts posts by similarity descending, id ascending. Used for
// small slices (topK).
func sortScored(posts []ScoredPost) {
	for i := 1; i < len(posts); i++ {
		for j := i; j > 0 && scoredLess(posts[j-1], posts[j]); j-- {
			posts[j], posts[j-1] = posts[j-1], posts[j]
		}
	}
}

func scoredLess(a, b ScoredPost) bool {
	return betterThan(idScore{ID: b.ID, Score: b.Similarity}, idScore{ID: a.ID, Score: a.Similarity})
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosineSimilarity computes dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func cosineSimilarity(a, b []float32, aNorm float32) float32 {
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	denom := float64(aNorm) * math.Sqrt(bNormSq)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

// candidateHeap is a min-heap of idScore where the root is the worst kept
// candidate under score-desc/id-asc ordering.
type candidateHeap []idScore

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return betterThan(h[j], h[i]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
