package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Post is a stored Reddit post with its embedding and optional analysis.
type Post struct {
	ID          string
	Subreddit   string
	Title       string
	Body        string
	Score       int
	NumComments int
	Permalink   string
	CreatedUTC  time.Time
	Embedding   []float32
	Analysis    string
	StoredAt    time.Time
}

// SearchHistory records the last fetch for a (subreddit, timeframe) pair.
// Used to decide whether a timeframe analysis can reuse cached posts.
type SearchHistory struct {
	Subreddit      string
	Timeframe      string
	LastSearchTime time.Time
	LastPostTime   time.Time
}
