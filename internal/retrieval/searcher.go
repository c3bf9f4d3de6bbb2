package retrieval

import (
	"context"
	"fmt"
	"time"
)

// Embedder generates embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Query describes one similarity search call.
type Query struct {
	Text      string
	Subreddit string
	Threshold float32
	Limit     int

	// Seen holds post ids returned by earlier calls in the same logical
	// session. Posts in Seen are never returned again.
	Seen []string
}

// Searcher combines query embedding and the similarity index.
type Searcher struct {
	embedder Embedder
	index    *Index
}

// NewSearcher creates a Searcher backed by the given Embedder and Index.
func NewSearcher(embedder Embedder, index *Index) *Searcher {
	return &Searcher{embedder: embedder, index: index}
}

// Search embeds q.Text and returns the most similar unseen posts.
func (s *Searcher) Search(ctx context.Context, q Query) ([]ScoredPost, error) {
	vec, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	exclude := make(map[string]bool, len(q.Seen))
	for _, id := range q.Seen {
		exclude[id] = true
	}

	return s.index.Search(vec, SearchOptions{
		Subreddit: q.Subreddit,
		Threshold: q.Threshold,
		Limit:     q.Limit,
		Exclude:   exclude,
	})
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
