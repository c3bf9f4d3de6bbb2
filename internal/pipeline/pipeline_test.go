package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/idlephase/prospector/internal/reddit"
	"github.com/idlephase/prospector/internal/retrieval"
	"github.com/idlephase/prospector/internal/storage"
	"github.com/idlephase/prospector/internal/task"
)

type mockFetcher struct {
	fetchByTimeframeFn func(ctx context.Context, subreddit, timeframe string, size int) ([]reddit.Post, error)
	fetchHotFn         func(ctx context.Context, subreddit string, limit int) ([]reddit.Post, error)
	fetchCommentsFn    func(ctx context.Context, postID string, limit int) ([]string, error)
}

func (m *mockFetcher) FetchByTimeframe(ctx context.Context, subreddit, timeframe string, size int) ([]reddit.Post, error) {
	return m.fetchByTimeframeFn(ctx, subreddit, timeframe, size)
}

func (m *mockFetcher) FetchHot(ctx context.Context, subreddit string, limit int) ([]reddit.Post, error) {
	if m.fetchHotFn == nil {
		return nil, nil
	}
	return m.fetchHotFn(ctx, subreddit, limit)
}

func (m *mockFetcher) FetchComments(ctx context.Context, postID string, limit int) ([]string, error) {
	if m.fetchCommentsFn == nil {
		return nil, nil
	}
	return m.fetchCommentsFn(ctx, postID, limit)
}

type mockAnalyzer struct {
	analyzeFn func(ctx context.Context, title, body string, comments []string) (string, error)
}

func (m *mockAnalyzer) Analyze(ctx context.Context, title, body string, comments []string) (string, error) {
	return m.analyzeFn(ctx, title, body, comments)
}

type mockEmbedder struct {
	embedBatchFn func(ctx context.Context, texts []string) ([][]float32, error)
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.embedBatchFn == nil {
		vecs := make([][]float32, len(texts))
		for i := range vecs {
			vecs[i] = []float32{1, 0}
		}
		return vecs, nil
	}
	return m.embedBatchFn(ctx, texts)
}

type mockSearcher struct {
	searchFn func(ctx context.Context, q retrieval.Query) ([]retrieval.ScoredPost, error)
}

func (m *mockSearcher) Search(ctx context.Context, q retrieval.Query) ([]retrieval.ScoredPost, error) {
	return m.searchFn(ctx, q)
}

// memStore is an in-memory PostStore.
type memStore struct {
	mu      sync.Mutex
	posts   map[string]storage.Post
	history map[string]storage.SearchHistory
}

func newMemStore() *memStore {
	return &memStore{
		posts:   make(map[string]storage.Post),
		history: make(map[string]storage.SearchHistory),
	}
}

func (m *memStore) SavePost(p storage.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[p.ID] = p
	return nil
}

func (m *memStore) HasPost(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.posts[id]
	return ok, nil
}

func (m *memStore) ListAnalyzedPosts(subreddit string, since time.Time) ([]storage.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Post
	for _, p := range m.posts {
		if p.Subreddit == subreddit && p.Analysis != "" && !p.CreatedUTC.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) UpdatePostAnalysis(id, analysis string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return storage.ErrNotFound
	}
	p.Analysis = analysis
	m.posts[id] = p
	return nil
}

func (m *memStore) GetLastSearch(subreddit, timeframe string) (storage.SearchHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[subreddit+"/"+timeframe]
	if !ok {
		return storage.SearchHistory{}, storage.ErrNotFound
	}
	return h, nil
}

func (m *memStore) UpsertSearchHistory(h storage.SearchHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[h.Subreddit+"/"+h.Timeframe] = h
	return nil
}

func redditPost(id string, score int) reddit.Post {
	return reddit.Post{
		ID:         id,
		Subreddit:  "startups",
		Title:      "post " + id,
		Body:       "body " + id,
		Score:      score,
		CreatedUTC: time.Now().UTC().Add(-time.Hour),
	}
}

func newTestPipeline(registry *task.Registry, fetcher Fetcher, analyzer Analyzer, searcher Searcher, store PostStore) *Pipeline {
	if analyzer == nil {
		analyzer = &mockAnalyzer{analyzeFn: func(context.Context, string, string, []string) (string, error) {
			return "analysis", nil
		}}
	}
	if searcher == nil {
		searcher = &mockSearcher{searchFn: func(context.Context, retrieval.Query) ([]retrieval.ScoredPost, error) {
			return nil, nil
		}}
	}
	if store == nil {
		store = newMemStore()
	}
	return New(registry, fetcher, analyzer, &mockEmbedder{}, searcher, store, 10)
}

func TestRunTimeframeSuccess(t *testing.T) {
	registry := task.NewRegistry(0)
	fetcher := &mockFetcher{
		fetchByTimeframeFn: func(context.Context, string, string, int) ([]reddit.Post, error) {
			return []reddit.Post{redditPost("low", 5), redditPost("high", 50), redditPost("mid", 20)}, nil
		},
	}
	p := newTestPipeline(registry, fetcher, nil, nil, nil)

	params := task.Params{Subreddit: "startups", Timeframe: "week"}
	id, token := registry.Create(params)
	p.Run(context.Background(), id, params, token)

	snap, err := registry.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Status != task.StatusSuccess {
		t.Fatalf("status = %s, want %s (err=%q)", snap.Status, task.StatusSuccess, snap.Err)
	}
	if len(snap.Result) != 3 {
		t.Fatalf("got %d results, want 3", len(snap.Result))
	}
	wantOrder := []string{"high", "mid", "low"}
	for i, want := range wantOrder {
		if snap.Result[i].ID != want {
			t.Errorf("result[%d] = %s, want %s", i, snap.Result[i].ID, want)
		}
		if snap.Result[i].Analysis != "analysis" {
			t.Errorf("result[%d] missing analysis", i)
		}
	}
}

func TestRunMinScoreFilter(t *testing.T) {
	registry := task.NewRegistry(0)
	fetcher := &mockFetcher{
		fetchByTimeframeFn: func(context.Context, string, string, int) ([]reddit.Post, error) {
			return []reddit.Post{redditPost("keep", 50), redditPost("drop", 2)}, nil
		},
	}
	p := newTestPipeline(registry, fetcher, nil, nil, nil)

	params := task.Params{Subreddit: "startups", Timeframe: "week", MinScore: 10}
	id, token := registry.Create(params)
	p.Run(context.Background(), id, params, token)

	snap, _ := registry.Get(id)
	if len(snap.Result) != 1 || snap.Result[0].ID != "keep" {
		t.Errorf("result = %v, want only the high-score post", snap.Result)
	}
}

func TestRunFetchFailure(t *testing.T) {
	registry := task.NewRegistry(0)
	fetcher := &mockFetcher{
		fetchByTimeframeFn: func(context.Context, string, string, int) ([]reddit.Post, error) {
			return nil, errors.New("reddit is down")
		},
	}
	p := newTestPipeline(registry, fetcher, nil, nil, nil)

	params := task.Params{Subreddit: "startups", Timeframe: "week"}
	id, token := registry.Create(params)
	p.Run(context.Background(), id, params, token)

	snap, _ := registry.Get(id)
	if snap.Status != task.StatusError {
		t.Fatalf("status = %s, want %s", snap.Status, task.StatusError)
	}
	if snap.Err == "" {
		t.Error("error detail missing")
	}
	if snap.Result != nil {
		t.Errorf("errored task carries result: %v", snap.Result)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	registry := task.NewRegistry(0)
	fetcher := &mockFetcher{
		fetchByTimeframeFn: func(context.Context, string, string, int) ([]reddit.Post, error) {
			t.Error("fetch should not run for a cancelled task")
			return nil, nil
		},
	}
	p := newTestPipeline(registry, fetcher, nil, nil, nil)

	params := task.Params{Subreddit: "startups", Timeframe: "week"}
	id, token := registry.Create(params)
	registry.Cancel(id)

	p.Run(context.Background(), id, params, token)

	snap, _ := registry.Get(id)
	if snap.Status != task.StatusCancelled {
		t.Errorf("status = %s, want %s", snap.Status, task.StatusCancelled)
	}
}

func TestRunCancelBetweenPosts(t *testing.T) {
	registry := task.NewRegistry(0)
	fetcher := &mockFetcher{
		fetchByTimeframeFn: func(context.Context, string, string, int) ([]reddit.Post, error) {
			return []reddit.Post{redditPost("a", 30), redditPost("b", 20), redditPost("c", 10)}, nil
		},
	}

	params := task.Params{Subreddit: "startups", Timeframe: "week"}
	var id string
	var calls int
	analyzer := &mockAnalyzer{analyzeFn: func(context.Context, string, string, []string) (string, error) {
		calls++
		// Cancellation arrives while the first analysis call is in flight.
		if calls == 1 {
			registry.Cancel(id)
		}
		return "analysis", nil
	}}
	p := newTestPipeline(registry, fetcher, analyzer, nil, nil)

	var token *task.CancelToken
	id, token = registry.Create(params)
	p.Run(context.Background(), id, params, token)

	if calls != 1 {
		t.Errorf("analyzer called %d times, want 1 (stop at the next checkpoint)", calls)
	}
	snap, _ := registry.Get(id)
	if snap.Status != task.StatusCancelled {
		t.Errorf("status = %s, want %s", snap.Status, task.StatusCancelled)
	}
	if snap.Result != nil {
		t.Errorf("cancelled task carries result: %v", snap.Result)
	}
}

func TestRunCancelRaceAfterLastPost(t *testing.T) {
	registry := task.NewRegistry(0)
	fetcher := &mockFetcher{
		fetchByTimeframeFn: func(context.Context, string, string, int) ([]reddit.Post, error) {
			return []reddit.Post{redditPost("only", 10)}, nil
		},
	}

	params := task.Params{Subreddit: "startups", Timeframe: "week"}
	var id string
	analyzer := &mockAnalyzer{analyzeFn: func(context.Context, string, string, []string) (string, error) {
		// Cancel lands after the final checkpoint; it must still win.
		registry.Cancel(id)
		return "analysis", nil
	}}
	p := newTestPipeline(registry, fetcher, analyzer, nil, nil)

	var token *task.CancelToken
	id, token = registry.Create(params)
	p.Run(context.Background(), id, params, token)

	snap, _ := registry.Get(id)
	if snap.Status != task.StatusCancelled {
		t.Errorf("status = %s, want %s", snap.Status, task.StatusCancelled)
	}
	if snap.Result != nil {
		t.Errorf("cancelled task carries result: %v", snap.Result)
	}
}

func TestRunToleratesPerPostAnalysisFailure(t *testing.T) {
	registry := task.NewRegistry(0)
	fetcher := &mockFetcher{
		fetchByTimeframeFn: func(context.Context, string, string, int) ([]reddit.Post, error) {
			return []reddit.Post{redditPost("good", 30), redditPost("bad", 20)}, nil
		},
	}
	analyzer := &mockAnalyzer{analyzeFn: func(_ context.Context, title, _ string, _ []string) (string, error) {
		if title == "post bad" {
			return "", errors.New("model overloaded")
		}
		return "useful analysis", nil
	}}
	p := newTestPipeline(registry, fetcher, analyzer, nil, nil)

	params := task.Params{Subreddit: "startups", Timeframe: "week"}
	id, token := registry.Create(params)
	p.Run(context.Background(), id, params, token)

	snap, _ := registry.Get(id)
	if snap.Status != task.StatusSuccess {
		t.Fatalf("status = %s, want %s", snap.Status, task.StatusSuccess)
	}
	if len(snap.Result) != 2 {
		t.Fatalf("got %d results, want 2", len(snap.Result))
	}
	if snap.Result[0].Analysis != "useful analysis" {
		t.Errorf("good post analysis = %q", snap.Result[0].Analysis)
	}
	if snap.Result[1].Analysis != "" {
		t.Errorf("failed post should carry empty analysis, got %q", snap.Result[1].Analysis)
	}
}

func TestRunFeedsTopCommentsToAnalyzer(t *testing.T) {
	registry := task.NewRegistry(0)
	fetcher := &mockFetcher{
		fetchByTimeframeFn: func(context.Context, string, string, int) ([]reddit.Post, error) {
			return []reddit.Post{redditPost("a", 10)}, nil
		},
		fetchCommentsFn: func(_ context.Context, postID string, limit int) ([]string, error) {
			if postID != "a" {
				t.Errorf("comments fetched for %q", postID)
			}
			if limit != commentLimit {
				t.Errorf("comment limit = %d, want %d", limit, commentLimit)
			}
			return []string{"me too", "tried everything"}, nil
		},
	}
	var gotComments []string
	analyzer := &mockAnalyzer{analyzeFn: func(_ context.Context, _, _ string, comments []string) (string, error) {
		gotComments = comments
		return "analysis", nil
	}}
	p := newTestPipeline(registry, fetcher, analyzer, nil, nil)

	params := task.Params{Subreddit: "startups", Timeframe: "week"}
	id, token := registry.Create(params)
	p.Run(context.Background(), id, params, token)

	snap, _ := registry.Get(id)
	if snap.Status != task.StatusSuccess {
		t.Fatalf("status = %s (err=%q)", snap.Status, snap.Err)
	}
	if len(gotComments) != 2 || gotComments[0] != "me too" {
		t.Errorf("analyzer comments = %v", gotComments)
	}
}

func TestRunToleratesCommentFetchFailure(t *testing.T) {
	registry := task.NewRegistry(0)
	fetcher := &mockFetcher{
		fetchByTimeframeFn: func(context.Context, string, string, int) ([]reddit.Post, error) {
			return []reddit.Post{redditPost("a", 10)}, nil
		},
		fetchCommentsFn: func(context.Context, string, int) ([]string, error) {
			return nil, errors.New("comments endpoint down")
		},
	}
	analyzer := &mockAnalyzer{analyzeFn: func(_ context.Context, _, _ string, comments []string) (string, error) {
		if comments != nil {
			t.Errorf("comments = %v, want none after fetch failure", comments)
		}
		return "post-only analysis", nil
	}}
	p := newTestPipeline(registry, fetcher, analyzer, nil, nil)

	params := task.Params{Subreddit: "startups", Timeframe: "week"}
	id, token := registry.Create(params)
	p.Run(context.Background(), id, params, token)

	snap, _ := registry.Get(id)
	if snap.Status != task.StatusSuccess {
		t.Fatalf("status = %s (err=%q)", snap.Status, snap.Err)
	}
	if len(snap.Result) != 1 || snap.Result[0].Analysis != "post-only analysis" {
		t.Errorf("result = %v, want the post analyzed without comments", snap.Result)
	}
}

func TestRunUsesFreshCacheWithoutFetching(t *testing.T) {
	registry := task.NewRegistry(0)
	store := newMemStore()
	store.SavePost(storage.Post{
		ID:         "cached",
		Subreddit:  "startups",
		Title:      "cached post",
		Score:      10,
		CreatedUTC: time.Now().UTC().Add(-2 * time.Hour),
		Analysis:   "already analyzed",
	})
	store.UpsertSearchHistory(storage.SearchHistory{
		Subreddit:      "startups",
		Timeframe:      "week",
		LastSearchTime: time.Now().UTC().Add(-time.Hour),
	})

	fetcher := &mockFetcher{
		fetchByTimeframeFn: func(context.Context, string, string, int) ([]reddit.Post, error) {
			t.Error("fetch must not run while the cache is fresh")
			return nil, nil
		},
	}
	analyzer := &mockAnalyzer{analyzeFn: func(context.Context, string, string, []string) (string, error) {
		t.Error("cached analysis must be reused")
		return "", nil
	}}
	p := newTestPipeline(registry, fetcher, analyzer, nil, store)

	params := task.Params{Subreddit: "startups", Timeframe: "week"}
	id, token := registry.Create(params)
	p.Run(context.Background(), id, params, token)

	snap, _ := registry.Get(id)
	if snap.Status != task.StatusSuccess {
		t.Fatalf("status = %s (err=%q), want %s", snap.Status, snap.Err, task.StatusSuccess)
	}
	if len(snap.Result) != 1 || snap.Result[0].Analysis != "already analyzed" {
		t.Errorf("result = %v, want the cached analyzed post", snap.Result)
	}
}

func TestRunQueryModeRanksAndForwardsSeen(t *testing.T) {
	registry := task.NewRegistry(0)
	fetcher := &mockFetcher{
		fetchHotFn: func(context.Context, string, int) ([]reddit.Post, error) {
			return nil, nil
		},
	}
	var gotQuery retrieval.Query
	searcher := &mockSearcher{searchFn: func(_ context.Context, q retrieval.Query) ([]retrieval.ScoredPost, error) {
		gotQuery = q
		return []retrieval.ScoredPost{
			{Post: storage.Post{ID: "best", Title: "t", CreatedUTC: time.Now()}, Similarity: 0.95},
			{Post: storage.Post{ID: "good", Title: "t", CreatedUTC: time.Now()}, Similarity: 0.8},
		}, nil
	}}
	p := newTestPipeline(registry, fetcher, nil, searcher, nil)

	params := task.Params{
		Subreddit: "startups",
		Query:     "billing pain",
		Threshold: 0.7,
		Limit:     5,
		Seen:      []string{"old1", "old2"},
	}
	id, token := registry.Create(params)
	p.Run(context.Background(), id, params, token)

	if gotQuery.Text != "billing pain" || gotQuery.Threshold != 0.7 || gotQuery.Limit != 5 {
		t.Errorf("searcher query = %+v", gotQuery)
	}
	if len(gotQuery.Seen) != 2 {
		t.Errorf("seen ids not forwarded: %v", gotQuery.Seen)
	}

	snap, _ := registry.Get(id)
	if snap.Status != task.StatusSuccess {
		t.Fatalf("status = %s (err=%q)", snap.Status, snap.Err)
	}
	if len(snap.Result) != 2 || snap.Result[0].ID != "best" {
		t.Fatalf("result = %v", snap.Result)
	}
	if snap.Result[0].Similarity != 0.95 {
		t.Errorf("similarity not carried: %f", snap.Result[0].Similarity)
	}
}

func TestRefreshCorpusEmbedsOnlyUnseenPosts(t *testing.T) {
	store := newMemStore()
	store.SavePost(storage.Post{ID: "known", Subreddit: "startups"})

	fetcher := &mockFetcher{
		fetchHotFn: func(context.Context, string, int) ([]reddit.Post, error) {
			return []reddit.Post{redditPost("known", 1), redditPost("new", 2)}, nil
		},
	}
	var embedded []string
	embedder := &mockEmbedder{embedBatchFn: func(_ context.Context, texts []string) ([][]float32, error) {
		embedded = texts
		vecs := make([][]float32, len(texts))
		for i := range vecs {
			vecs[i] = []float32{1, 0}
		}
		return vecs, nil
	}}

	p := New(task.NewRegistry(0), fetcher, &mockAnalyzer{analyzeFn: func(context.Context, string, string, []string) (string, error) { return "", nil }},
		embedder, &mockSearcher{searchFn: func(context.Context, retrieval.Query) ([]retrieval.ScoredPost, error) { return nil, nil }},
		store, 10)

	if err := p.RefreshCorpus(context.Background(), "startups"); err != nil {
		t.Fatalf("RefreshCorpus: %v", err)
	}

	if len(embedded) != 1 || embedded[0] != "post new\nbody new" {
		t.Errorf("embedded texts = %v, want only the unseen post", embedded)
	}
	saved := store.posts["new"]
	if len(saved.Embedding) == 0 {
		t.Error("new post saved without embedding")
	}
}

func TestRefreshCorpusFailsWhenEmbeddingFails(t *testing.T) {
	fetcher := &mockFetcher{
		fetchHotFn: func(context.Context, string, int) ([]reddit.Post, error) {
			return []reddit.Post{redditPost("a", 1)}, nil
		},
	}
	embedder := &mockEmbedder{embedBatchFn: func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("embedding service down")
	}}

	p := New(task.NewRegistry(0), fetcher, &mockAnalyzer{analyzeFn: func(context.Context, string, string, []string) (string, error) { return "", nil }},
		embedder, &mockSearcher{searchFn: func(context.Context, retrieval.Query) ([]retrieval.ScoredPost, error) { return nil, nil }},
		newMemStore(), 10)

	if err := p.RefreshCorpus(context.Background(), "startups"); err == nil {
		t.Error("RefreshCorpus should fail when the embedding batch fails")
	}
}

func TestSearchAndAnalyzeReusesStoredAnalysis(t *testing.T) {
	fetcher := &mockFetcher{fetchHotFn: func(context.Context, string, int) ([]reddit.Post, error) { return nil, nil }}
	searcher := &mockSearcher{searchFn: func(context.Context, retrieval.Query) ([]retrieval.ScoredPost, error) {
		return []retrieval.ScoredPost{
			{Post: storage.Post{ID: "done", Analysis: "cached analysis", CreatedUTC: time.Now()}, Similarity: 0.9},
			{Post: storage.Post{ID: "todo", CreatedUTC: time.Now()}, Similarity: 0.8},
		}, nil
	}}
	store := newMemStore()
	store.SavePost(storage.Post{ID: "todo"})

	var analyzed int
	analyzer := &mockAnalyzer{analyzeFn: func(context.Context, string, string, []string) (string, error) {
		analyzed++
		return "fresh analysis", nil
	}}
	p := New(task.NewRegistry(0), fetcher, analyzer, &mockEmbedder{}, searcher, store, 10)

	results, err := p.SearchAndAnalyze(context.Background(), task.Params{Subreddit: "startups", Query: "q"})
	if err != nil {
		t.Fatalf("SearchAndAnalyze: %v", err)
	}

	if analyzed != 1 {
		t.Errorf("analyzer called %d times, want 1", analyzed)
	}
	if results[0].Analysis != "cached analysis" || results[1].Analysis != "fresh analysis" {
		t.Errorf("analyses = %q, %q", results[0].Analysis, results[1].Analysis)
	}

	// Fresh analysis is written back to the store.
	p2, _ := store.posts["todo"]
	if p2.Analysis != "fresh analysis" {
		t.Errorf("analysis not persisted: %q", p2.Analysis)
	}
}

func TestSearchAndAnalyzeStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	fetcher := &mockFetcher{fetchHotFn: func(context.Context, string, int) ([]reddit.Post, error) { return nil, nil }}
	searcher := &mockSearcher{searchFn: func(context.Context, retrieval.Query) ([]retrieval.ScoredPost, error) {
		return []retrieval.ScoredPost{
			{Post: storage.Post{ID: "a", CreatedUTC: time.Now()}},
			{Post: storage.Post{ID: "b", CreatedUTC: time.Now()}},
		}, nil
	}}
	analyzer := &mockAnalyzer{analyzeFn: func(context.Context, string, string, []string) (string, error) {
		cancel()
		return "analysis", nil
	}}
	p := New(task.NewRegistry(0), fetcher, analyzer, &mockEmbedder{}, searcher, newMemStore(), 10)

	_, err := p.SearchAndAnalyze(ctx, task.Params{Subreddit: "startups", Query: "q"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("SearchAndAnalyze = %v, want context.Canceled", err)
	}
}

func TestValidTimeframe(t *testing.T) {
	for _, tf := range []string{"week", "month", "year"} {
		if !ValidTimeframe(tf) {
			t.Errorf("ValidTimeframe(%q) = false", tf)
		}
	}
	for _, tf := range []string{"", "day", "decade"} {
		if ValidTimeframe(tf) {
			t.Errorf("ValidTimeframe(%q) = true", tf)
		}
	}
}
