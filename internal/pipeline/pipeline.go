// Package pipeline orchestrates one analysis task: fetch posts, rank or sort
// them, analyze each survivor, and move the task to a terminal status.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/idlephase/prospector/internal/reddit"
	"github.com/idlephase/prospector/internal/retrieval"
	"github.com/idlephase/prospector/internal/storage"
	"github.com/idlephase/prospector/internal/task"
)

// cacheMaxAge is how long a recorded timeframe fetch stays fresh enough to
// reuse analyzed posts instead of hitting Reddit again.
const cacheMaxAge = 24 * time.Hour

// commentLimit is how many top comments accompany a post into analysis.
const commentLimit = 5

var timeframes = map[string]time.Duration{
	"week":  7 * 24 * time.Hour,
	"month": 30 * 24 * time.Hour,
	"year":  365 * 24 * time.Hour,
}

// ValidTimeframe reports whether tf is an accepted timeframe name.
func ValidTimeframe(tf string) bool {
	_, ok := timeframes[tf]
	return ok
}

// Fetcher abstracts the Reddit collaborator.
type Fetcher interface {
	FetchByTimeframe(ctx context.Context, subreddit, timeframe string, size int) ([]reddit.Post, error)
	FetchHot(ctx context.Context, subreddit string, limit int) ([]reddit.Post, error)
	FetchComments(ctx context.Context, postID string, limit int) ([]string, error)
}

// Analyzer produces analysis text for one post and its top comments.
type Analyzer interface {
	Analyze(ctx context.Context, title, body string, comments []string) (string, error)
}

// Embedder generates embeddings for post content.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher ranks stored posts against a query.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) ([]retrieval.ScoredPost, error)
}

// PostStore persists posts and search history.
type PostStore interface {
	SavePost(p storage.Post) error
	HasPost(id string) (bool, error)
	ListAnalyzedPosts(subreddit string, since time.Time) ([]storage.Post, error)
	UpdatePostAnalysis(id, analysis string) error
	GetLastSearch(subreddit, timeframe string) (storage.SearchHistory, error)
	UpsertSearchHistory(h storage.SearchHistory) error
}

// TaskStore is the slice of the task registry the pipeline drives.
type TaskStore interface {
	Start(id string) error
	Succeed(id string, result []task.AnalyzedPost) error
	Fail(id string, errMsg string) error
}

// Pipeline runs analysis tasks. One Run call per task, each on its own
// goroutine; Runs share no state beyond the injected collaborators.
type Pipeline struct {
	tasks     TaskStore
	fetcher   Fetcher
	analyzer  Analyzer
	embedder  Embedder
	searcher  Searcher
	store     PostStore
	fetchSize int
	logger    *slog.Logger
}

// New creates a Pipeline. fetchSize bounds how many posts are pulled per
// listing request (default 100 if <= 0).
func New(tasks TaskStore, fetcher Fetcher, analyzer Analyzer, embedder Embedder, searcher Searcher, store PostStore, fetchSize int) *Pipeline {
	if fetchSize <= 0 {
		fetchSize = 100
	}
	return &Pipeline{
		tasks:     tasks,
		fetcher:   fetcher,
		analyzer:  analyzer,
		embedder:  embedder,
		searcher:  searcher,
		store:     store,
		fetchSize: fetchSize,
		logger:    slog.Default(),
	}
}

// Run executes one task to a terminal status. It is meant to be launched on
// its own goroutine right after registry creation. Cancellation is observed
// between per-post analysis calls via token; an in-flight AI call is never
// interrupted. The task registry is only touched to transition status, never
// held across external calls.
func (p *Pipeline) Run(ctx context.Context, taskID string, params task.Params, token *task.CancelToken) {
	logger := p.logger.With("task_id", taskID, "subreddit", params.Subreddit)

	if err := p.tasks.Start(taskID); err != nil {
		// Cancelled before the run began; nothing to unwind.
		if errors.Is(err, task.ErrTaskFinal) {
			logger.Debug("task finished before start")
			return
		}
		logger.Error("starting task", "error", err)
		return
	}

	var items []workItem
	var err error
	if params.Query != "" {
		items, err = p.collectByQuery(ctx, params)
	} else {
		items, err = p.collectByTimeframe(ctx, params)
	}
	if err != nil {
		logger.Warn("task fetch failed", "error", err)
		if ferr := p.tasks.Fail(taskID, err.Error()); ferr != nil && !errors.Is(ferr, task.ErrTaskFinal) {
			logger.Error("recording task failure", "error", ferr)
		}
		return
	}

	results := make([]task.AnalyzedPost, 0, len(items))
	for i, item := range items {
		// Cancellation checkpoint: between posts, never mid-call.
		if token.Signaled() {
			logger.Info("task cancelled", "analyzed", i, "total", len(items))
			return
		}

		analysis := item.analysis
		if analysis == "" {
			analysis = p.analyzePost(ctx, logger, item.post)
		}

		results = append(results, analyzedPost(item, analysis))
	}

	if err := p.tasks.Succeed(taskID, results); err != nil {
		if errors.Is(err, task.ErrTaskFinal) {
			// Cancel won the race; the terminal status stands.
			logger.Debug("task finished before success transition")
			return
		}
		logger.Error("recording task success", "error", err)
		return
	}
	logger.Info("task complete", "posts", len(results))
}

// SearchAndAnalyze runs the similarity stages synchronously: refresh the
// corpus, rank against the query, and analyze the winners inline. Serves the
// synchronous search endpoint and the MCP search tool; ctx cancellation is
// honored between posts.
func (p *Pipeline) SearchAndAnalyze(ctx context.Context, params task.Params) ([]task.AnalyzedPost, error) {
	items, err := p.collectByQuery(ctx, params)
	if err != nil {
		return nil, err
	}

	results := make([]task.AnalyzedPost, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		analysis := item.analysis
		if analysis == "" {
			analysis = p.analyzePost(ctx, p.logger, item.post)
		}
		results = append(results, analyzedPost(item, analysis))
	}
	return results, nil
}

// analyzePost runs the AI analysis for one post together with its top
// comments and writes the result back to the store. Failures degrade rather
// than abort: a comment fetch error analyzes the post alone, an analysis
// error yields an empty analysis so one bad call cannot sink the batch.
func (p *Pipeline) analyzePost(ctx context.Context, logger *slog.Logger, post storage.Post) string {
	comments, err := p.fetcher.FetchComments(ctx, post.ID, commentLimit)
	if err != nil {
		logger.Debug("fetching comments", "post_id", post.ID, "error", err)
		comments = nil
	}

	analysis, err := p.analyzer.Analyze(ctx, post.Title, post.Body, comments)
	if err != nil {
		logger.Warn("post analysis failed", "post_id", post.ID, "error", err)
		return ""
	}
	if uerr := p.store.UpdatePostAnalysis(post.ID, analysis); uerr != nil {
		// Durable write-back is advisory.
		logger.Debug("storing analysis", "post_id", post.ID, "error", uerr)
	}
	return analysis
}

// workItem is one post headed into the analysis stage.
type workItem struct {
	post       storage.Post
	similarity float32
	analysis   string // pre-existing analysis, reused instead of re-calling the AI
}

// collectByQuery refreshes the corpus from the subreddit's hot listing and
// ranks stored posts against the query.
func (p *Pipeline) collectByQuery(ctx context.Context, params task.Params) ([]workItem, error) {
	if err := p.RefreshCorpus(ctx, params.Subreddit); err != nil {
		return nil, err
	}

	scored, err := p.searcher.Search(ctx, retrieval.Query{
		Text:      params.Query,
		Subreddit: params.Subreddit,
		Threshold: params.Threshold,
		Limit:     params.Limit,
		Seen:      params.Seen,
	})
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	items := make([]workItem, len(scored))
	for i, s := range scored {
		items[i] = workItem{post: s.Post, similarity: s.Similarity, analysis: s.Analysis}
	}
	return items, nil
}

// RefreshCorpus fetches the subreddit's hot posts and stores the unseen ones
// with embeddings, embedding the whole batch at once.
func (p *Pipeline) RefreshCorpus(ctx context.Context, subreddit string) error {
	posts, err := p.fetcher.FetchHot(ctx, subreddit, p.fetchSize)
	if err != nil {
		return fmt.Errorf("fetching posts: %w", err)
	}

	var fresh []reddit.Post
	for _, rp := range posts {
		known, err := p.store.HasPost(rp.ID)
		if err != nil {
			return fmt.Errorf("checking post %s: %w", rp.ID, err)
		}
		if !known {
			fresh = append(fresh, rp)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	texts := make([]string, len(fresh))
	for i, rp := range fresh {
		texts[i] = rp.Title + "\n" + rp.Body
	}
	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding posts: %w", err)
	}

	for i, rp := range fresh {
		if err := p.store.SavePost(toStoragePost(rp, vecs[i])); err != nil {
			return fmt.Errorf("saving post %s: %w", rp.ID, err)
		}
	}
	return nil
}

// collectByTimeframe gathers problem posts for the timeframe, merging cached
// analyzed posts with a fresh Reddit fetch when the cache is stale, ordered
// by score descending.
func (p *Pipeline) collectByTimeframe(ctx context.Context, params task.Params) ([]workItem, error) {
	window, ok := timeframes[params.Timeframe]
	if !ok {
		return nil, fmt.Errorf("invalid timeframe %q", params.Timeframe)
	}

	now := time.Now().UTC()
	since := now.Add(-window)

	needsFetch := true
	var existing []storage.Post
	if last, err := p.store.GetLastSearch(params.Subreddit, params.Timeframe); err == nil {
		if now.Sub(last.LastSearchTime) < cacheMaxAge {
			needsFetch = false
		}
		existing, err = p.store.ListAnalyzedPosts(params.Subreddit, since)
		if err != nil {
			return nil, fmt.Errorf("loading cached posts: %w", err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("loading search history: %w", err)
	}

	byID := make(map[string]workItem)
	for _, post := range existing {
		byID[post.ID] = workItem{post: post, analysis: post.Analysis}
	}

	if needsFetch {
		fetched, err := p.fetcher.FetchByTimeframe(ctx, params.Subreddit, params.Timeframe, p.fetchSize)
		if err != nil {
			return nil, fmt.Errorf("fetching posts: %w", err)
		}

		newestPost := now
		for _, rp := range fetched {
			if rp.Score < params.MinScore {
				continue
			}
			if rp.CreatedUTC.After(newestPost) {
				newestPost = rp.CreatedUTC
			}
			if _, seen := byID[rp.ID]; seen {
				continue
			}
			post := toStoragePost(rp, nil)
			if err := p.store.SavePost(post); err != nil {
				return nil, fmt.Errorf("saving post %s: %w", rp.ID, err)
			}
			byID[rp.ID] = workItem{post: post}
		}

		if err := p.store.UpsertSearchHistory(storage.SearchHistory{
			Subreddit:      params.Subreddit,
			Timeframe:      params.Timeframe,
			LastSearchTime: now,
			LastPostTime:   newestPost,
		}); err != nil {
			p.logger.Warn("updating search history", "error", err)
		}
	}

	items := make([]workItem, 0, len(byID))
	for _, item := range byID {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].post.Score != items[j].post.Score {
			return items[i].post.Score > items[j].post.Score
		}
		return items[i].post.ID < items[j].post.ID
	})
	return items, nil
}

func toStoragePost(rp reddit.Post, embedding []float32) storage.Post {
	return storage.Post{
		ID:          rp.ID,
		Subreddit:   rp.Subreddit,
		Title:       rp.Title,
		Body:        rp.Body,
		Score:       rp.Score,
		NumComments: rp.NumComments,
		Permalink:   rp.Permalink,
		CreatedUTC:  rp.CreatedUTC,
		Embedding:   embedding,
	}
}

func analyzedPost(item workItem, analysis string) task.AnalyzedPost {
	return task.AnalyzedPost{
		ID:          item.post.ID,
		Subreddit:   item.post.Subreddit,
		Title:       item.post.Title,
		Body:        item.post.Body,
		Score:       item.post.Score,
		NumComments: item.post.NumComments,
		Permalink:   item.post.Permalink,
		CreatedUTC:  item.post.CreatedUTC.Unix(),
		Similarity:  item.similarity,
		Analysis:    analysis,
	}
}
