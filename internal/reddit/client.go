// Package reddit is a minimal client for the Reddit OAuth API, covering the
// read paths the analysis pipeline needs: keyword search within a subreddit,
// hot listings, and subreddit validation.
package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// problemKeywords drive the timeframe search: one Reddit search per keyword,
// de-duplicated by post id.
var problemKeywords = []string{
	"need tool for", "need software for", "looking for tool", "looking for app",
	"recommend tool", "recommend software", "any tools for", "any apps for",
	"frustrated with", "tired of manually", "hate doing", "waste time",
	"wasting time", "takes forever to", "pain point", "pain in the",
	"annoying process", "automate this", "efficiency", "productivity",
	"automation", "workflow", "business needs", "company requires",
	"enterprise solution", "scale our", "manage multiple", "track all",
	"monitor our", "integrate with", "data entry", "manual process",
	"repetitive tasks", "time consuming", "complex workflow",
	"communication gap", "coordination", "collaboration", "solution for",
	"struggle with", "difficult to", "can't figure out", "need to improve",
	"optimize", "streamline", "simplify", "how to solve", "help managing",
	"better way to", "alternative to",
}

// Post is one Reddit submission as returned by the listing endpoints.
type Post struct {
	ID          string
	Subreddit   string
	Title       string
	Body        string
	Score       int
	NumComments int
	Permalink   string
	CreatedUTC  time.Time
}

// Client talks to the Reddit OAuth API with client-credentials auth.
type Client struct {
	clientID     string
	clientSecret string
	userAgent    string
	authURL      string
	apiURL       string
	httpClient   *http.Client

	// keywordDelay spaces out per-keyword searches to stay under rate limits.
	keywordDelay time.Duration

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURLs overrides the auth and API endpoints (used by tests).
func WithBaseURLs(authURL, apiURL string) Option {
	return func(c *Client) {
		c.authURL = strings.TrimRight(authURL, "/")
		c.apiURL = strings.TrimRight(apiURL, "/")
	}
}

// WithKeywordDelay overrides the pause between per-keyword searches.
func WithKeywordDelay(d time.Duration) Option {
	return func(c *Client) { c.keywordDelay = d }
}

// New creates a Client with the given app credentials.
func New(clientID, clientSecret, userAgent string, opts ...Option) *Client {
	c := &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		userAgent:    userAgent,
		authURL:      "https://www.reddit.com",
		apiURL:       "https://oauth.reddit.com",
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		keywordDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// accessToken returns a cached app token, refreshing it when close to expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.authURL+"/api/v1/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty token")
	}

	c.token = tr.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return c.token, nil
}

// listing mirrors the JSON shape of Reddit listing responses.
type listing struct {
	Data struct {
		Children []struct {
			Data postData `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type postData struct {
	ID           string  `json:"id"`
	Subreddit    string  `json:"subreddit"`
	Title        string  `json:"title"`
	Selftext     string  `json:"selftext"`
	SelftextHTML string  `json:"selftext_html"`
	Score        int     `json:"score"`
	NumComments  int     `json:"num_comments"`
	Permalink    string  `json:"permalink"`
	CreatedUTC   float64 `json:"created_utc"`
}

func (d postData) toPost() Post {
	body := d.Selftext
	if body == "" && d.SelftextHTML != "" {
		body = stripHTML(d.SelftextHTML)
	}
	return Post{
		ID:          d.ID,
		Subreddit:   d.Subreddit,
		Title:       d.Title,
		Body:        body,
		Score:       d.Score,
		NumComments: d.NumComments,
		Permalink:   d.Permalink,
		CreatedUTC:  time.Unix(int64(d.CreatedUTC), 0).UTC(),
	}
}

// statusError is a non-OK response from the Reddit API.
type statusError struct {
	path string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.path, e.code)
}

// get performs an authenticated GET against the API host and decodes into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	u := c.apiURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &statusError{path: path, code: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// FetchByTimeframe searches a subreddit for problem-related posts within the
// given timeframe ("week", "month" or "year"). One search per problem
// keyword; keyword failures are logged and skipped so a single bad request
// does not lose the whole batch.
func (c *Client) FetchByTimeframe(ctx context.Context, subreddit, timeframe string, size int) ([]Post, error) {
	if size <= 0 {
		size = 100
	}

	var posts []Post
	seen := make(map[string]bool)
	failures := 0

	for i, keyword := range problemKeywords {
		params := url.Values{
			"q":           {keyword},
			"restrict_sr": {"true"},
			"sort":        {"new"},
			"limit":       {strconv.Itoa(size)},
			"t":           {timeframe},
			"type":        {"link"},
		}

		var l listing
		if err := c.get(ctx, "/r/"+url.PathEscape(subreddit)+"/search", params, &l); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("keyword search failed", "subreddit", subreddit, "keyword", keyword, "error", err)
			failures++
			continue
		}

		for _, child := range l.Data.Children {
			if seen[child.Data.ID] {
				continue
			}
			seen[child.Data.ID] = true
			posts = append(posts, child.Data.toPost())
		}

		// Space out requests to avoid rate limiting.
		if i < len(problemKeywords)-1 && c.keywordDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.keywordDelay):
			}
		}
	}

	if failures == len(problemKeywords) {
		return nil, fmt.Errorf("all %d keyword searches against r/%s failed", failures, subreddit)
	}
	return posts, nil
}

// FetchHot returns up to limit posts from a subreddit's hot listing.
func (c *Client) FetchHot(ctx context.Context, subreddit string, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{"limit": {strconv.Itoa(limit)}}

	var l listing
	if err := c.get(ctx, "/r/"+url.PathEscape(subreddit)+"/hot", params, &l); err != nil {
		return nil, err
	}

	posts := make([]Post, 0, len(l.Data.Children))
	for _, child := range l.Data.Children {
		posts = append(posts, child.Data.toPost())
	}
	return posts, nil
}

// minCommentLength filters out low-signal comments before analysis.
const minCommentLength = 50

// commentListing mirrors the comments endpoint response: an array of two
// listings, the post itself followed by its top-level comments.
type commentListing struct {
	Data struct {
		Children []struct {
			Kind string `json:"kind"`
			Data struct {
				Body string `json:"body"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// FetchComments returns up to limit top-level comments on a post, best first,
// skipping short ones that carry no analysis signal.
func (c *Client) FetchComments(ctx context.Context, postID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	params := url.Values{
		"sort":  {"top"},
		"depth": {"1"},
	}

	var listings []commentListing
	if err := c.get(ctx, "/comments/"+url.PathEscape(postID), params, &listings); err != nil {
		return nil, err
	}
	if len(listings) < 2 {
		return nil, nil
	}

	var comments []string
	for _, child := range listings[1].Data.Children {
		// Kind t1 is a comment; "more" stubs carry no body.
		if child.Kind != "t1" || len(child.Data.Body) <= minCommentLength {
			continue
		}
		comments = append(comments, child.Data.Body)
		if len(comments) == limit {
			break
		}
	}
	return comments, nil
}

// Validate reports whether a subreddit exists and is accessible.
func (c *Client) Validate(ctx context.Context, subreddit string) (bool, error) {
	var about struct {
		Data struct {
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	err := c.get(ctx, "/r/"+url.PathEscape(subreddit)+"/about", nil, &about)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.code == http.StatusNotFound || se.code == http.StatusForbidden) {
			return false, nil
		}
		return false, err
	}
	return about.Data.DisplayName != "", nil
}
