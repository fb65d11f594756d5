// Package board implements the shared knowledge board bees use to publish
// and discover information without routing it through the orchestrator.
package board

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/queenbee/agent/bus"
	"github.com/BaSui01/queenbee/internal/metrics"
	"github.com/BaSui01/queenbee/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config configures the board.
type Config struct {
	DefaultTTL    time.Duration `json:"default_ttl" yaml:"default_ttl"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	QueryLimit    int           `json:"query_limit" yaml:"query_limit"`
	SearchLimit   int           `json:"search_limit" yaml:"search_limit"`

	// Now is used for testing. Defaults to time.Now.
	Now func() time.Time `json:"-" yaml:"-"`
}

// DefaultConfig returns the board defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:    24 * time.Hour,
		SweepInterval: 5 * time.Minute,
		QueryLimit:    50,
		SearchLimit:   20,
	}
}

// Board is the shared knowledge board.
type Board struct {
	cfg     Config
	store   Store
	bus     *bus.Bus
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector

	views       *viewTracker
	subscribers atomic.Int64
}

// New creates a board. b may be nil, in which case Subscribe is unavailable
// and posts are not announced.
func New(cfg Config, store Store, b *bus.Bus, collector *metrics.Collector, logger *zap.Logger) *Board {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	def := DefaultConfig()
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = def.QueryLimit
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = def.SearchLimit
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Board{
		cfg:     cfg,
		store:   store,
		bus:     b,
		now:     now,
		logger:  logger.With(zap.String("component", "knowledge_board")),
		metrics: collector,
		views:   newViewTracker(),
	}
}

// Post publishes a new entry and returns its id. Unknown categories fall
// back to general.
func (b *Board) Post(ctx context.Context, in PostInput) (string, error) {
	if strings.TrimSpace(in.Title) == "" {
		return "", types.NewError(types.ErrInvalidRequest, "post title is required")
	}
	if in.Author == "" {
		return "", types.NewError(types.ErrInvalidRequest, "post author is required")
	}

	category := in.Category
	if !category.Valid() {
		b.logger.Warn("unknown board category, using general", zap.String("category", string(category)))
		category = CategoryGeneral
	}

	now := b.now().UTC()
	post := &Post{
		ID:         uuid.New().String(),
		Category:   category,
		Title:      in.Title,
		Content:    in.Content,
		Priority:   min(max(in.Priority, MinPriority), MaxPriority),
		Tags:       slices.Clone(in.Tags),
		Author:     in.Author,
		CreatedAt:  now,
		Supersedes: in.Supersedes,
	}
	ttl := in.TTL
	if ttl == 0 {
		ttl = b.cfg.DefaultTTL
	}
	if ttl > 0 {
		post.ExpiresAt = now.Add(ttl)
	}

	if err := b.store.Save(ctx, post); err != nil {
		return "", types.Wrap(err, types.ErrInternalError, "failed to save post")
	}
	b.metrics.RecordBoardPost(string(category))
	b.logger.Info("new post on board",
		zap.String("post_id", post.ID),
		zap.String("author", post.Author),
		zap.String("category", string(category)),
		zap.Int("priority", post.Priority),
	)

	b.announce(ctx, post)
	return post.ID, nil
}

// Query returns posts matching f, newest first. Priority only filters
// (MinPriority); Search is the priority-aware ranking. Expired posts are skipped at read time, so the sequence never yields a
// post past its expiry even when no sweep has run.
func (b *Board) Query(ctx context.Context, f Filter) (iter.Seq[*Post], error) {
	posts, err := b.store.List(ctx, Scope{Category: f.Category, Author: f.Author})
	if err != nil {
		return nil, types.Wrap(err, types.ErrInternalError, "failed to list posts")
	}
	slices.SortStableFunc(posts, newestFirst)

	limit := f.Limit
	if limit <= 0 {
		limit = b.cfg.QueryLimit
	}
	now := b.now()

	return func(yield func(*Post) bool) {
		n := 0
		for _, p := range posts {
			if n >= limit {
				return
			}
			if p.Expired(now) || !f.match(p) {
				continue
			}
			n++
			if !yield(p) {
				return
			}
		}
	}, nil
}

// List is Query collected into a slice.
func (b *Board) List(ctx context.Context, f Filter) ([]*Post, error) {
	seq, err := b.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

// Get returns a post and records a view by reader.
func (b *Board) Get(ctx context.Context, id, reader string) (*Post, error) {
	p, err := b.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "post %s not found", id)
	}
	if err != nil {
		return nil, types.Wrap(err, types.ErrInternalError, "failed to load post")
	}
	if p.Expired(b.now()) {
		return nil, types.Errorf(types.ErrNotFound, "post %s expired", id)
	}
	b.views.record(id, reader)
	return p, nil
}

// Views returns how often a post was read and by whom.
func (b *Board) Views(id string) ViewStats {
	return b.views.get(id)
}

// Search ranks live posts whose title, category or tags contain text.
func (b *Board) Search(ctx context.Context, text string, limit int) ([]SearchResult, error) {
	q := strings.ToLower(strings.TrimSpace(text))
	if q == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "search text is required")
	}
	if limit <= 0 {
		limit = b.cfg.SearchLimit
	}
	posts, err := b.store.List(ctx, Scope{})
	if err != nil {
		return nil, types.Wrap(err, types.ErrInternalError, "failed to list posts")
	}

	now := b.now()
	var results []SearchResult
	for _, p := range posts {
		if p.Expired(now) || !matchesText(p, q) {
			continue
		}
		results = append(results, SearchResult{Post: p, Relevance: relevance(p, q, now)})
	}
	slices.SortStableFunc(results, func(x, y SearchResult) int {
		if c := cmp.Compare(y.Relevance, x.Relevance); c != 0 {
			return c
		}
		return newestFirst(x.Post, y.Post)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func matchesText(p *Post, q string) bool {
	if strings.Contains(strings.ToLower(p.Title), q) || strings.Contains(string(p.Category), q) {
		return true
	}
	return slices.ContainsFunc(p.Tags, func(t string) bool {
		return strings.Contains(strings.ToLower(t), q)
	})
}

// relevance scores a post: title 10, category 5, each tag 3, priority x2,
// plus up to 10 points for recency that decay by one per hour of age.
func relevance(p *Post, q string, now time.Time) float64 {
	score := 0.0
	if strings.Contains(strings.ToLower(p.Title), q) {
		score += 10
	}
	if strings.Contains(string(p.Category), q) {
		score += 5
	}
	for _, t := range p.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			score += 3
		}
	}
	score += float64(p.Priority) * 2
	score += max(0, 10-now.Sub(p.CreatedAt).Hours())
	return score
}

// Subscribe calls fn for every new post in category. Notifications travel on
// the bus under the category topic. The returned func cancels the
// subscription.
func (b *Board) Subscribe(category Category, fn func(*Post)) (func(), error) {
	if b.bus == nil {
		return nil, types.NewError(types.ErrInternalError, "board has no message bus")
	}
	if !category.Valid() {
		return nil, types.Errorf(types.ErrInvalidRequest, "unknown category %q", category)
	}
	cancel, err := b.bus.Listen(category.Topic(), func(m *bus.Message) {
		if p, ok := m.Payload.(*Post); ok {
			fn(p)
		}
	})
	if err != nil {
		return nil, err
	}
	b.metrics.SetBoardSubscribers(int(b.subscribers.Add(1)))

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			b.metrics.SetBoardSubscribers(int(b.subscribers.Add(-1)))
		})
	}, nil
}

func (b *Board) announce(ctx context.Context, p *Post) {
	if b.bus == nil {
		return
	}
	priority := bus.PriorityNormal
	switch {
	case p.Priority >= 8:
		priority = bus.PriorityCritical
	case p.Priority >= 5:
		priority = bus.PriorityHigh
	}
	_, err := b.bus.Broadcast(ctx, &bus.Message{
		Sender:   p.Author,
		Topic:    p.Category.Topic(),
		Type:     "board.post",
		Priority: priority,
		Payload:  p,
	})
	if err != nil {
		b.logger.Warn("failed to announce post", zap.String("post_id", p.ID), zap.Error(err))
	}
}

// TagCount is a tag with its number of live posts.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// ViewedPost summarises a frequently read post.
type ViewedPost struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
	Views  int    `json:"views"`
}

// Stats summarises board contents.
type Stats struct {
	TotalPosts       int              `json:"total_posts"`
	ActiveCategories int              `json:"active_categories"`
	ByCategory       map[Category]int `json:"posts_by_category"`
	ByAuthor         map[string]int   `json:"posts_by_author"`
	TopTags          []TagCount       `json:"top_tags"`
	Subscribers      int              `json:"total_subscribers"`
	MostViewed       []ViewedPost     `json:"most_viewed"`
}

const (
	statsTopTags    = 10
	statsMostViewed = 5
)

// Stats reports live post counts, top tags, subscribers and the most viewed
// posts.
func (b *Board) Stats(ctx context.Context) (Stats, error) {
	posts, err := b.store.List(ctx, Scope{})
	if err != nil {
		return Stats{}, types.Wrap(err, types.ErrInternalError, "failed to list posts")
	}
	now := b.now()
	st := Stats{
		ByCategory:  make(map[Category]int),
		ByAuthor:    make(map[string]int),
		Subscribers: int(b.subscribers.Load()),
	}
	tags := make(map[string]int)
	var viewed []ViewedPost
	for _, p := range posts {
		if p.Expired(now) {
			continue
		}
		st.TotalPosts++
		st.ByCategory[p.Category]++
		st.ByAuthor[p.Author]++
		for _, t := range p.Tags {
			tags[t]++
		}
		if v := b.views.get(p.ID); v.Count > 0 {
			viewed = append(viewed, ViewedPost{ID: p.ID, Title: p.Title, Author: p.Author, Views: v.Count})
		}
	}
	st.ActiveCategories = len(st.ByCategory)

	for t, n := range tags {
		st.TopTags = append(st.TopTags, TagCount{Tag: t, Count: n})
	}
	slices.SortFunc(st.TopTags, func(x, y TagCount) int {
		if c := cmp.Compare(y.Count, x.Count); c != 0 {
			return c
		}
		return strings.Compare(x.Tag, y.Tag)
	})
	if len(st.TopTags) > statsTopTags {
		st.TopTags = st.TopTags[:statsTopTags]
	}

	slices.SortFunc(viewed, func(x, y ViewedPost) int {
		if c := cmp.Compare(y.Views, x.Views); c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})
	if len(viewed) > statsMostViewed {
		viewed = viewed[:statsMostViewed]
	}
	st.MostViewed = viewed
	return st, nil
}

// Sweep deletes expired posts and returns how many were removed.
func (b *Board) Sweep(ctx context.Context) (int, error) {
	posts, err := b.store.List(ctx, Scope{})
	if err != nil {
		return 0, types.Wrap(err, types.ErrInternalError, "failed to list posts")
	}
	now := b.now()
	var expired []string
	for _, p := range posts {
		if p.Expired(now) {
			expired = append(expired, p.ID)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := b.store.Delete(ctx, expired...); err != nil {
		return 0, types.Wrap(err, types.ErrInternalError, "failed to delete expired posts")
	}
	b.views.forget(expired...)
	b.metrics.RecordBoardExpired(len(expired))
	b.logger.Info("cleaned up expired posts", zap.Int("count", len(expired)))
	return len(expired), nil
}

// Run sweeps expired posts periodically until ctx is done.
func (b *Board) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.Sweep(ctx); err != nil && ctx.Err() == nil {
				b.logger.Error("board sweep failed", zap.Error(err))
			}
		}
	}
}
