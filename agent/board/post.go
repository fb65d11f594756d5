package board

import (
	"slices"
	"time"
)

// Category groups posts on the board.
type Category string

const (
	CategoryMarketData       Category = "market_data"
	CategoryPoolHealth       Category = "pool_health"
	CategoryTreasuryStatus   Category = "treasury_status"
	CategorySecurityAlerts   Category = "security_alerts"
	CategoryGasPrices        Category = "gas_prices"
	CategoryStakingInfo      Category = "staking_info"
	CategoryPatternAnalysis  Category = "pattern_analysis"
	CategoryBeeStatus        Category = "bee_status"
	CategoryDecisionOutcomes Category = "decision_outcomes"
	CategoryGeneral          Category = "general"
)

var categoryDescriptions = map[Category]string{
	CategoryMarketData:       "Price, volume, liquidity data",
	CategoryPoolHealth:       "DEX pool status and health",
	CategoryTreasuryStatus:   "Treasury balances and health",
	CategorySecurityAlerts:   "Security warnings and threats",
	CategoryGasPrices:        "Current gas price information",
	CategoryStakingInfo:      "Staking APY and rewards",
	CategoryPatternAnalysis:  "Market patterns and trends",
	CategoryBeeStatus:        "Bee health and availability",
	CategoryDecisionOutcomes: "Results of the Queen's decisions",
	CategoryGeneral:          "General information and announcements",
}

// Categories returns every known category in a stable order.
func Categories() []Category {
	out := make([]Category, 0, len(categoryDescriptions))
	for c := range categoryDescriptions {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := categoryDescriptions[c]
	return ok
}

// Description returns the human readable purpose of c.
func (c Category) Description() string {
	return categoryDescriptions[c]
}

// Topic is the bus topic carrying notifications for c.
func (c Category) Topic() string {
	return "board." + string(c)
}

const (
	MinPriority = 0
	MaxPriority = 10
)

// Post is an immutable board entry. Updates are new posts naming the post
// they supersede.
type Post struct {
	ID         string         `json:"id"`
	Category   Category       `json:"category"`
	Title      string         `json:"title"`
	Content    map[string]any `json:"content,omitempty"`
	Priority   int            `json:"priority"`
	Tags       []string       `json:"tags,omitempty"`
	Author     string         `json:"author"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at,omitzero"`
	Supersedes string         `json:"supersedes,omitempty"`
}

// Expired reports whether the post is past its expiry at now. A zero expiry
// never expires.
func (p *Post) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// HasAnyTag reports whether the post carries at least one of tags.
func (p *Post) HasAnyTag(tags []string) bool {
	for _, t := range tags {
		if slices.Contains(p.Tags, t) {
			return true
		}
	}
	return false
}

// PostInput describes a new post.
type PostInput struct {
	Author     string         `json:"author"`
	Category   Category       `json:"category"`
	Title      string         `json:"title"`
	Content    map[string]any `json:"content,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Priority   int            `json:"priority"`
	Supersedes string         `json:"supersedes,omitempty"`

	// TTL is the lifetime of the post. Zero selects the board default and a
	// negative value keeps the post forever.
	TTL time.Duration `json:"ttl,omitempty"`
}

// Filter narrows a query. Empty fields match everything.
type Filter struct {
	Category    Category  `json:"category,omitempty"`
	Author      string    `json:"author,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Since       time.Time `json:"since,omitzero"`
	MinPriority int       `json:"min_priority,omitempty"`
	Limit       int       `json:"limit,omitempty"`
}

func (f Filter) match(p *Post) bool {
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if f.Author != "" && p.Author != f.Author {
		return false
	}
	if len(f.Tags) > 0 && !p.HasAnyTag(f.Tags) {
		return false
	}
	if !f.Since.IsZero() && p.CreatedAt.Before(f.Since) {
		return false
	}
	return p.Priority >= f.MinPriority
}

// SearchResult is a post with its relevance score.
type SearchResult struct {
	Post      *Post   `json:"post"`
	Relevance float64 `json:"relevance"`
}
