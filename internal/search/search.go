package search

import (
	"context"
	"time"
)

// Result is a single moderation search hit.
type Result struct {
	MessageID    int64     `json:"messageId"`
	EngagementID string    `json:"engagementId"`
	SenderID     string    `json:"senderId"`
	Snippet      string    `json:"snippet"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Query describes a search request.
type Query struct {
	Text         string
	EngagementID string // empty = every workroom
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push messages into a search index.
type Indexer interface {
	IndexMessages(records []MessageRecord) error
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID           string `json:"id"`
	MessageID    int64  `json:"messageId"`
	EngagementID string `json:"engagementId"`
	SenderID     string `json:"senderId"`
	Body         string `json:"body"`
	CreatedAt    int64  `json:"createdAt"`
}
