package search

import (
	"context"

	"cyphire/api/internal/store"

	"go.uber.org/zap"
)

// LiveFilter reports which engagements still have a readable message log.
type LiveFilter func(ctx context.Context, engagementIDs []string) (map[string]bool, error)

// Service is the facade that tries Meilisearch first and falls back to
// Postgres. Hits from expired logs are dropped before they are returned.
type Service struct {
	primary  Searcher
	indexer  Indexer
	fallback *PgSearch
	live     LiveFilter
	logger   *zap.Logger
	closer   func()
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback *PgSearch, live LiveFilter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{fallback: fallback, live: live, logger: logger}
	if meili != nil {
		s.primary = meili
		s.indexer = meili
		s.closer = meili.Close
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			kept := s.dropExpired(ctx, nonNil(results))
			total -= len(results) - len(kept)
			if total < len(kept) {
				total = len(kept)
			}
			return Response{Results: kept, Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// dropExpired removes index hits whose log has expired. The index is only
// eventually consistent with retention.
func (s *Service) dropExpired(ctx context.Context, results []Result) []Result {
	if s.live == nil || len(results) == 0 {
		return results
	}
	seen := make(map[string]struct{}, len(results))
	ids := make([]string, 0, len(results))
	for _, r := range results {
		if _, ok := seen[r.EngagementID]; ok {
			continue
		}
		seen[r.EngagementID] = struct{}{}
		ids = append(ids, r.EngagementID)
	}
	live, err := s.live(ctx, ids)
	if err != nil {
		s.logger.Warn("live engagement filter failed", zap.Error(err))
		return []Result{}
	}
	kept := make([]Result, 0, len(results))
	for _, r := range results {
		if live[r.EngagementID] {
			kept = append(kept, r)
		}
	}
	return kept
}

// IndexMessage indexes a message (fire-and-forget to Meilisearch).
func (s *Service) IndexMessage(msg store.Message) {
	if s.indexer == nil || s.primary == nil || !s.primary.Healthy() || msg.Text == "" {
		return
	}
	record := RecordFor(msg)
	go func() {
		if err := s.indexer.IndexMessages([]MessageRecord{record}); err != nil {
			s.logger.Warn("index message", zap.String("id", record.ID), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG pushes every live message from Postgres into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.indexer == nil || s.primary == nil || !s.primary.Healthy() || s.fallback == nil {
		return
	}
	records, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	if err := s.indexer.IndexMessages(records); err != nil {
		s.logger.Warn("reindex messages", zap.Error(err))
		return
	}
	s.logger.Info("search index rebuilt", zap.Int("messages", len(records)))
}

func (s *Service) Close() {
	if s.closer != nil {
		s.closer()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
