package search

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type indexBackend interface {
	Searcher
	Indexer
}

// recordLoader supplies the full corpus for a reindex.
type recordLoader interface {
	LoadAllRecords(ctx context.Context) ([]DecisionRecord, []MessageRecord, []PolicyRecord, error)
}

// Service tries Meilisearch first and falls back to PostgreSQL FTS.
type Service struct {
	primary  indexBackend
	fallback Searcher
	loader   recordLoader
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{logger: logger.Named("search")}
	if meili != nil {
		s.primary = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.logger.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: "none"}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: "postgres"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "postgres"}
}

// IndexDecisions indexes decision records in the background.
func (s *Service) IndexDecisions(items ...DecisionRecord) {
	s.async("index decisions", func(b indexBackend) error { return b.IndexDecisions(items) })
}

func (s *Service) IndexMessage(item MessageRecord) {
	if item.Body == "" {
		return
	}
	s.async("index message", func(b indexBackend) error { return b.IndexMessages([]MessageRecord{item}) })
}

func (s *Service) IndexPolicy(item PolicyRecord) {
	s.async("index policy", func(b indexBackend) error { return b.IndexPolicies([]PolicyRecord{item}) })
}

func (s *Service) DeleteMessage(id string) {
	s.async("delete message", func(b indexBackend) error { return b.DeleteMessage(id) })
}

func (s *Service) async(op string, fn func(indexBackend) error) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.primary); err != nil {
			s.logger.Warn("search index update failed", zap.String("op", op), zap.Error(err))
		}
	}()
}

// Wait blocks until background index updates finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// ReindexAll pushes every searchable record from Postgres into Meilisearch and
// reports how many records were sent.
func (s *Service) ReindexAll(ctx context.Context) (int, error) {
	if s.primary == nil || !s.primary.Healthy() || s.loader == nil {
		return 0, errUnhealthy
	}
	decisions, messages, policies, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.primary.IndexDecisions(decisions); err != nil {
		return 0, err
	}
	if err := s.primary.IndexMessages(messages); err != nil {
		return len(decisions), err
	}
	if err := s.primary.IndexPolicies(policies); err != nil {
		return len(decisions) + len(messages), err
	}
	return len(decisions) + len(messages) + len(policies), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
