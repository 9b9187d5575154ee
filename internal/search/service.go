package search

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Warn().Err(err).Msg("search: meilisearch error, falling back to pgfts")
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Error().Err(err).Msg("search: pgfts error")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexAip indexes a published AIP (fire-and-forget to Meilisearch).
func (s *Service) IndexAip(doc AipDoc) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexAip(doc); err != nil {
			log.Warn().Str("aip_id", doc.ID).Err(err).Msg("search: index aip")
		}
	}()
}

// IndexFeedback indexes a feedback root (fire-and-forget to Meilisearch).
func (s *Service) IndexFeedback(doc FeedbackDoc) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexFeedback(doc); err != nil {
			log.Warn().Str("feedback_id", doc.ID).Err(err).Msg("search: index feedback")
		}
	}()
}

// DeleteAip removes an AIP from the search index (fire-and-forget).
func (s *Service) DeleteAip(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteAip(id); err != nil {
			log.Warn().Str("aip_id", id).Err(err).Msg("search: delete aip")
		}
	}()
}

// ReindexAllFromPG reindexes all published AIPs and their feedback from
// PostgreSQL into Meilisearch. Called during bootstrap.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	aips, feedback, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("search: reindex load failed")
		return
	}
	if err := s.meili.IndexAips(aips); err != nil {
		log.Warn().Err(err).Msg("search: reindex aips")
	}
	if err := s.meili.IndexFeedbackDocs(feedback); err != nil {
		log.Warn().Err(err).Msg("search: reindex feedback")
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
