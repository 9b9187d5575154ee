package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog/log"
)

const (
	idxAips     = "aipwatch_aips"
	idxFeedback = "aipwatch_feedback"
)

// Meili implements Searcher via Meilisearch, with a background health loop so
// the service can fall back to Postgres FTS while it is down.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. The caller
// should proceed without search enrichment if the instance stays unhealthy.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Warn().Str("url", url).Err(err).Msg("search: meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxAips,
			filterable: []string{"scopeKind", "status", "year"},
			searchable: []string{"title"},
		},
		{
			uid:        idxFeedback,
			filterable: []string{"scopeKind", "aipId", "kind", "isPublic"},
			searchable: []string{"body"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			log.Debug().Str("index", idx.uid).Err(err).Msg("search: create index (may already exist)")
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			log.Warn().Str("index", idx.uid).Err(err).Msg("search: update filterable attrs")
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Warn().Str("index", idx.uid).Err(err).Msg("search: update searchable attrs")
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Info().Msg("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxAips, ResultAip},
		{idxFeedback, ResultFeedback},
	}

	var queries []*meili.SearchRequest
	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}

		var filters []string
		if q.FilterScopeKind != "" {
			filters = append(filters, fmt.Sprintf("scopeKind = %q", q.FilterScopeKind))
		}
		if ti.rtyp == ResultAip {
			// The index only ever holds published AIPs; the filter keeps
			// that true even if a stale document survives an unpublish.
			filters = append(filters, "status = \"published\"")
		}
		if q.PublicOnly && ti.rtyp == ResultFeedback {
			filters = append(filters, "isPublic = true")
		}
		if len(filters) > 0 {
			sr.Filter = filters
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxAips:
		return ResultAip
	case idxFeedback:
		return ResultFeedback
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.ScopeKind = decodeString(hit, "scopeKind")

	switch rtyp {
	case ResultAip:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.AipID = r.ID
		r.Year = decodeInt(hit, "year")
	case ResultFeedback:
		r.Title = decodeString(hit, "kind")
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body"))
		r.AipID = decodeString(hit, "aipId")
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexAip adds or updates a published AIP in the search index.
func (m *Meili) IndexAip(doc AipDoc) error {
	_, err := m.client.Index(idxAips).AddDocuments([]AipDoc{doc}, nil)
	return err
}

// IndexFeedback adds or updates a feedback root in the search index.
func (m *Meili) IndexFeedback(doc FeedbackDoc) error {
	_, err := m.client.Index(idxFeedback).AddDocuments([]FeedbackDoc{doc}, nil)
	return err
}

// DeleteAip removes an AIP from the search index, e.g. when it leaves the
// published status or its draft is deleted.
func (m *Meili) DeleteAip(id string) error {
	_, err := m.client.Index(idxAips).DeleteDocument(id, nil)
	return err
}

// IndexAips bulk-indexes AIP documents.
func (m *Meili) IndexAips(docs []AipDoc) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxAips).AddDocuments(docs, nil)
	return err
}

// IndexFeedbackDocs bulk-indexes feedback roots.
func (m *Meili) IndexFeedbackDocs(docs []FeedbackDoc) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxFeedback).AddDocuments(docs, nil)
	return err
}
