package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across published AIPs and their feedback
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	scopeKindExpr := `CASE WHEN a.barangay_id IS NOT NULL THEN 'barangay' WHEN a.city_id IS NOT NULL THEN 'city' ELSE 'municipality' END`

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultAip {
		where := fmt.Sprintf("a.status = 'published' AND to_tsvector('english', a.title) @@ %s", tsQuery)
		if q.FilterScopeKind != "" {
			where += fmt.Sprintf(" AND %s = $%d", scopeKindExpr, argN)
			args = append(args, q.FilterScopeKind)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'aip'::text AS type, a.id, a.title,
				''::text AS snippet,
				a.id AS aip_id, %s AS scope_kind, a.fiscal_year AS year,
				ts_rank(to_tsvector('english', a.title), %s) AS rank
			FROM aips a
			WHERE %s`, scopeKindExpr, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultFeedback {
		where := fmt.Sprintf("a.status = 'published' AND to_tsvector('english', f.body) @@ %s", tsQuery)
		if q.PublicOnly {
			where += " AND f.is_public"
		}
		if q.FilterScopeKind != "" {
			where += fmt.Sprintf(" AND %s = $%d", scopeKindExpr, argN)
			args = append(args, q.FilterScopeKind)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'feedback'::text AS type, f.id, f.kind AS title,
				ts_headline('english', f.body, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.id AS aip_id, %s AS scope_kind, 0 AS year,
				ts_rank(to_tsvector('english', f.body), %s) AS rank
			FROM feedback f
			JOIN aips a ON a.id = f.aip_id
			WHERE %s`, tsQuery, scopeKindExpr, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, aip_id, scope_kind, year
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.AipID, &r.ScopeKind, &r.Year); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all indexable records for full reindexing into
// Meilisearch: published AIPs and the public feedback roots under them.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]AipDoc, []FeedbackDoc, error) {
	aipRows, err := p.db.QueryContext(ctx, `
		SELECT id, title,
			CASE WHEN barangay_id IS NOT NULL THEN 'barangay' WHEN city_id IS NOT NULL THEN 'city' ELSE 'municipality' END,
			COALESCE(barangay_id, city_id, municipality_id, ''),
			fiscal_year, status
		FROM aips
		WHERE status = 'published'
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load aips: %w", err)
	}
	defer aipRows.Close()

	aips := make([]AipDoc, 0)
	for aipRows.Next() {
		var d AipDoc
		if err := aipRows.Scan(&d.ID, &d.Title, &d.ScopeKind, &d.ScopeID, &d.Year, &d.Status); err != nil {
			return nil, nil, fmt.Errorf("scan aip: %w", err)
		}
		aips = append(aips, d)
	}
	if err := aipRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate aips: %w", err)
	}

	feedbackRows, err := p.db.QueryContext(ctx, `
		SELECT f.id, f.body, f.kind, a.id,
			CASE WHEN a.barangay_id IS NOT NULL THEN 'barangay' WHEN a.city_id IS NOT NULL THEN 'city' ELSE 'municipality' END,
			f.is_public
		FROM feedback f
		JOIN aips a ON a.id = f.aip_id
		WHERE a.status = 'published' AND f.parent_feedback_id IS NULL
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load feedback: %w", err)
	}
	defer feedbackRows.Close()

	feedback := make([]FeedbackDoc, 0)
	for feedbackRows.Next() {
		var d FeedbackDoc
		if err := feedbackRows.Scan(&d.ID, &d.Body, &d.Kind, &d.AipID, &d.ScopeKind, &d.IsPublic); err != nil {
			return nil, nil, fmt.Errorf("scan feedback: %w", err)
		}
		feedback = append(feedback, d)
	}
	if err := feedbackRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate feedback: %w", err)
	}

	return aips, feedback, nil
}
