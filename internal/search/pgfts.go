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

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across documents, signing_requests, and
// recipient_sessions using plainto_tsquery and ts_rank, with ts_headline
// for snippets.
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

	var subQueries []string

	// Documents sub-query
	if q.FilterType == "" || q.FilterType == ResultDocument {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id, d.title,
				''::text AS snippet,
				d.id AS document_id, ''::text AS request_id,
				''::text AS status,
				ts_rank(d.fts, %s) AS rank
			FROM documents d
			WHERE d.fts @@ %s`, tsQuery, tsQuery))
	}

	// Signing requests sub-query
	if q.FilterType == "" || q.FilterType == ResultRequest {
		reqWhere := "r.fts @@ " + tsQuery
		if q.FilterStatus != "" {
			reqWhere += fmt.Sprintf(" AND r.status = $%d", argN)
			args = append(args, q.FilterStatus)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'request'::text AS type, r.id, r.title,
				''::text AS snippet,
				r.document_id, r.id AS request_id,
				r.status,
				ts_rank(r.fts, %s) AS rank
			FROM signing_requests r
			WHERE %s`, tsQuery, reqWhere))
	}

	// Recipient sessions sub-query
	if q.FilterType == "" || q.FilterType == ResultRecipient {
		recWhere := "s.fts @@ " + tsQuery
		if q.FilterStatus != "" {
			recWhere += fmt.Sprintf(" AND s.status = $%d", argN)
			args = append(args, q.FilterStatus)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'recipient'::text AS type, s.id, s.name AS title,
				ts_headline('english', coalesce(s.email, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				r.document_id, s.request_id,
				s.status,
				ts_rank(s.fts, %s) AS rank
			FROM recipient_sessions s
			JOIN signing_requests r ON r.id = s.request_id
			WHERE %s`, tsQuery, tsQuery, recWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	// Count query
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	// Data query
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, document_id, request_id, status
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
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DocumentID, &r.RequestID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, []RequestRecord, []RecipientRecord, error) {
	docRows, err := p.db.QueryContext(ctx, `
		SELECT id, title
		FROM documents
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		if err := docRows.Scan(&d.ID, &d.Title); err != nil {
			return nil, nil, nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	reqRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, document_id, status
		FROM signing_requests
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load requests: %w", err)
	}
	defer reqRows.Close()

	requests := make([]RequestRecord, 0)
	for reqRows.Next() {
		var r RequestRecord
		if err := reqRows.Scan(&r.ID, &r.Title, &r.DocumentID, &r.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, r)
	}
	if err := reqRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate requests: %w", err)
	}

	recRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, email, request_id, status
		FROM recipient_sessions
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load recipients: %w", err)
	}
	defer recRows.Close()

	recipients := make([]RecipientRecord, 0)
	for recRows.Next() {
		var rec RecipientRecord
		if err := recRows.Scan(&rec.ID, &rec.Name, &rec.Email, &rec.RequestID, &rec.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, rec)
	}
	if err := recRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate recipients: %w", err)
	}

	return documents, requests, recipients, nil
}
