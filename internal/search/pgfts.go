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

// Search queries the diagrams table using plainto_tsquery and ts_rank.
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

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM diagrams d
		WHERE d.fts @@ plainto_tsquery('english', $1)
	`, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT d.id, d.name, d.owner_id, u.display_name,
			ts_rank(d.fts, plainto_tsquery('english', $1)) AS rank
		FROM diagrams d
		JOIN users u ON u.id = d.owner_id
		WHERE d.fts @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT %d OFFSET %d
	`, limit, offset), q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var rank float64
		if err := rows.Scan(&r.ID, &r.Name, &r.OwnerID, &r.OwnerName, &rank); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable diagrams for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DiagramRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT d.id, d.name, d.owner_id, u.display_name
		FROM diagrams d
		JOIN users u ON u.id = d.owner_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load diagrams: %w", err)
	}
	defer rows.Close()

	diagrams := make([]DiagramRecord, 0)
	for rows.Next() {
		var d DiagramRecord
		if err := rows.Scan(&d.ID, &d.Name, &d.OwnerID, &d.OwnerName); err != nil {
			return nil, fmt.Errorf("scan diagram: %w", err)
		}
		diagrams = append(diagrams, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diagrams: %w", err)
	}
	return diagrams, nil
}
