package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ruscur/snowpatch/internal/domain"
)

// AuditStore records every Verdict posted upstream, for later review of what
// snowpatchd told the patch tracker and when.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore builds an AuditStore backed by the given pool. Run Migrate
// against the same pool first.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// AuditEntry is one posted Verdict, as recorded in verdict_audit.
type AuditEntry struct {
	ID       int64
	SeriesID int64
	Verdict  domain.Verdict
	PostedAt time.Time
}

// Record appends a posted Verdict to the audit trail.
func (s *AuditStore) Record(ctx context.Context, seriesID int64, verdict domain.Verdict) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO verdict_audit (series_id, context, state, target_url, description)
		VALUES ($1, $2, $3, $4, $5)
	`,
		seriesID,
		verdict.Context,
		string(verdict.State),
		textOrNull(verdict.TargetURL),
		textOrNull(verdict.Description),
	)
	if err != nil {
		return fmt.Errorf("record verdict audit for series %d: %w", seriesID, err)
	}
	return nil
}

// ForSeries returns every audit entry recorded for a series, newest first.
func (s *AuditStore) ForSeries(ctx context.Context, seriesID int64) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, series_id, context, state, target_url, description, posted_at
		FROM verdict_audit
		WHERE series_id = $1
		ORDER BY posted_at DESC
	`, seriesID)
	if err != nil {
		return nil, fmt.Errorf("query verdict audit for series %d: %w", seriesID, err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var state string
		var targetURL, description pgtype.Text
		if err := rows.Scan(&e.ID, &e.SeriesID, &e.Verdict.Context, &state, &targetURL, &description, &e.PostedAt); err != nil {
			return nil, fmt.Errorf("scan verdict audit row: %w", err)
		}
		e.Verdict.State = domain.CheckState(state)
		e.Verdict.TargetURL = nullableTextToString(targetURL)
		e.Verdict.Description = nullableTextToString(description)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
