package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// HealthStats is the query-time health computation over the ledger.
//
// Score is resolution_rate − stale_rate, where resolution_rate is the
// percentage of all issues resolved (fixed or rejected) and stale_rate is the
// percentage still pending past the stale window. The engine does not enforce
// any threshold on Score; "healthy" (conventionally ≥ 70) is the caller's
// interpretation.
type HealthStats struct {
	Total          int     `json:"total"`
	Resolved       int     `json:"resolved"`
	Pending        int     `json:"pending"`
	StalePending   int     `json:"stale_pending"`
	ResolutionRate float64 `json:"resolution_rate"`
	StaleRate      float64 `json:"stale_rate"`
	Score          float64 `json:"score"`
}

// HealthScore computes ledger health at query time. An empty ledger scores
// 100: nothing detected, nothing rotting.
func (s *Store) HealthScore(ctx context.Context, staleWindow time.Duration) (*HealthStats, error) {
	stats := &HealthStats{}
	cutoff := time.Now().UTC().Add(-staleWindow)

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status != 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' AND detected_at < ? THEN 1 ELSE 0 END), 0)
		FROM issues`, cutoff,
	).Scan(&stats.Total, &stats.Resolved, &stats.Pending, &stats.StalePending)
	if err != nil {
		return nil, fmt.Errorf("failed to compute health stats: %w", err)
	}

	if stats.Total == 0 {
		stats.ResolutionRate = 100
		stats.Score = 100
		return stats, nil
	}

	stats.ResolutionRate = float64(stats.Resolved) / float64(stats.Total) * 100
	stats.StaleRate = float64(stats.StalePending) / float64(stats.Total) * 100
	stats.Score = stats.ResolutionRate - stats.StaleRate
	return stats, nil
}

// ExportJSONL writes every issue as line-delimited JSON in detection order.
// This is the external, tool-agnostic view of the ledger.
func (s *Store) ExportJSONL(ctx context.Context, w io.Writer) error {
	rows, err := s.db.QueryContext(ctx, selectIssue+` ORDER BY detected_at, issue_id`)
	if err != nil {
		return fmt.Errorf("failed to query issues for export: %w", err)
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return err
		}
		if err := enc.Encode(issue); err != nil {
			return fmt.Errorf("failed to encode issue %s: %w", issue.IssueID, err)
		}
	}
	return rows.Err()
}
