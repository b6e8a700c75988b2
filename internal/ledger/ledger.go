// Package ledger is the append-oriented, deduplicated record store for
// detected rule violations and their fix outcomes.
//
// The store is SQLite in WAL mode so that concurrent scanner and fixer
// processes on the same host can share it safely; the external contract
// remains line-delimited JSON via ExportJSONL.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pluginops/guardian/internal/checks"
)

// Status is the issue lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusFixed    Status = "fixed"
	StatusRejected Status = "rejected"
)

// Issue is one recorded rule violation.
type Issue struct {
	IssueID    string          `json:"issue_id"`
	DetectedAt time.Time       `json:"detected_at"`
	SessionID  string          `json:"session_id"`
	Status     Status          `json:"status"`
	Plugin     string          `json:"plugin"`
	Component  string          `json:"component"`
	RuleID     string          `json:"rule_id"`
	CheckID    string          `json:"check_id,omitempty"`
	Severity   string          `json:"severity"`
	Confidence float64         `json:"confidence"`
	Path       string          `json:"path"`
	Line       int             `json:"line,omitempty"`
	Evidence   checks.Evidence `json:"evidence"`

	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`

	// FixScore is the critic score that gated an applied fix. Zero until the
	// fix pipeline resolves the issue; carried into the human Outcome record.
	FixScore int `json:"fix_score,omitempty"`
}

// Outcome records the human decision on one applied fix.
type Outcome struct {
	IssueID    string    `json:"issue_id"`
	RuleID     string    `json:"rule_id"`
	Approved   bool      `json:"approved"`
	Score      int       `json:"score"`
	SessionID  string    `json:"session_id,omitempty"`
	Note       string    `json:"note,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Status Status
	Plugin string
	RuleID string
	Limit  int
}

// Store is the SQLite-backed issue ledger.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at path. ":memory:" is supported for
// tests. WAL mode keeps concurrent readers from blocking the writer.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping ledger database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends a new pending issue for the violation unless a pending issue
// already exists for the same (plugin, component, rule_id). The dedup is
// enforced by a partial unique index, so repeated detection across scan
// cycles — or across racing processes — is idempotent. Returns the stored
// issue, or nil when the record was deduplicated.
func (s *Store) Record(ctx context.Context, plugin, component, sessionID string, v *checks.Violation) (*Issue, error) {
	evidence, err := json.Marshal(v.Evidence)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal evidence: %w", err)
	}

	issue := &Issue{
		IssueID:    uuid.NewString(),
		DetectedAt: time.Now().UTC(),
		SessionID:  sessionID,
		Status:     StatusPending,
		Plugin:     plugin,
		Component:  component,
		RuleID:     v.RuleID,
		CheckID:    v.CheckID,
		Severity:   string(v.Severity),
		Confidence: v.Confidence,
		Path:       v.Path,
		Line:       v.Line,
		Evidence:   v.Evidence,
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO issues (
			issue_id, detected_at, session_id, status, plugin, component,
			rule_id, check_id, severity, confidence, path, line, evidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.IssueID, issue.DetectedAt, issue.SessionID, issue.Status,
		issue.Plugin, issue.Component, issue.RuleID, issue.CheckID,
		issue.Severity, issue.Confidence, issue.Path, issue.Line, string(evidence),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record issue (rule=%s, path=%s): %w", v.RuleID, v.Path, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Deduplicated: a pending issue for this triple already exists.
		return nil, nil
	}
	return issue, nil
}

// Get returns the issue with the given ID, or an error if it doesn't exist.
func (s *Store) Get(ctx context.Context, issueID string) (*Issue, error) {
	row := s.db.QueryRowContext(ctx, selectIssue+` WHERE issue_id = ?`, issueID)
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("issue not found: %s", issueID)
	}
	return issue, err
}

// List returns issues matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Issue, error) {
	query := selectIssue + ` WHERE 1=1`
	args := []interface{}{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Plugin != "" {
		query += ` AND plugin = ?`
		args = append(args, filter.Plugin)
	}
	if filter.RuleID != "" {
		query += ` AND rule_id = ?`
		args = append(args, filter.RuleID)
	}
	query += ` ORDER BY detected_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var out []*Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, issue)
	}
	return out, rows.Err()
}

// Resolve transitions a pending issue to fixed or rejected. Resolving an
// already-resolved issue is an error so outcome recording can't double-count.
func (s *Store) Resolve(ctx context.Context, issueID string, status Status, note string) error {
	return s.resolve(ctx, issueID, status, note, 0)
}

// ResolveFixed marks a pending issue fixed and stores the critic score that
// gated the fix. The score survives on the issue so the later human outcome
// carries it into the outcomes table.
func (s *Store) ResolveFixed(ctx context.Context, issueID, note string, score int) error {
	return s.resolve(ctx, issueID, StatusFixed, note, score)
}

func (s *Store) resolve(ctx context.Context, issueID string, status Status, note string, score int) error {
	if status != StatusFixed && status != StatusRejected {
		return fmt.Errorf("invalid resolution status %q", status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET status = ?, resolved_at = ?, resolution_note = ?, fix_score = ?
		WHERE issue_id = ? AND status = 'pending'`,
		status, time.Now().UTC(), note, score, issueID,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve issue %s: %w", issueID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("issue %s is not pending (or does not exist)", issueID)
	}
	return nil
}

// RecordOutcome appends a fix outcome for later confidence learning.
func (s *Store) RecordOutcome(ctx context.Context, o *Outcome) error {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (issue_id, rule_id, approved, score, session_id, note, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.IssueID, o.RuleID, o.Approved, o.Score, o.SessionID, o.Note, o.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome for issue %s: %w", o.IssueID, err)
	}
	return nil
}

// OutcomesByRule returns all recorded outcomes grouped by rule ID.
func (s *Store) OutcomesByRule(ctx context.Context) (map[string][]*Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT issue_id, rule_id, approved, score, session_id, note, recorded_at
		FROM outcomes ORDER BY recorded_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]*Outcome)
	for rows.Next() {
		o := &Outcome{}
		if err := rows.Scan(&o.IssueID, &o.RuleID, &o.Approved, &o.Score, &o.SessionID, &o.Note, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		out[o.RuleID] = append(out[o.RuleID], o)
	}
	return out, rows.Err()
}

const selectIssue = `
	SELECT issue_id, detected_at, session_id, status, plugin, component,
	       rule_id, check_id, severity, confidence, path, line, evidence,
	       resolved_at, resolution_note, fix_score
	FROM issues`

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIssue(row scanner) (*Issue, error) {
	issue := &Issue{}
	var evidence string
	var resolvedAt sql.NullTime
	err := row.Scan(
		&issue.IssueID, &issue.DetectedAt, &issue.SessionID, &issue.Status,
		&issue.Plugin, &issue.Component, &issue.RuleID, &issue.CheckID,
		&issue.Severity, &issue.Confidence, &issue.Path, &issue.Line,
		&evidence, &resolvedAt, &issue.ResolutionNote, &issue.FixScore,
	)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		issue.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(evidence), &issue.Evidence); err != nil {
		return nil, fmt.Errorf("failed to parse evidence for issue %s: %w", issue.IssueID, err)
	}
	return issue, nil
}
