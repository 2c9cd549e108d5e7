// Package report records abuse reports filed from inside a room. A reporter
// may file a limited number of reports per day and at most one against the
// same partner in the same room.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Outcome is the result of a submission.
type Outcome int

const (
	Accepted Outcome = iota
	RateLimited
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case RateLimited:
		return "rate_limited"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Report is a single abuse report to be persisted.
type Report struct {
	ID                int64     `json:"id"`
	ReporterSessionID string    `json:"reporterId"`
	ReportedSessionID string    `json:"reportedId"`
	RoomID            string    `json:"roomId,omitempty"`
	Reason            string    `json:"reason"`
	Description       string    `json:"description,omitempty"`
	Resolved          bool      `json:"resolved"`
	CreatedAt         time.Time `json:"timestamp"`
}

// DefaultListLimit bounds Unresolved when the caller passes no limit.
const DefaultListLimit = 50

// Stats counts the reports a session filed and the reports filed against it.
type Stats struct {
	Filed   int `json:"totalReports"`
	Against int `json:"userReportsAgainstYou"`
}

// Store persists reports. Submit enforces the daily cap and the per-room
// duplicate rule together with the insert.
type Store interface {
	Submit(ctx context.Context, r Report, dailyLimit int) (Outcome, error)
	// Unresolved returns up to limit unresolved reports, newest first.
	Unresolved(ctx context.Context, limit int) ([]Report, error)
	Stats(ctx context.Context, sessionID string) (Stats, error)
}

// startOfDay returns midnight UTC of the day containing t.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// PostgresStore keeps reports in the reports table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a report store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Submit checks the cap and the duplicate rule and inserts the report in one
// transaction. An advisory lock on the reporter serializes concurrent
// submissions from the same session.
func (s *PostgresStore) Submit(ctx context.Context, r Report, dailyLimit int) (Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("report: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, r.ReporterSessionID); err != nil {
		return 0, fmt.Errorf("report: lock: %w", err)
	}

	var today int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM reports
		WHERE reporter_session_id = $1
		  AND created_at >= $2`,
		r.ReporterSessionID, startOfDay(time.Now()),
	).Scan(&today)
	if err != nil {
		return 0, fmt.Errorf("report: count today: %w", err)
	}
	if today >= dailyLimit {
		return RateLimited, nil
	}

	if r.RoomID != "" {
		var exists bool
		err = tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM reports
				WHERE reporter_session_id = $1
				  AND reported_session_id = $2
				  AND room_id = $3
			)`,
			r.ReporterSessionID, r.ReportedSessionID, r.RoomID,
		).Scan(&exists)
		if err != nil {
			return 0, fmt.Errorf("report: duplicate check: %w", err)
		}
		if exists {
			return Duplicate, nil
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reports (reporter_session_id, reported_session_id, room_id, reason, description)
		VALUES ($1, $2, $3, $4, $5)`,
		r.ReporterSessionID, r.ReportedSessionID, r.RoomID, r.Reason, r.Description,
	)
	if err != nil {
		return 0, fmt.Errorf("report: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("report: commit: %w", err)
	}
	return Accepted, nil
}

func (s *PostgresStore) Unresolved(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reporter_session_id, reported_session_id, room_id, reason, description, resolved, created_at
		FROM reports
		WHERE NOT resolved
		ORDER BY created_at DESC, id DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("report: list unresolved: %w", err)
	}
	defer rows.Close()

	out := make([]Report, 0, limit)
	for rows.Next() {
		var r Report
		if err := rows.Scan(&r.ID, &r.ReporterSessionID, &r.ReportedSessionID, &r.RoomID,
			&r.Reason, &r.Description, &r.Resolved, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("report: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: list unresolved: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Stats(ctx context.Context, sessionID string) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE reporter_session_id = $1),
			COUNT(*) FILTER (WHERE reported_session_id = $1)
		FROM reports
		WHERE reporter_session_id = $1 OR reported_session_id = $1`,
		sessionID,
	).Scan(&st.Filed, &st.Against)
	if err != nil {
		return Stats{}, fmt.Errorf("report: stats: %w", err)
	}
	return st, nil
}

// MemoryStore keeps reports in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	reports []Report
	nextID  int64
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory report store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// SetClock replaces the time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryStore) Submit(_ context.Context, r Report, dailyLimit int) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	since := startOfDay(now)
	today, duplicate := 0, false
	for _, prev := range m.reports {
		if prev.ReporterSessionID != r.ReporterSessionID {
			continue
		}
		if !prev.CreatedAt.Before(since) {
			today++
		}
		if r.RoomID != "" && prev.RoomID == r.RoomID && prev.ReportedSessionID == r.ReportedSessionID {
			duplicate = true
		}
	}
	// The cap is checked first, as in the Postgres store.
	if today >= dailyLimit {
		return RateLimited, nil
	}
	if duplicate {
		return Duplicate, nil
	}

	m.nextID++
	r.ID = m.nextID
	r.CreatedAt = now
	m.reports = append(m.reports, r)
	return Accepted, nil
}

func (m *MemoryStore) Unresolved(_ context.Context, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Report, 0, limit)
	for i := len(m.reports) - 1; i >= 0 && len(out) < limit; i-- {
		if !m.reports[i].Resolved {
			out = append(out, m.reports[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context, sessionID string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Stats
	for _, r := range m.reports {
		if r.ReporterSessionID == sessionID {
			st.Filed++
		}
		if r.ReportedSessionID == sessionID {
			st.Against++
		}
	}
	return st, nil
}

// Reports returns a copy of every stored report.
func (m *MemoryStore) Reports() []Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Report, len(m.reports))
	copy(out, m.reports)
	return out
}
