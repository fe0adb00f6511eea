package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 1000
)

// Service is the event log: an append-only history of zone entries, exits and
// fired rules per subject
type Service struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewService creates a new event log service
func NewService(db *sql.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:     db,
		logger: logger.With("component", "event_log"),
	}
}

// Append writes a record to the log
func (s *Service) Append(ctx context.Context, rec *Record) error {
	if rec.SubjectID == "" {
		return errors.New("record has no subject")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	details := "{}"
	if len(rec.Details) > 0 {
		details = string(rec.Details)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (id, subject_id, kind, zone_id, rule_id, timestamp, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SubjectID, string(rec.Kind), rec.ZoneID, rec.RuleID, rec.Timestamp.UnixMilli(), details)
	if err != nil {
		return fmt.Errorf("failed to append %s for %s: %w", rec.Kind, rec.SubjectID, err)
	}

	s.logger.Debug("Event logged", "subject", rec.SubjectID, "kind", rec.Kind, "zone", rec.ZoneID)
	return nil
}

// QueryBySubject returns a subject's records, newest first
func (s *Service) QueryBySubject(ctx context.Context, subjectID string, opts QueryOptions) ([]*Record, error) {
	query := `SELECT id, subject_id, kind, zone_id, rule_id, timestamp, details
	          FROM event_log WHERE subject_id = ?`
	args := []any{subjectID}

	if len(opts.Kinds) > 0 {
		placeholders := make([]string, len(opts.Kinds))
		for i, k := range opts.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		query += " AND kind IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since.UnixMilli())
	}
	if opts.ZoneID != 0 {
		query += " AND zone_id = ?"
		args = append(args, opts.ZoneID)
	}
	if opts.RuleID != 0 {
		query += " AND rule_id = ?"
		args = append(args, opts.RuleID)
	}

	// rowid breaks ties between records written in the same millisecond
	query += " ORDER BY timestamp DESC, rowid DESC"

	limit := defaultQueryLimit
	if opts.Limit > 0 && opts.Limit <= maxQueryLimit {
		limit = opts.Limit
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event log: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		rec := &Record{}
		var kind, details string
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.SubjectID, &kind, &rec.ZoneID, &rec.RuleID, &ts, &details); err != nil {
			return nil, err
		}
		rec.Kind = Kind(kind)
		rec.Timestamp = time.UnixMilli(ts)
		if details != "" && details != "{}" {
			rec.Details = []byte(details)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Latest returns the newest record of the given kinds for a subject, or nil
func (s *Service) Latest(ctx context.Context, subjectID string, kinds ...Kind) (*Record, error) {
	records, err := s.QueryBySubject(ctx, subjectID, QueryOptions{Kinds: kinds, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// Prune deletes records older than the cutoff
func (s *Service) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM event_log WHERE timestamp < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune event log: %w", err)
	}
	return res.RowsAffected()
}
