// Package postgres provides PostgreSQL storage for the session audit trail.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/cloudquay/cloudquay/pkg/audit"
)

const (
	defaultRetentionDays = 90
	defaultQueryLimit    = 100
	maxQueryLimit        = 10000
	pruneInterval        = time.Hour
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// auditColumns lists columns handled by audit queries.
var auditColumns = []string{
	"id", "timestamp", "event_type", "session_id", "user_id", "provider",
	"task_id", "task_name", "remote_addr", "details", "success",
	"error_message", "duration_ms",
}

// Store implements audit.Logger using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the PostgreSQL audit store.
type Config struct {
	RetentionDays int
}

// New creates a new PostgreSQL audit store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	return &Store{
		db:            db,
		retentionDays: cfg.RetentionDays,
	}
}

// Log records an audit event.
func (s *Store) Log(ctx context.Context, event audit.Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		details = []byte("{}")
	}

	query := psq.Insert("session_audit").
		Columns(auditColumns...).
		Values(
			event.ID,
			event.Timestamp,
			string(event.Type),
			event.SessionID,
			event.UserID,
			event.Provider,
			event.TaskID,
			event.TaskName,
			event.RemoteAddr,
			details,
			event.Success,
			event.ErrorMessage,
			event.DurationMS,
		)

	if _, err := query.RunWith(s.db).ExecContext(ctx); err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// Query retrieves audit events matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter audit.QueryFilter) ([]audit.Event, error) {
	query := psq.Select(auditColumns...).
		From("session_audit").
		OrderBy("timestamp DESC")

	if filter.SessionID != "" {
		query = query.Where(sq.Eq{"session_id": filter.SessionID})
	}
	if filter.UserID != "" {
		query = query.Where(sq.Eq{"user_id": filter.UserID})
	}
	if filter.Type != "" {
		query = query.Where(sq.Eq{"event_type": string(filter.Type)})
	}
	if filter.Success != nil {
		query = query.Where(sq.Eq{"success": *filter.Success})
	}
	if filter.StartTime != nil {
		query = query.Where(sq.GtOrEq{"timestamp": *filter.StartTime})
	}
	if filter.EndTime != nil {
		query = query.Where(sq.LtOrEq{"timestamp": *filter.EndTime})
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	query = query.Limit(uint64(limit))
	if filter.Offset > 0 {
		query = query.Offset(uint64(filter.Offset))
	}

	rows, err := query.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []audit.Event
	for rows.Next() {
		var (
			e         audit.Event
			eventType string
			details   []byte
		)
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &eventType, &e.SessionID, &e.UserID,
			&e.Provider, &e.TaskID, &e.TaskName, &e.RemoteAddr, &details,
			&e.Success, &e.ErrorMessage, &e.DurationMS,
		); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		e.Type = audit.EventType(eventType)
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading audit events: %w", err)
	}
	return events, nil
}

// Prune removes events older than the retention window.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	result, err := psq.Delete("session_audit").
		Where(sq.Lt{"timestamp": cutoff}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("pruning audit events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// StartPruneRoutine starts a background goroutine that periodically prunes
// events past retention. Stopped by Close.
func (s *Store) StartPruneRoutine() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.Prune(ctx); err != nil {
					slog.Error("audit: prune failed", "error", err)
				} else if n > 0 {
					slog.Debug("audit: pruned events", "count", n)
				}
			}
		}
	}()
}

// Close stops the prune routine. The database handle is owned by the caller.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var _ audit.Logger = (*Store)(nil)
