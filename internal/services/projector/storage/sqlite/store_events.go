package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/projectiond/internal/services/projector/event"
	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

// FetchEvents returns events in (Floor, Ceiling] ordered by sequence.
func (s *Store) FetchEvents(ctx context.Context, query storage.EventQuery) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if query.Ceiling < query.Floor {
		return nil, fmt.Errorf("fetch events: ceiling %d below floor %d", query.Ceiling, query.Floor)
	}

	var sb strings.Builder
	sb.WriteString(`SELECT e.seq_id, e.stream_id, e.tenant_id, e.version, e.type, e.data, e.timestamp, COALESCE(s.type, '')
FROM events e
LEFT JOIN streams s ON s.id = e.stream_id AND s.tenant_id = e.tenant_id
WHERE e.seq_id > ? AND e.seq_id <= ?`)
	args := []any{int64(query.Floor), int64(query.Ceiling)}

	if len(query.Types) > 0 {
		sb.WriteString(" AND e.type IN (" + placeholders(len(query.Types)) + ")")
		for _, t := range query.Types {
			args = append(args, string(t))
		}
	}
	if tenant := strings.TrimSpace(query.TenantID); tenant != "" {
		sb.WriteString(" AND e.tenant_id = ?")
		args = append(args, tenant)
	}
	if len(query.StreamIDs) > 0 {
		sb.WriteString(" AND e.stream_id IN (" + placeholders(len(query.StreamIDs)) + ")")
		for _, id := range query.StreamIDs {
			args = append(args, id)
		}
	}
	if !query.IncludeArchived {
		sb.WriteString(" AND e.archived = 0")
	}
	sb.WriteString(" ORDER BY e.seq_id")
	if query.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, query.Limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, classify(err, "fetch events")
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var (
			evt       event.Event
			seq       int64
			version   int64
			eventType string
			data      string
			timestamp int64
		)
		if err := rows.Scan(&seq, &evt.StreamID, &evt.TenantID, &version, &eventType, &data, &timestamp, &evt.AggregateType); err != nil {
			return nil, classify(err, "scan event")
		}
		evt.Seq = uint64(seq)
		evt.Version = uint64(version)
		evt.Type = event.Type(eventType)
		evt.PayloadJSON = []byte(data)
		evt.Timestamp = fromMillis(timestamp)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "read events")
	}
	return events, nil
}

// AppendEvents stores events in one transaction, assigning the next global
// sequence and stream version to each. A non-zero Version on an input event
// is treated as the expected stream version.
func (s *Store) AppendEvents(ctx context.Context, events []event.Event) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err, "begin append tx")
	}
	defer tx.Rollback()

	var maxSeq int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq_id), 0) FROM events").Scan(&maxSeq); err != nil {
		return nil, classify(err, "read max sequence")
	}

	stored := make([]event.Event, 0, len(events))
	now := s.now()
	for _, evt := range events {
		streamID, err := s.identity.Normalize(evt.StreamID)
		if err != nil {
			return nil, fmt.Errorf("append event: %w", err)
		}
		evt.StreamID = streamID
		if strings.TrimSpace(string(evt.Type)) == "" {
			return nil, fmt.Errorf("append event: type is required")
		}
		evt.TenantID = event.NormalizeTenant(evt.TenantID)
		if evt.Timestamp.IsZero() {
			evt.Timestamp = now
		}
		if len(evt.PayloadJSON) == 0 {
			evt.PayloadJSON = []byte("{}")
		}

		var (
			version    int64
			streamType string
			archived   int
		)
		err = tx.QueryRowContext(ctx,
			"SELECT version, type, archived FROM streams WHERE id = ? AND tenant_id = ?",
			evt.StreamID, evt.TenantID,
		).Scan(&version, &streamType, &archived)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO streams (id, tenant_id, type, version, archived, created_at) VALUES (?, ?, ?, 0, 0, ?)",
				evt.StreamID, evt.TenantID, evt.AggregateType, toMillis(now),
			); err != nil {
				return nil, classify(err, "insert stream")
			}
			streamType = evt.AggregateType
		case err != nil:
			return nil, classify(err, "read stream")
		}

		next := uint64(version) + 1
		if evt.Version != 0 && evt.Version != next {
			return nil, fmt.Errorf("append event: stream %s expected version %d, have %d", evt.StreamID, evt.Version, next)
		}
		evt.Version = next
		if evt.AggregateType == "" {
			evt.AggregateType = streamType
		}
		maxSeq++
		evt.Seq = uint64(maxSeq)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (seq_id, stream_id, tenant_id, version, type, data, timestamp, archived)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			maxSeq, evt.StreamID, evt.TenantID, int64(evt.Version), string(evt.Type),
			string(evt.PayloadJSON), toMillis(evt.Timestamp), archived,
		); err != nil {
			return nil, classify(err, "insert event")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE streams SET version = ?, type = CASE WHEN type = '' THEN ? ELSE type END
			 WHERE id = ? AND tenant_id = ?`,
			int64(evt.Version), evt.AggregateType, evt.StreamID, evt.TenantID,
		); err != nil {
			return nil, classify(err, "update stream")
		}
		stored = append(stored, evt)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err, "commit append tx")
	}
	return stored, nil
}

// ArchiveStream flags a stream and its events as archived.
func (s *Store) ArchiveStream(ctx context.Context, identity event.Identity) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	tenant := event.NormalizeTenant(identity.TenantID)
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin archive tx")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE streams SET archived = 1 WHERE id = ? AND tenant_id = ?", identity.StreamID, tenant)
	if err != nil {
		return classify(err, "archive stream")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, "UPDATE events SET archived = 1 WHERE stream_id = ? AND tenant_id = ?", identity.StreamID, tenant); err != nil {
		return classify(err, "archive stream events")
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "commit archive tx")
	}
	return nil
}

// HighWaterStatistics computes the gap-free mark above after.
func (s *Store) HighWaterStatistics(ctx context.Context, after uint64) (storage.HighWaterStatistics, error) {
	if s == nil || s.sqlDB == nil {
		return storage.HighWaterStatistics{}, fmt.Errorf("storage is not configured")
	}
	var (
		highest    int64
		contiguous sql.NullInt64
		nextAfter  sql.NullInt64
	)
	if err := s.sqlDB.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq_id), 0) FROM events").Scan(&highest); err != nil {
		return storage.HighWaterStatistics{}, classify(err, "read highest sequence")
	}
	stats := storage.HighWaterStatistics{Contiguous: after, Highest: uint64(highest)}
	if uint64(highest) <= after {
		return stats, nil
	}

	// The first sequence above after whose successor is missing closes the
	// contiguous run, provided after+1 itself exists.
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT CASE
		     WHEN NOT EXISTS (SELECT 1 FROM events WHERE seq_id = ? + 1) THEN NULL
		     ELSE (SELECT MIN(e.seq_id) FROM events e
		           WHERE e.seq_id > ?
		             AND NOT EXISTS (SELECT 1 FROM events n WHERE n.seq_id = e.seq_id + 1))
		 END`,
		int64(after), int64(after),
	).Scan(&contiguous); err != nil {
		return storage.HighWaterStatistics{}, classify(err, "read contiguous sequence")
	}
	if contiguous.Valid {
		stats.Contiguous = uint64(contiguous.Int64)
	}

	if err := s.sqlDB.QueryRowContext(ctx,
		"SELECT MIN(seq_id) FROM events WHERE seq_id > ?", int64(stats.Contiguous),
	).Scan(&nextAfter); err != nil {
		return storage.HighWaterStatistics{}, classify(err, "read next sequence")
	}
	if nextAfter.Valid {
		stats.NextAfter = uint64(nextAfter.Int64)
	}
	return stats, nil
}
