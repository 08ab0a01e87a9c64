package sqlite

import (
	"context"
	"strings"

	"github.com/louisbranch/projectiond/internal/services/projector/event"
	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

const defaultDeadLetterLimit = 100

// ListDeadLetters returns dead letters newest first; an empty shard lists all.
func (s *Store) ListDeadLetters(ctx context.Context, shard string, limit int) ([]storage.DeadLetter, error) {
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}
	query := `SELECT id, shard, seq_id, stream_id, tenant_id, type, data, error, recorded_at FROM dead_letter_events`
	var args []any
	if shard = strings.TrimSpace(shard); shard != "" {
		query += " WHERE shard = ?"
		args = append(args, shard)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "list dead letters")
	}
	defer rows.Close()
	var letters []storage.DeadLetter
	for rows.Next() {
		var (
			letter     storage.DeadLetter
			seq        int64
			eventType  string
			data       string
			recordedAt int64
		)
		if err := rows.Scan(&letter.ID, &letter.Shard, &seq, &letter.StreamID, &letter.TenantID, &eventType, &data, &letter.Error, &recordedAt); err != nil {
			return nil, classify(err, "scan dead letter")
		}
		letter.Seq = uint64(seq)
		letter.Type = event.Type(eventType)
		letter.Payload = []byte(data)
		letter.RecordedAt = fromMillis(recordedAt)
		letters = append(letters, letter)
	}
	return letters, rows.Err()
}
