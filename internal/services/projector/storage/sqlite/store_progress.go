package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

// GetProgress returns the checkpoint for a shard.
// Returns storage.ErrNotFound if the shard never committed.
func (s *Store) GetProgress(ctx context.Context, name string) (storage.Progress, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.Progress{}, fmt.Errorf("progress name is required")
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT name, last_seq_id, mode, rebuild_threshold, updated_at FROM projection_progress WHERE name = ?`,
		name,
	)
	progress, err := scanProgress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Progress{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Progress{}, classify(err, "get progress")
	}
	return progress, nil
}

// ListProgress returns all checkpoints ordered by name.
func (s *Store) ListProgress(ctx context.Context) ([]storage.Progress, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT name, last_seq_id, mode, rebuild_threshold, updated_at FROM projection_progress ORDER BY name`,
	)
	if err != nil {
		return nil, classify(err, "list progress")
	}
	defer rows.Close()
	var list []storage.Progress
	for rows.Next() {
		progress, err := scanProgress(rows)
		if err != nil {
			return nil, classify(err, "scan progress")
		}
		list = append(list, progress)
	}
	return list, rows.Err()
}

// DeleteProgress removes a checkpoint so the shard restarts from zero.
func (s *Store) DeleteProgress(ctx context.Context, name string) error {
	res, err := s.sqlDB.ExecContext(ctx, "DELETE FROM projection_progress WHERE name = ?", strings.TrimSpace(name))
	if err != nil {
		return classify(err, "delete progress")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanProgress(row rowScanner) (storage.Progress, error) {
	var (
		progress  storage.Progress
		lastSeq   int64
		mode      string
		threshold int64
		updatedAt int64
	)
	if err := row.Scan(&progress.Name, &lastSeq, &mode, &threshold, &updatedAt); err != nil {
		return storage.Progress{}, err
	}
	progress.LastSeq = uint64(lastSeq)
	progress.Mode = storage.Mode(mode)
	progress.RebuildThreshold = uint64(threshold)
	progress.UpdatedAt = fromMillis(updatedAt)
	return progress, nil
}
