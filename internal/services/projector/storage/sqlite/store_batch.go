package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/projectiond/internal/platform/errors"
	"github.com/louisbranch/projectiond/internal/services/projector/event"
	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

// batch queues operations in memory and runs them in one transaction.
type batch struct {
	store  *Store
	ops    []storage.Operation
	closed bool
}

// OpenBatch returns an empty batch bound to the store.
func (s *Store) OpenBatch(ctx context.Context) (storage.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	return &batch{store: s}, nil
}

func (b *batch) Queue(ops ...storage.Operation) {
	for _, op := range ops {
		if op != nil {
			b.ops = append(b.ops, op)
		}
	}
}

func (b *batch) Len() int {
	return len(b.ops)
}

func (b *batch) Close() error {
	b.closed = true
	b.ops = nil
	return nil
}

// Execute runs every queued operation in one transaction. On failure nothing
// is committed and the queued operations are kept so the caller can inspect
// or discard them.
func (b *batch) Execute(ctx context.Context) error {
	if b.closed {
		return fmt.Errorf("batch is closed")
	}
	if len(b.ops) == 0 {
		return nil
	}
	// Document tables must exist before the transaction; DDL inside a write
	// transaction would serialize with concurrent shards for no gain.
	for _, op := range b.ops {
		if upsert, ok := op.(storage.UpsertDocument); ok {
			if err := b.store.EnsureStorageExists(ctx, upsert.Alias); err != nil {
				return err
			}
		}
	}

	tx, err := b.store.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin batch tx")
	}
	defer tx.Rollback()

	now := b.store.timestamp()
	for _, op := range b.ops {
		if err := execOperation(ctx, tx, op, now); err != nil {
			return classify(err, "execute "+op.Describe())
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "commit batch tx")
	}
	b.ops = b.ops[:0]
	return nil
}

func execOperation(ctx context.Context, tx *sql.Tx, op storage.Operation, now int64) error {
	switch op := op.(type) {
	case storage.UpsertDocument:
		return execUpsert(ctx, tx, op, now)
	case storage.DeleteDocument:
		return execDelete(ctx, tx, op)
	case storage.DeleteAllDocuments:
		return execDeleteAll(ctx, tx, op)
	case storage.UpdateProgress:
		return execUpdateProgress(ctx, tx, op, now)
	case storage.RawSQL:
		_, err := tx.ExecContext(ctx, op.Statement, op.Args...)
		return err
	case storage.RecordDeadLetter:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO dead_letter_events (shard, seq_id, stream_id, tenant_id, type, data, error, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			op.Shard, int64(op.Seq), op.StreamID, event.NormalizeTenant(op.TenantID), string(op.Type),
			string(op.Payload), op.Error, now,
		)
		return err
	case storage.CompleteWorkItems:
		if len(op.Numbers) == 0 {
			return nil
		}
		args := make([]any, len(op.Numbers))
		for i, n := range op.Numbers {
			args[i] = n
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM rebuild_work_items WHERE number IN ("+placeholders(len(args))+")", args...)
		return err
	case storage.SeedWorkItems:
		return execSeedWorkItems(ctx, tx, op)
	case storage.StampStreamTypes:
		return execStampStreamTypes(ctx, tx, op)
	default:
		return fmt.Errorf("unsupported operation %T", op)
	}
}

func execUpsert(ctx context.Context, tx *sql.Tx, op storage.UpsertDocument, now int64) error {
	table, err := DocumentTable(op.Alias)
	if err != nil {
		return err
	}
	if op.Identity.IsZero() {
		return fmt.Errorf("document identity is required")
	}
	data := op.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+table+` (id, tenant_id, data, version, last_seq_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id, tenant_id) DO UPDATE SET
		     data = excluded.data,
		     version = excluded.version,
		     last_seq_id = excluded.last_seq_id,
		     updated_at = excluded.updated_at`,
		op.Identity.StreamID, event.NormalizeTenant(op.Identity.TenantID), string(data),
		int64(op.Version), int64(op.LastSeq), now,
	)
	return err
}

func execDelete(ctx context.Context, tx *sql.Tx, op storage.DeleteDocument) error {
	table, err := DocumentTable(op.Alias)
	if err != nil {
		return err
	}
	exists, err := tableExists(ctx, tx, table)
	if err != nil || !exists {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"DELETE FROM "+table+" WHERE id = ? AND tenant_id = ?",
		op.Identity.StreamID, event.NormalizeTenant(op.Identity.TenantID),
	)
	return err
}

func execDeleteAll(ctx context.Context, tx *sql.Tx, op storage.DeleteAllDocuments) error {
	table, err := DocumentTable(op.Alias)
	if err != nil {
		return err
	}
	exists, err := tableExists(ctx, tx, table)
	if err != nil || !exists {
		return err
	}
	_, err = tx.ExecContext(ctx, "DELETE FROM "+table)
	return err
}

func tableExists(ctx context.Context, tx *sql.Tx, table string) (bool, error) {
	var exists int
	err := tx.QueryRowContext(ctx,
		"SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?", table,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func execUpdateProgress(ctx context.Context, tx *sql.Tx, op storage.UpdateProgress, now int64) error {
	name := strings.TrimSpace(op.Name)
	if name == "" {
		return fmt.Errorf("progress name is required")
	}
	mode := op.Mode
	if mode == "" {
		mode = storage.ModeContinuous
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE projection_progress
		 SET last_seq_id = ?, mode = ?, rebuild_threshold = ?, updated_at = ?
		 WHERE name = ? AND last_seq_id = ?`,
		int64(op.Seq), string(mode), int64(op.RebuildThreshold), now, name, int64(op.Expected),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var actual int64
	err = tx.QueryRowContext(ctx, "SELECT last_seq_id FROM projection_progress WHERE name = ?", name).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) && op.Expected == 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO projection_progress (name, last_seq_id, mode, rebuild_threshold, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			name, int64(op.Seq), string(mode), int64(op.RebuildThreshold), now,
		)
		return err
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return apperrors.WithMetadata(apperrors.CodeProgressConflict,
		fmt.Sprintf("progress %s expected %d, found %d", name, op.Expected, actual),
		map[string]string{
			"shard":    name,
			"expected": fmt.Sprintf("%d", op.Expected),
			"actual":   fmt.Sprintf("%d", actual),
		},
	)
}

func execSeedWorkItems(ctx context.Context, tx *sql.Tx, op storage.SeedWorkItems) error {
	alias := strings.TrimSpace(op.Alias)
	if alias == "" {
		return fmt.Errorf("work item alias is required")
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM rebuild_work_items WHERE stream_type = ?", alias); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO rebuild_work_items (stream_id, stream_type, tenant_id, completed)
		 SELECT id, type, tenant_id, 0 FROM streams
		 WHERE type = ? AND archived = 0
		 ORDER BY created_at DESC, rowid DESC`,
		alias,
	)
	return err
}

func execStampStreamTypes(ctx context.Context, tx *sql.Tx, op storage.StampStreamTypes) error {
	alias := strings.TrimSpace(op.Alias)
	if alias == "" {
		return fmt.Errorf("stamp alias is required")
	}
	if len(op.Types) == 0 {
		return nil
	}
	args := []any{alias, int64(op.Floor), int64(op.Ceiling)}
	for _, t := range op.Types {
		args = append(args, string(t))
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE streams SET type = ?
		 WHERE type = '' AND EXISTS (
		     SELECT 1 FROM events e
		     WHERE e.stream_id = streams.id AND e.tenant_id = streams.tenant_id
		       AND e.seq_id > ? AND e.seq_id <= ?
		       AND e.type IN (`+placeholders(len(op.Types))+`))`,
		args...,
	)
	return err
}
