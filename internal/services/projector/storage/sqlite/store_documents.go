package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/louisbranch/projectiond/internal/services/projector/event"
	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

// loadChunkSize bounds the identities bound in one IN list.
const loadChunkSize = 250

var aliasPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// DocumentTable returns the table name backing alias.
func DocumentTable(alias string) (string, error) {
	alias = strings.ToLower(strings.TrimSpace(alias))
	if !aliasPattern.MatchString(alias) {
		return "", fmt.Errorf("invalid document alias %q", alias)
	}
	return "doc_" + alias, nil
}

// EnsureStorageExists creates the document table for alias if missing.
func (s *Store) EnsureStorageExists(ctx context.Context, alias string) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	table, err := DocumentTable(alias)
	if err != nil {
		return err
	}

	s.ensuredMu.Lock()
	defer s.ensuredMu.Unlock()
	if s.ensured[table] {
		return nil
	}
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    data TEXT NOT NULL,
    version INTEGER NOT NULL,
    last_seq_id INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (id, tenant_id)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_tenant ON %[1]s (tenant_id, id);
`, table)
	if _, err := s.sqlDB.ExecContext(ctx, stmt); err != nil {
		return classify(err, "ensure document storage "+table)
	}
	s.ensured[table] = true
	return nil
}

// LoadDocuments returns the existing documents for ids keyed by identity.
func (s *Store) LoadDocuments(ctx context.Context, alias string, ids []event.Identity) (map[event.Identity]storage.Document, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	table, err := DocumentTable(alias)
	if err != nil {
		return nil, err
	}
	docs := make(map[event.Identity]storage.Document, len(ids))
	for start := 0; start < len(ids); start += loadChunkSize {
		end := min(start+loadChunkSize, len(ids))
		chunk := ids[start:end]

		values := strings.TrimSuffix(strings.Repeat("(?, ?),", len(chunk)), ",")
		args := make([]any, 0, 2*len(chunk))
		for _, id := range chunk {
			args = append(args, id.StreamID, event.NormalizeTenant(id.TenantID))
		}
		rows, err := s.sqlDB.QueryContext(ctx,
			"SELECT id, tenant_id, data, version, last_seq_id, updated_at FROM "+table+
				" WHERE (id, tenant_id) IN (VALUES "+values+")",
			args...,
		)
		if err != nil {
			return nil, classify(err, "load documents")
		}
		for rows.Next() {
			doc, err := scanDocument(rows)
			if err != nil {
				rows.Close()
				return nil, classify(err, "scan document")
			}
			docs[doc.Identity] = doc
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, classify(err, "read documents")
		}
	}
	return docs, nil
}

// GetDocument returns one document or storage.ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, alias string, id event.Identity) (storage.Document, error) {
	if s == nil || s.sqlDB == nil {
		return storage.Document{}, fmt.Errorf("storage is not configured")
	}
	table, err := DocumentTable(alias)
	if err != nil {
		return storage.Document{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT id, tenant_id, data, version, last_seq_id, updated_at FROM "+table+" WHERE id = ? AND tenant_id = ?",
		id.StreamID, event.NormalizeTenant(id.TenantID),
	)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Document{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Document{}, classify(err, "get document")
	}
	return doc, nil
}

// CountDocuments returns the number of documents stored for alias.
func (s *Store) CountDocuments(ctx context.Context, alias string) (int, error) {
	table, err := DocumentTable(alias)
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		return 0, classify(err, "count documents")
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (storage.Document, error) {
	var (
		doc       storage.Document
		data      string
		version   int64
		lastSeq   int64
		updatedAt int64
	)
	if err := row.Scan(&doc.Identity.StreamID, &doc.Identity.TenantID, &data, &version, &lastSeq, &updatedAt); err != nil {
		return storage.Document{}, err
	}
	doc.Data = []byte(data)
	doc.Version = uint64(version)
	doc.LastSeq = uint64(lastSeq)
	doc.UpdatedAt = fromMillis(updatedAt)
	return doc, nil
}
