package sqlite

import (
	"context"
	"strings"

	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

// PendingWorkItems returns up to limit uncompleted work items for alias in
// number order. An empty tenant matches every tenant.
func (s *Store) PendingWorkItems(ctx context.Context, alias, tenant string, limit int) ([]storage.WorkItem, error) {
	query := `SELECT number, stream_id, stream_type, tenant_id, completed
FROM rebuild_work_items WHERE stream_type = ? AND completed = 0`
	args := []any{strings.TrimSpace(alias)}
	if tenant = strings.TrimSpace(tenant); tenant != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenant)
	}
	query += " ORDER BY number"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "list work items")
	}
	defer rows.Close()
	var items []storage.WorkItem
	for rows.Next() {
		var (
			item      storage.WorkItem
			completed int
		)
		if err := rows.Scan(&item.Number, &item.StreamID, &item.StreamType, &item.TenantID, &completed); err != nil {
			return nil, classify(err, "scan work item")
		}
		item.Completed = completed != 0
		items = append(items, item)
	}
	return items, rows.Err()
}

// WorkItemTenants lists tenants with pending work items for alias.
func (s *Store) WorkItemTenants(ctx context.Context, alias string) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT DISTINCT tenant_id FROM rebuild_work_items WHERE stream_type = ? AND completed = 0 ORDER BY tenant_id`,
		strings.TrimSpace(alias),
	)
	if err != nil {
		return nil, classify(err, "list work item tenants")
	}
	defer rows.Close()
	var tenants []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, classify(err, "scan work item tenant")
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

// CountWorkItems returns the number of pending work items for alias.
func (s *Store) CountWorkItems(ctx context.Context, alias string) (int, error) {
	var count int
	if err := s.sqlDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rebuild_work_items WHERE stream_type = ? AND completed = 0",
		strings.TrimSpace(alias),
	).Scan(&count); err != nil {
		return 0, classify(err, "count work items")
	}
	return count, nil
}
