package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"export-job-service/internal/errs"
	"export-job-service/internal/models"
)

// PutThirdPartyItem upserts one synced row. Re-syncs overwrite by item_id so
// repeated attempts stay idempotent.
func (s *Store) PutThirdPartyItem(ctx context.Context, item models.ThirdPartyItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO third_party_items (item_id, source, resource_type, title, name, email, data, sync_attempt, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (item_id) DO UPDATE
		SET source = EXCLUDED.source, resource_type = EXCLUDED.resource_type,
		    title = EXCLUDED.title, name = EXCLUDED.name, email = EXCLUDED.email,
		    data = EXCLUDED.data, sync_attempt = EXCLUDED.sync_attempt, synced_at = EXCLUDED.synced_at
	`, item.ItemID, item.Source, item.ResourceType, item.Title, item.Name, item.Email, item.Data, item.SyncAttempt, item.SyncedAt)
	if err != nil {
		return fmt.Errorf("upsert third party item: %w", err)
	}
	return nil
}

// ListThirdPartyItems returns synced rows newest-first, optionally filtered
// by source and resource type.
func (s *Store) ListThirdPartyItems(ctx context.Context, source, resourceType string, limit int) ([]models.ThirdPartyItem, error) {
	query := `
		SELECT item_id, source, resource_type, title, name, email, data, sync_attempt, synced_at
		FROM third_party_items
		WHERE ($1 = '' OR source = $1) AND ($2 = '' OR resource_type = $2)
		ORDER BY synced_at DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, source, resourceType, limit)
	if err != nil {
		return nil, fmt.Errorf("query third party items: %w", err)
	}
	defer rows.Close()

	var out []models.ThirdPartyItem
	for rows.Next() {
		var (
			item  models.ThirdPartyItem
			title pgtype.Text
			name  pgtype.Text
			email pgtype.Text
		)
		if err := rows.Scan(&item.ItemID, &item.Source, &item.ResourceType, &title, &name, &email, &item.Data, &item.SyncAttempt, &item.SyncedAt); err != nil {
			return nil, fmt.Errorf("scan third party item: %w", err)
		}
		item.Title = textPtr(title)
		item.Name = textPtr(name)
		item.Email = textPtr(email)
		out = append(out, item)
	}
	return out, rows.Err()
}

// CreateSyncExecution inserts the durable record for one orchestrator run.
func (s *Store) CreateSyncExecution(ctx context.Context, exec models.SyncExecution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_executions (execution_id, resource_type, item_limit, attempt, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, exec.ExecutionID, exec.ResourceType, exec.Limit, exec.Attempt, exec.State, exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert sync execution: %w", err)
	}
	return nil
}

// UpdateSyncExecution records attempt progress and, on terminal states, the
// final message and synced count.
func (s *Store) UpdateSyncExecution(ctx context.Context, id string, attempt int, state string, message *string, syncedCount *int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_executions
		SET attempt = $2, state = $3, message = $4, synced_count = $5, updated_at = NOW()
		WHERE execution_id = $1
	`, id, attempt, state, message, syncedCount)
	if err != nil {
		return fmt.Errorf("update sync execution: %w", err)
	}
	return nil
}

// GetSyncExecution fetches one execution record by id.
func (s *Store) GetSyncExecution(ctx context.Context, id string) (models.SyncExecution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT execution_id, resource_type, item_limit, attempt, state, message, synced_count, created_at, updated_at
		FROM sync_executions WHERE execution_id = $1
	`, id)

	var (
		exec        models.SyncExecution
		message     pgtype.Text
		syncedCount pgtype.Int4
	)
	err := row.Scan(&exec.ExecutionID, &exec.ResourceType, &exec.Limit, &exec.Attempt, &exec.State, &message, &syncedCount, &exec.CreatedAt, &exec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SyncExecution{}, fmt.Errorf("execution %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return models.SyncExecution{}, fmt.Errorf("scan sync execution: %w", err)
	}
	exec.Message = textPtr(message)
	if syncedCount.Valid {
		n := int(syncedCount.Int32)
		exec.SyncedCount = &n
	}
	return exec, nil
}
