// ABOUTME: SQLite implementation for token usage tracking
// ABOUTME: Stores and retrieves per-request token consumption for analytics

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveUsage stores a token usage record.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *UsageRecord) error {
	query := `
		INSERT INTO message_usage (
			id, conversation_id, message_id, request_id, provider_id, model,
			prompt_tokens, completion_tokens, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		usage.ConversationID,
		nullString(usage.MessageID),
		usage.RequestID,
		usage.ProviderID,
		usage.Model,
		usage.PromptTokens,
		usage.CompletionTokens,
		usage.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved token usage",
		"id", usage.ID,
		"conversation_id", usage.ConversationID,
		"request_id", usage.RequestID,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
	)
	return nil
}

// LinkUsageToMessage updates a usage record with the final message ID.
func (s *SQLiteStore) LinkUsageToMessage(ctx context.Context, requestID, messageID string) error {
	query := `UPDATE message_usage SET message_id = ? WHERE request_id = ?`

	result, err := s.db.ExecContext(ctx, query, messageID, requestID)
	if err != nil {
		return fmt.Errorf("linking usage to message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	s.logger.Debug("linked usage to message",
		"request_id", requestID,
		"message_id", messageID,
		"rows_affected", rowsAffected,
	)
	return nil
}

// GetConversationUsage retrieves all usage records for a conversation.
func (s *SQLiteStore) GetConversationUsage(ctx context.Context, conversationID string) ([]*UsageRecord, error) {
	query := `
		SELECT id, conversation_id, message_id, request_id, provider_id, model,
		       prompt_tokens, completion_tokens, created_at
		FROM message_usage
		WHERE conversation_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying conversation usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usages []*UsageRecord
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	return usages, nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(prompt_tokens), 0) as total_prompt,
			COALESCE(SUM(completion_tokens), 0) as total_completion,
			COUNT(*) as request_count
		FROM message_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.AccountID != nil {
		query += " AND conversation_id IN (SELECT id FROM conversations WHERE account_id = ?)"
		args = append(args, *filter.AccountID)
	}
	if filter.ProviderID != nil {
		query += " AND provider_id = ?"
		args = append(args, *filter.ProviderID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, filter.Until.UTC().Format(time.RFC3339))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalPrompt,
		&stats.TotalCompletion,
		&stats.RequestCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}

	stats.TotalTokens = stats.TotalPrompt + stats.TotalCompletion

	return &stats, nil
}

// scanUsage scans a single usage row into a UsageRecord struct.
func scanUsage(rows *sql.Rows) (*UsageRecord, error) {
	var usage UsageRecord
	var messageID sql.NullString
	var createdAtStr string

	err := rows.Scan(
		&usage.ID,
		&usage.ConversationID,
		&messageID,
		&usage.RequestID,
		&usage.ProviderID,
		&usage.Model,
		&usage.PromptTokens,
		&usage.CompletionTokens,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}

	if messageID.Valid {
		usage.MessageID = messageID.String
	}

	usage.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &usage, nil
}

// Ensure SQLiteStore implements UsageStore interface.
var _ UsageStore = (*SQLiteStore)(nil)
