// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message/ledger persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/seance-gateway/internal/accounting"
	"github.com/2389/seance-gateway/internal/conversation"
	"github.com/2389/seance-gateway/internal/provider"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			id         TEXT PRIMARY KEY,
			balance    INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id          TEXT PRIMARY KEY,
			account_id  TEXT NOT NULL REFERENCES accounts(id),
			provider_id TEXT NOT NULL,
			model       TEXT NOT NULL,
			tool_names  TEXT,
			max_tokens  INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_account
			ON conversations(account_id, updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id                TEXT PRIMARY KEY,
			conversation_id   TEXT NOT NULL REFERENCES conversations(id),
			parent_id         TEXT,
			role              TEXT NOT NULL,
			content           TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			truncated         INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (role IN ('system', 'user', 'assistant', 'tool')),
			CHECK (status IN ('pending', 'streaming', 'complete', 'errored', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS tool_calls (
			id         TEXT PRIMARY KEY,
			message_id TEXT NOT NULL REFERENCES messages(id),
			name       TEXT NOT NULL,
			arguments  TEXT NOT NULL DEFAULT '',
			result     TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (status IN ('requested', 'running', 'succeeded', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tool_calls_message
			ON tool_calls(message_id, created_at);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id         TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			reserved   INTEGER NOT NULL,
			settled    INTEGER NOT NULL DEFAULT 0,
			flagged    INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			settled_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_account
			ON ledger_entries(account_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_ledger_outstanding
			ON ledger_entries(account_id) WHERE settled_at IS NULL;

		CREATE TABLE IF NOT EXISTS message_usage (
			id                TEXT PRIMARY KEY,
			conversation_id   TEXT NOT NULL,
			message_id        TEXT,
			request_id        TEXT NOT NULL,
			provider_id       TEXT NOT NULL,
			model             TEXT NOT NULL,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_conversation
			ON message_usage(conversation_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_usage_request
			ON message_usage(request_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		column string // Column name for logging
		table  string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'truncated'`,
			apply:  `ALTER TABLE messages ADD COLUMN truncated INTEGER NOT NULL DEFAULT 0`,
			column: "truncated",
			table:  "messages",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('ledger_entries') WHERE name = 'flagged'`,
			apply:  `ALTER TABLE ledger_entries ADD COLUMN flagged INTEGER NOT NULL DEFAULT 0`,
			column: "flagged",
			table:  "ledger_entries",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		// Column doesn't exist, apply migration
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString converts an empty string to a NULL-able sql value.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// --- conversations ---

// CreateConversation inserts a new conversation.
// Returns ErrDuplicateID if the ID already exists.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *conversation.Conversation) error {
	toolNames, err := json.Marshal(conv.Snapshot.ToolNames)
	if err != nil {
		return fmt.Errorf("encoding tool names: %w", err)
	}

	query := `
		INSERT INTO conversations (id, account_id, provider_id, model, tool_names, max_tokens, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		conv.ID,
		conv.AccountID,
		conv.Snapshot.ProviderID,
		conv.Snapshot.Model,
		string(toolNames),
		conv.Snapshot.MaxTokens,
		conv.CreatedAt.UTC().Format(time.RFC3339),
		conv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "account_id", conv.AccountID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	query := `
		SELECT id, account_id, provider_id, model, tool_names, max_tokens, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`
	return scanConversation(s.db.QueryRowContext(ctx, query, id))
}

// ListConversations retrieves an account's conversations ordered by most
// recent activity. If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListConversations(ctx context.Context, accountID string, limit int) ([]*conversation.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, account_id, provider_id, model, tool_names, max_tokens, created_at, updated_at
		FROM conversations
		WHERE account_id = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []*conversation.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*conversation.Conversation, error) {
	var conv conversation.Conversation
	var toolNames sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&conv.ID,
		&conv.AccountID,
		&conv.Snapshot.ProviderID,
		&conv.Snapshot.Model,
		&toolNames,
		&conv.Snapshot.MaxTokens,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	if toolNames.Valid && toolNames.String != "" {
		if err := json.Unmarshal([]byte(toolNames.String), &conv.Snapshot.ToolNames); err != nil {
			return nil, fmt.Errorf("decoding tool names: %w", err)
		}
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

// --- messages (conversation.Recorder) ---

// CreatePendingMessage inserts a message in its initial state. Inserting
// the same message ID twice is treated as idempotent success.
func (s *SQLiteStore) CreatePendingMessage(ctx context.Context, msg *conversation.Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, parent_id, role, content, status,
			prompt_tokens, completion_tokens, truncated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		nullString(msg.ParentID),
		string(msg.Role),
		msg.Content,
		string(msg.Status),
		msg.PromptTokens,
		msg.CompletionTokens,
		boolToInt(msg.Truncated),
		msg.CreatedAt.UTC().Format(time.RFC3339),
		msg.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			// Retried create after a lost ack; the row is already there.
			return nil
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("created pending message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

// AppendContent appends a chunk to a message's content and promotes it to
// streaming if still pending. Returns ErrNotFound for unknown message IDs.
func (s *SQLiteStore) AppendContent(ctx context.Context, messageID, content string) error {
	query := `
		UPDATE messages
		SET content = content || ?,
		    status = CASE WHEN status = 'pending' THEN 'streaming' ELSE status END,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, content, time.Now().UTC().Format(time.RFC3339), messageID)
	if err != nil {
		return fmt.Errorf("appending content: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Finalize writes a message's terminal state. The full content is written,
// not appended, so a finalize after partial appends converges on the same
// row regardless of which intermediate flushes survived.
func (s *SQLiteStore) Finalize(ctx context.Context, messageID string, status conversation.Status, content string, promptTokens, completionTokens int64, truncated bool) error {
	query := `
		UPDATE messages
		SET status = ?, content = ?, prompt_tokens = ?, completion_tokens = ?, truncated = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(status),
		content,
		promptTokens,
		completionTokens,
		boolToInt(truncated),
		time.Now().UTC().Format(time.RFC3339),
		messageID,
	)
	if err != nil {
		return fmt.Errorf("finalizing message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("finalized message", "id", messageID, "status", string(status))
	return nil
}

// SaveToolCall upserts a tool call record. The same ID is written once per
// lifecycle stage, so conflicts update arguments, result, and status.
func (s *SQLiteStore) SaveToolCall(ctx context.Context, call *conversation.ToolCall) error {
	query := `
		INSERT INTO tool_calls (id, message_id, name, arguments, result, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			arguments = excluded.arguments,
			result = excluded.result,
			status = excluded.status
	`

	_, err := s.db.ExecContext(ctx, query,
		call.ID,
		call.MessageID,
		call.Name,
		call.Arguments,
		call.Result,
		string(call.Status),
		call.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving tool call: %w", err)
	}

	s.logger.Debug("saved tool call", "id", call.ID, "name", call.Name, "status", string(call.Status))
	return nil
}

// GetMessage retrieves a message by ID, including its tool calls.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*conversation.Message, error) {
	query := `
		SELECT id, conversation_id, parent_id, role, content, status,
		       prompt_tokens, completion_tokens, truncated, created_at, updated_at
		FROM messages
		WHERE id = ?
	`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}

	msg.ToolCalls, err = s.ListToolCalls(ctx, id)
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// ListMessages retrieves a conversation's messages in creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*conversation.Message, error) {
	query := `
		SELECT id, conversation_id, parent_id, role, content, status,
		       prompt_tokens, completion_tokens, truncated, created_at, updated_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*conversation.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return msgs, nil
}

// ListToolCalls retrieves a message's tool calls in creation order.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, messageID string) ([]conversation.ToolCall, error) {
	query := `
		SELECT id, message_id, name, arguments, result, status, created_at
		FROM tool_calls
		WHERE message_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying tool calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var calls []conversation.ToolCall
	for rows.Next() {
		var call conversation.ToolCall
		var status, createdAtStr string
		if err := rows.Scan(&call.ID, &call.MessageID, &call.Name, &call.Arguments, &call.Result, &status, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning tool call row: %w", err)
		}
		call.Status = conversation.ToolCallStatus(status)
		call.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		calls = append(calls, call)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool call rows: %w", err)
	}

	return calls, nil
}

func scanMessage(row rowScanner) (*conversation.Message, error) {
	var msg conversation.Message
	var parentID sql.NullString
	var role, status string
	var truncated int
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&parentID,
		&role,
		&msg.Content,
		&status,
		&msg.PromptTokens,
		&msg.CompletionTokens,
		&truncated,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	if parentID.Valid {
		msg.ParentID = parentID.String
	}
	msg.Role = provider.Role(role)
	msg.Status = conversation.Status(status)
	msg.Truncated = truncated != 0

	msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	msg.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &msg, nil
}

// --- accounts ---

// CreateAccount inserts a new account.
// Returns ErrDuplicateID if the ID already exists.
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *Account) error {
	query := `
		INSERT INTO accounts (id, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		account.ID,
		account.Balance,
		account.CreatedAt.UTC().Format(time.RFC3339),
		account.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("inserting account: %w", err)
	}

	s.logger.Debug("created account", "id", account.ID, "balance", account.Balance)
	return nil
}

// GetAccount retrieves an account by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	query := `SELECT id, balance, created_at, updated_at FROM accounts WHERE id = ?`

	var account Account
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&account.ID,
		&account.Balance,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}

	account.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	account.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &account, nil
}

// CreditAccount adds amount to an account's balance.
// Returns ErrNotFound if the account doesn't exist.
func (s *SQLiteStore) CreditAccount(ctx context.Context, id string, amount int64) error {
	query := `UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, amount, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("crediting account: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("credited account", "id", id, "amount", amount)
	return nil
}

// --- ledger (accounting.LedgerStore) ---

// AccountBalance returns the account's current balance.
// Returns ErrNotFound if the account doesn't exist.
func (s *SQLiteStore) AccountBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying balance: %w", err)
	}
	return balance, nil
}

// OutstandingReserved sums the reservations not yet settled for an account.
func (s *SQLiteStore) OutstandingReserved(ctx context.Context, accountID string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(reserved), 0)
		FROM ledger_entries
		WHERE account_id = ? AND settled_at IS NULL
	`

	var total int64
	if err := s.db.QueryRowContext(ctx, query, accountID).Scan(&total); err != nil {
		return 0, fmt.Errorf("querying outstanding reservations: %w", err)
	}
	return total, nil
}

// SaveEntry inserts a new ledger entry.
// Returns ErrDuplicateID if the entry ID already exists.
func (s *SQLiteStore) SaveEntry(ctx context.Context, entry *accounting.Entry) error {
	query := `
		INSERT INTO ledger_entries (id, account_id, reserved, settled, flagged, created_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	var settledAt sql.NullString
	if entry.SettledAt != nil {
		settledAt = nullString(entry.SettledAt.UTC().Format(time.RFC3339))
	}

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.AccountID,
		entry.Reserved,
		entry.Settled,
		boolToInt(entry.Flagged),
		entry.CreatedAt.UTC().Format(time.RFC3339),
		settledAt,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("inserting ledger entry: %w", err)
	}

	s.logger.Debug("saved ledger entry", "id", entry.ID, "account_id", entry.AccountID, "reserved", entry.Reserved)
	return nil
}

// SettleEntry records the settled amount against a reservation.
// Returns ErrNotFound if the entry doesn't exist.
func (s *SQLiteStore) SettleEntry(ctx context.Context, entryID string, settled int64, flagged bool, settledAt time.Time) error {
	query := `
		UPDATE ledger_entries
		SET settled = ?, flagged = ?, settled_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		settled,
		boolToInt(flagged),
		settledAt.UTC().Format(time.RFC3339),
		entryID,
	)
	if err != nil {
		return fmt.Errorf("settling ledger entry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("settled ledger entry", "id", entryID, "settled", settled, "flagged", flagged)
	return nil
}

// Debit subtracts amount from the balance inside a transaction, clamping
// at zero. It returns true when the clamp was applied.
func (s *SQLiteStore) Debit(ctx context.Context, accountID string, amount int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning debit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("querying balance for debit: %w", err)
	}

	clamped := amount > balance
	newBalance := balance - amount
	if clamped {
		newBalance = 0
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?`,
		newBalance, time.Now().UTC().Format(time.RFC3339), accountID,
	)
	if err != nil {
		return false, fmt.Errorf("updating balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing debit: %w", err)
	}

	s.logger.Debug("debited account", "id", accountID, "amount", amount, "balance", newBalance, "clamped", clamped)
	return clamped, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)
