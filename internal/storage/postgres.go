package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/xaenox/concierge-bot/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %v", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %v", err)
	}

	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// ── users ─────────────────────────────────────────────────────────

func (s *PostgresStorage) UpsertUser(ctx context.Context, id int64, username, firstName string) error {
	query := `
		INSERT INTO users (id, username, first_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, first_name = EXCLUDED.first_name`

	if _, err := s.db.ExecContext(ctx, query, id, username, firstName); err != nil {
		return fmt.Errorf("error upserting user: %v", err)
	}
	return nil
}

func (s *PostgresStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	user := &models.User{}
	var username, firstName sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, first_name, is_approved, created_at FROM users WHERE id = $1", id,
	).Scan(&user.ID, &username, &firstName, &user.IsApproved, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying user: %v", err)
	}
	user.Username = username.String
	user.FirstName = firstName.String
	return user, nil
}

func (s *PostgresStorage) IsUserApproved(ctx context.Context, id int64) (bool, error) {
	var approved bool
	err := s.db.QueryRowContext(ctx, "SELECT is_approved FROM users WHERE id = $1", id).Scan(&approved)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error querying user approval: %v", err)
	}
	return approved, nil
}

func (s *PostgresStorage) SetUserApproved(ctx context.Context, id int64, approved bool) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE users SET is_approved = $1 WHERE id = $2", approved, id); err != nil {
		return fmt.Errorf("error setting user approval: %v", err)
	}
	return nil
}

func (s *PostgresStorage) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, first_name, is_approved, created_at FROM users ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("error querying users: %v", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user := &models.User{}
		var username, firstName sql.NullString
		if err := rows.Scan(&user.ID, &username, &firstName, &user.IsApproved, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning user: %v", err)
		}
		user.Username = username.String
		user.FirstName = firstName.String
		users = append(users, user)
	}
	return users, rows.Err()
}

// ── conversations ─────────────────────────────────────────────────

func (s *PostgresStorage) ActiveConversation(ctx context.Context, userID int64) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var title sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, model, system_prompt, is_active, created_at
		FROM conversations
		WHERE user_id = $1 AND is_active = TRUE
		ORDER BY created_at DESC LIMIT 1`, userID,
	).Scan(&conv.ID, &conv.UserID, &title, &conv.Model, &conv.SystemPrompt, &conv.IsActive, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying active conversation: %v", err)
	}
	conv.Title = title.String
	return conv, nil
}

// CreateConversation deactivates any active conversation for the user
// and inserts the new active one in the same transaction.
func (s *PostgresStorage) CreateConversation(ctx context.Context, userID int64, model, systemPrompt string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("error starting transaction: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET is_active = FALSE WHERE user_id = $1 AND is_active = TRUE", userID); err != nil {
		return 0, fmt.Errorf("error deactivating conversations: %v", err)
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		"INSERT INTO conversations (user_id, model, system_prompt) VALUES ($1, $2, $3) RETURNING id",
		userID, model, systemPrompt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("error creating conversation: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing transaction: %v", err)
	}
	return id, nil
}

func (s *PostgresStorage) SwitchConversation(ctx context.Context, userID, convID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("error starting transaction: %v", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM conversations WHERE id = $1 AND user_id = $2", convID, userID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error querying conversation: %v", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET is_active = FALSE WHERE user_id = $1 AND is_active = TRUE", userID); err != nil {
		return false, fmt.Errorf("error deactivating conversations: %v", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET is_active = TRUE WHERE id = $1", convID); err != nil {
		return false, fmt.Errorf("error activating conversation: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("error committing transaction: %v", err)
	}
	return true, nil
}

func (s *PostgresStorage) ListConversations(ctx context.Context, userID int64, limit int) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.user_id, c.title, c.model, c.system_prompt, c.is_active, c.created_at,
		       COUNT(m.id) AS message_count
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE c.user_id = $1
		GROUP BY c.id
		ORDER BY c.created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying conversations: %v", err)
	}
	defer rows.Close()

	var convs []*models.Conversation
	for rows.Next() {
		conv := &models.Conversation{}
		var title sql.NullString
		if err := rows.Scan(&conv.ID, &conv.UserID, &title, &conv.Model, &conv.SystemPrompt,
			&conv.IsActive, &conv.CreatedAt, &conv.MessageCount); err != nil {
			return nil, fmt.Errorf("error scanning conversation: %v", err)
		}
		conv.Title = title.String
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *PostgresStorage) SetConversationModel(ctx context.Context, convID int64, model string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET model = $1 WHERE id = $2", model, convID); err != nil {
		return fmt.Errorf("error updating conversation model: %v", err)
	}
	return nil
}

func (s *PostgresStorage) SetSystemPrompt(ctx context.Context, convID int64, prompt string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET system_prompt = $1 WHERE id = $2", prompt, convID); err != nil {
		return fmt.Errorf("error updating system prompt: %v", err)
	}
	return nil
}

// ── messages ──────────────────────────────────────────────────────

func (s *PostgresStorage) AddMessage(ctx context.Context, msg *models.Message) error {
	if msg.ContentType == "" {
		msg.ContentType = models.TextContent
	}
	query := `
		INSERT INTO messages (conversation_id, role, content, content_type, image_url, tokens_used)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		msg.ConversationID, msg.Role, msg.Content, msg.ContentType, msg.ImageURL, msg.TokensUsed,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("error creating message: %v", err)
	}
	return nil
}

// GetMessages returns the most recent limit messages in chronological
// order (queried newest-first, then reversed).
func (s *PostgresStorage) GetMessages(ctx context.Context, convID int64, limit int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, content_type, COALESCE(image_url, ''), tokens_used, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, convID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %v", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&msg.ContentType, &msg.ImageURL, &msg.TokensUsed, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning message: %v", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *PostgresStorage) DeleteLastUserMessage(ctx context.Context, convID int64) error {
	query := `
		DELETE FROM messages WHERE id = (
			SELECT id FROM messages
			WHERE conversation_id = $1 AND role = 'user'
			ORDER BY created_at DESC, id DESC LIMIT 1
		)`
	if _, err := s.db.ExecContext(ctx, query, convID); err != nil {
		return fmt.Errorf("error deleting last user message: %v", err)
	}
	return nil
}

func (s *PostgresStorage) DeleteLastExchange(ctx context.Context, convID int64) (bool, error) {
	query := `
		DELETE FROM messages WHERE id IN (
			SELECT id FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC LIMIT 2
		)`
	result, err := s.db.ExecContext(ctx, query, convID)
	if err != nil {
		return false, fmt.Errorf("error deleting last exchange: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %v", err)
	}
	return affected > 0, nil
}

// ── api usage ─────────────────────────────────────────────────────

func (s *PostgresStorage) LogUsage(ctx context.Context, userID int64, usageType models.UsageType, model string, tokens int) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO api_usage (user_id, type, model, tokens_used) VALUES ($1, $2, $3, $4)",
		userID, usageType, model, tokens); err != nil {
		return fmt.Errorf("error logging api usage: %v", err)
	}
	return nil
}

// Quota windows are anchored to UTC calendar boundaries regardless of
// the server timezone.
func (s *PostgresStorage) DailyTokens(ctx context.Context, userID int64) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(tokens_used), 0)
		FROM api_usage
		WHERE user_id = $1
		  AND timezone('utc', created_at) >= date_trunc('day', timezone('utc', now()))`, userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("error querying daily tokens: %v", err)
	}
	return total, nil
}

func (s *PostgresStorage) MonthlyTokens(ctx context.Context, userID int64) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(tokens_used), 0)
		FROM api_usage
		WHERE user_id = $1
		  AND timezone('utc', created_at) >= date_trunc('month', timezone('utc', now()))`, userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("error querying monthly tokens: %v", err)
	}
	return total, nil
}

func (s *PostgresStorage) UsageSummary(ctx context.Context, userID int64) ([]*models.UsageSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(*), COALESCE(SUM(tokens_used), 0)
		FROM api_usage WHERE user_id = $1 GROUP BY type ORDER BY type`, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying usage summary: %v", err)
	}
	defer rows.Close()

	var summary []*models.UsageSummary
	for rows.Next() {
		row := &models.UsageSummary{}
		if err := rows.Scan(&row.Type, &row.Count, &row.TotalTokens); err != nil {
			return nil, fmt.Errorf("error scanning usage summary: %v", err)
		}
		summary = append(summary, row)
	}
	return summary, rows.Err()
}

// ── user memory ───────────────────────────────────────────────────

func (s *PostgresStorage) AddFact(ctx context.Context, userID int64, fact string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO user_memory (user_id, fact) VALUES ($1, $2) RETURNING id",
		userID, fact).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("error adding fact: %v", err)
	}
	return id, nil
}

func (s *PostgresStorage) GetFacts(ctx context.Context, userID int64, limit int) ([]*models.Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, fact, created_at
		FROM user_memory
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying facts: %v", err)
	}
	defer rows.Close()

	var facts []*models.Fact
	for rows.Next() {
		fact := &models.Fact{}
		if err := rows.Scan(&fact.ID, &fact.UserID, &fact.Fact, &fact.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning fact: %v", err)
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

func (s *PostgresStorage) DeleteFact(ctx context.Context, factID, userID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM user_memory WHERE id = $1 AND user_id = $2", factID, userID)
	if err != nil {
		return false, fmt.Errorf("error deleting fact: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %v", err)
	}
	return affected > 0, nil
}

func (s *PostgresStorage) ClearFacts(ctx context.Context, userID int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM user_memory WHERE user_id = $1", userID)
	if err != nil {
		return 0, fmt.Errorf("error clearing user memory: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error getting rows affected: %v", err)
	}
	return affected, nil
}
