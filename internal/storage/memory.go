package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/concierge-bot/internal/models"
)

// MemoryStorage is an in-process Storage used for tests and for
// running without a database. Message order follows insertion order
// (IDs are monotonic), matching the created_at ordering Postgres uses.
type MemoryStorage struct {
	mu            sync.RWMutex
	users         map[int64]*models.User
	conversations []*models.Conversation
	messages      []*models.Message
	usage         []*models.UsageRecord
	facts         []*models.Fact
	nextID        int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:  make(map[int64]*models.User),
		nextID: 1,
	}
}

func (s *MemoryStorage) Close() error { return nil }

func (s *MemoryStorage) id() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// ── users ─────────────────────────────────────────────────────────

func (s *MemoryStorage) UpsertUser(ctx context.Context, id int64, username, firstName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user, exists := s.users[id]; exists {
		user.Username = username
		user.FirstName = firstName
		return nil
	}
	s.users[id] = &models.User{
		ID:        id,
		Username:  username,
		FirstName: firstName,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[id]
	if !exists {
		return nil, nil
	}
	copied := *user
	return &copied, nil
}

func (s *MemoryStorage) IsUserApproved(ctx context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[id]
	return exists && user.IsApproved, nil
}

func (s *MemoryStorage) SetUserApproved(ctx context.Context, id int64, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user, exists := s.users[id]; exists {
		user.IsApproved = approved
	}
	return nil
}

func (s *MemoryStorage) ListUsers(ctx context.Context) ([]*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]*models.User, 0, len(s.users))
	for _, user := range s.users {
		copied := *user
		users = append(users, &copied)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.After(users[j].CreatedAt) })
	return users, nil
}

// ── conversations ─────────────────────────────────────────────────

func (s *MemoryStorage) ActiveConversation(ctx context.Context, userID int64) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.conversations) - 1; i >= 0; i-- {
		conv := s.conversations[i]
		if conv.UserID == userID && conv.IsActive {
			copied := *conv
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemoryStorage) CreateConversation(ctx context.Context, userID int64, model, systemPrompt string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conv := range s.conversations {
		if conv.UserID == userID {
			conv.IsActive = false
		}
	}
	conv := &models.Conversation{
		ID:           s.id(),
		UserID:       userID,
		Model:        model,
		SystemPrompt: systemPrompt,
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	s.conversations = append(s.conversations, conv)
	return conv.ID, nil
}

func (s *MemoryStorage) SwitchConversation(ctx context.Context, userID, convID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *models.Conversation
	for _, conv := range s.conversations {
		if conv.ID == convID && conv.UserID == userID {
			target = conv
			break
		}
	}
	if target == nil {
		return false, nil
	}
	for _, conv := range s.conversations {
		if conv.UserID == userID {
			conv.IsActive = false
		}
	}
	target.IsActive = true
	return true, nil
}

func (s *MemoryStorage) ListConversations(ctx context.Context, userID int64, limit int) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var convs []*models.Conversation
	for i := len(s.conversations) - 1; i >= 0 && len(convs) < limit; i-- {
		conv := s.conversations[i]
		if conv.UserID != userID {
			continue
		}
		copied := *conv
		for _, msg := range s.messages {
			if msg.ConversationID == conv.ID {
				copied.MessageCount++
			}
		}
		convs = append(convs, &copied)
	}
	return convs, nil
}

func (s *MemoryStorage) SetConversationModel(ctx context.Context, convID int64, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conv := range s.conversations {
		if conv.ID == convID {
			conv.Model = model
		}
	}
	return nil
}

func (s *MemoryStorage) SetSystemPrompt(ctx context.Context, convID int64, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conv := range s.conversations {
		if conv.ID == convID {
			conv.SystemPrompt = prompt
		}
	}
	return nil
}

// ── messages ──────────────────────────────────────────────────────

func (s *MemoryStorage) AddMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ContentType == "" {
		msg.ContentType = models.TextContent
	}
	msg.ID = s.id()
	msg.CreatedAt = time.Now().UTC()
	copied := *msg
	s.messages = append(s.messages, &copied)
	return nil
}

func (s *MemoryStorage) GetMessages(ctx context.Context, convID int64, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recent []*models.Message
	for i := len(s.messages) - 1; i >= 0 && len(recent) < limit; i-- {
		if s.messages[i].ConversationID == convID {
			copied := *s.messages[i]
			recent = append(recent, &copied)
		}
	}
	// collected newest-first, return chronological
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

func (s *MemoryStorage) DeleteLastUserMessage(ctx context.Context, convID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.messages) - 1; i >= 0; i-- {
		msg := s.messages[i]
		if msg.ConversationID == convID && msg.Role == models.RoleUser {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStorage) DeleteLastExchange(ctx context.Context, convID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for i := len(s.messages) - 1; i >= 0 && deleted < 2; i-- {
		if s.messages[i].ConversationID == convID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			deleted++
		}
	}
	return deleted > 0, nil
}

// ── api usage ─────────────────────────────────────────────────────

func (s *MemoryStorage) LogUsage(ctx context.Context, userID int64, usageType models.UsageType, model string, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usage = append(s.usage, &models.UsageRecord{
		ID:         s.id(),
		UserID:     userID,
		Type:       usageType,
		Model:      model,
		TokensUsed: tokens,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStorage) DailyTokens(ctx context.Context, userID int64) (int, error) {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return s.tokensSince(userID, dayStart), nil
}

func (s *MemoryStorage) MonthlyTokens(ctx context.Context, userID int64) (int, error) {
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return s.tokensSince(userID, monthStart), nil
}

func (s *MemoryStorage) tokensSince(userID int64, since time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, rec := range s.usage {
		if rec.UserID == userID && !rec.CreatedAt.Before(since) {
			total += rec.TokensUsed
		}
	}
	return total
}

func (s *MemoryStorage) UsageSummary(ctx context.Context, userID int64) ([]*models.UsageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byType := make(map[models.UsageType]*models.UsageSummary)
	for _, rec := range s.usage {
		if rec.UserID != userID {
			continue
		}
		row, exists := byType[rec.Type]
		if !exists {
			row = &models.UsageSummary{Type: rec.Type}
			byType[rec.Type] = row
		}
		row.Count++
		row.TotalTokens += rec.TokensUsed
	}
	summary := make([]*models.UsageSummary, 0, len(byType))
	for _, row := range byType {
		summary = append(summary, row)
	}
	sort.Slice(summary, func(i, j int) bool { return summary[i].Type < summary[j].Type })
	return summary, nil
}

// ── user memory ───────────────────────────────────────────────────

func (s *MemoryStorage) AddFact(ctx context.Context, userID int64, fact string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := &models.Fact{
		ID:        s.id(),
		UserID:    userID,
		Fact:      fact,
		CreatedAt: time.Now().UTC(),
	}
	s.facts = append(s.facts, f)
	return f.ID, nil
}

func (s *MemoryStorage) GetFacts(ctx context.Context, userID int64, limit int) ([]*models.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var facts []*models.Fact
	for i := len(s.facts) - 1; i >= 0 && len(facts) < limit; i-- {
		if s.facts[i].UserID == userID {
			copied := *s.facts[i]
			facts = append(facts, &copied)
		}
	}
	return facts, nil
}

func (s *MemoryStorage) DeleteFact(ctx context.Context, factID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, fact := range s.facts {
		if fact.ID == factID && fact.UserID == userID {
			s.facts = append(s.facts[:i], s.facts[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStorage) ClearFacts(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*models.Fact
	var removed int64
	for _, fact := range s.facts {
		if fact.UserID == userID {
			removed++
			continue
		}
		kept = append(kept, fact)
	}
	s.facts = kept
	return removed, nil
}

var _ Storage = (*MemoryStorage)(nil)
var _ Storage = (*PostgresStorage)(nil)
