package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/concierge-bot/internal/models"
	"github.com/xaenox/concierge-bot/internal/storage"
	"go.uber.org/zap"
)

// ensureConversation returns the user's active conversation, creating
// one with the default model when none exists.
func ensureConversation(ctx context.Context, store storage.Storage, userID int64, defaultModel string) (*models.Conversation, error) {
	conv, err := store.ActiveConversation(ctx, userID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}
	if _, err := store.CreateConversation(ctx, userID, defaultModel, DefaultSystemPrompt); err != nil {
		return nil, err
	}
	return store.ActiveConversation(ctx, userID)
}

type factJob struct {
	userID        int64
	userText      string
	assistantText string
}

// Service is the provider-agnostic fallback coordinator. It tries each
// provider in order; when one fails after persisting the user's turn,
// the turn is rewound before the next provider re-adds it, so a full
// fallback cycle leaves exactly one user message in the store.
type Service struct {
	providers []Provider
	store     storage.Storage
	cfg       Config
	logger    *zap.Logger

	factQueue chan factJob
	done      chan struct{}
}

func NewService(providers []Provider, store storage.Storage, cfg Config, logger *zap.Logger) (*Service, error) {
	if len(providers) == 0 {
		return nil, errors.New("service requires at least one provider")
	}
	s := &Service{
		providers: providers,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		factQueue: make(chan factJob, 64),
		done:      make(chan struct{}),
	}
	go s.factWorker()
	return s, nil
}

// Close stops the fact-extraction worker. Queued jobs are drained
// first.
func (s *Service) Close() {
	close(s.factQueue)
	<-s.done
}

// factWorker runs fact extraction off the request path. Failures are
// logged and dropped; this path never affects the parent turn.
func (s *Service) factWorker() {
	defer close(s.done)
	for job := range s.factQueue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.providers[0].ExtractFacts(ctx, job.userID, job.userText, job.assistantText); err != nil {
			s.logger.Debug("fact extraction failed", zap.Int64("user_id", job.userID), zap.Error(err))
		}
		cancel()
	}
}

// enqueueFacts hands an exchange to the background worker without ever
// blocking the caller; when the queue is full the job is dropped.
func (s *Service) enqueueFacts(userID int64, userText, assistantText string) {
	select {
	case s.factQueue <- factJob{userID: userID, userText: userText, assistantText: assistantText}:
	default:
		s.logger.Debug("fact queue full, dropping job", zap.Int64("user_id", userID))
	}
}

// rewindUserTurn deletes the unanswered user message a failed provider
// left behind.
func (s *Service) rewindUserTurn(ctx context.Context, userID int64) {
	conv, err := ensureConversation(ctx, s.store, userID, s.cfg.DefaultModel)
	if err != nil {
		s.logger.Error("rewind: resolve conversation failed", zap.Error(err))
		return
	}
	if err := s.store.DeleteLastUserMessage(ctx, conv.ID); err != nil {
		s.logger.Error("rewind: delete last user message failed", zap.Error(err))
	}
}

// withFallback runs op against each provider in order. rewind controls
// whether a failed attempt left a persisted user turn that must be
// removed before the next provider runs. An ErrExchangeRewound failure
// already cleaned up after itself and propagates untouched.
func (s *Service) withFallback(ctx context.Context, userID int64, opName string, rewind bool, op func(p Provider) (string, error)) (string, error) {
	var lastErr error
	for i, p := range s.providers {
		reply, err := op(p)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if errors.Is(err, ErrExchangeRewound) {
			return "", err
		}
		s.logger.Warn("provider operation failed",
			zap.String("provider", p.Name()),
			zap.String("op", opName),
			zap.Error(err))
		if i < len(s.providers)-1 && rewind {
			s.rewindUserTurn(ctx, userID)
		}
	}
	return "", lastErr
}

func (s *Service) SetSkillsPrompt(prompt string) {
	for _, p := range s.providers {
		p.SetSkillsPrompt(prompt)
	}
}

// CheckLimits returns a user-facing message when the daily or monthly
// token ceiling is reached (boundary inclusive), or "" when the user
// may proceed. A ceiling of zero means unlimited. Callers check this
// before any provider call; the orchestrators do not enforce quotas.
func (s *Service) CheckLimits(ctx context.Context, userID int64) (string, error) {
	if s.cfg.DailyTokenLimit > 0 {
		daily, err := s.store.DailyTokens(ctx, userID)
		if err != nil {
			return "", err
		}
		if daily >= s.cfg.DailyTokenLimit {
			return fmt.Sprintf("Daily token limit reached (%d tokens). Try again tomorrow.", s.cfg.DailyTokenLimit), nil
		}
	}
	if s.cfg.MonthlyTokenLimit > 0 {
		monthly, err := s.store.MonthlyTokens(ctx, userID)
		if err != nil {
			return "", err
		}
		if monthly >= s.cfg.MonthlyTokenLimit {
			return fmt.Sprintf("Monthly token limit reached (%d tokens).", s.cfg.MonthlyTokenLimit), nil
		}
	}
	return "", nil
}

// ── orchestrator operations ───────────────────────────────────────

func (s *Service) Chat(ctx context.Context, userID int64, text string) (string, error) {
	reply, err := s.withFallback(ctx, userID, "chat", true, func(p Provider) (string, error) {
		return p.Chat(ctx, userID, text)
	})
	if err != nil {
		return "", err
	}
	s.enqueueFacts(userID, text, reply)
	return reply, nil
}

func (s *Service) ChatStream(ctx context.Context, userID int64, text string, onChunk ChunkFunc) (string, error) {
	reply, err := s.withFallback(ctx, userID, "chat_stream", true, func(p Provider) (string, error) {
		return p.ChatStream(ctx, userID, text, onChunk)
	})
	if err != nil {
		return "", err
	}
	s.enqueueFacts(userID, text, reply)
	return reply, nil
}

func (s *Service) ChatWithContext(ctx context.Context, userID int64, text, injected string, onChunk ChunkFunc) (string, error) {
	return s.withFallback(ctx, userID, "chat_with_context", true, func(p Provider) (string, error) {
		return p.ChatWithContext(ctx, userID, text, injected, onChunk)
	})
}

func (s *Service) ChatWebSearch(ctx context.Context, userID int64, text string, onChunk ChunkFunc) (string, error) {
	return s.withFallback(ctx, userID, "chat_web_search", true, func(p Provider) (string, error) {
		return p.ChatWebSearch(ctx, userID, text, onChunk)
	})
}

func (s *Service) ChatVision(ctx context.Context, userID int64, imageURL, caption string) (string, error) {
	return s.withFallback(ctx, userID, "chat_vision", true, func(p Provider) (string, error) {
		return p.ChatVision(ctx, userID, imageURL, caption)
	})
}

// ShouldSearch never persists anything, so provider failures need no
// rewind.
func (s *Service) ShouldSearch(ctx context.Context, text string) (bool, error) {
	var lastErr error
	for _, p := range s.providers {
		needed, err := p.ShouldSearch(ctx, text)
		if err == nil {
			return needed, nil
		}
		lastErr = err
		s.logger.Warn("should_search failed",
			zap.String("provider", p.Name()),
			zap.Error(err))
	}
	return false, lastErr
}

func (s *Service) GenerateImage(ctx context.Context, userID int64, prompt string) ([]byte, error) {
	var lastErr error
	for _, p := range s.providers {
		data, err := p.GenerateImage(ctx, userID, prompt)
		if err == nil {
			return data, nil
		}
		lastErr = err
		s.logger.Warn("image generation failed",
			zap.String("provider", p.Name()),
			zap.Error(err))
	}
	return nil, lastErr
}

// RetryLast deletes the last exchange and replays the user's last
// message through the normal fallback chain. Returns "" when there is
// nothing to retry.
func (s *Service) RetryLast(ctx context.Context, userID int64) (string, error) {
	conv, err := ensureConversation(ctx, s.store, userID, s.cfg.DefaultModel)
	if err != nil {
		return "", err
	}
	history, err := s.store.GetMessages(ctx, conv.ID, 2)
	if err != nil {
		return "", err
	}
	if len(history) < 2 {
		return "", nil
	}
	var lastUserText string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			lastUserText = history[i].Content
			break
		}
	}
	if lastUserText == "" {
		return "", nil
	}
	if _, err := s.store.DeleteLastExchange(ctx, conv.ID); err != nil {
		return "", err
	}
	return s.Chat(ctx, userID, lastUserText)
}

// UsageSummary reports ledger aggregates per usage type.
func (s *Service) UsageSummary(ctx context.Context, userID int64) ([]*models.UsageSummary, error) {
	return s.store.UsageSummary(ctx, userID)
}
