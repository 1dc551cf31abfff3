package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/xaenox/concierge-bot/internal/models"
	"github.com/xaenox/concierge-bot/internal/storage"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiService is the Gemini-backed orchestrator. It is the primary
// provider when Gemini API keys are configured.
type GeminiService struct {
	pool   *Pool[*genai.Client]
	store  storage.Storage
	cfg    Config
	logger *zap.Logger

	// set once during startup, before any chat traffic
	skillsPrompt string
}

func NewGeminiService(ctx context.Context, apiKeys []string, store storage.Storage, cfg Config, logger *zap.Logger) (*GeminiService, error) {
	clients := make([]*genai.Client, 0, len(apiKeys))
	for _, key := range apiKeys {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  key,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		clients = append(clients, client)
	}
	pool, err := NewPool(clients, logger)
	if err != nil {
		return nil, err
	}
	return &GeminiService{pool: pool, store: store, cfg: cfg, logger: logger}, nil
}

func (s *GeminiService) Name() string { return "gemini" }

func (s *GeminiService) SetSkillsPrompt(prompt string) {
	s.skillsPrompt = prompt
}

// extractGeminiText pulls reply text out of a response; the top-level
// text can be empty while a candidate part still carries it.
func extractGeminiText(resp *genai.GenerateContentResponse) (string, error) {
	if text := resp.Text(); text != "" {
		return text, nil
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				return part.Text, nil
			}
		}
	}
	return "", ErrEmptyResponse
}

func geminiTokens(resp *genai.GenerateContentResponse) int {
	if resp.UsageMetadata != nil {
		return int(resp.UsageMetadata.TotalTokenCount)
	}
	return 0
}

// geminiContents converts trimmed history into the Gemini content
// format. Assistant turns map to the model role, everything else to
// the user role.
func geminiContents(history []*models.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		var role genai.Role = genai.RoleUser
		if msg.Role == models.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return contents
}

func (s *GeminiService) systemContent(system string) *genai.Content {
	return genai.NewContentFromText(system, genai.RoleUser)
}

// promptInput loads memory and trimmed history for the conversation.
func (s *GeminiService) promptInput(ctx context.Context, conv *models.Conversation) ([]*genai.Content, string, error) {
	facts, err := s.store.GetFacts(ctx, conv.UserID, factPromptLimit)
	if err != nil {
		return nil, "", err
	}
	history, err := s.store.GetMessages(ctx, conv.ID, s.cfg.MaxContextMessages)
	if err != nil {
		return nil, "", err
	}
	contents := geminiContents(trimHistory(history, s.cfg.maxContextChars()))
	system := buildSystemInstruction(conv.SystemPrompt, s.skillsPrompt, memoryPrompt(facts))
	return contents, system, nil
}

// ── chat ──────────────────────────────────────────────────────────

func (s *GeminiService) Chat(ctx context.Context, userID int64, text string) (string, error) {
	conv, err := ensureConversation(ctx, s.store, userID, s.cfg.DefaultModel)
	if err != nil {
		return "", err
	}
	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleUser, Content: text,
	}); err != nil {
		return "", err
	}

	contents, system, err := s.promptInput(ctx, conv)
	if err != nil {
		return "", err
	}

	s.logger.Info("gemini chat request",
		zap.String("model", s.cfg.GeminiModel),
		zap.Int("messages", len(contents)))

	var resp *genai.GenerateContentResponse
	err = s.pool.CallWithRotation(func(client *genai.Client) error {
		var callErr error
		resp, callErr = client.Models.GenerateContent(ctx, s.cfg.GeminiModel, contents,
			&genai.GenerateContentConfig{SystemInstruction: s.systemContent(system)})
		return callErr
	})
	if err != nil {
		return "", err
	}

	reply, err := extractGeminiText(resp)
	if err != nil {
		return "", err
	}
	tokens := geminiTokens(resp)

	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleAssistant, Content: reply, TokensUsed: tokens,
	}); err != nil {
		return "", err
	}
	if err := s.store.LogUsage(ctx, userID, models.UsageChat, s.cfg.GeminiModel, tokens); err != nil {
		return "", err
	}
	return reply, nil
}

// ── chat stream ───────────────────────────────────────────────────

func (s *GeminiService) ChatStream(ctx context.Context, userID int64, text string, onChunk ChunkFunc) (string, error) {
	conv, err := ensureConversation(ctx, s.store, userID, s.cfg.DefaultModel)
	if err != nil {
		return "", err
	}
	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleUser, Content: text,
	}); err != nil {
		return "", err
	}

	contents, system, err := s.promptInput(ctx, conv)
	if err != nil {
		return "", err
	}

	// a stream has no retry point, so take one client up front
	client, idx := s.pool.Take()
	s.logger.Info("gemini stream request",
		zap.String("model", s.cfg.GeminiModel),
		zap.Int("messages", len(contents)),
		zap.Int("key", idx))

	full, err := s.consumeStream(ctx, client, contents, system, nil, onChunk)
	if err != nil {
		return "", err
	}

	tokens := estimateTokens(full)
	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleAssistant, Content: full, TokensUsed: tokens,
	}); err != nil {
		return "", err
	}
	if err := s.store.LogUsage(ctx, userID, models.UsageChat, s.cfg.GeminiModel, tokens); err != nil {
		return "", err
	}
	return full, nil
}

// consumeStream drains a streamed generation, invoking onChunk under
// the edit throttle and once more with the final text. Nothing is
// persisted here; callers persist only after the stream completes.
func (s *GeminiService) consumeStream(ctx context.Context, client *genai.Client, contents []*genai.Content, system string, tools []*genai.Tool, onChunk ChunkFunc) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: s.systemContent(system),
		Tools:             tools,
	}

	var full strings.Builder
	throttle := newStreamThrottle(s.cfg.streamInterval())
	for chunk, err := range client.Models.GenerateContentStream(ctx, s.cfg.GeminiModel, contents, cfg) {
		if err != nil {
			return "", err
		}
		full.WriteString(chunk.Text())
		if onChunk != nil && full.Len() > 0 && throttle.ready() {
			onChunk(full.String() + streamCursor)
		}
	}
	if full.Len() == 0 {
		return "", ErrEmptyResponse
	}
	if onChunk != nil {
		onChunk(full.String())
	}
	return full.String(), nil
}

// ── chat with injected context ────────────────────────────────────

func (s *GeminiService) ChatWithContext(ctx context.Context, userID int64, text, injected string, onChunk ChunkFunc) (string, error) {
	conv, err := ensureConversation(ctx, s.store, userID, s.cfg.DefaultModel)
	if err != nil {
		return "", err
	}
	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleUser, Content: text,
	}); err != nil {
		return "", err
	}

	contents, system, err := s.promptInput(ctx, conv)
	if err != nil {
		return "", err
	}
	system += "\n\n" + injectedContextPrompt + injected

	s.logger.Info("gemini context request",
		zap.String("model", s.cfg.GeminiModel),
		zap.Int("messages", len(contents)))

	var reply string
	var tokens int
	if onChunk != nil {
		client, _ := s.pool.Take()
		reply, err = s.consumeStream(ctx, client, contents, system, nil, onChunk)
		if err != nil {
			return "", err
		}
		tokens = estimateTokens(reply)
	} else {
		var resp *genai.GenerateContentResponse
		err = s.pool.CallWithRotation(func(client *genai.Client) error {
			var callErr error
			resp, callErr = client.Models.GenerateContent(ctx, s.cfg.GeminiModel, contents,
				&genai.GenerateContentConfig{SystemInstruction: s.systemContent(system)})
			return callErr
		})
		if err != nil {
			return "", err
		}
		if reply, err = extractGeminiText(resp); err != nil {
			return "", err
		}
		tokens = geminiTokens(resp)
	}

	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleAssistant, Content: reply, TokensUsed: tokens,
	}); err != nil {
		return "", err
	}
	if err := s.store.LogUsage(ctx, userID, models.UsageChat, s.cfg.GeminiModel, tokens); err != nil {
		return "", err
	}
	return reply, nil
}

// ── web search (Google Search grounding) ──────────────────────────

func (s *GeminiService) ChatWebSearch(ctx context.Context, userID int64, text string, onChunk ChunkFunc) (string, error) {
	conv, err := ensureConversation(ctx, s.store, userID, s.cfg.DefaultModel)
	if err != nil {
		return "", err
	}
	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleUser, Content: text,
	}); err != nil {
		return "", err
	}

	contents, system, err := s.promptInput(ctx, conv)
	if err != nil {
		return "", err
	}

	s.logger.Info("gemini web search request",
		zap.String("model", s.cfg.GeminiModel),
		zap.Int("messages", len(contents)))

	var resp *genai.GenerateContentResponse
	err = s.pool.CallWithRotation(func(client *genai.Client) error {
		var callErr error
		resp, callErr = client.Models.GenerateContent(ctx, s.cfg.GeminiModel, contents,
			&genai.GenerateContentConfig{
				SystemInstruction: s.systemContent(system),
				Tools:             []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
			})
		return callErr
	})
	if err != nil {
		return "", err
	}

	reply, err := extractGeminiText(resp)
	if err != nil {
		return "", err
	}
	reply = appendSources(reply, groundingSources(resp))

	tokens := geminiTokens(resp)
	if tokens == 0 {
		tokens = estimateTokens(reply)
	}

	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleAssistant, Content: reply, TokensUsed: tokens,
	}); err != nil {
		return "", err
	}
	if err := s.store.LogUsage(ctx, userID, models.UsageWebSearch, s.cfg.GeminiModel, tokens); err != nil {
		return "", err
	}

	if onChunk != nil {
		onChunk(reply)
	}
	return reply, nil
}

func groundingSources(resp *genai.GenerateContentResponse) []Source {
	var sources []Source
	if len(resp.Candidates) == 0 {
		return nil
	}
	gm := resp.Candidates[0].GroundingMetadata
	if gm == nil {
		return nil
	}
	for _, gc := range gm.GroundingChunks {
		if gc.Web != nil && gc.Web.URI != "" {
			sources = append(sources, Source{Title: gc.Web.Title, URL: gc.Web.URI})
		}
	}
	return sources
}

// ── should search ─────────────────────────────────────────────────

func (s *GeminiService) ShouldSearch(ctx context.Context, text string) (bool, error) {
	var resp *genai.GenerateContentResponse
	err := s.pool.CallWithRotation(func(client *genai.Client) error {
		var callErr error
		resp, callErr = client.Models.GenerateContent(ctx, s.cfg.GeminiModel, genai.Text(text),
			&genai.GenerateContentConfig{
				SystemInstruction: s.systemContent(shouldSearchPrompt),
				MaxOutputTokens:   10,
			})
		return callErr
	})
	if err != nil {
		return false, err
	}
	answer, err := extractGeminiText(resp)
	if err != nil {
		return false, err
	}
	return strings.ToUpper(strings.TrimSpace(answer)) == "YES", nil
}

// ── vision ────────────────────────────────────────────────────────

func (s *GeminiService) ChatVision(ctx context.Context, userID int64, imageURL, caption string) (string, error) {
	conv, err := ensureConversation(ctx, s.store, userID, s.cfg.DefaultModel)
	if err != nil {
		return "", err
	}
	text := caption
	if text == "" {
		text = defaultVisionCaption
	}
	// store the caption only, never the image URL; it expires
	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleUser, Content: text, ContentType: models.VisionContent,
	}); err != nil {
		return "", err
	}

	imageBytes, mimeType, err := fetchImage(ctx, imageURL)
	if err != nil {
		return "", err
	}

	// single multi-part turn, no history replay beyond the system prompt
	system := buildSystemInstruction(conv.SystemPrompt, s.skillsPrompt, "")
	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			genai.NewPartFromBytes(imageBytes, mimeType),
			genai.NewPartFromText(text),
		},
	}}

	s.logger.Info("gemini vision request", zap.String("model", s.cfg.GeminiModel))

	var resp *genai.GenerateContentResponse
	err = s.pool.CallWithRotation(func(client *genai.Client) error {
		var callErr error
		resp, callErr = client.Models.GenerateContent(ctx, s.cfg.GeminiModel, contents,
			&genai.GenerateContentConfig{SystemInstruction: s.systemContent(system)})
		return callErr
	})
	if err != nil {
		return "", err
	}

	reply, err := extractGeminiText(resp)
	if err != nil {
		return "", err
	}
	tokens := geminiTokens(resp)

	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleAssistant, Content: reply, TokensUsed: tokens,
	}); err != nil {
		return "", err
	}
	if err := s.store.LogUsage(ctx, userID, models.UsageVision, s.cfg.GeminiModel, tokens); err != nil {
		return "", err
	}
	return reply, nil
}

// ── image generation ──────────────────────────────────────────────

func (s *GeminiService) GenerateImage(ctx context.Context, userID int64, prompt string) ([]byte, error) {
	s.logger.Info("gemini image generation", zap.String("prompt", truncate(prompt, 80)))

	var resp *genai.GenerateContentResponse
	err := s.pool.CallWithRotation(func(client *genai.Client) error {
		var callErr error
		resp, callErr = client.Models.GenerateContent(ctx, s.cfg.GeminiImageModel, genai.Text(prompt),
			&genai.GenerateContentConfig{ResponseModalities: []string{"IMAGE", "TEXT"}})
		return callErr
	})
	if err != nil {
		return nil, err
	}

	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				if err := s.store.LogUsage(ctx, userID, models.UsageImage, s.cfg.GeminiImageModel, 0); err != nil {
					return nil, err
				}
				return part.InlineData.Data, nil
			}
		}
	}
	return nil, ErrNoImagePayload
}

// ── fact extraction ───────────────────────────────────────────────

func (s *GeminiService) ExtractFacts(ctx context.Context, userID int64, userText, assistantText string) error {
	exchange := fmt.Sprintf("User said: %s\nAssistant replied: %s", userText, truncate(assistantText, 500))
	var resp *genai.GenerateContentResponse
	err := s.pool.CallWithRotation(func(client *genai.Client) error {
		var callErr error
		resp, callErr = client.Models.GenerateContent(ctx, s.cfg.GeminiModel, genai.Text(exchange),
			&genai.GenerateContentConfig{
				SystemInstruction: s.systemContent(factExtractionPrompt),
				MaxOutputTokens:   200,
			})
		return callErr
	})
	if err != nil {
		return err
	}
	answer, err := extractGeminiText(resp)
	if err != nil {
		return err
	}

	candidates := parseFactLines(answer)
	if len(candidates) == 0 {
		return nil
	}
	existing, err := s.store.GetFacts(ctx, userID, factDedupLimit)
	if err != nil {
		return err
	}
	for _, fact := range newFacts(candidates, existing) {
		if _, err := s.store.AddFact(ctx, userID, fact); err != nil {
			return err
		}
		s.logger.Info("saved user fact", zap.Int64("user_id", userID), zap.String("fact", fact))
	}
	return nil
}

var _ Provider = (*GeminiService)(nil)
