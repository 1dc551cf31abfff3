package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/xaenox/concierge-bot/internal/models"
	"github.com/xaenox/concierge-bot/internal/storage"
	"go.uber.org/zap"
)

// classifierModel handles the cheap constrained calls (intent
// classification, fact extraction) regardless of the conversation
// model.
const classifierModel = "gpt-4o-mini"

// OpenAIService is the OpenAI-backed orchestrator, used as the
// fallback provider when Gemini is configured and as the only provider
// otherwise.
type OpenAIService struct {
	pool   *Pool[*openai.Client]
	store  storage.Storage
	cfg    Config
	logger *zap.Logger

	skillsPrompt string
}

func NewOpenAIService(apiKeys []string, baseURL string, store storage.Storage, cfg Config, logger *zap.Logger) (*OpenAIService, error) {
	clients := make([]*openai.Client, 0, len(apiKeys))
	for _, key := range apiKeys {
		clientCfg := openai.DefaultConfig(key)
		if baseURL != "" {
			clientCfg.BaseURL = baseURL
		}
		clients = append(clients, openai.NewClientWithConfig(clientCfg))
	}
	pool, err := NewPool(clients, logger)
	if err != nil {
		return nil, err
	}
	return &OpenAIService{pool: pool, store: store, cfg: cfg, logger: logger}, nil
}

func (s *OpenAIService) Name() string { return "openai" }

func (s *OpenAIService) SetSkillsPrompt(prompt string) {
	s.skillsPrompt = prompt
}

// chatMessages builds the OpenAI message list: untruncated system
// block first, then trimmed history in chronological order.
func chatMessages(system string, history []*models.Message) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	for _, msg := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return messages
}

func (s *OpenAIService) promptMessages(ctx context.Context, conv *models.Conversation) ([]openai.ChatCompletionMessage, error) {
	facts, err := s.store.GetFacts(ctx, conv.UserID, factPromptLimit)
	if err != nil {
		return nil, err
	}
	history, err := s.store.GetMessages(ctx, conv.ID, s.cfg.MaxContextMessages)
	if err != nil {
		return nil, err
	}
	system := buildSystemInstruction(conv.SystemPrompt, s.skillsPrompt, memoryPrompt(facts))
	return chatMessages(system, trimHistory(history, s.cfg.maxContextChars())), nil
}

func extractOpenAIText(resp openai.ChatCompletionResponse) (string, error) {
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// ── chat ──────────────────────────────────────────────────────────

func (s *OpenAIService) Chat(ctx context.Context, userID int64, text string) (string, error) {
	conv, err := ensureConversation(ctx, s.store, userID, s.cfg.DefaultModel)
	if err != nil {
		return "", err
	}
	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleUser, Content: text,
	}); err != nil {
		return "", err
	}

	messages, err := s.promptMessages(ctx, conv)
	if err != nil {
		return "", err
	}

	s.logger.Info("openai chat request",
		zap.String("model", conv.Model),
		zap.Int("messages", len(messages)))

	var resp openai.ChatCompletionResponse
	err = s.pool.CallWithRotation(func(client *openai.Client) error {
		var callErr error
		resp, callErr = client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    conv.Model,
			Messages: messages,
		})
		return callErr
	})
	if err != nil {
		return "", err
	}

	reply, err := extractOpenAIText(resp)
	if err != nil {
		return "", err
	}
	tokens := resp.Usage.TotalTokens

	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleAssistant, Content: reply, TokensUsed: tokens,
	}); err != nil {
		return "", err
	}
	if err := s.store.LogUsage(ctx, userID, models.UsageChat, conv.Model, tokens); err != nil {
		return "", err
	}
	return reply, nil
}

// ── chat stream ───────────────────────────────────────────────────

func (s *OpenAIService) ChatStream(ctx context.Context, userID int64, text string, onChunk ChunkFunc) (string, error) {
	conv, err := ensureConversation(ctx, s.store, userID, s.cfg.DefaultModel)
	if err != nil {
		return "", err
	}
	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleUser, Content: text,
	}); err != nil {
		return "", err
	}

	messages, err := s.promptMessages(ctx, conv)
	if err != nil {
		return "", err
	}

	s.logger.Info("openai stream request",
		zap.String("model", conv.Model),
		zap.Int("messages", len(messages)))

	full, err := s.consumeStream(ctx, openai.ChatCompletionRequest{
		Model:    conv.Model,
		Messages: messages,
	}, onChunk)
	if err != nil {
		return "", err
	}

	tokens := estimateTokens(full)
	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleAssistant, Content: full, TokensUsed: tokens,
	}); err != nil {
		return "", err
	}
	if err := s.store.LogUsage(ctx, userID, models.UsageChat, conv.Model, tokens); err != nil {
		return "", err
	}
	return full, nil
}

func (s *OpenAIService) consumeStream(ctx context.Context, req openai.ChatCompletionRequest, onChunk ChunkFunc) (string, error) {
	client, _ := s.pool.Take()
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var full strings.Builder
	throttle := newStreamThrottle(s.cfg.streamInterval())
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if len(chunk.Choices) > 0 {
			full.WriteString(chunk.Choices[0].Delta.Content)
		}
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

func (s *OpenAIService) ChatWithContext(ctx context.Context, userID int64, text, injected string, onChunk ChunkFunc) (string, error) {
	conv, err := ensureConversation(ctx, s.store, userID, s.cfg.DefaultModel)
	if err != nil {
		return "", err
	}
	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleUser, Content: text,
	}); err != nil {
		return "", err
	}

	messages, err := s.promptMessages(ctx, conv)
	if err != nil {
		return "", err
	}

	// inject the context block right before the final user turn
	contextMsg := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: injectedContextPrompt + injected,
	}
	last := messages[len(messages)-1]
	messages = append(messages[:len(messages)-1], contextMsg, last)

	s.logger.Info("openai context request",
		zap.String("model", conv.Model),
		zap.Int("messages", len(messages)))

	var reply string
	var tokens int
	if onChunk != nil {
		reply, err = s.consumeStream(ctx, openai.ChatCompletionRequest{
			Model:    conv.Model,
			Messages: messages,
		}, onChunk)
		if err != nil {
			return "", err
		}
		tokens = estimateTokens(reply)
	} else {
		var resp openai.ChatCompletionResponse
		err = s.pool.CallWithRotation(func(client *openai.Client) error {
			var callErr error
			resp, callErr = client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:    conv.Model,
				Messages: messages,
			})
			return callErr
		})
		if err != nil {
			return "", err
		}
		if reply, err = extractOpenAIText(resp); err != nil {
			return "", err
		}
		tokens = resp.Usage.TotalTokens
	}

	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleAssistant, Content: reply, TokensUsed: tokens,
	}); err != nil {
		return "", err
	}
	if err := s.store.LogUsage(ctx, userID, models.UsageChat, conv.Model, tokens); err != nil {
		return "", err
	}
	return reply, nil
}

// ── web search ────────────────────────────────────────────────────

// responseInput converts chat messages to Responses API input: the
// leading system message becomes the instructions string, the rest
// become structured input messages.
func responseInput(messages []openai.ChatCompletionMessage) (string, []openai.ResponseInputMessage) {
	var instructions string
	input := make([]openai.ResponseInputMessage, 0, len(messages))
	for i, msg := range messages {
		if i == 0 && msg.Role == openai.ChatMessageRoleSystem {
			instructions = msg.Content
			continue
		}
		input = append(input, openai.ResponseInputMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	return instructions, input
}

// ChatWebSearch answers through the Responses API with the built-in
// web search tool. On provider failure it rewinds the whole last
// exchange (not just the user turn) and wraps the error in
// ErrExchangeRewound so the coordinator does not rewind again.
func (s *OpenAIService) ChatWebSearch(ctx context.Context, userID int64, text string, onChunk ChunkFunc) (string, error) {
	conv, err := ensureConversation(ctx, s.store, userID, s.cfg.DefaultModel)
	if err != nil {
		return "", err
	}
	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleUser, Content: text,
	}); err != nil {
		return "", err
	}

	messages, err := s.promptMessages(ctx, conv)
	if err != nil {
		return "", err
	}
	instructions, input := responseInput(messages)

	s.logger.Info("openai web search request",
		zap.String("model", conv.Model),
		zap.Int("messages", len(input)))

	var resp openai.CreateResponseResponse
	err = s.pool.CallWithRotation(func(client *openai.Client) error {
		var callErr error
		resp, callErr = client.CreateResponse(ctx, openai.CreateResponseRequest{
			Model:        conv.Model,
			Instructions: instructions,
			Input:        input,
			Tools: []openai.ResponseTool{{
				Type:       openai.ToolTypeWebSearchPreview,
				Parameters: map[string]any{"search_context_size": "medium"},
			}},
		})
		return callErr
	})
	if err != nil {
		s.logger.Warn("openai web search failed, rewinding exchange", zap.Error(err))
		if _, delErr := s.store.DeleteLastExchange(ctx, conv.ID); delErr != nil {
			s.logger.Error("exchange rewind failed", zap.Error(delErr))
		}
		return "", fmt.Errorf("%w: %v", ErrExchangeRewound, err)
	}

	reply := resp.GetOutputText()
	if reply == "" {
		return "", ErrEmptyResponse
	}
	reply = appendSources(reply, annotationSources(resp))

	tokens := 0
	if resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
	}
	if tokens == 0 {
		tokens = estimateTokens(reply)
	}

	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleAssistant, Content: reply, TokensUsed: tokens,
	}); err != nil {
		return "", err
	}
	if err := s.store.LogUsage(ctx, userID, models.UsageWebSearch, conv.Model, tokens); err != nil {
		return "", err
	}

	if onChunk != nil {
		onChunk(reply)
	}
	return reply, nil
}

// annotationSources collects url_citation annotations from the output
// items. Output is untyped in the client, so each item goes through a
// json round trip into the message shape.
func annotationSources(resp openai.CreateResponseResponse) []Source {
	var sources []Source
	for _, rawItem := range resp.Output {
		data, err := json.Marshal(rawItem)
		if err != nil {
			continue
		}
		var item openai.ResponseOutputItem
		if err := json.Unmarshal(data, &item); err != nil {
			continue
		}
		for _, content := range item.Content {
			for _, ann := range content.Annotations {
				if ann.Type == "url_citation" && ann.URL != "" {
					sources = append(sources, Source{Title: ann.Title, URL: ann.URL})
				}
			}
		}
	}
	return sources
}

// ── should search ─────────────────────────────────────────────────

func (s *OpenAIService) ShouldSearch(ctx context.Context, text string) (bool, error) {
	var resp openai.ChatCompletionResponse
	err := s.pool.CallWithRotation(func(client *openai.Client) error {
		var callErr error
		resp, callErr = client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: classifierModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: shouldSearchPrompt},
				{Role: openai.ChatMessageRoleUser, Content: text},
			},
			MaxTokens: 10,
		})
		return callErr
	})
	if err != nil {
		return false, err
	}
	answer, err := extractOpenAIText(resp)
	if err != nil {
		return false, err
	}
	return strings.ToUpper(strings.TrimSpace(answer)) == "YES", nil
}

// ── vision ────────────────────────────────────────────────────────

func (s *OpenAIService) ChatVision(ctx context.Context, userID int64, imageURL, caption string) (string, error) {
	conv, err := ensureConversation(ctx, s.store, userID, s.cfg.DefaultModel)
	if err != nil {
		return "", err
	}
	text := caption
	if text == "" {
		text = defaultVisionCaption
	}
	// caption only; the image URL expires and is never replayed
	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleUser, Content: text, ContentType: models.VisionContent,
	}); err != nil {
		return "", err
	}

	// downloaded and re-sent as base64 so the provider can access it
	imageBytes, mimeType, err := fetchImage(ctx, imageURL)
	if err != nil {
		return "", err
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(imageBytes))

	messages, err := s.promptMessages(ctx, conv)
	if err != nil {
		return "", err
	}
	// replace the final user turn with the multi-part image content
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == openai.ChatMessageRoleUser {
			messages[i].Content = ""
			messages[i].MultiContent = []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: text},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
			}
			break
		}
	}

	s.logger.Info("openai vision request", zap.String("model", conv.Model))

	var resp openai.ChatCompletionResponse
	err = s.pool.CallWithRotation(func(client *openai.Client) error {
		var callErr error
		resp, callErr = client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    conv.Model,
			Messages: messages,
		})
		return callErr
	})
	if err != nil {
		return "", err
	}

	reply, err := extractOpenAIText(resp)
	if err != nil {
		return "", err
	}
	tokens := resp.Usage.TotalTokens

	if err := s.store.AddMessage(ctx, &models.Message{
		ConversationID: conv.ID, Role: models.RoleAssistant, Content: reply, TokensUsed: tokens,
	}); err != nil {
		return "", err
	}
	if err := s.store.LogUsage(ctx, userID, models.UsageVision, conv.Model, tokens); err != nil {
		return "", err
	}
	return reply, nil
}

// ── image generation ──────────────────────────────────────────────

func (s *OpenAIService) GenerateImage(ctx context.Context, userID int64, prompt string) ([]byte, error) {
	s.logger.Info("openai image generation", zap.String("prompt", truncate(prompt, 80)))

	var resp openai.ImageResponse
	err := s.pool.CallWithRotation(func(client *openai.Client) error {
		var callErr error
		resp, callErr = client.CreateImage(ctx, openai.ImageRequest{
			Model:          s.cfg.OpenAIImageModel,
			Prompt:         prompt,
			N:              1,
			Size:           openai.CreateImageSize1024x1024,
			ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		})
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, ErrNoImagePayload
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}
	if err := s.store.LogUsage(ctx, userID, models.UsageImage, s.cfg.OpenAIImageModel, 0); err != nil {
		return nil, err
	}
	return data, nil
}

// ── fact extraction ───────────────────────────────────────────────

func (s *OpenAIService) ExtractFacts(ctx context.Context, userID int64, userText, assistantText string) error {
	var resp openai.ChatCompletionResponse
	err := s.pool.CallWithRotation(func(client *openai.Client) error {
		var callErr error
		resp, callErr = client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: classifierModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: factExtractionPrompt},
				{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(
					"User said: %s\nAssistant replied: %s", userText, truncate(assistantText, 500))},
			},
			MaxTokens: 200,
		})
		return callErr
	})
	if err != nil {
		return err
	}
	answer, err := extractOpenAIText(resp)
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

var _ Provider = (*OpenAIService)(nil)
