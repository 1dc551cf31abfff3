package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/xaenox/concierge-bot/internal/llm"
	"github.com/xaenox/concierge-bot/internal/storage"
	"go.uber.org/zap"
)

// Telegram caps message length; longer replies are split.
const maxMessageLen = 4096

const handlerTimeout = 5 * time.Minute

type Bot struct {
	api     *tgbotapi.BotAPI
	storage storage.Storage
	llm     *llm.Service
	adminID int64
	logger  *zap.Logger
}

func New(token string, storage storage.Storage, llmService *llm.Service, adminID int64, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		api:     api,
		storage: storage,
		llm:     llmService,
		adminID: adminID,
		logger:  logger,
	}, nil
}

func (b *Bot) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for update := range updates {
		if update.Message == nil {
			continue
		}

		go b.handleMessage(update.Message)
	}

	return nil
}

func (b *Bot) handleMessage(message *tgbotapi.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	logger := b.logger.With(
		zap.String("trace_id", uuid.New().String()),
		zap.Int64("user_id", message.From.ID))

	if err := b.storage.UpsertUser(ctx, message.From.ID, message.From.UserName, message.From.FirstName); err != nil {
		logger.Error("Failed to upsert user", zap.Error(err))
	}

	if !b.isAllowed(ctx, message.From.ID) {
		b.sendMessage(message.Chat.ID, "You are not approved to use this bot yet. Ask the admin to /approve you.")
		return
	}

	if message.IsCommand() {
		b.handleCommand(ctx, logger, message)
		return
	}

	if len(message.Photo) > 0 {
		b.handlePhoto(ctx, logger, message)
		return
	}

	if message.Text != "" {
		b.handleText(ctx, logger, message)
	}
}

// isAllowed gates access: with no admin configured the bot is open,
// otherwise the admin and approved users may chat.
func (b *Bot) isAllowed(ctx context.Context, userID int64) bool {
	if b.adminID == 0 || userID == b.adminID {
		return true
	}
	approved, err := b.storage.IsUserApproved(ctx, userID)
	if err != nil {
		b.logger.Error("Failed to check approval", zap.Error(err), zap.Int64("user_id", userID))
		return false
	}
	return approved
}

// ── text / chat ───────────────────────────────────────────────────

func (b *Bot) handleText(ctx context.Context, logger *zap.Logger, message *tgbotapi.Message) {
	limitMsg, err := b.llm.CheckLimits(ctx, message.From.ID)
	if err != nil {
		logger.Error("Failed to check limits", zap.Error(err))
	}
	if limitMsg != "" {
		b.sendMessage(message.Chat.ID, limitMsg)
		return
	}

	placeholder := b.sendAndReturn(message.Chat.ID, "⏳")
	onChunk := b.chunkEditor(message.Chat.ID, placeholder)

	needsSearch, err := b.llm.ShouldSearch(ctx, message.Text)
	if err != nil {
		logger.Warn("Search classification failed", zap.Error(err))
	}

	var response string
	if needsSearch {
		b.editMessage(message.Chat.ID, placeholder, "🔍 Searching the web…")
		response, err = b.llm.ChatWebSearch(ctx, message.From.ID, message.Text, onChunk)
	} else {
		response, err = b.llm.ChatStream(ctx, message.From.ID, message.Text, onChunk)
	}
	if err != nil {
		logger.Error("LLM error", zap.Error(err))
		b.editMessage(message.Chat.ID, placeholder, "Something went wrong. Please try again.")
		return
	}

	b.sendResponse(message.Chat.ID, placeholder, response)
}

func (b *Bot) handlePhoto(ctx context.Context, logger *zap.Logger, message *tgbotapi.Message) {
	limitMsg, err := b.llm.CheckLimits(ctx, message.From.ID)
	if err != nil {
		logger.Error("Failed to check limits", zap.Error(err))
	}
	if limitMsg != "" {
		b.sendMessage(message.Chat.ID, limitMsg)
		return
	}

	// largest photo size is last
	photo := message.Photo[len(message.Photo)-1]
	imageURL, err := b.api.GetFileDirectURL(photo.FileID)
	if err != nil {
		logger.Error("Failed to resolve photo URL", zap.Error(err))
		b.sendMessage(message.Chat.ID, "Sorry, I couldn't download that image.")
		return
	}

	placeholder := b.sendAndReturn(message.Chat.ID, "👁 Looking at the image…")
	response, err := b.llm.ChatVision(ctx, message.From.ID, imageURL, message.Caption)
	if err != nil {
		logger.Error("Vision error", zap.Error(err))
		b.editMessage(message.Chat.ID, placeholder, "Something went wrong. Please try again.")
		return
	}

	b.sendResponse(message.Chat.ID, placeholder, response)
}

// ── commands ──────────────────────────────────────────────────────

func (b *Bot) handleCommand(ctx context.Context, logger *zap.Logger, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "help":
		b.handleHelp(message)
	case "new":
		b.handleNew(ctx, logger, message)
	case "history":
		b.handleHistory(ctx, logger, message)
	case "usage":
		b.handleUsage(ctx, logger, message)
	case "memory":
		b.handleMemory(ctx, logger, message)
	case "forget":
		b.handleForget(ctx, logger, message)
	case "retry":
		b.handleRetry(ctx, logger, message)
	case "image":
		b.handleImage(ctx, logger, message)
	case "prompt":
		b.handlePrompt(ctx, logger, message)
	case "approve":
		b.handleApprove(ctx, logger, message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	welcome := `Hi! I'm your personal assistant. 🤖
Just send me a message and I'll answer, searching the web when needed.
Send a photo and I'll describe it.

Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/new - Start a fresh conversation
/history - Show recent messages
/usage - Show API usage
/memory - Show what I remember about you
/forget <id> - Delete a remembered fact (or /forget all)
/retry - Regenerate the last answer
/image <prompt> - Generate an image
/prompt <text> - Set the system prompt

Just send text to chat, or a photo to have it described.`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleNew(ctx context.Context, logger *zap.Logger, message *tgbotapi.Message) {
	conv, err := b.storage.ActiveConversation(ctx, message.From.ID)
	model := ""
	if err == nil && conv != nil {
		model = conv.Model
	}
	if model == "" {
		b.sendMessage(message.Chat.ID, "Starting fresh — just send me a message.")
		return
	}
	if _, err := b.storage.CreateConversation(ctx, message.From.ID, model, llm.DefaultSystemPrompt); err != nil {
		logger.Error("Failed to create conversation", zap.Error(err))
		b.sendMessage(message.Chat.ID, "Sorry, I couldn't reset the conversation.")
		return
	}
	b.sendMessage(message.Chat.ID, "Started a new conversation. Previous history is kept but no longer used.")
}

func (b *Bot) handleHistory(ctx context.Context, logger *zap.Logger, message *tgbotapi.Message) {
	conv, err := b.storage.ActiveConversation(ctx, message.From.ID)
	if err != nil || conv == nil {
		b.sendMessage(message.Chat.ID, "You don't have any messages yet.")
		return
	}
	messages, err := b.storage.GetMessages(ctx, conv.ID, 10)
	if err != nil {
		logger.Error("Failed to get messages", zap.Error(err))
		b.sendMessage(message.Chat.ID, "Sorry, I couldn't retrieve your history.")
		return
	}
	if len(messages) == 0 {
		b.sendMessage(message.Chat.ID, "You don't have any messages yet.")
		return
	}

	var sb strings.Builder
	sb.WriteString("Recent messages:\n\n")
	for _, msg := range messages {
		role := "You"
		if msg.Role != "user" {
			role = "Bot"
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, truncateText(msg.Content, 200))
	}
	b.sendResponse(message.Chat.ID, 0, sb.String())
}

func (b *Bot) handleUsage(ctx context.Context, logger *zap.Logger, message *tgbotapi.Message) {
	summary, err := b.llm.UsageSummary(ctx, message.From.ID)
	if err != nil {
		logger.Error("Failed to get usage summary", zap.Error(err))
		b.sendMessage(message.Chat.ID, "Sorry, I couldn't retrieve your usage.")
		return
	}
	if len(summary) == 0 {
		b.sendMessage(message.Chat.ID, "No API usage recorded yet.")
		return
	}

	var sb strings.Builder
	sb.WriteString("Your API usage:\n")
	for _, row := range summary {
		fmt.Fprintf(&sb, "• %s: %d requests, %d tokens\n", row.Type, row.Count, row.TotalTokens)
	}
	b.sendMessage(message.Chat.ID, sb.String())
}

func (b *Bot) handleMemory(ctx context.Context, logger *zap.Logger, message *tgbotapi.Message) {
	facts, err := b.storage.GetFacts(ctx, message.From.ID, 50)
	if err != nil {
		logger.Error("Failed to get facts", zap.Error(err))
		b.sendMessage(message.Chat.ID, "Sorry, I couldn't retrieve your memory.")
		return
	}
	if len(facts) == 0 {
		b.sendMessage(message.Chat.ID, "I don't remember anything about you yet.")
		return
	}

	var sb strings.Builder
	sb.WriteString("What I remember about you:\n")
	for _, fact := range facts {
		fmt.Fprintf(&sb, "%d. %s\n", fact.ID, fact.Fact)
	}
	sb.WriteString("\nUse /forget <id> to delete a fact.")
	b.sendMessage(message.Chat.ID, sb.String())
}

func (b *Bot) handleForget(ctx context.Context, logger *zap.Logger, message *tgbotapi.Message) {
	arg := strings.TrimSpace(message.CommandArguments())
	if arg == "" {
		b.sendMessage(message.Chat.ID, "Usage: /forget <id> or /forget all (see /memory for ids)")
		return
	}
	if strings.EqualFold(arg, "all") {
		removed, err := b.storage.ClearFacts(ctx, message.From.ID)
		if err != nil {
			logger.Error("Failed to clear facts", zap.Error(err))
			b.sendMessage(message.Chat.ID, "Sorry, I couldn't clear your memory.")
			return
		}
		b.sendMessage(message.Chat.ID, fmt.Sprintf("Forgot %d facts.", removed))
		return
	}
	factID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		b.sendMessage(message.Chat.ID, "That doesn't look like a fact id.")
		return
	}
	deleted, err := b.storage.DeleteFact(ctx, factID, message.From.ID)
	if err != nil {
		logger.Error("Failed to delete fact", zap.Error(err))
		b.sendMessage(message.Chat.ID, "Sorry, I couldn't delete that fact.")
		return
	}
	if !deleted {
		b.sendMessage(message.Chat.ID, "No such fact.")
		return
	}
	b.sendMessage(message.Chat.ID, "Forgotten.")
}

func (b *Bot) handleRetry(ctx context.Context, logger *zap.Logger, message *tgbotapi.Message) {
	placeholder := b.sendAndReturn(message.Chat.ID, "⏳")
	response, err := b.llm.RetryLast(ctx, message.From.ID)
	if err != nil {
		logger.Error("Retry failed", zap.Error(err))
		b.editMessage(message.Chat.ID, placeholder, "Something went wrong. Please try again.")
		return
	}
	if response == "" {
		b.editMessage(message.Chat.ID, placeholder, "Nothing to retry yet.")
		return
	}
	b.sendResponse(message.Chat.ID, placeholder, response)
}

func (b *Bot) handleImage(ctx context.Context, logger *zap.Logger, message *tgbotapi.Message) {
	prompt := strings.TrimSpace(message.CommandArguments())
	if prompt == "" {
		b.sendMessage(message.Chat.ID, "Usage: /image <description>")
		return
	}

	limitMsg, err := b.llm.CheckLimits(ctx, message.From.ID)
	if err != nil {
		logger.Error("Failed to check limits", zap.Error(err))
	}
	if limitMsg != "" {
		b.sendMessage(message.Chat.ID, limitMsg)
		return
	}

	placeholder := b.sendAndReturn(message.Chat.ID, "🎨 Generating…")
	data, err := b.llm.GenerateImage(ctx, message.From.ID, prompt)
	if err != nil {
		logger.Error("Image generation failed", zap.Error(err))
		b.editMessage(message.Chat.ID, placeholder, "Sorry, I couldn't generate that image.")
		return
	}

	b.deleteMessage(message.Chat.ID, placeholder)
	photo := tgbotapi.NewPhoto(message.Chat.ID, tgbotapi.FileBytes{Name: "image.png", Bytes: data})
	if _, err := b.api.Send(photo); err != nil {
		logger.Error("Failed to send photo", zap.Error(err))
	}
}

func (b *Bot) handlePrompt(ctx context.Context, logger *zap.Logger, message *tgbotapi.Message) {
	prompt := strings.TrimSpace(message.CommandArguments())
	if prompt == "" {
		b.sendMessage(message.Chat.ID, "Usage: /prompt <system prompt text>")
		return
	}
	conv, err := b.storage.ActiveConversation(ctx, message.From.ID)
	if err != nil || conv == nil {
		b.sendMessage(message.Chat.ID, "Send a message first to start a conversation.")
		return
	}
	if err := b.storage.SetSystemPrompt(ctx, conv.ID, prompt); err != nil {
		logger.Error("Failed to set system prompt", zap.Error(err))
		b.sendMessage(message.Chat.ID, "Sorry, I couldn't update the prompt.")
		return
	}
	b.sendMessage(message.Chat.ID, "System prompt updated.")
}

func (b *Bot) handleApprove(ctx context.Context, logger *zap.Logger, message *tgbotapi.Message) {
	if message.From.ID != b.adminID {
		b.sendMessage(message.Chat.ID, "Only the admin can approve users.")
		return
	}
	arg := strings.TrimSpace(message.CommandArguments())
	userID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		b.sendMessage(message.Chat.ID, "Usage: /approve <user id>")
		return
	}
	if err := b.storage.SetUserApproved(ctx, userID, true); err != nil {
		logger.Error("Failed to approve user", zap.Error(err))
		b.sendMessage(message.Chat.ID, "Sorry, approval failed.")
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("User %d approved.", userID))
}

// ── sending helpers ───────────────────────────────────────────────

// chunkEditor adapts the streamed-reply callback to Telegram message
// edits. Edit failures are ignored; the final reply is sent separately.
func (b *Bot) chunkEditor(chatID int64, messageID int) llm.ChunkFunc {
	return func(text string) {
		if messageID == 0 {
			return
		}
		edit := tgbotapi.NewEditMessageText(chatID, messageID, truncateText(text, maxMessageLen))
		b.api.Send(edit)
	}
}

// sendResponse edits the placeholder in place, or splits long replies
// into multiple messages.
func (b *Bot) sendResponse(chatID int64, placeholderID int, response string) {
	if len(response) <= maxMessageLen && placeholderID != 0 {
		b.editMessage(chatID, placeholderID, response)
		return
	}
	if placeholderID != 0 {
		b.deleteMessage(chatID, placeholderID)
	}
	for i := 0; i < len(response); i += maxMessageLen {
		end := i + maxMessageLen
		if end > len(response) {
			end = len(response)
		}
		b.sendMessage(chatID, response[i:end])
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendAndReturn(chatID int64, text string) int {
	sent, err := b.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
		return 0
	}
	return sent.MessageID
}

func (b *Bot) editMessage(chatID int64, messageID int, text string) {
	if messageID == 0 {
		b.sendMessage(chatID, text)
		return
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, truncateText(text, maxMessageLen))
	if _, err := b.api.Send(edit); err != nil {
		b.logger.Error("Failed to edit message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) deleteMessage(chatID int64, messageID int) {
	del := tgbotapi.NewDeleteMessage(chatID, messageID)
	if _, err := b.api.Request(del); err != nil {
		b.logger.Error("Failed to delete message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func truncateText(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[:n]
}
