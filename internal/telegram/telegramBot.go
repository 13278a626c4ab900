package telegram

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"GreetingCardBot/internal/config"
	"GreetingCardBot/internal/models/domain"
	"GreetingCardBot/internal/queue"
	"GreetingCardBot/internal/utils/logger/sl"
	"GreetingCardBot/internal/validation"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// AuditLog is the repository surface the bot uses: workers write finished
// renders, the /stats command reads them back. Nil when the audit log is
// disabled in config.
type AuditLog interface {
	RecordGeneration(ctx context.Context, g *domain.Generation) error
	GetRecentGenerations(ctx context.Context, botID string, limit int) ([]domain.Generation, error)
	CountGenerationsSince(ctx context.Context, botID string, t time.Time) (map[domain.Status]int, error)
}

// Bot is one branded card-bot identity. All instances share the job queue,
// the worker pool and the rendering credential; each owns its sessions.
type Bot struct {
	cfg    config.BotConfig
	limits config.LimitsConfig

	b        *bot.Bot
	m        messenger
	sessions *sessionStore
	pool     *queue.Pool
	repo     AuditLog

	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

// New creates a Bot for one configured identity.
func New(
	logger *slog.Logger,
	cfg config.BotConfig,
	limits config.LimitsConfig,
	pool *queue.Pool,
	repo AuditLog,
) *Bot {
	op := "telegram.New()"
	log := logger.With(
		slog.String("op", op),
		slog.String("bot_id", cfg.ID),
	)

	ctx, cancel := context.WithCancel(context.Background())

	cardBot := &Bot{
		cfg:      cfg,
		limits:   limits,
		sessions: newSessionStore(limits.RateLimitInterval),
		pool:     pool,
		repo:     repo,
		ctx:      ctx,
		cancel:   cancel,
		log:      logger.With(slog.String("bot_id", cfg.ID)),
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(cardBot.defaultHandler),
	}
	if cfg.WebhookSecret != "" {
		opts = append(opts, bot.WithWebhookSecretToken(cfg.WebhookSecret))
	}

	b, err := bot.New(cfg.Token, opts...)
	if err != nil {
		log.Error("error auth telegram bot", sl.Err(err))
		cancel()
		return nil
	}

	cardBot.b = b
	cardBot.m = &tgMessenger{
		b:         b,
		attempts:  limits.RetryAttempts,
		baseDelay: limits.RetryBaseDelay,
		maxDelay:  limits.RetryMaxDelay,
		log:       cardBot.log.With(slog.String("component", "messenger")),
	}

	log.Info("telegram bot created")
	return cardBot
}

// defaultHandler is the single entry point for all updates from go-telegram/bot.
func (cardBot *Bot) defaultHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	cardBot.handleUpdate(ctx, update)
}

// WebhookHandler exposes the inbound endpoint for this bot identity. It
// acknowledges the delivery immediately; business logic runs on the
// webhook processing loop.
func (cardBot *Bot) WebhookHandler() http.HandlerFunc {
	return cardBot.b.WebhookHandler()
}

// Start runs the webhook update processing loop until shutdown.
func (cardBot *Bot) Start() {
	cardBot.log.Info("starting telegram webhook processing")
	cardBot.b.StartWebhook(cardBot.ctx)
	cardBot.log.Info("telegram webhook processing stopped")
}

// ID returns the configured bot identity.
func (cardBot *Bot) ID() string {
	return cardBot.cfg.ID
}

// Shutdown gracefully stops the bot.
func (cardBot *Bot) Shutdown(_ context.Context) error {
	cardBot.cancel()
	return nil
}

// primaryScript is the script the first collected name must be written in.
func (cardBot *Bot) primaryScript() validation.Script {
	if cardBot.cfg.Language == config.LangEnglish {
		return validation.ScriptEnglish
	}
	return validation.ScriptArabic
}

// needsSecondary reports whether the dialogue collects a second name.
func (cardBot *Bot) needsSecondary() bool {
	return cardBot.cfg.Language == config.LangBilingual
}

// ─── Messaging client ──────────────────────────────────────────────────────

// messenger is the outbound surface of the Telegram gateway. The interface
// keeps the state machine testable with a fake transport.
type messenger interface {
	sendMessage(ctx context.Context, chatID int64, text string, kb models.ReplyMarkup) error
	sendPhoto(ctx context.Context, chatID int64, png []byte, caption string) error
	answerCallback(ctx context.Context, callbackID string, toast string) error
}

// tgMessenger sends through go-telegram/bot, retrying transient failures
// with bounded exponential backoff.
type tgMessenger struct {
	b         *bot.Bot
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
	log       *slog.Logger
}

func (m *tgMessenger) sendMessage(ctx context.Context, chatID int64, text string, kb models.ReplyMarkup) error {
	return m.withRetry(ctx, "sendMessage", func(ctx context.Context) error {
		_, err := m.b.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:      chatID,
			Text:        text,
			ReplyMarkup: kb,
		})
		return err
	})
}

func (m *tgMessenger) sendPhoto(ctx context.Context, chatID int64, png []byte, caption string) error {
	return m.withRetry(ctx, "sendPhoto", func(ctx context.Context) error {
		_, err := m.b.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID: chatID,
			Photo: &models.InputFileUpload{
				Filename: "card.png",
				Data:     bytes.NewReader(png),
			},
			Caption: caption,
		})
		return err
	})
}

func (m *tgMessenger) answerCallback(ctx context.Context, callbackID string, toast string) error {
	return m.withRetry(ctx, "answerCallbackQuery", func(ctx context.Context) error {
		_, err := m.b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: callbackID,
			Text:            toast,
		})
		return err
	})
}

func (m *tgMessenger) withRetry(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < m.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(messageBackoff(attempt, m.baseDelay, m.maxDelay)):
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransientTelegramError(err) {
			return err
		}
		m.log.Warn("transient telegram error, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			sl.Err(err))
	}
	return err
}

// isTransientTelegramError matches the rate-limit and server error classes
// worth retrying; everything else is considered permanent.
func isTransientTelegramError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "too many requests") ||
		strings.Contains(errMsg, "429") ||
		strings.Contains(errMsg, "500") ||
		strings.Contains(errMsg, "502") ||
		strings.Contains(errMsg, "503") ||
		strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "connection reset")
}
