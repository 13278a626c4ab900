package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"GreetingCardBot/internal/utils/logger/sl"
	"GreetingCardBot/internal/validation"

	"github.com/go-telegram/bot/models"
)

// ─── Command vocabulary ────────────────────────────────────────────────────

// commandKind is the closed set of inputs the state machine matches over.
// Free-form callback strings are parsed into it exactly once, at the
// dispatcher boundary.
type commandKind int

const (
	cmdText commandKind = iota
	cmdStart
	cmdCancel
	cmdStats
	cmdContinue
	cmdGenerate
	cmdEditPrimary
	cmdEditSecondary
	cmdChangeVariant
	cmdSize
	cmdDesign
)

// Callback payload vocabulary sent with the inline keyboards.
const (
	cbGenerate      = "GEN"
	cbContinue      = "CONT"
	cbEditPrimary   = "EDIT_PRIMARY"
	cbEditSecondary = "EDIT_SECONDARY"
	cbChangeVariant = "VARIANT"
	cbSizePrefix    = "SIZE_"
	cbDesignPrefix  = "DESIGN_"
)

type command struct {
	kind   commandKind
	text   string // cleaned free text for cmdText, size value for cmdSize
	design int    // design index for cmdDesign
}

// parseCommand maps a raw payload to a command. Callback payloads use the
// fixed vocabulary above; message text is matched against the command
// aliases and otherwise passed through as free text.
func parseCommand(payload string, isCallback bool) command {
	if isCallback {
		switch {
		case payload == cbGenerate:
			return command{kind: cmdGenerate}
		case payload == cbContinue:
			return command{kind: cmdContinue}
		case payload == cbEditPrimary:
			return command{kind: cmdEditPrimary}
		case payload == cbEditSecondary:
			return command{kind: cmdEditSecondary}
		case payload == cbChangeVariant:
			return command{kind: cmdChangeVariant}
		case strings.HasPrefix(payload, cbSizePrefix):
			return command{kind: cmdSize, text: strings.TrimPrefix(payload, cbSizePrefix)}
		case strings.HasPrefix(payload, cbDesignPrefix):
			n, err := strconv.Atoi(strings.TrimPrefix(payload, cbDesignPrefix))
			if err != nil || n < 0 {
				return command{kind: cmdText, text: payload}
			}
			return command{kind: cmdDesign, design: n}
		}
		return command{kind: cmdText, text: payload}
	}

	cleaned := validation.Clean(payload)
	switch strings.ToLower(cleaned) {
	case "/start", "start", "ابدأ", "ابدا":
		return command{kind: cmdStart}
	case "/cancel", "cancel", "إلغاء", "الغاء":
		return command{kind: cmdCancel}
	case "/stats":
		return command{kind: cmdStats}
	}
	return command{kind: cmdText, text: cleaned}
}

// ─── Inbound dispatcher ────────────────────────────────────────────────────

// handleUpdate is the business entry point for one deduplicated-later
// inbound event. Callback queries are acknowledged before anything else so
// the client-side spinner stops regardless of what the dialogue decides.
func (cardBot *Bot) handleUpdate(ctx context.Context, update *models.Update) {
	op := "telegram.handleUpdate"
	log := cardBot.log.With(slog.String("op", op))

	var (
		chatID     int64
		messageID  int
		payload    string
		isCallback bool
	)

	switch {
	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		if err := cardBot.m.answerCallback(ctx, cq.ID, ""); err != nil {
			log.Error("failed to ack callback", sl.Err(err))
		}
		if cq.Message.Message == nil {
			log.Warn("callback without accessible message", slog.String("data", cq.Data))
			return
		}
		chatID = cq.Message.Message.Chat.ID
		messageID = cq.Message.Message.ID
		payload = cq.Data
		isCallback = true

		log.Info("input callback",
			slog.Int64("chat_id", chatID),
			slog.String("data", cq.Data))

	case update.Message != nil:
		chatID = update.Message.Chat.ID
		messageID = update.Message.ID
		payload = update.Message.Text

		log.Info("input message",
			slog.Int64("chat_id", chatID),
			slog.String("text", payload))

	default:
		return
	}

	sess := cardBot.sessions.getOrCreate(chatID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	fingerprint := fmt.Sprintf("%d|%d|%s", update.ID, messageID, payload)
	if !sess.acceptLocked(update.ID, fingerprint, time.Now(), cardBot.limits.DedupWindow) {
		log.Debug("duplicate update dropped",
			slog.Int64("update_id", update.ID),
			slog.Int64("chat_id", chatID))
		return
	}

	cardBot.handleCommandLocked(ctx, sess, parseCommand(payload, isCallback))
}

// messageBackoff mirrors the render client's backoff curve for outbound
// Telegram calls: exponential, capped, ±30% jitter.
func messageBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 31 {
		shift = 31
	}
	delay := time.Duration(1<<uint(shift)) * base
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(float64(delay) * 0.3 * (rand.Float64()*2 - 1))
	return delay + jitter
}
