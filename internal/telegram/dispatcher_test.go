package telegram

import (
	"context"
	"testing"

	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
)

func TestParseCommand_Text(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    command
	}{
		{"start command", "/start", command{kind: cmdStart}},
		{"start word", "Start", command{kind: cmdStart}},
		{"start arabic", "ابدأ", command{kind: cmdStart}},
		{"start arabic no hamza", "ابدا", command{kind: cmdStart}},
		{"cancel command", "/cancel", command{kind: cmdCancel}},
		{"cancel arabic", "إلغاء", command{kind: cmdCancel}},
		{"stats command", "/stats", command{kind: cmdStats}},
		{"free text", "Mohammed Ahmed", command{kind: cmdText, text: "Mohammed Ahmed"}},
		{"free text trimmed", "  Mohammed   Ahmed ", command{kind: cmdText, text: "Mohammed Ahmed"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCommand(tt.payload, false))
		})
	}
}

func TestParseCommand_Callback(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    command
	}{
		{"generate", "GEN", command{kind: cmdGenerate}},
		{"continue", "CONT", command{kind: cmdContinue}},
		{"edit primary", "EDIT_PRIMARY", command{kind: cmdEditPrimary}},
		{"edit secondary", "EDIT_SECONDARY", command{kind: cmdEditSecondary}},
		{"change variant", "VARIANT", command{kind: cmdChangeVariant}},
		{"size", "SIZE_a4", command{kind: cmdSize, text: "a4"}},
		{"design", "DESIGN_2", command{kind: cmdDesign, design: 2}},
		{"design malformed", "DESIGN_x", command{kind: cmdText, text: "DESIGN_x"}},
		{"design negative", "DESIGN_-1", command{kind: cmdText, text: "DESIGN_-1"}},
		{"unknown payload", "NOPE", command{kind: cmdText, text: "NOPE"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCommand(tt.payload, true))
		})
	}
}

func TestHandleUpdate_RedeliveredMessageDropped(t *testing.T) {
	cardBot, fm, _ := newTestBot(t, englishBotConfig(), testLimits(), &slowRenderer{}, false)

	update := &models.Update{
		ID: 100,
		Message: &models.Message{
			ID:   1,
			Text: "/start",
			Chat: models.Chat{ID: 50},
		},
	}

	cardBot.handleUpdate(context.Background(), update)
	first := fm.messageCount()
	assert.Greater(t, first, 0)

	// webhook retry delivers the identical update again
	cardBot.handleUpdate(context.Background(), update)
	assert.Equal(t, first, fm.messageCount())
}

func TestHandleUpdate_RedeliveredCallbackAckedButDropped(t *testing.T) {
	cardBot, fm, pool := newTestBot(t, englishBotConfig(), testLimits(), &slowRenderer{}, false)
	d := &driver{bot: cardBot, chatID: 51}

	d.text(t, "/start")
	d.text(t, "Mohammed Ahmed")

	update := &models.Update{
		ID: d.nextID + 1,
		CallbackQuery: &models.CallbackQuery{
			ID:   "cb-dup",
			Data: cbGenerate,
			Message: models.MaybeInaccessibleMessage{
				Message: &models.Message{ID: 5, Chat: models.Chat{ID: 51}},
			},
		},
	}

	cardBot.handleUpdate(context.Background(), update)
	assert.Equal(t, 1, pool.Len())
	sends := fm.messageCount()

	cardBot.handleUpdate(context.Background(), update)

	// the spinner is stopped both times, but no second job or message
	fm.mu.Lock()
	assert.Equal(t, []string{"cb-dup", "cb-dup"}, fm.acks)
	fm.mu.Unlock()
	assert.Equal(t, 1, pool.Len())
	assert.Equal(t, sends, fm.messageCount())
}

func TestHandleUpdate_IgnoresOtherUpdateKinds(t *testing.T) {
	cardBot, fm, _ := newTestBot(t, englishBotConfig(), testLimits(), &slowRenderer{}, false)

	cardBot.handleUpdate(context.Background(), &models.Update{ID: 1})
	assert.Equal(t, 0, fm.messageCount())
}
