package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"GreetingCardBot/internal/config"
	"GreetingCardBot/internal/models/domain"
	"GreetingCardBot/internal/queue"

	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── Test harness ──────────────────────────────────────────────────────────

type sentMessage struct {
	chatID int64
	text   string
	kb     models.ReplyMarkup
}

type sentPhoto struct {
	chatID  int64
	png     []byte
	caption string
}

type fakeMessenger struct {
	mu       sync.Mutex
	messages []sentMessage
	photos   []sentPhoto
	acks     []string
}

func (f *fakeMessenger) sendMessage(_ context.Context, chatID int64, text string, kb models.ReplyMarkup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{chatID: chatID, text: text, kb: kb})
	return nil
}

func (f *fakeMessenger) sendPhoto(_ context.Context, chatID int64, png []byte, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, sentPhoto{chatID: chatID, png: png, caption: caption})
	return nil
}

func (f *fakeMessenger) answerCallback(_ context.Context, callbackID string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, callbackID)
	return nil
}

func (f *fakeMessenger) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeMessenger) photoCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.photos)
}

func (f *fakeMessenger) lastMessage() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return sentMessage{}
	}
	return f.messages[len(f.messages)-1]
}

type slowRenderer struct {
	mu    sync.Mutex
	calls []map[string]string
	delay time.Duration
	err   error
}

func (r *slowRenderer) Render(ctx context.Context, _ string, replacements map[string]string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, replacements)
	r.mu.Unlock()
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return []byte("png-bytes"), nil
}

func (r *slowRenderer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeAuditLog struct {
	mu       sync.Mutex
	recorded []domain.Generation
	recent   []domain.Generation
	counts   map[domain.Status]int
	err      error
}

func (f *fakeAuditLog) RecordGeneration(_ context.Context, g *domain.Generation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, *g)
	return f.err
}

func (f *fakeAuditLog) GetRecentGenerations(_ context.Context, _ string, _ int) ([]domain.Generation, error) {
	return f.recent, f.err
}

func (f *fakeAuditLog) CountGenerationsSince(_ context.Context, _ string, _ time.Time) (map[domain.Status]int, error) {
	return f.counts, f.err
}

func bilingualBotConfig() config.BotConfig {
	return config.BotConfig{
		ID:                   "test",
		Language:             config.LangBilingual,
		Sizes:                []string{"default"},
		Designs:              1,
		PlaceholderPrimary:   "<<Name in Arabic>>",
		PlaceholderSecondary: "<<Name in English>>",
		Templates: []config.TemplateRef{
			{Size: "default", Design: 0, SlidesID: "tpl-default"},
		},
	}
}

func englishBotConfig() config.BotConfig {
	cfg := bilingualBotConfig()
	cfg.Language = config.LangEnglish
	cfg.PlaceholderPrimary = "<<Name in English>>"
	return cfg
}

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		QueueCapacity:       4,
		Workers:             1,
		RateLimitInterval:   10 * time.Second,
		DedupWindow:         time.Minute,
		ProgressNoticeDelay: 0, // off unless a test arms it
		RetryAttempts:       1,
		RetryBaseDelay:      time.Millisecond,
		RetryMaxDelay:       time.Millisecond,
		RenderTimeout:       time.Second,
	}
}

// newTestBot wires a Bot over a fake transport and a real pool.
func newTestBot(t *testing.T, cfg config.BotConfig, limits config.LimitsConfig, renderer queue.Renderer, startPool bool) (*Bot, *fakeMessenger, *queue.Pool) {
	t.Helper()

	log := slog.New(slog.DiscardHandler)
	pool := queue.NewPool(log, renderer, limits.QueueCapacity, limits.Workers, limits.RenderTimeout)
	if startPool {
		pool.Start()
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = pool.Shutdown(ctx)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fm := &fakeMessenger{}
	cardBot := &Bot{
		cfg:      cfg,
		limits:   limits,
		m:        fm,
		sessions: newSessionStore(limits.RateLimitInterval),
		pool:     pool,
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}
	return cardBot, fm, pool
}

// driver feeds fabricated webhook updates with increasing update ids.
type driver struct {
	bot    *Bot
	chatID int64
	nextID int64
}

func (d *driver) text(t *testing.T, s string) {
	t.Helper()
	d.nextID++
	d.bot.handleUpdate(context.Background(), &models.Update{
		ID: d.nextID,
		Message: &models.Message{
			ID:   int(d.nextID),
			Text: s,
			Chat: models.Chat{ID: d.chatID},
		},
	})
}

func (d *driver) callback(t *testing.T, data string) {
	t.Helper()
	d.nextID++
	d.bot.handleUpdate(context.Background(), &models.Update{
		ID: d.nextID,
		CallbackQuery: &models.CallbackQuery{
			ID:   fmt.Sprintf("cb-%d", d.nextID),
			Data: data,
			Message: models.MaybeInaccessibleMessage{
				Message: &models.Message{
					ID:   int(d.nextID),
					Chat: models.Chat{ID: d.chatID},
				},
			},
		},
	})
}

func (d *driver) state(t *testing.T) sessionState {
	t.Helper()
	s := d.bot.sessions.getOrCreate(d.chatID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ─── Dialogue tests ────────────────────────────────────────────────────────

func TestFullRoundTrip_Bilingual(t *testing.T) {
	renderer := &slowRenderer{}
	cardBot, fm, _ := newTestBot(t, bilingualBotConfig(), testLimits(), renderer, true)
	d := &driver{bot: cardBot, chatID: 10}

	d.text(t, "/start")
	assert.Equal(t, stateWaitNamePrimary, d.state(t))

	d.text(t, "محمد أحمد")
	assert.Equal(t, stateWaitNameSecondary, d.state(t))

	d.text(t, "Mohammed Ahmed")
	assert.Equal(t, stateConfirmNames, d.state(t))
	assert.Contains(t, fm.lastMessage().text, "Mohammed Ahmed")

	d.callback(t, cbGenerate)
	assert.Equal(t, stateCreating, d.state(t))
	assert.Equal(t, msgCreating(), fm.lastMessage().text)

	require.Eventually(t, func() bool { return fm.photoCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, renderer.callCount())
	renderer.mu.Lock()
	assert.Equal(t, map[string]string{
		"<<Name in Arabic>>":  "محمد أحمد",
		"<<Name in English>>": "Mohammed Ahmed",
	}, renderer.calls[0])
	renderer.mu.Unlock()

	fm.mu.Lock()
	photo := fm.photos[0]
	fm.mu.Unlock()
	assert.Equal(t, int64(10), photo.chatID)
	assert.Equal(t, msgReady(), photo.caption)

	assert.Eventually(t, func() bool { return d.state(t) == stateMenu }, time.Second, 10*time.Millisecond)

	// names survive a successful delivery
	s := cardBot.sessions.getOrCreate(10)
	s.mu.Lock()
	assert.Equal(t, "محمد أحمد", s.namePrimary)
	s.mu.Unlock()
}

func TestInvalidName_StaysInState(t *testing.T) {
	cardBot, fm, _ := newTestBot(t, englishBotConfig(), testLimits(), &slowRenderer{}, false)
	d := &driver{bot: cardBot, chatID: 11}

	d.text(t, "/start")
	for i := 0; i < 3; i++ {
		d.text(t, "محمد") // wrong script for an English-only bot
		assert.Equal(t, stateWaitNamePrimary, d.state(t))
	}
	assert.Contains(t, fm.lastMessage().text, "Invalid English name")
}

func TestEmptyName_Rejected(t *testing.T) {
	cardBot, fm, _ := newTestBot(t, englishBotConfig(), testLimits(), &slowRenderer{}, false)
	d := &driver{bot: cardBot, chatID: 12}

	d.text(t, "/start")
	d.text(t, "   ")
	assert.Equal(t, stateWaitNamePrimary, d.state(t))
	assert.Contains(t, fm.lastMessage().text, "empty")
}

func TestEditPrimary_KeepsSecondary(t *testing.T) {
	cardBot, _, _ := newTestBot(t, bilingualBotConfig(), testLimits(), &slowRenderer{}, false)
	d := &driver{bot: cardBot, chatID: 13}

	d.text(t, "/start")
	d.text(t, "محمد")
	d.text(t, "Mohammed")
	require.Equal(t, stateConfirmNames, d.state(t))

	d.callback(t, cbEditPrimary)
	assert.Equal(t, stateWaitNamePrimary, d.state(t))

	// re-entering the primary name goes straight back to review: the
	// secondary name was not part of the edit's blast radius
	d.text(t, "أحمد")
	assert.Equal(t, stateConfirmNames, d.state(t))

	s := cardBot.sessions.getOrCreate(13)
	s.mu.Lock()
	assert.Equal(t, "أحمد", s.namePrimary)
	assert.Equal(t, "Mohammed", s.nameSecondary)
	s.mu.Unlock()
}

func TestStart_ResetsFromAnyState(t *testing.T) {
	cardBot, _, _ := newTestBot(t, bilingualBotConfig(), testLimits(), &slowRenderer{}, false)
	d := &driver{bot: cardBot, chatID: 14}

	d.text(t, "/start")
	d.text(t, "محمد")
	require.Equal(t, stateWaitNameSecondary, d.state(t))

	s := cardBot.sessions.getOrCreate(14)
	s.mu.Lock()
	seqBefore := s.seq
	s.mu.Unlock()

	d.text(t, "/start")
	assert.Equal(t, stateWaitNamePrimary, d.state(t))

	s.mu.Lock()
	assert.Equal(t, seqBefore+1, s.seq)
	assert.Empty(t, s.namePrimary)
	s.mu.Unlock()
}

func TestUnknownInput_RedirectsToStart(t *testing.T) {
	cardBot, fm, _ := newTestBot(t, bilingualBotConfig(), testLimits(), &slowRenderer{}, false)
	d := &driver{bot: cardBot, chatID: 15}

	d.text(t, "hello there")
	assert.Equal(t, stateMenu, d.state(t))
	assert.Equal(t, msgRedirectToStart(), fm.lastMessage().text)
}

// ─── Generation gates ──────────────────────────────────────────────────────

func TestDuplicateConfirm_WhileCreating(t *testing.T) {
	// pool not started: the job stays queued and the session stays CREATING
	cardBot, fm, pool := newTestBot(t, englishBotConfig(), testLimits(), &slowRenderer{}, false)
	d := &driver{bot: cardBot, chatID: 16}

	d.text(t, "/start")
	d.text(t, "Mohammed Ahmed")
	d.callback(t, cbGenerate)
	require.Equal(t, stateCreating, d.state(t))
	require.Equal(t, 1, pool.Len())

	d.callback(t, cbGenerate)
	assert.Equal(t, 1, pool.Len())
	assert.Equal(t, msgPleaseWait(), fm.lastMessage().text)
}

func TestRateLimit_SecondGenerationRejected(t *testing.T) {
	renderer := &slowRenderer{}
	cardBot, fm, pool := newTestBot(t, englishBotConfig(), testLimits(), renderer, true)
	d := &driver{bot: cardBot, chatID: 17}

	d.text(t, "/start")
	d.text(t, "Mohammed Ahmed")
	d.callback(t, cbGenerate)
	require.Eventually(t, func() bool { return fm.photoCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// immediately run the dialogue again, within the 10s interval
	d.text(t, "/start")
	d.text(t, "Mohammed Ahmed")
	d.callback(t, cbGenerate)

	assert.Contains(t, fm.lastMessage().text, "Please wait")
	assert.Equal(t, 0, pool.Len())
	assert.Equal(t, 1, renderer.callCount())
	// state preserved: the user can retry without re-entering the name
	assert.Equal(t, stateConfirmNames, d.state(t))
}

func TestQueueFull_Overload(t *testing.T) {
	limits := testLimits()
	limits.QueueCapacity = 1
	cardBot, fm, pool := newTestBot(t, englishBotConfig(), limits, &slowRenderer{}, false)

	// occupy the single slot with another chat's job
	require.NoError(t, pool.TryEnqueue(queue.Job{
		Ticket: queue.Ticket{BotID: "test", ChatID: 999, Seq: 1},
		Sink:   cardBot,
	}))

	d := &driver{bot: cardBot, chatID: 18}
	d.text(t, "/start")
	d.text(t, "Mohammed Ahmed")
	d.callback(t, cbGenerate)

	assert.Equal(t, msgOverloaded(), fm.lastMessage().text)
	assert.Equal(t, 1, pool.Len())
	assert.Equal(t, stateMenu, d.state(t))
}

func TestStaleResult_Discarded(t *testing.T) {
	renderer := &slowRenderer{delay: 150 * time.Millisecond}
	cardBot, fm, _ := newTestBot(t, englishBotConfig(), testLimits(), renderer, true)
	d := &driver{bot: cardBot, chatID: 19}

	d.text(t, "/start")
	d.text(t, "Mohammed Ahmed")
	d.callback(t, cbGenerate)
	require.Equal(t, stateCreating, d.state(t))

	// restart while the render is in flight: bumps the sequence
	d.text(t, "/start")
	require.Equal(t, stateWaitNamePrimary, d.state(t))

	// the render completes, but its ticket is stale: no photo ever arrives
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, renderer.callCount())
	assert.Equal(t, 0, fm.photoCount())
	assert.Equal(t, stateWaitNamePrimary, d.state(t))
}

func TestGenerationFailure_NotifiesAndResets(t *testing.T) {
	renderer := &slowRenderer{err: errors.New("export png: HTTP 500")}
	cardBot, fm, _ := newTestBot(t, englishBotConfig(), testLimits(), renderer, true)
	d := &driver{bot: cardBot, chatID: 20}

	d.text(t, "/start")
	d.text(t, "Mohammed Ahmed")
	d.callback(t, cbGenerate)

	require.Eventually(t, func() bool {
		return strings.Contains(fm.lastMessage().text, "HTTP 500")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, fm.photoCount())
	assert.Eventually(t, func() bool { return d.state(t) == stateMenu }, time.Second, 10*time.Millisecond)

	// failure clears the collected names
	s := cardBot.sessions.getOrCreate(20)
	s.mu.Lock()
	assert.Empty(t, s.namePrimary)
	s.mu.Unlock()
}

func TestProgressNotice_FiresOnlyWhileCreating(t *testing.T) {
	limits := testLimits()
	limits.ProgressNoticeDelay = 50 * time.Millisecond

	renderer := &slowRenderer{delay: 300 * time.Millisecond}
	cardBot, fm, _ := newTestBot(t, englishBotConfig(), limits, renderer, true)
	d := &driver{bot: cardBot, chatID: 21}

	d.text(t, "/start")
	d.text(t, "Mohammed Ahmed")
	d.callback(t, cbGenerate)

	require.Eventually(t, func() bool {
		return fm.lastMessage().text == msgStillWorking()
	}, time.Second, 10*time.Millisecond)
}

func TestProgressNotice_CancelledByRestart(t *testing.T) {
	limits := testLimits()
	limits.ProgressNoticeDelay = 80 * time.Millisecond

	renderer := &slowRenderer{delay: 300 * time.Millisecond}
	cardBot, fm, _ := newTestBot(t, englishBotConfig(), limits, renderer, true)
	d := &driver{bot: cardBot, chatID: 22}

	d.text(t, "/start")
	d.text(t, "Mohammed Ahmed")
	d.callback(t, cbGenerate)
	d.text(t, "/start") // bump before the notice delay elapses

	time.Sleep(200 * time.Millisecond)
	fm.mu.Lock()
	for _, m := range fm.messages {
		assert.NotEqual(t, msgStillWorking(), m.text)
	}
	fm.mu.Unlock()
}

func TestProgressNotice_RearmedTimerReplacesOld(t *testing.T) {
	limits := testLimits()
	limits.ProgressNoticeDelay = 50 * time.Millisecond

	cardBot, fm, _ := newTestBot(t, englishBotConfig(), limits, &slowRenderer{}, false)

	s := cardBot.sessions.getOrCreate(23)
	s.mu.Lock()
	s.state = stateCreating
	cardBot.scheduleProgressNoticeLocked(s)
	cardBot.scheduleProgressNoticeLocked(s)
	s.mu.Unlock()

	time.Sleep(200 * time.Millisecond)
	notices := 0
	fm.mu.Lock()
	for _, m := range fm.messages {
		if m.text == msgStillWorking() {
			notices++
		}
	}
	fm.mu.Unlock()
	assert.Equal(t, 1, notices)
}

// ─── Stats command ─────────────────────────────────────────────────────────

func TestStatsCommand_ReportsAuditLog(t *testing.T) {
	cardBot, fm, _ := newTestBot(t, englishBotConfig(), testLimits(), &slowRenderer{}, false)
	cardBot.repo = &fakeAuditLog{
		counts: map[domain.Status]int{domain.StatusSuccess: 12, domain.StatusFailed: 3},
		recent: []domain.Generation{
			{Size: "default", Design: 0, Status: domain.StatusSuccess, CreatedAt: time.Date(2026, 8, 30, 14, 5, 0, 0, time.UTC)},
		},
	}
	d := &driver{bot: cardBot, chatID: 24}

	d.text(t, "/start")
	d.text(t, "/stats")

	got := fm.lastMessage().text
	assert.Contains(t, got, "12 generated")
	assert.Contains(t, got, "3 failed")
	assert.Contains(t, got, "default/1")
	// read-only command, the dialogue step is untouched
	assert.Equal(t, stateWaitNamePrimary, d.state(t))
}

func TestStatsCommand_DisabledAuditLog(t *testing.T) {
	cardBot, fm, _ := newTestBot(t, englishBotConfig(), testLimits(), &slowRenderer{}, false)
	d := &driver{bot: cardBot, chatID: 25}

	d.text(t, "/start")
	d.text(t, "/stats")

	assert.Equal(t, msgStatsUnavailable(), fm.lastMessage().text)
	assert.Equal(t, stateWaitNamePrimary, d.state(t))
}

func TestDelivered_RecordsGeneration(t *testing.T) {
	renderer := &slowRenderer{}
	cardBot, fm, _ := newTestBot(t, englishBotConfig(), testLimits(), renderer, true)
	audit := &fakeAuditLog{}
	cardBot.repo = audit
	d := &driver{bot: cardBot, chatID: 26}

	d.text(t, "/start")
	d.text(t, "Mohammed Ahmed")
	d.callback(t, cbGenerate)
	require.Eventually(t, func() bool { return fm.photoCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		audit.mu.Lock()
		defer audit.mu.Unlock()
		return len(audit.recorded) == 1
	}, time.Second, 10*time.Millisecond)

	audit.mu.Lock()
	rec := audit.recorded[0]
	audit.mu.Unlock()
	assert.Equal(t, "Mohammed Ahmed", rec.NamePrimary)
	assert.Equal(t, domain.StatusSuccess, rec.Status)
	assert.Equal(t, int64(26), rec.ChatID)
}

// ─── Multivariant dialogue ─────────────────────────────────────────────────

func multivariantBotConfig() config.BotConfig {
	return config.BotConfig{
		ID:                 "multi",
		Language:           config.LangEnglish,
		Sizes:              []string{"a5", "a4"},
		Designs:            2,
		PlaceholderPrimary: "<<Name in English>>",
		Templates: []config.TemplateRef{
			{Size: "a5", Design: 0, SlidesID: "tpl-a5-0"},
			{Size: "a5", Design: 1, SlidesID: "tpl-a5-1"},
			{Size: "a4", Design: 0, SlidesID: "tpl-a4-0"},
			{Size: "a4", Design: 1, SlidesID: "tpl-a4-1"},
		},
	}
}

func TestMultivariant_SizeAndDesignSelection(t *testing.T) {
	renderer := &slowRenderer{delay: 100 * time.Millisecond}
	cardBot, _, pool := newTestBot(t, multivariantBotConfig(), testLimits(), renderer, false)
	d := &driver{bot: cardBot, chatID: 30}

	d.text(t, "/start")
	d.text(t, "Mohammed Ahmed")
	require.Equal(t, stateConfirmNames, d.state(t))

	d.callback(t, cbContinue)
	require.Equal(t, stateChooseSize, d.state(t))

	d.callback(t, cbSizePrefix+"a4")
	require.Equal(t, stateChooseDesign, d.state(t))

	d.callback(t, cbDesignPrefix+"1")
	require.Equal(t, stateConfirmFinal, d.state(t))

	d.callback(t, cbGenerate)
	require.Equal(t, stateCreating, d.state(t))
	assert.Equal(t, 1, pool.Len())

	s := cardBot.sessions.getOrCreate(30)
	s.mu.Lock()
	assert.Equal(t, "a4", s.size)
	assert.Equal(t, 1, s.design)
	s.mu.Unlock()
}

func TestMultivariant_InvalidSizeReprompts(t *testing.T) {
	cardBot, fm, _ := newTestBot(t, multivariantBotConfig(), testLimits(), &slowRenderer{}, false)
	d := &driver{bot: cardBot, chatID: 31}

	d.text(t, "/start")
	d.text(t, "Mohammed Ahmed")
	d.callback(t, cbContinue)
	require.Equal(t, stateChooseSize, d.state(t))

	d.callback(t, cbSizePrefix+"a0")
	assert.Equal(t, stateChooseSize, d.state(t))
	assert.Equal(t, msgChooseSize(), fm.lastMessage().text)
}
