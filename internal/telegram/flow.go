package telegram

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"GreetingCardBot/internal/models/domain"
	"GreetingCardBot/internal/queue"
	"GreetingCardBot/internal/utils/logger/sl"
	"GreetingCardBot/internal/validation"

	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
)

// handleCommandLocked runs the conversation state machine for one accepted
// event. The session lock is held for the whole transition, which keeps
// per-chat dialogue steps totally ordered.
func (cardBot *Bot) handleCommandLocked(ctx context.Context, s *session, cmd command) {
	// START and CANCEL are honored from any state, including CREATING:
	// bumping the sequence orphans whatever is still in flight.
	switch cmd.kind {
	case cmdStart, cmdCancel:
		s.bumpLocked()
		s.resetLocked(false)
		cardBot.send(ctx, s.chatID, msgWelcome(cardBot.cfg.Branding), nil)
		cardBot.send(ctx, s.chatID, msgAskPrimary(cardBot.primaryScript()), nil)
		s.state = stateWaitNamePrimary
		return
	case cmdStats:
		// Read-only report; the dialogue state is untouched either way.
		if cardBot.repo == nil {
			cardBot.send(ctx, s.chatID, msgStatsUnavailable(), nil)
			return
		}
		cardBot.sendStatsLocked(ctx, s)
		return
	}

	switch s.state {
	case stateWaitNamePrimary:
		cardBot.handleWaitPrimaryLocked(ctx, s, cmd)
	case stateWaitNameSecondary:
		cardBot.handleWaitSecondaryLocked(ctx, s, cmd)
	case stateConfirmNames:
		cardBot.handleConfirmNamesLocked(ctx, s, cmd)
	case stateChooseSize:
		cardBot.handleChooseSizeLocked(ctx, s, cmd)
	case stateChooseDesign:
		cardBot.handleChooseDesignLocked(ctx, s, cmd)
	case stateConfirmFinal:
		cardBot.handleConfirmFinalLocked(ctx, s, cmd)
	case stateCreating:
		// Only generation commands get the lightweight acknowledgement;
		// anything else while creating is dropped.
		if cmd.kind == cmdGenerate || cmd.kind == cmdContinue {
			cardBot.send(ctx, s.chatID, msgPleaseWait(), nil)
		}
	default:
		// Unrecognized session: point the user at /start.
		cardBot.send(ctx, s.chatID, msgWelcome(cardBot.cfg.Branding), nil)
		cardBot.send(ctx, s.chatID, msgRedirectToStart(), nil)
	}
}

func (cardBot *Bot) handleWaitPrimaryLocked(ctx context.Context, s *session, cmd command) {
	if cmd.kind != cmdText {
		cardBot.send(ctx, s.chatID, msgAskPrimary(cardBot.primaryScript()), nil)
		return
	}

	name, err := validation.Name(cmd.text, cardBot.primaryScript())
	if err != nil {
		cardBot.send(ctx, s.chatID, msgInvalidName(err, cardBot.primaryScript()), nil)
		return
	}

	s.namePrimary = name
	switch {
	case cardBot.needsSecondary() && s.nameSecondary == "":
		s.state = stateWaitNameSecondary
		cardBot.send(ctx, s.chatID, msgAskSecondary(), kbWaitSecondary())
	default:
		// A secondary name collected earlier survives a primary-name edit.
		s.state = stateConfirmNames
		cardBot.sendConfirmNamesLocked(ctx, s)
	}
}

func (cardBot *Bot) handleWaitSecondaryLocked(ctx context.Context, s *session, cmd command) {
	switch cmd.kind {
	case cmdEditPrimary:
		s.state = stateWaitNamePrimary
		cardBot.send(ctx, s.chatID, msgAskPrimary(cardBot.primaryScript()), nil)
		return
	case cmdText:
	default:
		cardBot.send(ctx, s.chatID, msgAskSecondary(), kbWaitSecondary())
		return
	}

	name, err := validation.Name(cmd.text, validation.ScriptEnglish)
	if err != nil {
		cardBot.send(ctx, s.chatID, msgInvalidName(err, validation.ScriptEnglish), kbWaitSecondary())
		return
	}

	s.nameSecondary = name
	s.state = stateConfirmNames
	cardBot.sendConfirmNamesLocked(ctx, s)
}

func (cardBot *Bot) handleConfirmNamesLocked(ctx context.Context, s *session, cmd command) {
	switch cmd.kind {
	case cmdEditPrimary:
		s.state = stateWaitNamePrimary
		cardBot.send(ctx, s.chatID, msgAskPrimary(cardBot.primaryScript()), nil)
	case cmdEditSecondary:
		if cardBot.needsSecondary() {
			s.state = stateWaitNameSecondary
			cardBot.send(ctx, s.chatID, msgAskSecondary(), kbWaitSecondary())
			return
		}
		cardBot.sendConfirmNamesLocked(ctx, s)
	case cmdContinue, cmdGenerate:
		if cardBot.cfg.Multivariant() {
			cardBot.enterVariantSelectionLocked(ctx, s)
			return
		}
		// Single-variant bots: the names review is the final confirm.
		cardBot.generateLocked(ctx, s)
	default:
		cardBot.sendConfirmNamesLocked(ctx, s)
	}
}

func (cardBot *Bot) enterVariantSelectionLocked(ctx context.Context, s *session) {
	if len(cardBot.cfg.Sizes) > 1 {
		s.state = stateChooseSize
		cardBot.send(ctx, s.chatID, msgChooseSize(), kbSizes(cardBot.cfg.Sizes))
		return
	}
	s.size = cardBot.cfg.Sizes[0]
	s.state = stateChooseDesign
	cardBot.send(ctx, s.chatID, msgChooseDesign(), kbDesigns(cardBot.cfg.Designs))
}

func (cardBot *Bot) handleChooseSizeLocked(ctx context.Context, s *session, cmd command) {
	if cmd.kind != cmdSize || !cardBot.validSize(cmd.text) {
		cardBot.send(ctx, s.chatID, msgChooseSize(), kbSizes(cardBot.cfg.Sizes))
		return
	}

	s.size = cmd.text
	if cardBot.cfg.Designs > 1 {
		s.state = stateChooseDesign
		cardBot.send(ctx, s.chatID, msgChooseDesign(), kbDesigns(cardBot.cfg.Designs))
		return
	}
	s.design = 0
	s.state = stateConfirmFinal
	cardBot.sendConfirmFinalLocked(ctx, s)
}

func (cardBot *Bot) handleChooseDesignLocked(ctx context.Context, s *session, cmd command) {
	if cmd.kind != cmdDesign || cmd.design >= cardBot.cfg.Designs {
		cardBot.send(ctx, s.chatID, msgChooseDesign(), kbDesigns(cardBot.cfg.Designs))
		return
	}

	s.design = cmd.design
	s.state = stateConfirmFinal
	cardBot.sendConfirmFinalLocked(ctx, s)
}

func (cardBot *Bot) handleConfirmFinalLocked(ctx context.Context, s *session, cmd command) {
	switch cmd.kind {
	case cmdGenerate, cmdContinue:
		cardBot.generateLocked(ctx, s)
	case cmdEditPrimary:
		s.state = stateWaitNamePrimary
		cardBot.send(ctx, s.chatID, msgAskPrimary(cardBot.primaryScript()), nil)
	case cmdEditSecondary:
		if cardBot.needsSecondary() {
			s.state = stateWaitNameSecondary
			cardBot.send(ctx, s.chatID, msgAskSecondary(), kbWaitSecondary())
			return
		}
		cardBot.sendConfirmFinalLocked(ctx, s)
	case cmdChangeVariant:
		// Re-pick size/design; confirmed names stay untouched.
		s.size = ""
		s.design = -1
		cardBot.enterVariantSelectionLocked(ctx, s)
	default:
		cardBot.sendConfirmFinalLocked(ctx, s)
	}
}

func (cardBot *Bot) validSize(size string) bool {
	for _, v := range cardBot.cfg.Sizes {
		if v == size {
			return true
		}
	}
	return false
}

// ─── Confirm-to-generate gate ──────────────────────────────────────────────

// generateLocked applies the two gates (rate limit, queue capacity) and on
// acceptance snapshots the session into an immutable job. Ordering matters:
// the rate limiter is consulted first and its token returned on any
// rejection, so a refused confirm never burns the user's allowance.
func (cardBot *Bot) generateLocked(ctx context.Context, s *session) {
	op := "telegram.generateLocked"
	log := cardBot.log.With(
		slog.String("op", op),
		slog.Int64("chat_id", s.chatID),
	)

	res := s.limiter.Reserve()
	if !res.OK() {
		cardBot.send(ctx, s.chatID, msgRateLimited(int(cardBot.limits.RateLimitInterval.Seconds())), nil)
		return
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		wait := int(math.Ceil(delay.Seconds()))
		// State is preserved so the user can simply retry the confirm.
		cardBot.send(ctx, s.chatID, msgRateLimited(wait), nil)
		return
	}

	size := s.size
	if size == "" {
		size = cardBot.cfg.Sizes[0]
	}
	design := s.design
	if design < 0 {
		design = 0
	}

	job := queue.Job{
		ID:            uuid.New(),
		Ticket:        s.ticketLocked(cardBot.cfg.ID),
		NamePrimary:   s.namePrimary,
		NameSecondary: s.nameSecondary,
		Size:          size,
		Design:        design,
		TemplateID:    cardBot.cfg.Template(size, design),
		Replacements:  cardBot.replacements(s.namePrimary, s.nameSecondary),
		EnqueuedAt:    time.Now(),
		Sink:          cardBot,
	}

	switch err := cardBot.pool.TryEnqueue(job); {
	case err == nil:
	case errors.Is(err, queue.ErrInflight):
		// Double-tap on the confirm button: the first job is already
		// queued, drop the duplicate silently.
		res.Cancel()
		log.Debug("duplicate confirm dropped", slog.String("ticket", job.Ticket.String()))
		return
	case errors.Is(err, queue.ErrQueueFull):
		res.Cancel()
		log.Warn("job queue full, rejecting generation")
		cardBot.send(ctx, s.chatID, msgOverloaded(), nil)
		s.bumpLocked()
		s.resetLocked(false)
		return
	default:
		res.Cancel()
		log.Error("enqueue failed", sl.Err(err))
		cardBot.send(ctx, s.chatID, msgError(err.Error()), nil)
		s.bumpLocked()
		s.resetLocked(false)
		return
	}

	s.state = stateCreating
	cardBot.send(ctx, s.chatID, msgCreating(), nil)
	cardBot.scheduleProgressNoticeLocked(s)

	log.Info("generation enqueued",
		slog.String("job_id", job.ID.String()),
		slog.String("ticket", job.Ticket.String()))
}

// replacements maps the configured placeholders to the collected names.
func (cardBot *Bot) replacements(primary, secondary string) map[string]string {
	r := map[string]string{
		cardBot.cfg.PlaceholderPrimary: primary,
	}
	if cardBot.needsSecondary() {
		r[cardBot.cfg.PlaceholderSecondary] = secondary
	}
	return r
}

// scheduleProgressNoticeLocked arms the delayed "still working" notice. The
// timer is stopped on any sequence bump, and the callback re-checks both
// conditions under the lock anyway, covering a timer that already fired.
func (cardBot *Bot) scheduleProgressNoticeLocked(s *session) {
	if cardBot.limits.ProgressNoticeDelay <= 0 {
		return
	}
	if s.notice != nil {
		s.notice.Stop()
	}
	seq := s.seq
	s.notice = time.AfterFunc(cardBot.limits.ProgressNoticeDelay, func() {
		s.mu.Lock()
		stillCreating := s.state == stateCreating && s.seq == seq
		s.mu.Unlock()
		if stillCreating {
			cardBot.send(cardBot.ctx, s.chatID, msgStillWorking(), nil)
		}
	})
}

// ─── Worker result sink ────────────────────────────────────────────────────

// Delivered implements queue.Sink. The staleness check runs under the
// session lock; the photo upload does not, so a restart can be processed
// while the upload is in progress (its own result will then be discarded).
func (cardBot *Bot) Delivered(ctx context.Context, job queue.Job, png []byte) {
	op := "telegram.Delivered"
	log := cardBot.log.With(
		slog.String("op", op),
		slog.String("ticket", job.Ticket.String()),
	)

	s := cardBot.sessions.getOrCreate(job.Ticket.ChatID)
	s.mu.Lock()
	current := s.isCurrentLocked(job.Ticket)
	s.mu.Unlock()
	if !current {
		log.Info("stale result discarded")
		return
	}

	if err := cardBot.m.sendPhoto(ctx, job.Ticket.ChatID, png, msgReady()); err != nil {
		log.Error("failed to send card", sl.Err(err))
	}

	s.mu.Lock()
	if s.isCurrentLocked(job.Ticket) {
		s.resetLocked(true)
	}
	s.mu.Unlock()

	cardBot.record(job, domain.StatusSuccess, "")
}

// Failed implements queue.Sink.
func (cardBot *Bot) Failed(ctx context.Context, job queue.Job, jobErr error) {
	op := "telegram.Failed"
	log := cardBot.log.With(
		slog.String("op", op),
		slog.String("ticket", job.Ticket.String()),
	)

	s := cardBot.sessions.getOrCreate(job.Ticket.ChatID)
	s.mu.Lock()
	current := s.isCurrentLocked(job.Ticket)
	s.mu.Unlock()
	if !current {
		log.Info("stale failure discarded", sl.Err(jobErr))
		return
	}

	if err := cardBot.m.sendMessage(ctx, job.Ticket.ChatID, msgError(jobErr.Error()), nil); err != nil {
		log.Error("failed to send error notice", sl.Err(err))
	}

	s.mu.Lock()
	if s.isCurrentLocked(job.Ticket) {
		s.resetLocked(false)
	}
	s.mu.Unlock()

	cardBot.record(job, domain.StatusFailed, jobErr.Error())
}

// sendStatsLocked reports the bot's last-24h outcome counts and latest
// renders from the audit log.
func (cardBot *Bot) sendStatsLocked(ctx context.Context, s *session) {
	op := "telegram.sendStats"
	log := cardBot.log.With(
		slog.String("op", op),
		slog.Int64("chat_id", s.chatID),
	)

	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	counts, err := cardBot.repo.CountGenerationsSince(qctx, cardBot.cfg.ID, time.Now().Add(-24*time.Hour))
	if err != nil {
		log.Error("failed to count generations", sl.Err(err))
		cardBot.send(ctx, s.chatID, msgStatsUnavailable(), nil)
		return
	}
	recent, err := cardBot.repo.GetRecentGenerations(qctx, cardBot.cfg.ID, 5)
	if err != nil {
		log.Error("failed to load recent generations", sl.Err(err))
		cardBot.send(ctx, s.chatID, msgStatsUnavailable(), nil)
		return
	}

	cardBot.send(ctx, s.chatID,
		msgStats(counts[domain.StatusSuccess], counts[domain.StatusFailed], recent), nil)
}

// record writes the finished render to the audit log when it is enabled.
func (cardBot *Bot) record(job queue.Job, status domain.Status, errText string) {
	if cardBot.repo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(cardBot.ctx, 5*time.Second)
	defer cancel()

	g := &domain.Generation{
		ID:            job.ID,
		BotID:         job.Ticket.BotID,
		ChatID:        job.Ticket.ChatID,
		NamePrimary:   job.NamePrimary,
		NameSecondary: job.NameSecondary,
		Size:          job.Size,
		Design:        job.Design,
		Status:        status,
		ErrorText:     errText,
		Duration:      time.Since(job.EnqueuedAt),
	}
	if err := cardBot.repo.RecordGeneration(ctx, g); err != nil {
		cardBot.log.Error("failed to record generation", sl.Err(err))
	}
}

// ─── Send helpers ──────────────────────────────────────────────────────────

func (cardBot *Bot) send(ctx context.Context, chatID int64, text string, kb models.ReplyMarkup) {
	if err := cardBot.m.sendMessage(ctx, chatID, text, kb); err != nil {
		cardBot.log.Error("failed to send message",
			slog.Int64("chat_id", chatID), sl.Err(err))
	}
}

func (cardBot *Bot) sendConfirmNamesLocked(ctx context.Context, s *session) {
	cardBot.send(ctx, s.chatID,
		msgConfirmNames(s.namePrimary, s.nameSecondary, cardBot.needsSecondary()),
		kbConfirmNames(cardBot.needsSecondary(), cardBot.cfg.Multivariant()))
}

func (cardBot *Bot) sendConfirmFinalLocked(ctx context.Context, s *session) {
	cardBot.send(ctx, s.chatID,
		msgConfirmFinal(s.namePrimary, s.nameSecondary, s.size, s.design, cardBot.needsSecondary()),
		kbConfirmFinal(cardBot.needsSecondary()))
}
