package telegram

import (
	"sync"
	"time"

	"GreetingCardBot/internal/queue"

	"golang.org/x/time/rate"
)

// sessionState identifies which step of the card dialogue the chat is in.
type sessionState string

const (
	stateMenu              sessionState = "MENU"
	stateWaitNamePrimary   sessionState = "WAIT_NAME_PRIMARY"
	stateWaitNameSecondary sessionState = "WAIT_NAME_SECONDARY"
	stateConfirmNames      sessionState = "CONFIRM_NAMES"
	stateChooseSize        sessionState = "CHOOSE_SIZE"
	stateChooseDesign      sessionState = "CHOOSE_DESIGN"
	stateConfirmFinal      sessionState = "CONFIRM_FINAL"
	stateCreating          sessionState = "CREATING"
)

// maxFingerprints caps the per-session dedup cache so a chatty upstream
// cannot grow it without bound between prunes.
const maxFingerprints = 64

// session holds the dialogue state for one chat. All mutable fields are
// guarded by mu; two events for the same chat are never processed
// concurrently past the lock acquisition.
type session struct {
	mu sync.Mutex

	chatID        int64
	state         sessionState
	namePrimary   string
	nameSecondary string
	size          string
	design        int

	// seq is bumped on every restart or cancel, orphaning any job or
	// delayed notice still in flight for the previous value.
	seq uint64

	lastUpdateID int64
	fingerprints map[string]time.Time

	limiter *rate.Limiter
	notice  *time.Timer
}

// sessionStore lazily creates one session per chat. Entries live for the
// process lifetime; chat cardinality is bounded by the bot audience.
type sessionStore struct {
	mu   sync.RWMutex
	data map[int64]*session

	genInterval time.Duration
}

func newSessionStore(genInterval time.Duration) *sessionStore {
	return &sessionStore{
		data:        make(map[int64]*session),
		genInterval: genInterval,
	}
}

// getOrCreate returns the stable session handle for a chat.
func (s *sessionStore) getOrCreate(chatID int64) *session {
	s.mu.RLock()
	sess, ok := s.data[chatID]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.data[chatID]; ok {
		return sess
	}
	sess = &session{
		chatID:       chatID,
		state:        stateMenu,
		design:       -1,
		fingerprints: make(map[string]time.Time),
		limiter:      rate.NewLimiter(rate.Every(s.genInterval), 1),
	}
	s.data[chatID] = sess
	return sess
}

// resetLocked returns the session to the menu. Collected names survive only
// when keepNames is set (after a successful delivery, for convenience).
// Callers must hold mu.
func (s *session) resetLocked(keepNames bool) {
	s.state = stateMenu
	s.size = ""
	s.design = -1
	if !keepNames {
		s.namePrimary = ""
		s.nameSecondary = ""
	}
}

// bumpLocked advances the sequence counter, invalidating every outstanding
// job and delayed notice tied to the old value. Callers must hold mu.
func (s *session) bumpLocked() {
	s.seq++
	if s.notice != nil {
		s.notice.Stop()
		s.notice = nil
	}
}

// ticketLocked snapshots the current generation ticket. Callers must hold mu.
func (s *session) ticketLocked(botID string) queue.Ticket {
	return queue.Ticket{BotID: botID, ChatID: s.chatID, Seq: s.seq}
}

// isCurrentLocked reports whether a ticket still refers to the live
// sequence. Stale tickets mean the user moved on; their results are
// discarded silently. Callers must hold mu.
func (s *session) isCurrentLocked(t queue.Ticket) bool {
	return t.ChatID == s.chatID && t.Seq == s.seq
}

// acceptLocked runs the dedup check-and-record for one inbound event and
// reports whether it should be processed. The whole sequence runs under mu,
// so two concurrent deliveries of the same update cannot both pass.
//
// An event is rejected when its update id is not strictly greater than the
// watermark, or its fingerprint was seen within the window.
func (s *session) acceptLocked(updateID int64, fingerprint string, now time.Time, window time.Duration) bool {
	if updateID != 0 && updateID <= s.lastUpdateID {
		return false
	}

	cutoff := now.Add(-window)
	for fp, seen := range s.fingerprints {
		if seen.Before(cutoff) {
			delete(s.fingerprints, fp)
		}
	}

	if _, ok := s.fingerprints[fingerprint]; ok {
		return false
	}

	if updateID != 0 {
		s.lastUpdateID = updateID
	}
	if len(s.fingerprints) >= maxFingerprints {
		var oldestKey string
		var oldest time.Time
		for fp, seen := range s.fingerprints {
			if oldestKey == "" || seen.Before(oldest) {
				oldestKey, oldest = fp, seen
			}
		}
		delete(s.fingerprints, oldestKey)
	}
	s.fingerprints[fingerprint] = now
	return true
}
