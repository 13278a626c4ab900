package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the final outcome of a generation job.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Generation is one finished card render, recorded for auditing.
type Generation struct {
	ID            uuid.UUID
	BotID         string
	ChatID        int64
	NamePrimary   string
	NameSecondary string
	Size          string
	Design        int
	Status        Status
	ErrorText     string
	Duration      time.Duration
	CreatedAt     time.Time
}
