package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Interaction is one served query with the decision that produced its
// answer, plus any feedback attached later.
type Interaction struct {
	ID                  string
	CreatedAt           time.Time
	Query               string
	Intent              string
	IntentConfidence    float64
	VariantID           string
	SelectionConfidence float64
	Action              string
	Response            string
	LatencyMS           int64
	// ModelID is the artifact that served this interaction.
	ModelID       string
	FeedbackScore int
	FeedbackNotes string
}

// Job is one queued background task, currently retraining.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
