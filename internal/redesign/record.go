// Package redesign contains the room redesign record, its lifecycle rules, and
// the contracts other packages implement to persist and serve it.
package redesign

import (
	"time"
)

// Status describes where a redesign sits in its lifecycle. A named string type
// keeps the database column readable while still giving callers type safety.
type Status string

const (
	StatusUploading  Status = "UPLOADING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// InFlight reports whether generation has not finished yet.
func (s Status) InFlight() bool {
	return s == StatusUploading || s == StatusProcessing
}

// Params are the generation inputs chosen at submission time. They never change
// after the record is created.
type Params struct {
	Style    string `json:"style"`
	RoomType string `json:"roomType"`
	Prompt   string `json:"prompt,omitempty"`
	Model    string `json:"aiModel,omitempty"`
	Steps    int    `json:"inferenceSteps,omitempty"`
}

// Record is one generation request. Fields that are unset until a later stage
// of the lifecycle are pointers so "absent" and "zero" stay distinguishable.
type Record struct {
	ID                string
	Email             string
	Status            Status
	// Outcome keeps the job result (COMPLETED or FAILED) even after Status has
	// been overwritten with EXPIRED.
	Outcome           Status
	VerificationToken string
	TokenExpiry       time.Time
	InputArtifactRef  string
	OutputArtifactRef *string
	Params            Params
	ProcessingTimeMs  *int64
	InferenceSteps    *int
	OutputWidth       *int
	OutputHeight      *int
	ViewCount         int
	FirstViewedAt     *time.Time
	UserRating        *int
	UserFeedback      *string
	ErrorMessage      *string
	ErrorDetails      *string
	CreatedAt         time.Time
	CompletedAt       *time.Time
	UpdatedAt         time.Time
}

// Expired reports whether the token can no longer be used at now.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.TokenExpiry)
}

// Retrievable reports whether artifacts may be served for the record at now.
func (r *Record) Retrievable(now time.Time) bool {
	return r.Status == StatusCompleted && r.OutputArtifactRef != nil && !r.Expired(now)
}

// Clone returns a deep copy so stores can hand records out without sharing
// pointer fields with their internal state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.OutputArtifactRef = clonePtr(r.OutputArtifactRef)
	c.ProcessingTimeMs = clonePtr(r.ProcessingTimeMs)
	c.InferenceSteps = clonePtr(r.InferenceSteps)
	c.OutputWidth = clonePtr(r.OutputWidth)
	c.OutputHeight = clonePtr(r.OutputHeight)
	c.FirstViewedAt = clonePtr(r.FirstViewedAt)
	c.UserRating = clonePtr(r.UserRating)
	c.UserFeedback = clonePtr(r.UserFeedback)
	c.ErrorMessage = clonePtr(r.ErrorMessage)
	c.ErrorDetails = clonePtr(r.ErrorDetails)
	c.CompletedAt = clonePtr(r.CompletedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Completion is what the generation pipeline writes when a job succeeds.
type Completion struct {
	OutputArtifactRef string
	ProcessingTimeMs  int64
	Model             string
	InferenceSteps    int
	Width             int
	Height            int
	CompletedAt       time.Time
}

// Failure is what the generation pipeline writes when a job fails. Message is
// safe to show to end users; Details is for operators only.
type Failure struct {
	Message          string
	Details          string
	ProcessingTimeMs int64
}

// Feedback is the user's rating and comment. Both are optional and overwrite
// whatever was stored before.
type Feedback struct {
	Rating  *int
	Comment *string
}
