package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dharsanguruparan/RoomRedesign/internal/redesign"
)

// Memory is an in-process redesign.Repository. A single mutex guards both maps,
// which makes every method one atomic step just like the SQL statements in
// Postgres. It backs the single-binary dev mode and the service tests.
type Memory struct {
	mu      sync.Mutex
	records map[string]*redesign.Record
	byToken map[string]string
	now     func() time.Time
}

// NewMemory constructs an empty Memory repository.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*redesign.Record),
		byToken: make(map[string]string),
		now:     time.Now,
	}
}

// Create stores a copy of rec. Ids and tokens must be unique.
func (m *Memory) Create(ctx context.Context, rec *redesign.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("insert redesign %s: duplicate id", rec.ID)
	}
	if _, ok := m.byToken[rec.VerificationToken]; ok {
		return fmt.Errorf("insert redesign %s: duplicate token", rec.ID)
	}
	stored := rec.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now().UTC()
	}
	stored.UpdatedAt = stored.CreatedAt
	m.records[rec.ID] = stored
	m.byToken[rec.VerificationToken] = rec.ID
	return nil
}

// GetByID returns a copy of the record with id.
func (m *Memory) GetByID(ctx context.Context, id string) (*redesign.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, redesign.ErrNotFound
	}
	return rec.Clone(), nil
}

// GetByToken returns a copy of the record that owns token.
func (m *Memory) GetByToken(ctx context.Context, token string) (*redesign.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byToken[token]
	if !ok {
		return nil, redesign.ErrNotFound
	}
	return m.records[id].Clone(), nil
}

// MarkProcessing moves UPLOADING to PROCESSING.
func (m *Memory) MarkProcessing(ctx context.Context, id string) error {
	return m.transition(id, redesign.StatusUploading, redesign.StatusProcessing, nil)
}

// MarkCompleted moves PROCESSING to COMPLETED.
func (m *Memory) MarkCompleted(ctx context.Context, id string, c redesign.Completion) error {
	return m.transition(id, redesign.StatusProcessing, redesign.StatusCompleted, func(rec *redesign.Record) {
		ref := c.OutputArtifactRef
		ms := c.ProcessingTimeMs
		steps := c.InferenceSteps
		width, height := c.Width, c.Height
		completed := c.CompletedAt.UTC()
		rec.Outcome = redesign.StatusCompleted
		rec.OutputArtifactRef = &ref
		rec.ProcessingTimeMs = &ms
		rec.InferenceSteps = &steps
		rec.OutputWidth = &width
		rec.OutputHeight = &height
		rec.CompletedAt = &completed
		if c.Model != "" {
			rec.Params.Model = c.Model
		}
	})
}

// MarkFailed moves PROCESSING to FAILED.
func (m *Memory) MarkFailed(ctx context.Context, id string, f redesign.Failure) error {
	return m.transition(id, redesign.StatusProcessing, redesign.StatusFailed, func(rec *redesign.Record) {
		msg := f.Message
		rec.Outcome = redesign.StatusFailed
		rec.ErrorMessage = &msg
		if f.Details != "" {
			details := f.Details
			rec.ErrorDetails = &details
		}
		if f.ProcessingTimeMs > 0 {
			ms := f.ProcessingTimeMs
			rec.ProcessingTimeMs = &ms
		}
	})
}

// MarkExpired writes EXPIRED once the token has lapsed.
func (m *Memory) MarkExpired(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return redesign.ErrNotFound
	}
	if !rec.Expired(now) {
		return &redesign.TransitionError{ID: id, From: rec.Status, To: redesign.StatusExpired}
	}
	if rec.Status != redesign.StatusExpired {
		rec.Status = redesign.StatusExpired
		rec.UpdatedAt = m.now().UTC()
	}
	return nil
}

// RecordView counts one successful view.
func (m *Memory) RecordView(ctx context.Context, id string, now time.Time) (*redesign.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, redesign.ErrNotFound
	}
	if !rec.Retrievable(now) {
		return nil, &redesign.TransitionError{ID: id, From: rec.Status, To: rec.Status}
	}
	rec.ViewCount++
	if rec.FirstViewedAt == nil {
		first := now.UTC()
		rec.FirstViewedAt = &first
	}
	rec.UpdatedAt = m.now().UTC()
	return rec.Clone(), nil
}

// SaveFeedback overwrites rating and comment while the token is valid.
func (m *Memory) SaveFeedback(ctx context.Context, id string, fb redesign.Feedback, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return redesign.ErrNotFound
	}
	if rec.Expired(now) || rec.Status == redesign.StatusExpired {
		return &redesign.TransitionError{ID: id, From: rec.Status, To: rec.Status}
	}
	rec.UserRating = copyInt(fb.Rating)
	rec.UserFeedback = copyString(fb.Comment)
	rec.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) transition(id string, from, to redesign.Status, apply func(*redesign.Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return redesign.ErrNotFound
	}
	if rec.Status != from || !redesign.CanTransition(from, to) {
		return &redesign.TransitionError{ID: id, From: rec.Status, To: to}
	}
	rec.Status = to
	if apply != nil {
		apply(rec)
	}
	rec.UpdatedAt = m.now().UTC()
	return nil
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
