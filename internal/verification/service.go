// Package verification exchanges magic-link tokens for generated redesigns and
// records feedback against them.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/RoomRedesign/internal/redesign"
)

// Outcome is the class of answer a token resolves to.
type Outcome string

const (
	OutcomeNotFound   Outcome = "not_found"
	OutcomeExpired    Outcome = "expired"
	OutcomeProcessing Outcome = "processing"
	OutcomeFailed     Outcome = "failed"
	OutcomeNotReady   Outcome = "not_ready"
	OutcomeReady      Outcome = "ready"
)

// DefaultURLTTL bounds how long an artifact link handed to a viewer works.
const DefaultURLTTL = time.Hour

// View is what a viewer gets for a completed redesign.
type View struct {
	ID                string
	OriginalImageURL  string
	GeneratedImageURL string
	Params            redesign.Params
	ProcessingTimeMs  int64
	ViewCount         int
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// Result is the answer to Resolve. Status and ErrorMessage are set for the
// processing, failed and not-ready outcomes; View only for ready.
type Result struct {
	Outcome      Outcome
	Status       redesign.Status
	ErrorMessage string
	View         *View
}

// Service resolves tokens against the repository. It is the only component
// that counts views or expires records.
type Service struct {
	repo   redesign.Repository
	store  redesign.ArtifactStore
	urlTTL time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithURLTTL sets the upper bound for artifact link lifetimes.
func WithURLTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.urlTTL = ttl
		}
	}
}

// NewService constructs a Service.
func NewService(repo redesign.Repository, store redesign.ArtifactStore, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		store:  store,
		urlTTL: DefaultURLTTL,
		now:    time.Now,
		logger: logger.With().Str("component", "verification").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve looks token up and, when the redesign is ready, counts the view and
// returns links to both images. A returned error means the store failed; every
// token-level answer is carried in Result.
func (s *Service) Resolve(ctx context.Context, token string) (*Result, error) {
	rec, err := s.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &Result{Outcome: OutcomeNotFound}, nil
	}
	return s.resolveRecord(ctx, rec, true)
}

func (s *Service) resolveRecord(ctx context.Context, rec *redesign.Record, retry bool) (*Result, error) {
	now := s.now()
	log := s.logger.With().Str("redesign_id", rec.ID).Logger()

	if expired, err := s.expire(ctx, rec, now); err != nil || expired {
		if err != nil {
			return nil, err
		}
		log.Debug().Msg("verification: token expired")
		return &Result{Outcome: OutcomeExpired, Status: redesign.StatusExpired}, nil
	}

	switch rec.Status {
	case redesign.StatusUploading, redesign.StatusProcessing:
		return &Result{Outcome: OutcomeProcessing, Status: rec.Status}, nil
	case redesign.StatusFailed:
		res := &Result{Outcome: OutcomeFailed, Status: rec.Status}
		if rec.ErrorMessage != nil {
			res.ErrorMessage = *rec.ErrorMessage
		}
		return res, nil
	}
	if !rec.Retrievable(now) {
		log.Warn().Str("status", string(rec.Status)).Msg("verification: record not retrievable")
		return &Result{Outcome: OutcomeNotReady, Status: rec.Status}, nil
	}

	urlTTL := s.linkTTL(rec, now)
	original, err := s.store.URL(ctx, rec.InputArtifactRef, urlTTL)
	if err != nil {
		return nil, fmt.Errorf("original image url: %w", err)
	}
	generated, err := s.store.URL(ctx, *rec.OutputArtifactRef, urlTTL)
	if err != nil {
		return nil, fmt.Errorf("generated image url: %w", err)
	}

	viewed, err := s.repo.RecordView(ctx, rec.ID, now)
	if errors.Is(err, redesign.ErrInvalidTransition) {
		// The record changed between the read and the increment, most likely
		// a concurrent expiry. Evaluate it again from a fresh read.
		if !retry {
			return &Result{Outcome: OutcomeNotReady, Status: rec.Status}, nil
		}
		fresh, getErr := s.repo.GetByID(ctx, rec.ID)
		if getErr != nil {
			return nil, fmt.Errorf("reload redesign: %w", getErr)
		}
		return s.resolveRecord(ctx, fresh, false)
	}
	if err != nil {
		return nil, fmt.Errorf("record view: %w", err)
	}

	view := &View{
		ID:                viewed.ID,
		OriginalImageURL:  original,
		GeneratedImageURL: generated,
		Params:            viewed.Params,
		ViewCount:         viewed.ViewCount,
		CreatedAt:         viewed.CreatedAt,
		CompletedAt:       viewed.CompletedAt,
	}
	if viewed.ProcessingTimeMs != nil {
		view.ProcessingTimeMs = *viewed.ProcessingTimeMs
	}
	log.Info().Int("view_count", viewed.ViewCount).Msg("verification: redesign viewed")
	return &Result{Outcome: OutcomeReady, Status: viewed.Status, View: view}, nil
}

// lookup returns nil, nil for tokens that match no record. Malformed tokens
// never reach the store.
func (s *Service) lookup(ctx context.Context, token string) (*redesign.Record, error) {
	if !redesign.WellFormedToken(token) {
		return nil, nil
	}
	rec, err := s.repo.GetByToken(ctx, token)
	if errors.Is(err, redesign.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	return rec, nil
}

// expire persists EXPIRED for a lapsed token and reports whether the record
// is expired.
func (s *Service) expire(ctx context.Context, rec *redesign.Record, now time.Time) (bool, error) {
	if rec.Status == redesign.StatusExpired {
		return true, nil
	}
	if !rec.Expired(now) {
		return false, nil
	}
	if err := s.repo.MarkExpired(ctx, rec.ID, now); err != nil {
		return false, fmt.Errorf("mark expired: %w", err)
	}
	s.logger.Info().Str("redesign_id", rec.ID).Str("previous_status", string(rec.Status)).Msg("verification: record expired")
	return true, nil
}

// linkTTL never lets an artifact link outlive the token that produced it.
func (s *Service) linkTTL(rec *redesign.Record, now time.Time) time.Duration {
	ttl := s.urlTTL
	if remaining := rec.TokenExpiry.Sub(now); remaining < ttl {
		ttl = remaining
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
