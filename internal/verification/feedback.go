package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dharsanguruparan/RoomRedesign/internal/redesign"
)

// MaxCommentLength caps stored comments, in characters.
const MaxCommentLength = 2000

// ErrInvalidRating rejects ratings outside 1..5.
var ErrInvalidRating = errors.New("rating must be an integer between 1 and 5")

// FeedbackOutcome is the answer to SubmitFeedback.
type FeedbackOutcome string

const (
	FeedbackSaved    FeedbackOutcome = "saved"
	FeedbackNotFound FeedbackOutcome = "not_found"
	FeedbackExpired  FeedbackOutcome = "expired"
)

// SubmitFeedback stores a rating and comment for token. Feedback does not
// depend on the generation outcome, only on the token still being valid. Both
// fields overwrite what was stored before; an absent field clears it.
func (s *Service) SubmitFeedback(ctx context.Context, token string, fb redesign.Feedback) (FeedbackOutcome, error) {
	if fb.Rating != nil && (*fb.Rating < 1 || *fb.Rating > 5) {
		return "", ErrInvalidRating
	}
	fb.Comment = normalizeComment(fb.Comment)

	rec, err := s.lookup(ctx, token)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return FeedbackNotFound, nil
	}
	now := s.now()
	expired, err := s.expire(ctx, rec, now)
	if err != nil {
		return "", err
	}
	if expired {
		return FeedbackExpired, nil
	}

	err = s.repo.SaveFeedback(ctx, rec.ID, fb, now)
	if errors.Is(err, redesign.ErrInvalidTransition) {
		return FeedbackExpired, nil
	}
	if err != nil {
		return "", fmt.Errorf("save feedback: %w", err)
	}
	ev := s.logger.Info().Str("redesign_id", rec.ID)
	if fb.Rating != nil {
		ev = ev.Int("rating", *fb.Rating)
	}
	ev.Bool("comment", fb.Comment != nil).Msg("verification: feedback saved")
	return FeedbackSaved, nil
}

func normalizeComment(c *string) *string {
	if c == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*c)
	if trimmed == "" {
		return nil
	}
	if runes := []rune(trimmed); len(runes) > MaxCommentLength {
		trimmed = strings.TrimSpace(string(runes[:MaxCommentLength]))
	}
	return &trimmed
}
