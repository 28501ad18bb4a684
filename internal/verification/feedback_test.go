package verification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dharsanguruparan/RoomRedesign/internal/redesign"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestSubmitFeedbackRejectsRatingOutOfRange(t *testing.T) {
	f := newFixture(t)
	rec := f.complete(t)

	for _, rating := range []int{0, 6, -1} {
		_, err := f.svc.SubmitFeedback(context.Background(), rec.VerificationToken, redesign.Feedback{
			Rating:  intPtr(rating),
			Comment: strPtr("nice"),
		})
		if !errors.Is(err, ErrInvalidRating) {
			t.Fatalf("rating %d: err = %v, want ErrInvalidRating", rating, err)
		}
	}
	stored := f.reload(t, rec.ID)
	if stored.UserRating != nil || stored.UserFeedback != nil {
		t.Fatalf("invalid rating mutated record: %+v", stored)
	}
}

func TestSubmitFeedbackValidatesBeforeLookup(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubmitFeedback(context.Background(), "unknown", redesign.Feedback{Rating: intPtr(6)})
	if !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubmitFeedbackOnFailedRecord(t *testing.T) {
	f := newFixture(t)
	rec := f.fail(t, "boom")

	got, err := f.svc.SubmitFeedback(context.Background(), rec.VerificationToken, redesign.Feedback{
		Rating:  intPtr(2),
		Comment: strPtr("  it never finished  "),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != FeedbackSaved {
		t.Fatalf("outcome = %s", got)
	}
	stored := f.reload(t, rec.ID)
	if *stored.UserRating != 2 || *stored.UserFeedback != "it never finished" {
		t.Fatalf("stored feedback = %d %q", *stored.UserRating, *stored.UserFeedback)
	}
	if stored.Status != redesign.StatusFailed {
		t.Fatalf("status = %s", stored.Status)
	}
}

func TestSubmitFeedbackOverwrites(t *testing.T) {
	f := newFixture(t)
	rec := f.complete(t)
	ctx := context.Background()

	if _, err := f.svc.SubmitFeedback(ctx, rec.VerificationToken, redesign.Feedback{Rating: intPtr(5), Comment: strPtr("love it")}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SubmitFeedback(ctx, rec.VerificationToken, redesign.Feedback{Rating: intPtr(3)}); err != nil {
		t.Fatal(err)
	}
	stored := f.reload(t, rec.ID)
	if *stored.UserRating != 3 {
		t.Fatalf("rating = %d, want 3", *stored.UserRating)
	}
	if stored.UserFeedback != nil {
		t.Fatalf("comment = %q, want cleared", *stored.UserFeedback)
	}
}

func TestSubmitFeedbackExpired(t *testing.T) {
	f := newFixture(t)
	rec := f.complete(t)
	f.clock.Advance(25 * time.Hour)

	got, err := f.svc.SubmitFeedback(context.Background(), rec.VerificationToken, redesign.Feedback{Rating: intPtr(4)})
	if err != nil {
		t.Fatal(err)
	}
	if got != FeedbackExpired {
		t.Fatalf("outcome = %s", got)
	}
	stored := f.reload(t, rec.ID)
	if stored.UserRating != nil {
		t.Fatal("expired token stored a rating")
	}
	if stored.Status != redesign.StatusExpired {
		t.Fatalf("status = %s", stored.Status)
	}
}

func TestSubmitFeedbackNotFound(t *testing.T) {
	f := newFixture(t)
	token, _ := redesign.NewToken()
	got, err := f.svc.SubmitFeedback(context.Background(), token, redesign.Feedback{Rating: intPtr(4)})
	if err != nil {
		t.Fatal(err)
	}
	if got != FeedbackNotFound {
		t.Fatalf("outcome = %s", got)
	}
}

func TestNormalizeComment(t *testing.T) {
	long := strings.Repeat("é", MaxCommentLength+10)
	tests := []struct {
		in   *string
		want *string
	}{
		{nil, nil},
		{strPtr("   "), nil},
		{strPtr(" ok "), strPtr("ok")},
		{strPtr(long), strPtr(strings.Repeat("é", MaxCommentLength))},
	}
	for _, tt := range tests {
		got := normalizeComment(tt.in)
		if (got == nil) != (tt.want == nil) || got != nil && *got != *tt.want {
			t.Errorf("normalizeComment(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
