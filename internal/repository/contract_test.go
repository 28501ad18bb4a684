package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dharsanguruparan/RoomRedesign/internal/redesign"
)

// runRepositoryContract exercises behaviour every redesign.Repository must
// share, whatever the backing store.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) redesign.Repository) {
	t.Run("lookup by id and token", func(t *testing.T) {
		repo := newRepo(t)
		rec := seed(t, repo, time.Now())
		byID, err := repo.GetByID(context.Background(), rec.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		byToken, err := repo.GetByToken(context.Background(), rec.VerificationToken)
		if err != nil {
			t.Fatalf("GetByToken: %v", err)
		}
		if byID.ID != byToken.ID || byID.Status != redesign.StatusUploading {
			t.Fatalf("unexpected records: %+v %+v", byID, byToken)
		}
		if _, err := repo.GetByToken(context.Background(), "missing"); !errors.Is(err, redesign.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("happy path transitions", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		rec := seed(t, repo, time.Now())
		if err := repo.MarkProcessing(ctx, rec.ID); err != nil {
			t.Fatalf("MarkProcessing: %v", err)
		}
		completed := time.Now().UTC().Truncate(time.Millisecond)
		err := repo.MarkCompleted(ctx, rec.ID, redesign.Completion{
			OutputArtifactRef: "outputs/x/generated.png",
			ProcessingTimeMs:  4200,
			Model:             "flux-schnell",
			InferenceSteps:    4,
			Width:             1024,
			Height:            1024,
			CompletedAt:       completed,
		})
		if err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
		got, err := repo.GetByID(ctx, rec.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.Status != redesign.StatusCompleted || got.Outcome != redesign.StatusCompleted {
			t.Fatalf("status = %s outcome = %s", got.Status, got.Outcome)
		}
		if got.OutputArtifactRef == nil || *got.OutputArtifactRef != "outputs/x/generated.png" {
			t.Fatalf("output ref not stored: %v", got.OutputArtifactRef)
		}
		if got.ProcessingTimeMs == nil || *got.ProcessingTimeMs != 4200 || got.Params.Model != "flux-schnell" {
			t.Fatalf("completion fields not stored: %+v", got)
		}
		if got.ErrorMessage != nil {
			t.Fatalf("completed record must not carry an error")
		}
		if err := repo.MarkFailed(ctx, rec.ID, redesign.Failure{Message: "late"}); !errors.Is(err, redesign.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition on completed record, got %v", err)
		}
	})

	t.Run("failure path", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		rec := seed(t, repo, time.Now())
		if err := repo.MarkFailed(ctx, rec.ID, redesign.Failure{Message: "x"}); !errors.Is(err, redesign.ErrInvalidTransition) {
			t.Fatalf("UPLOADING -> FAILED must be rejected, got %v", err)
		}
		if err := repo.MarkProcessing(ctx, rec.ID); err != nil {
			t.Fatalf("MarkProcessing: %v", err)
		}
		if err := repo.MarkProcessing(ctx, rec.ID); !errors.Is(err, redesign.ErrInvalidTransition) {
			t.Fatalf("second MarkProcessing must be rejected, got %v", err)
		}
		if err := repo.MarkFailed(ctx, rec.ID, redesign.Failure{Message: "generation timed out", Details: "stderr tail"}); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		got, _ := repo.GetByID(ctx, rec.ID)
		if got.Status != redesign.StatusFailed || got.ErrorMessage == nil || *got.ErrorMessage != "generation timed out" {
			t.Fatalf("unexpected failed record: %+v", got)
		}
		if got.OutputArtifactRef != nil {
			t.Fatalf("failed record must not carry an output")
		}
	})

	t.Run("expiry is guarded and idempotent", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		created := time.Now().Add(-25 * time.Hour)
		rec := seed(t, repo, created)
		if err := repo.MarkExpired(ctx, rec.ID, created.Add(time.Hour)); !errors.Is(err, redesign.ErrInvalidTransition) {
			t.Fatalf("expiry before the deadline must be rejected, got %v", err)
		}
		now := time.Now()
		for i := 0; i < 3; i++ {
			if err := repo.MarkExpired(ctx, rec.ID, now); err != nil {
				t.Fatalf("MarkExpired #%d: %v", i, err)
			}
		}
		got, _ := repo.GetByID(ctx, rec.ID)
		if got.Status != redesign.StatusExpired {
			t.Fatalf("status = %s, want EXPIRED", got.Status)
		}
		if err := repo.MarkProcessing(ctx, rec.ID); !errors.Is(err, redesign.ErrInvalidTransition) {
			t.Fatalf("expired record must not move, got %v", err)
		}
		rating := 5
		if err := repo.SaveFeedback(ctx, rec.ID, redesign.Feedback{Rating: &rating}, now); !errors.Is(err, redesign.ErrInvalidTransition) {
			t.Fatalf("feedback on expired record must be rejected, got %v", err)
		}
	})

	t.Run("concurrent views are all counted once", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		rec := completedRecord(t, repo)
		const viewers = 20
		var wg sync.WaitGroup
		errs := make(chan error, viewers)
		for i := 0; i < viewers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := repo.RecordView(ctx, rec.ID, time.Now()); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("RecordView: %v", err)
		}
		got, _ := repo.GetByID(ctx, rec.ID)
		if got.ViewCount != viewers {
			t.Fatalf("view count = %d, want %d", got.ViewCount, viewers)
		}
		if got.FirstViewedAt == nil {
			t.Fatalf("first view timestamp not set")
		}
	})

	t.Run("first view timestamp never changes", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		rec := completedRecord(t, repo)
		first := time.Now().UTC().Truncate(time.Millisecond)
		v1, err := repo.RecordView(ctx, rec.ID, first)
		if err != nil {
			t.Fatalf("RecordView: %v", err)
		}
		v2, err := repo.RecordView(ctx, rec.ID, first.Add(time.Minute))
		if err != nil {
			t.Fatalf("RecordView: %v", err)
		}
		if v1.ViewCount != 1 || v2.ViewCount != 2 {
			t.Fatalf("view counts = %d, %d", v1.ViewCount, v2.ViewCount)
		}
		if !v2.FirstViewedAt.Equal(first) {
			t.Fatalf("first viewed at moved to %s", v2.FirstViewedAt)
		}
	})

	t.Run("views are refused unless completed and valid", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		rec := seed(t, repo, time.Now())
		if _, err := repo.RecordView(ctx, rec.ID, time.Now()); !errors.Is(err, redesign.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition for uploading record, got %v", err)
		}
		done := completedRecord(t, repo)
		if _, err := repo.RecordView(ctx, done.ID, done.TokenExpiry.Add(time.Second)); !errors.Is(err, redesign.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition after expiry, got %v", err)
		}
		if _, err := repo.RecordView(ctx, "nope", time.Now()); !errors.Is(err, redesign.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("feedback overwrites", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		rec := seed(t, repo, time.Now())
		rating, comment := 4, "nice"
		if err := repo.SaveFeedback(ctx, rec.ID, redesign.Feedback{Rating: &rating, Comment: &comment}, time.Now()); err != nil {
			t.Fatalf("SaveFeedback: %v", err)
		}
		if err := repo.SaveFeedback(ctx, rec.ID, redesign.Feedback{Rating: nil, Comment: &comment}, time.Now()); err != nil {
			t.Fatalf("SaveFeedback: %v", err)
		}
		got, _ := repo.GetByID(ctx, rec.ID)
		if got.UserRating != nil {
			t.Fatalf("rating should be cleared by the second write, got %d", *got.UserRating)
		}
		if got.UserFeedback == nil || *got.UserFeedback != "nice" {
			t.Fatalf("comment not stored: %v", got.UserFeedback)
		}
	})
}

func seed(t *testing.T, repo redesign.Repository, created time.Time) *redesign.Record {
	t.Helper()
	rec, err := redesign.NewRecord("owner@example.com", redesign.Params{
		Style:    "modern",
		RoomType: "living_room",
		Model:    redesign.DefaultModel,
		Steps:    redesign.DefaultSteps,
	}, created.Truncate(time.Millisecond), redesign.DefaultTokenTTL)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	rec.InputArtifactRef = redesign.InputKey(rec.ID, ".jpg")
	if err := repo.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func completedRecord(t *testing.T, repo redesign.Repository) *redesign.Record {
	t.Helper()
	ctx := context.Background()
	rec := seed(t, repo, time.Now())
	if err := repo.MarkProcessing(ctx, rec.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := repo.MarkCompleted(ctx, rec.ID, redesign.Completion{
		OutputArtifactRef: redesign.OutputKey(rec.ID, ".jpg"),
		ProcessingTimeMs:  1000,
		CompletedAt:       time.Now(),
	}); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	return rec
}
