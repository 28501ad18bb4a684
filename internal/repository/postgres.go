package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/RoomRedesign/internal/redesign"
)

const recordColumns = `
	id, email, status, outcome, verification_token, token_expiry,
	input_ref, output_ref, style, room_type, prompt, ai_model, requested_steps,
	processing_time_ms, inference_steps, output_width, output_height,
	view_count, first_viewed_at, user_rating, user_feedback,
	error_message, error_details, created_at, completed_at, updated_at`

// Postgres implements redesign.Repository on top of a pgx pool. Each mutating
// method is a single UPDATE whose WHERE clause carries the guard, so concurrent
// callers can never both win the same transition or lose a view increment.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a repository.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Create inserts a new record.
func (r *Postgres) Create(ctx context.Context, rec *redesign.Record) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	_, err := r.pool.Exec(ctx, `
		INSERT INTO redesigns (id, email, status, outcome, verification_token, token_expiry,
			input_ref, style, room_type, prompt, ai_model, requested_steps, view_count,
			created_at, updated_at)
		VALUES ($1,$2,$3,'',$4,$5,$6,$7,$8,$9,$10,$11,0,$12,$13)
	`, rec.ID, rec.Email, rec.Status, rec.VerificationToken, rec.TokenExpiry,
		rec.InputArtifactRef, rec.Params.Style, rec.Params.RoomType, rec.Params.Prompt,
		rec.Params.Model, rec.Params.Steps, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert redesign: %w", err)
	}
	return nil
}

// GetByID returns the record with id.
func (r *Postgres) GetByID(ctx context.Context, id string) (*redesign.Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM redesigns WHERE id=$1`, id)
	return scanRecord(row)
}

// GetByToken returns the record that owns token.
func (r *Postgres) GetByToken(ctx context.Context, token string) (*redesign.Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM redesigns WHERE verification_token=$1`, token)
	return scanRecord(row)
}

// MarkProcessing moves UPLOADING to PROCESSING.
func (r *Postgres) MarkProcessing(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE redesigns SET status=$2, updated_at=NOW()
		WHERE id=$1 AND status=$3
	`, id, redesign.StatusProcessing, redesign.StatusUploading)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missedTransition(ctx, id, redesign.StatusProcessing)
	}
	return nil
}

// MarkCompleted moves PROCESSING to COMPLETED and stores the output.
func (r *Postgres) MarkCompleted(ctx context.Context, id string, c redesign.Completion) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE redesigns
		SET status=$2,
			outcome=$2,
			output_ref=$3,
			processing_time_ms=$4,
			ai_model=COALESCE(NULLIF($5, ''), ai_model),
			inference_steps=$6,
			output_width=$7,
			output_height=$8,
			completed_at=$9,
			updated_at=NOW()
		WHERE id=$1 AND status=$10
	`, id, redesign.StatusCompleted, c.OutputArtifactRef, c.ProcessingTimeMs, c.Model,
		c.InferenceSteps, c.Width, c.Height, c.CompletedAt.UTC(), redesign.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missedTransition(ctx, id, redesign.StatusCompleted)
	}
	return nil
}

// MarkFailed moves PROCESSING to FAILED and stores the error.
func (r *Postgres) MarkFailed(ctx context.Context, id string, f redesign.Failure) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE redesigns
		SET status=$2,
			outcome=$2,
			error_message=$3,
			error_details=NULLIF($4, ''),
			processing_time_ms=COALESCE(NULLIF($5::BIGINT, 0), processing_time_ms),
			updated_at=NOW()
		WHERE id=$1 AND status=$6
	`, id, redesign.StatusFailed, f.Message, f.Details, f.ProcessingTimeMs, redesign.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missedTransition(ctx, id, redesign.StatusFailed)
	}
	return nil
}

// MarkExpired writes EXPIRED once the token has lapsed. Already expired
// records match the WHERE clause too, which keeps the call idempotent.
func (r *Postgres) MarkExpired(ctx context.Context, id string, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE redesigns
		SET status=$2,
			updated_at=CASE WHEN status=$2 THEN updated_at ELSE NOW() END
		WHERE id=$1 AND token_expiry < $3
	`, id, redesign.StatusExpired, now.UTC())
	if err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missedTransition(ctx, id, redesign.StatusExpired)
	}
	return nil
}

// RecordView counts one successful view and returns the updated record.
func (r *Postgres) RecordView(ctx context.Context, id string, now time.Time) (*redesign.Record, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE redesigns
		SET view_count=view_count + 1,
			first_viewed_at=COALESCE(first_viewed_at, $3),
			updated_at=NOW()
		WHERE id=$1 AND status=$2 AND output_ref IS NOT NULL AND token_expiry >= $3
		RETURNING `+recordColumns, id, redesign.StatusCompleted, now.UTC())
	rec, err := scanRecord(row)
	if errors.Is(err, redesign.ErrNotFound) {
		return nil, r.missedTransition(ctx, id, redesign.StatusCompleted)
	}
	return rec, err
}

// SaveFeedback overwrites rating and comment while the token is valid.
func (r *Postgres) SaveFeedback(ctx context.Context, id string, fb redesign.Feedback, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE redesigns
		SET user_rating=$2, user_feedback=$3, updated_at=NOW()
		WHERE id=$1 AND token_expiry >= $4 AND status <> $5
	`, id, fb.Rating, fb.Comment, now.UTC(), redesign.StatusExpired)
	if err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missedTransition(ctx, id, "")
	}
	return nil
}

// missedTransition turns a zero-row UPDATE into ErrNotFound or a
// TransitionError naming the status the record actually has.
func (r *Postgres) missedTransition(ctx context.Context, id string, to redesign.Status) error {
	var current redesign.Status
	err := r.pool.QueryRow(ctx, `SELECT status FROM redesigns WHERE id=$1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return redesign.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("select redesign status: %w", err)
	}
	if to == "" {
		to = current
	}
	return &redesign.TransitionError{ID: id, From: current, To: to}
}

func scanRecord(row pgx.Row) (*redesign.Record, error) {
	var rec redesign.Record
	err := row.Scan(
		&rec.ID, &rec.Email, &rec.Status, &rec.Outcome, &rec.VerificationToken, &rec.TokenExpiry,
		&rec.InputArtifactRef, &rec.OutputArtifactRef, &rec.Params.Style, &rec.Params.RoomType,
		&rec.Params.Prompt, &rec.Params.Model, &rec.Params.Steps,
		&rec.ProcessingTimeMs, &rec.InferenceSteps, &rec.OutputWidth, &rec.OutputHeight,
		&rec.ViewCount, &rec.FirstViewedAt, &rec.UserRating, &rec.UserFeedback,
		&rec.ErrorMessage, &rec.ErrorDetails, &rec.CreatedAt, &rec.CompletedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, redesign.ErrNotFound
		}
		return nil, fmt.Errorf("scan redesign: %w", err)
	}
	return &rec, nil
}
