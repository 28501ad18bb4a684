package redesign

import (
	"context"
	"io"
	"time"
)

// Repository persists redesign records. Every mutating method is a single
// atomic step in the backing store; methods guarded by a status or expiry
// condition return ErrInvalidTransition (or ErrNotFound) instead of writing
// when the guard does not hold.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id string) (*Record, error)
	GetByToken(ctx context.Context, token string) (*Record, error)

	// MarkProcessing moves UPLOADING to PROCESSING.
	MarkProcessing(ctx context.Context, id string) error
	// MarkCompleted moves PROCESSING to COMPLETED and stores the output.
	MarkCompleted(ctx context.Context, id string, c Completion) error
	// MarkFailed moves PROCESSING to FAILED and stores the error.
	MarkFailed(ctx context.Context, id string, f Failure) error
	// MarkExpired writes EXPIRED when the token lapsed before now. It is a
	// no-op for records that are already expired.
	MarkExpired(ctx context.Context, id string, now time.Time) error

	// RecordView increments the view count of a COMPLETED record whose token
	// is still valid at now, setting FirstViewedAt on the first view. It
	// returns the record as it stands after the increment.
	RecordView(ctx context.Context, id string, now time.Time) (*Record, error)
	// SaveFeedback overwrites rating and comment while the token is valid.
	SaveFeedback(ctx context.Context, id string, fb Feedback, now time.Time) error
}

// ArtifactStore keeps input and output images.
type ArtifactStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// URL returns a link that lets a browser fetch key for roughly ttl.
	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// InputKey is the artifact key for a record's uploaded photo.
func InputKey(id, ext string) string {
	return "inputs/" + id + "/original" + ext
}

// OutputKey is the artifact key for a record's generated image.
func OutputKey(id, ext string) string {
	return "outputs/" + id + "/generated" + ext
}
