package redesign

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	tokenBytes = 32
	// TokenLength is the length of an encoded verification token.
	TokenLength = tokenBytes * 2
	// DefaultTokenTTL is how long a magic link stays valid.
	DefaultTokenTTL = 24 * time.Hour
)

// NewToken returns a fresh high-entropy verification token.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// WellFormedToken reports whether token has the shape NewToken produces.
// Anything else can be rejected without a store lookup.
func WellFormedToken(token string) bool {
	if len(token) != TokenLength {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// NewRecord builds an UPLOADING record with a new id, token, and expiry.
func NewRecord(email string, params Params, now time.Time, ttl time.Duration) (*Record, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	return &Record{
		ID:                uuid.NewString(),
		Email:             email,
		Status:            StatusUploading,
		VerificationToken: token,
		TokenExpiry:       now.Add(ttl),
		Params:            params,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}
