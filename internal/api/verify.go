package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/dharsanguruparan/RoomRedesign/internal/metrics"
	"github.com/dharsanguruparan/RoomRedesign/internal/redesign"
	"github.com/dharsanguruparan/RoomRedesign/internal/verification"
)

const maxFeedbackBody = 16 << 10

type redesignView struct {
	ID                string     `json:"id"`
	OriginalImageURL  string     `json:"originalImageUrl"`
	GeneratedImageURL string     `json:"generatedImageUrl"`
	Style             string     `json:"style"`
	RoomType          string     `json:"roomType"`
	Prompt            string     `json:"prompt,omitempty"`
	AIModel           string     `json:"aiModel"`
	ProcessingTime    int64      `json:"processingTime"`
	ViewCount         int        `json:"viewCount"`
	CreatedAt         time.Time  `json:"createdAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

type verifyResponse struct {
	Success  bool         `json:"success"`
	Redesign redesignView `json:"redesign"`
}

// handleVerify exchanges a magic-link token for the redesign.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		respondError(w, http.StatusBadRequest, "Token parameter is required")
		return
	}

	res, err := s.deps.Verifier.Resolve(r.Context(), token)
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", requestID(r)).Msg("verify: resolve failed")
		metrics.Verification("error")
		respondError(w, http.StatusInternalServerError, "An error occurred while verifying your link. Please try again.")
		return
	}
	metrics.Verification(string(res.Outcome))

	switch res.Outcome {
	case verification.OutcomeNotFound:
		respondError(w, http.StatusNotFound, "Invalid or expired verification link")
	case verification.OutcomeExpired:
		respondJSON(w, http.StatusGone, errorBody{
			Error:   "This link has expired. Links are valid for " + describeTTL(s.cfg.TokenTTL) + " only.",
			Expired: true,
		})
	case verification.OutcomeProcessing:
		respondJSON(w, http.StatusAccepted, errorBody{
			Error:      "Your redesign is still being processed. Please check your email again in a few minutes.",
			Status:     string(res.Status),
			Processing: true,
		})
	case verification.OutcomeFailed:
		respondJSON(w, http.StatusInternalServerError, errorBody{
			Error:        "AI generation failed. Please try uploading your image again.",
			Status:       string(res.Status),
			ErrorDetails: res.ErrorMessage,
			Failed:       true,
		})
	case verification.OutcomeReady:
		v := res.View
		respondJSON(w, http.StatusOK, verifyResponse{
			Success: true,
			Redesign: redesignView{
				ID:                v.ID,
				OriginalImageURL:  v.OriginalImageURL,
				GeneratedImageURL: v.GeneratedImageURL,
				Style:             v.Params.Style,
				RoomType:          v.Params.RoomType,
				Prompt:            v.Params.Prompt,
				AIModel:           v.Params.Model,
				ProcessingTime:    v.ProcessingTimeMs,
				ViewCount:         v.ViewCount,
				CreatedAt:         v.CreatedAt,
				CompletedAt:       v.CompletedAt,
			},
		})
	default:
		respondJSON(w, http.StatusAccepted, errorBody{
			Error:  "Redesign not ready yet. Please try again shortly.",
			Status: string(res.Status),
		})
	}
}

type feedbackRequest struct {
	Rating   json.RawMessage `json:"rating"`
	Feedback *string         `json:"feedback"`
	Comment  *string         `json:"comment"`
}

type feedbackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

const ratingMessage = "Rating must be between 1 and 5"

var errRating = errors.New("rating is not a whole number")

// handleFeedback stores a rating and comment against the token.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		respondError(w, http.StatusBadRequest, "Token parameter is required")
		return
	}

	var req feedbackRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxFeedbackBody))
	if err := dec.Decode(&req); err != nil {
		metrics.Feedback("rejected")
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	rating, err := parseRating(req.Rating)
	if err != nil {
		metrics.Feedback("rejected")
		respondError(w, http.StatusBadRequest, ratingMessage)
		return
	}
	comment := req.Feedback
	if comment == nil {
		comment = req.Comment
	}

	outcome, err := s.deps.Verifier.SubmitFeedback(r.Context(), token, redesign.Feedback{Rating: rating, Comment: comment})
	if errors.Is(err, verification.ErrInvalidRating) {
		metrics.Feedback("rejected")
		respondError(w, http.StatusBadRequest, ratingMessage)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", requestID(r)).Msg("feedback: save failed")
		metrics.Feedback("error")
		respondError(w, http.StatusInternalServerError, "Failed to submit feedback")
		return
	}
	metrics.Feedback(string(outcome))

	switch outcome {
	case verification.FeedbackNotFound:
		respondError(w, http.StatusNotFound, "Invalid verification link")
	case verification.FeedbackExpired:
		respondJSON(w, http.StatusGone, errorBody{Error: "This link has expired", Expired: true})
	default:
		respondJSON(w, http.StatusOK, feedbackResponse{Success: true, Message: "Thank you for your feedback!"})
	}
}

// parseRating accepts an absent or null rating, or a whole number. Range
// checks happen in the verification service.
func parseRating(raw json.RawMessage) (*int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errRating
	}
	if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return nil, errRating
	}
	v := int(f)
	return &v, nil
}
