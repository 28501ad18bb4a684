package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/mail"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dharsanguruparan/RoomRedesign/internal/imaging"
	"github.com/dharsanguruparan/RoomRedesign/internal/metrics"
	"github.com/dharsanguruparan/RoomRedesign/internal/queue"
	"github.com/dharsanguruparan/RoomRedesign/internal/redesign"
	"github.com/dharsanguruparan/RoomRedesign/internal/worker"
)

const (
	// MaxPromptLength caps the free-text prompt, in characters.
	MaxPromptLength = 500
	maxFieldBytes   = 4 << 10
	estimatedTime   = "2-5 minutes"
	abandonTimeout  = 30 * time.Second
)

type uploadConfig struct {
	MaxFileSize             int64             `json:"maxFileSize"`
	AllowedTypes            []string          `json:"allowedTypes"`
	Styles                  []redesign.Option `json:"styles"`
	RoomTypes               []redesign.Option `json:"roomTypes"`
	MaxPromptLength         int               `json:"maxPromptLength"`
	EstimatedProcessingTime string            `json:"estimatedProcessingTime"`
	TokenExpiry             string            `json:"tokenExpiry"`
}

func (s *Server) handleUploadConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, uploadConfig{
		MaxFileSize:             s.cfg.MaxUploadBytes,
		AllowedTypes:            imaging.AllowedContentTypes(),
		Styles:                  redesign.Styles,
		RoomTypes:               redesign.RoomTypes,
		MaxPromptLength:         MaxPromptLength,
		EstimatedProcessingTime: estimatedTime,
		TokenExpiry:             describeTTL(s.cfg.TokenTTL),
	})
}

type uploadAccepted struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	EstimatedTime string `json:"estimatedTime"`
}

// uploadError is a validation failure whose message is safe to return.
type uploadError struct {
	status int
	msg    string
}

func (e *uploadError) Error() string { return e.msg }

func badRequest(format string, args ...interface{}) error {
	return &uploadError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

// submission is a parsed upload form.
type submission struct {
	email    string
	style    string
	roomType string
	prompt   string
	image    *tempUpload
}

// handleUpload accepts a room photo, creates the record and dispatches the
// job. The record id is never returned; the magic link is the only way back.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := s.logger.With().Str("request_id", requestID(r)).Logger()

	sub, err := s.parseSubmission(w, r)
	if sub != nil && sub.image != nil {
		defer sub.image.cleanup()
	}
	if err != nil {
		var ue *uploadError
		if errors.As(err, &ue) {
			metrics.Upload("rejected")
			respondError(w, ue.status, ue.msg)
			return
		}
		log.Error().Err(err).Msg("upload: read form failed")
		metrics.Upload("error")
		respondError(w, http.StatusBadRequest, "Could not read the upload")
		return
	}

	info, err := imaging.Inspect(sub.image.f)
	if err != nil {
		metrics.Upload("rejected")
		if errors.Is(err, imaging.ErrUnsupported) {
			respondError(w, http.StatusBadRequest, "Invalid file type. Allowed types: image/jpeg, image/png, image/webp")
			return
		}
		respondError(w, http.StatusBadRequest, "The image could not be read")
		return
	}

	params := redesign.Params{
		Style:    sub.style,
		RoomType: sub.roomType,
		Prompt:   sub.prompt,
		Model:    redesign.DefaultModel,
		Steps:    s.cfg.InferenceSteps,
	}
	rec, err := redesign.NewRecord(sub.email, params, s.now(), s.cfg.TokenTTL)
	if err != nil {
		log.Error().Err(err).Msg("upload: create record failed")
		metrics.Upload("error")
		respondError(w, http.StatusInternalServerError, "An unexpected error occurred")
		return
	}
	rec.InputArtifactRef = redesign.InputKey(rec.ID, info.Ext)
	log = log.With().Str("redesign_id", rec.ID).Logger()

	if _, err := sub.image.f.Seek(0, io.SeekStart); err != nil {
		log.Error().Err(err).Msg("upload: rewind temp file failed")
		metrics.Upload("error")
		respondError(w, http.StatusInternalServerError, "Failed to save uploaded file")
		return
	}
	if err := s.deps.Store.Put(ctx, rec.InputArtifactRef, sub.image.f, sub.image.size, info.ContentType); err != nil {
		log.Error().Err(err).Msg("upload: store input failed")
		metrics.Upload("error")
		respondError(w, http.StatusInternalServerError, "Failed to save uploaded file")
		return
	}
	if err := s.deps.Repo.Create(ctx, rec); err != nil {
		log.Error().Err(err).Msg("upload: insert record failed")
		metrics.Upload("error")
		respondError(w, http.StatusInternalServerError, "An unexpected error occurred")
		return
	}

	if err := s.deps.Dispatcher.Dispatch(ctx, queue.GeneratePayload{RedesignID: rec.ID}); err != nil {
		log.Error().Err(err).Msg("upload: dispatch failed")
		s.abandon(r, rec.ID)
		metrics.Upload("not_queued")
		respondError(w, http.StatusServiceUnavailable, "We are busy generating other redesigns. Please try again in a few minutes.")
		return
	}

	log.Info().
		Str("style", params.Style).
		Str("room_type", params.RoomType).
		Str("format", info.Format).
		Int("width", info.Width).
		Int("height", info.Height).
		Msg("upload: redesign queued")
	metrics.Upload("accepted")
	respondJSON(w, http.StatusAccepted, uploadAccepted{
		Success:       true,
		Message:       "Your room redesign is being processed. Check your email for the results!",
		EstimatedTime: estimatedTime,
	})
}

// abandon moves a record that could not be queued to FAILED so it never sits
// in UPLOADING. The writes outlive the request: a client that hung up is the
// common reason dispatch failed.
func (s *Server) abandon(r *http.Request, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), abandonTimeout)
	defer cancel()
	if err := s.deps.Repo.MarkProcessing(ctx, id); err != nil {
		s.logger.Error().Err(err).Str("redesign_id", id).Msg("upload: abandon record failed")
		return
	}
	if err := s.deps.Repo.MarkFailed(ctx, id, redesign.Failure{Message: worker.MsgNotQueued}); err != nil {
		s.logger.Error().Err(err).Str("redesign_id", id).Msg("upload: abandon record failed")
	}
}

func (s *Server) parseSubmission(w http.ResponseWriter, r *http.Request) (*submission, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+64<<10)
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, badRequest("Expecting a multipart form")
	}

	sub := &submission{}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return sub, s.tooLarge()
			}
			return sub, err
		}
		switch part.FormName() {
		case "image":
			if sub.image != nil {
				part.Close()
				return sub, badRequest("Only one image may be uploaded")
			}
			sub.image, err = s.persistTemp(part)
		case "email":
			sub.email, err = readField(part)
		case "style":
			sub.style, err = readField(part)
		case "roomType":
			sub.roomType, err = readField(part)
		case "prompt":
			sub.prompt, err = readField(part)
		}
		part.Close()
		if err != nil {
			return sub, err
		}
	}

	if sub.image == nil || sub.email == "" {
		return sub, badRequest("Missing required fields: image and email are required")
	}
	if !validEmail(sub.email) {
		return sub, badRequest("Invalid email address")
	}
	if sub.style == "" {
		sub.style = redesign.DefaultStyle
	}
	if !redesign.KnownStyle(sub.style) {
		return sub, badRequest("Unknown style %q", sub.style)
	}
	if sub.roomType == "" {
		sub.roomType = redesign.DefaultRoomType
	}
	if !redesign.KnownRoomType(sub.roomType) {
		return sub, badRequest("Unknown room type %q", sub.roomType)
	}
	if utf8.RuneCountInString(sub.prompt) > MaxPromptLength {
		return sub, badRequest("Prompt must be at most %d characters", MaxPromptLength)
	}
	return sub, nil
}

func (s *Server) tooLarge() error {
	return badRequest("File size exceeds %dMB limit", s.cfg.MaxUploadBytes>>20)
}

type tempUpload struct {
	f    *os.File
	path string
	size int64
}

func (t *tempUpload) cleanup() {
	t.f.Close()
	os.Remove(t.path)
}

func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "redesign-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	discard := func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}
	written, err := io.Copy(tmpFile, io.LimitReader(part, s.cfg.MaxUploadBytes+1))
	if err != nil {
		discard()
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, s.tooLarge()
		}
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if written > s.cfg.MaxUploadBytes {
		discard()
		return nil, s.tooLarge()
	}
	if written == 0 {
		discard()
		return nil, badRequest("The uploaded image is empty")
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		discard()
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	return &tempUpload{f: tmpFile, path: tmpFile.Name(), size: written}, nil
}

func readField(part *multipart.Part) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
	if err != nil {
		return "", fmt.Errorf("read field %s: %w", part.FormName(), err)
	}
	if len(raw) > maxFieldBytes {
		return "", badRequest("Field %s is too long", part.FormName())
	}
	return strings.TrimSpace(string(raw)), nil
}

// validEmail accepts a bare address, not a display-name form.
func validEmail(email string) bool {
	if len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email && strings.Contains(email[strings.LastIndexByte(email, '@'):], ".")
}
