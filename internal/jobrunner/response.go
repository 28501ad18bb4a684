package jobrunner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Response is the worker's final payload: a tagged success/failure.
type Response struct {
	Success          bool
	OutputPath       string
	ProcessingTimeMs int64
	InferenceSteps   int
	Model            string
	Width            int
	Height           int
	Error            string
}

type imageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// wireResponse accepts the camelCase contract and the snake_case keys the
// Python worker prints. processing_time from that worker is in seconds.
type wireResponse struct {
	Success             *bool      `json:"success"`
	OutputPath          string     `json:"outputPath"`
	OutputPathSnake     string     `json:"output_path"`
	ProcessingTime      *float64   `json:"processingTime"`
	ProcessingTimeSnake *float64   `json:"processing_time"`
	InferenceSteps      int        `json:"inferenceSteps"`
	InferenceStepsSnake int        `json:"inference_steps"`
	Model               string     `json:"model"`
	ImageSize           *imageSize `json:"imageSize"`
	ImageSizeSnake      *imageSize `json:"image_size"`
	Error               string     `json:"error"`
}

var errNoPayload = errors.New("worker wrote no payload")

// decodeResponse reads the worker's stdout. The payload is either the whole
// output or, when the worker also printed progress lines, its last non-empty
// line.
func decodeResponse(raw []byte) (*Response, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errNoPayload
	}
	resp, err := decodeObject(trimmed)
	if err == nil {
		return resp, nil
	}
	if idx := bytes.LastIndexByte(trimmed, '\n'); idx >= 0 {
		if last, lastErr := decodeObject(bytes.TrimSpace(trimmed[idx+1:])); lastErr == nil {
			return last, nil
		}
	}
	return nil, err
}

func decodeObject(data []byte) (*Response, error) {
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if wire.Success == nil {
		return nil, fmt.Errorf("payload has no success field")
	}
	resp := &Response{
		Success:        *wire.Success,
		OutputPath:     firstNonEmpty(wire.OutputPath, wire.OutputPathSnake),
		InferenceSteps: wire.InferenceSteps,
		Model:          wire.Model,
		Error:          wire.Error,
	}
	if resp.InferenceSteps == 0 {
		resp.InferenceSteps = wire.InferenceStepsSnake
	}
	switch {
	case wire.ProcessingTime != nil:
		resp.ProcessingTimeMs = int64(*wire.ProcessingTime)
	case wire.ProcessingTimeSnake != nil:
		resp.ProcessingTimeMs = int64(*wire.ProcessingTimeSnake * 1000)
	}
	size := wire.ImageSize
	if size == nil {
		size = wire.ImageSizeSnake
	}
	if size != nil {
		resp.Width, resp.Height = size.Width, size.Height
	}
	return resp, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
