// Package ai wraps the generative model that transcribes and analyzes
// recordings and answers questions about them.
package ai

import (
	"context"
	"log/slog"

	"recap/internal/config"
	"recap/internal/models"
)

// Client is the contract the pipeline and chat depend on
type Client interface {
	// TranscribeAndAnalyze produces transcript, title and summary in one call.
	// durationHint is the client-reported length in seconds, if known.
	TranscribeAndAnalyze(ctx context.Context, path, mime string, durationHint *int) (*Result, error)
	// Answer replies to a question about a transcript. history is oldest first.
	Answer(ctx context.Context, question, transcript string, history []models.Message) (*Answer, error)
}

// Result is the combined transcription and analysis of one recording
type Result struct {
	Text     string           `json:"text"`
	Segments []models.Segment `json:"segments"`
	Speakers []models.Speaker `json:"speakers"`
	Title    string           `json:"title"`
	Summary  Analysis         `json:"summary"`
}

// Analysis is the summary part of a Result
type Analysis struct {
	Summary     string   `json:"summary"`
	ActionItems []string `json:"action_items"`
	Timeline    []string `json:"timeline"`
	Decisions   []string `json:"decisions"`
}

// Answer is a chat reply
type Answer struct {
	Text      string   `json:"answer"`
	Citations []string `json:"citations"`
}

// DurationSec estimates the recording length from the last segment end
func (r *Result) DurationSec() int {
	var end float64
	for _, s := range r.Segments {
		if s.End > end {
			end = s.End
		}
	}
	return int(end + 0.5)
}

// New returns the live Gemini client when an API key is configured and the
// offline stub otherwise.
func New(cfg config.GeminiConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKey == "" {
		logger.Warn("GEMINI_API_KEY not set, using offline stub")
		return NewStub()
	}
	return NewGemini(cfg, nil, logger)
}

// Mode names the adapter behind c for health reporting
func Mode(c Client) string {
	switch c.(type) {
	case *Gemini:
		return "gemini"
	case *Stub:
		return "stub"
	default:
		return "custom"
	}
}
