package ai

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"recap/internal/models"
)

const (
	// StubTitle is the title the offline stub suggests
	StubTitle = "Demo Recording"
	noAnswer  = "I could not find information about that in the transcript."
)

// Stub is a deterministic offline Client used when no API key is configured
type Stub struct{}

// NewStub creates a Stub
func NewStub() *Stub {
	return &Stub{}
}

// TranscribeAndAnalyze returns a placeholder transcript for the file
func (s *Stub) TranscribeAndAnalyze(ctx context.Context, path, mime string, durationHint *int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := fmt.Sprintf("Transcription placeholder for %s. Configure GEMINI_API_KEY for live transcription.", filepath.Base(path))
	return &Result{
		Text:     text,
		Segments: []models.Segment{{Speaker: "Speaker 1", Start: 0, End: 30, StartTime: "0s", Text: text}},
		Speakers: []models.Speaker{},
		Title:    StubTitle,
		Summary: Analysis{
			Summary:     text,
			ActionItems: []string{},
			Timeline:    []string{},
			Decisions:   []string{},
		},
	}, nil
}

// Answer picks the transcript sentence sharing the most words with the question
func (s *Stub) Answer(ctx context.Context, question, transcript string, history []models.Message) (*Answer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var terms []string
	for _, w := range strings.Fields(question) {
		if len(w) > 2 {
			terms = append(terms, strings.ToLower(w))
		}
	}

	best, bestScore := "", 0
	for _, sentence := range strings.Split(transcript, ".") {
		words := strings.Fields(strings.ToLower(sentence))
		score := 0
		for _, term := range terms {
			for _, w := range words {
				if w == term {
					score++
				}
			}
		}
		if score > bestScore {
			best, bestScore = strings.TrimSpace(sentence), score
		}
	}
	if best == "" {
		best = noAnswer
	}
	return &Answer{Text: best, Citations: []string{}}, nil
}
