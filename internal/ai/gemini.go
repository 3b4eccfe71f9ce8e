package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"recap/internal/config"
	"recap/internal/models"
)

const (
	minRequestTimeout = 120 * time.Second
	bytesPerSecond    = 50 * 1024
	chatTimeout       = 60 * time.Second
	historyLimit      = 10
	fallbackSummary   = 500
	apiKeyHeader      = "x-goog-api-key"
)

// ErrEmptyResponse is returned when the model answers without any text
var ErrEmptyResponse = errors.New("gemini returned no text")

const analyzePrompt = `Transcribe this meeting audio with speaker identification, then analyze it.

Identify different speakers in the audio and label them as Speaker 1, Speaker 2, etc.

Return your response in the following JSON format:
{
  "transcript": "full verbatim transcription with speaker labels, e.g., 'Speaker 1: Hello. Speaker 2: Hi there.'",
  "speakers": [
    {"id": "Speaker 1", "characteristics": "brief description of voice (e.g., male, deep voice)"}
  ],
  "utterances": [
    {"speaker": "Speaker 1", "text": "the text spoken", "start_time": "approximate start time in seconds or description like 'beginning', 'middle', 'end'"}
  ],
  "title": "brief descriptive title (max 6 words)",
  "summary": "2-3 sentence overview of the meeting",
  "action_items": ["list", "of", "action", "items"],
  "timeline": ["chronological", "key", "events"],
  "decisions": ["decisions", "made"]
}

Important: Return ONLY valid JSON, no markdown formatting. If only one speaker is detected, still use the Speaker 1 format.`

// Gemini calls the generateContent REST endpoint
type Gemini struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewGemini creates a Gemini client. A nil httpClient uses one without a
// global timeout; every request carries its own deadline.
func NewGemini(cfg config.GeminiConfig, httpClient *http.Client, logger *slog.Logger) *Gemini {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gemini{
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   httpClient,
		logger:   logger.With("component", "gemini", "model", cfg.Model),
	}
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	ResponseMimeType string `json:"response_mime_type,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// modelOutput is the JSON document the analysis prompt asks for
type modelOutput struct {
	Transcript  string           `json:"transcript"`
	Speakers    []models.Speaker `json:"speakers"`
	Utterances  []utterance      `json:"utterances"`
	Title       string           `json:"title"`
	Summary     string           `json:"summary"`
	ActionItems []string         `json:"action_items"`
	Timeline    []string         `json:"timeline"`
	Decisions   []string         `json:"decisions"`
}

type utterance struct {
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	StartTime any    `json:"start_time"`
}

// TranscribeAndAnalyze uploads the recording inline and parses the combined result
func (g *Gemini) TranscribeAndAnalyze(ctx context.Context, path, mime string, durationHint *int) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}

	prompt := analyzePrompt
	if durationHint != nil && *durationHint > 0 {
		prompt += fmt.Sprintf("\n\nThe recording is about %d seconds long.", *durationHint)
	}
	req := generateRequest{
		Contents: []content{{Parts: []part{
			{InlineData: &inlineData{MimeType: mime, Data: base64.StdEncoding.EncodeToString(data)}},
			{Text: prompt},
		}}},
		GenerationConfig: &generationConfig{ResponseMimeType: "application/json"},
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout(int64(len(data))))
	defer cancel()

	text, err := g.generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseAnalysis(text, g.logger), nil
}

// Answer asks the model about the transcript with recent chat history
func (g *Gemini) Answer(ctx context.Context, question, transcript string, history []models.Message) (*Answer, error) {
	var b strings.Builder
	b.WriteString("You are a helpful meeting assistant with memory of our conversation. ")
	b.WriteString("Answer the user's question using the supplied transcript and our conversation history. ")
	b.WriteString("Quote the relevant excerpts with timestamps if supplied.\n\n")
	b.WriteString("Transcript:\n")
	b.WriteString(transcript)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	if len(history) > 0 {
		b.WriteString("\n\nConversation History:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(string(m.Role)), m.Content)
		}
	}
	b.WriteString("\n\nCurrent Question: ")
	b.WriteString(question)

	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	text, err := g.generate(ctx, generateRequest{Contents: []content{{Parts: []part{{Text: b.String()}}}}})
	if err != nil {
		return nil, err
	}
	return &Answer{Text: text, Citations: []string{}}, nil
}

func (g *Gemini) generate(ctx context.Context, body generateRequest) (string, error) {
	u := fmt.Sprintf("%s/models/%s:generateContent", g.endpoint, url.PathEscape(g.model))
	raw, status, err := g.sendJSON(ctx, u, body)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	if status/100 != 2 {
		return "", fmt.Errorf("gemini request: non-2xx status: %d: %s", status, truncate(string(raw), 200))
	}

	var resp generateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	text := extractText(resp)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (g *Gemini) sendJSON(ctx context.Context, u string, body any) ([]byte, int, error) {
	reqID := uuid.New().String()
	start := time.Now()

	bs, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("encode json: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(bs))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// The key stays out of the URL so transport errors never carry it.
	req.Header.Set(apiKeyHeader, g.apiKey)

	g.logger.Info("gemini request", "req_id", reqID, "content_length", len(bs))
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Error("gemini send failed", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	g.logger.Info("gemini response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return raw, resp.StatusCode, nil
}

func extractText(resp generateResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return strings.TrimSpace(b.String())
}

// requestTimeout allows one second per 50KiB of audio, never less than 120s
func requestTimeout(size int64) time.Duration {
	d := time.Duration(size/bytesPerSecond) * time.Second
	if d < minRequestTimeout {
		return minRequestTimeout
	}
	return d
}

// parseAnalysis turns model text into a Result. Text that is not a valid
// analysis document becomes a single-segment transcript.
func parseAnalysis(text string, logger *slog.Logger) *Result {
	if err := validateAnalysis([]byte(text)); err != nil {
		logger.Warn("model output is not a valid analysis, using raw text", "error", err)
		return fallbackResult(text)
	}
	var out modelOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		logger.Warn("decode model output", "error", err)
		return fallbackResult(text)
	}

	total := spokenDuration(out.Transcript)
	var segments []models.Segment
	if len(out.Utterances) > 0 {
		step := total / float64(len(out.Utterances))
		for i, u := range out.Utterances {
			start := float64(i) * step
			speaker := u.Speaker
			if speaker == "" {
				speaker = "Unknown"
			}
			segments = append(segments, models.Segment{
				Speaker:   speaker,
				Start:     start,
				End:       float64(i+1) * step,
				StartTime: startLabel(u.StartTime, start),
				Text:      u.Text,
			})
		}
	} else {
		segments = []models.Segment{{Start: 0, End: total, Text: out.Transcript}}
	}

	return &Result{
		Text:     out.Transcript,
		Segments: segments,
		Speakers: out.Speakers,
		Title:    strings.TrimSpace(out.Title),
		Summary: Analysis{
			Summary:     out.Summary,
			ActionItems: out.ActionItems,
			Timeline:    out.Timeline,
			Decisions:   out.Decisions,
		},
	}
}

func fallbackResult(text string) *Result {
	return &Result{
		Text:     text,
		Segments: []models.Segment{{Start: 0, End: spokenDuration(text), Text: text}},
		Summary:  Analysis{Summary: truncate(text, fallbackSummary)},
	}
}

// spokenDuration approximates length at two words per second, at least 30s
func spokenDuration(text string) float64 {
	d := float64(len(strings.Fields(text))) / 2
	if d < 30 {
		return 30
	}
	return d
}

func startLabel(v any, start float64) string {
	switch t := v.(type) {
	case string:
		if t != "" {
			return t
		}
	case float64:
		return fmt.Sprintf("%gs", t)
	}
	return fmt.Sprintf("%ds", int(start))
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
