package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"recap/internal/config"
	"recap/internal/logging"
	"recap/internal/models"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meeting.m4a")
	if err := os.WriteFile(path, []byte("fake audio bytes"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

// fakeGemini serves a canned candidate text and records the last request
func fakeGemini(t *testing.T, status int, text string) (*Gemini, *generateRequest) {
	t.Helper()
	var last generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-test:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(apiKeyHeader) != "secret" {
			t.Errorf("missing api key header")
		}
		if r.URL.RawQuery != "" {
			t.Errorf("query string should be empty, got %q", r.URL.RawQuery)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &last); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(status)
		resp := map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": []any{map[string]any{"text": text}}},
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	cfg := config.GeminiConfig{APIKey: "secret", Model: "gemini-test", Endpoint: srv.URL + "/"}
	return NewGemini(cfg, srv.Client(), logging.Discard()), &last
}

func TestGemini_TranscribeAndAnalyze(t *testing.T) {
	out := `{
		"transcript": "Speaker 1: We ship on Friday. Speaker 2: Agreed.",
		"speakers": [{"id": "Speaker 1", "characteristics": "calm"}, {"id": "Speaker 2"}],
		"utterances": [
			{"speaker": "Speaker 1", "text": "We ship on Friday.", "start_time": "beginning"},
			{"speaker": "Speaker 2", "text": "Agreed."}
		],
		"title": "Release planning",
		"summary": "The team agreed to ship on Friday.",
		"action_items": ["Prepare release notes"],
		"timeline": [],
		"decisions": ["Ship on Friday"]
	}`
	g, last := fakeGemini(t, http.StatusOK, out)
	hint := 95

	res, err := g.TranscribeAndAnalyze(context.Background(), writeAudio(t), "audio/mp4", &hint)
	if err != nil {
		t.Fatalf("TranscribeAndAnalyze: %v", err)
	}
	if err := ValidateResult(res); err != nil {
		t.Fatalf("invalid result: %v", err)
	}
	if res.Title != "Release planning" || len(res.Speakers) != 2 {
		t.Errorf("result = %+v", res)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("segments = %+v", res.Segments)
	}
	first, second := res.Segments[0], res.Segments[1]
	if first.Start != 0 || first.End != 15 || second.Start != 15 || second.End != 30 {
		t.Errorf("segment times = %+v", res.Segments)
	}
	if first.StartTime != "beginning" || second.StartTime != "15s" {
		t.Errorf("start labels = %q, %q", first.StartTime, second.StartTime)
	}
	if res.Summary.Decisions[0] != "Ship on Friday" {
		t.Errorf("summary = %+v", res.Summary)
	}

	parts := last.Contents[0].Parts
	if parts[0].InlineData == nil || parts[0].InlineData.MimeType != "audio/mp4" {
		t.Errorf("audio part = %+v", parts[0])
	}
	if !strings.Contains(parts[1].Text, "about 95 seconds") {
		t.Error("duration hint missing from prompt")
	}
	if last.GenerationConfig == nil || last.GenerationConfig.ResponseMimeType != "application/json" {
		t.Errorf("generation config = %+v", last.GenerationConfig)
	}
}

func TestGemini_NonJSONFallsBackToSingleSegment(t *testing.T) {
	g, _ := fakeGemini(t, http.StatusOK, "Sorry, here is the text: hello world")

	res, err := g.TranscribeAndAnalyze(context.Background(), writeAudio(t), "audio/mp4", nil)
	if err != nil {
		t.Fatalf("TranscribeAndAnalyze: %v", err)
	}
	if len(res.Segments) != 1 || res.Segments[0].End != 30 {
		t.Errorf("segments = %+v", res.Segments)
	}
	if res.Text != "Sorry, here is the text: hello world" || res.Title != "" {
		t.Errorf("result = %+v", res)
	}
	if res.Summary.Summary != res.Text {
		t.Errorf("summary = %q", res.Summary.Summary)
	}
}

func TestGemini_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		text   string
		want   string
	}{
		{name: "server error", status: http.StatusInternalServerError, text: "x", want: "non-2xx status: 500"},
		{name: "empty text", status: http.StatusOK, text: "   ", want: ErrEmptyResponse.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := fakeGemini(t, tt.status, tt.text)
			_, err := g.TranscribeAndAnalyze(context.Background(), writeAudio(t), "audio/mp4", nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestGemini_TransportErrorHidesKey(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	cfg := config.GeminiConfig{APIKey: "SUPERSECRET", Model: "m", Endpoint: endpoint}
	g := NewGemini(cfg, &http.Client{Timeout: 5 * time.Second}, logging.Discard())

	_, err := g.TranscribeAndAnalyze(context.Background(), writeAudio(t), "audio/mp4", nil)
	if err == nil {
		t.Fatal("expected a transport error")
	}
	if strings.Contains(err.Error(), "SUPERSECRET") {
		t.Errorf("api key leaked into error: %v", err)
	}

	_, err = g.Answer(context.Background(), "q", "transcript", nil)
	if err == nil || strings.Contains(err.Error(), "SUPERSECRET") {
		t.Errorf("answer err = %v", err)
	}
}

func TestGemini_MissingFile(t *testing.T) {
	g, _ := fakeGemini(t, http.StatusOK, "{}")
	_, err := g.TranscribeAndAnalyze(context.Background(), filepath.Join(t.TempDir(), "gone.m4a"), "audio/mp4", nil)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want not exist", err)
	}
}

func TestGemini_AnswerSendsRecentHistory(t *testing.T) {
	g, last := fakeGemini(t, http.StatusOK, "Friday.")
	var history []models.Message
	for i := 0; i < 12; i++ {
		history = append(history, models.Message{Role: models.MessageRoleUser, Content: "q" + string(rune('a'+i))})
	}

	ans, err := g.Answer(context.Background(), "When do we ship?", "We ship on Friday.", history)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Text != "Friday." {
		t.Errorf("answer = %q", ans.Text)
	}
	prompt := last.Contents[0].Parts[0].Text
	if strings.Contains(prompt, "USER: qa\n") || strings.Contains(prompt, "USER: qb\n") {
		t.Error("history older than the last 10 messages was sent")
	}
	if !strings.Contains(prompt, "USER: ql") || !strings.Contains(prompt, "Current Question: When do we ship?") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestRequestTimeout(t *testing.T) {
	if got := requestTimeout(1024); got != 120*time.Second {
		t.Errorf("small file timeout = %v", got)
	}
	if got := requestTimeout(200 * 50 * 1024); got != 200*time.Second {
		t.Errorf("large file timeout = %v", got)
	}
}

func TestStub(t *testing.T) {
	s := NewStub()
	res, err := s.TranscribeAndAnalyze(context.Background(), "/media/1/abc.m4a", "audio/mp4", nil)
	if err != nil {
		t.Fatalf("TranscribeAndAnalyze: %v", err)
	}
	if err := ValidateResult(res); err != nil {
		t.Fatalf("stub result invalid: %v", err)
	}
	if res.Title != StubTitle || res.Summary.Summary == "" {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Text, "abc.m4a") {
		t.Errorf("text = %q", res.Text)
	}
	if res.DurationSec() != 30 {
		t.Errorf("duration = %d", res.DurationSec())
	}

	ans, _ := s.Answer(context.Background(), "what about budget", "We met today. The budget was approved. Lunch followed.", nil)
	if ans.Text != "The budget was approved" {
		t.Errorf("answer = %q", ans.Text)
	}
	ans, _ = s.Answer(context.Background(), "zebra", "We met today.", nil)
	if ans.Text != noAnswer {
		t.Errorf("answer = %q", ans.Text)
	}
}

func TestNew(t *testing.T) {
	if _, ok := New(config.GeminiConfig{}, logging.Discard()).(*Stub); !ok {
		t.Error("no api key should select the stub")
	}
	if _, ok := New(config.GeminiConfig{APIKey: "k", Model: "m"}, logging.Discard()).(*Gemini); !ok {
		t.Error("api key should select gemini")
	}
	if m := Mode(New(config.GeminiConfig{}, logging.Discard())); m != "stub" {
		t.Errorf("Mode(stub) = %q", m)
	}
	if m := Mode(New(config.GeminiConfig{APIKey: "k", Model: "m"}, logging.Discard())); m != "gemini" {
		t.Errorf("Mode(gemini) = %q", m)
	}
}
