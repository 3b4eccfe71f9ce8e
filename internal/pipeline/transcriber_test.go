package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"recap/internal/ai"
	"recap/internal/events"
	"recap/internal/logging"
	"recap/internal/media"
	"recap/internal/models"
	"recap/internal/storage"
	"recap/internal/worker"
)

type fixture struct {
	db       *storage.DB
	sessions *storage.SessionRepository
	outputs  *storage.OutputRepository
	jobs     *storage.JobRepository
	media    *media.Store
	events   *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.OpenSQLite(filepath.Join(dir, "recap.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := media.New(filepath.Join(dir, "media"))
	if err != nil {
		t.Fatalf("media: %v", err)
	}
	return &fixture{
		db:       db,
		sessions: storage.NewSessionRepository(db),
		outputs:  storage.NewOutputRepository(db),
		jobs:     storage.NewJobRepository(db),
		media:    store,
		events:   &events.Recorder{},
	}
}

// upload stores a file and a session the way the session service does
func (f *fixture) upload(t *testing.T, title string) *models.Session {
	t.Helper()
	ctx := context.Background()
	rel, size, err := f.media.Save(1, "meeting.m4a", strings.NewReader("fake audio"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	asset := &models.AudioAsset{UserID: 1, Path: rel, Filename: "meeting.m4a", Mime: "audio/mp4", Size: size}
	if err := storage.NewAssetRepository(f.db).Create(ctx, asset); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	session := &models.Session{UserID: 1, AudioAssetID: &asset.ID, Status: models.SessionStatusUploaded, Title: &title}
	if err := f.sessions.Create(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func (f *fixture) transcriber(client ai.Client, outputs OutputStore) *Transcriber {
	if outputs == nil {
		outputs = f.outputs
	}
	return NewTranscriber(f.sessions, outputs, f.media, client, f.events, logging.Discard())
}

func (f *fixture) bundle(t *testing.T, id int64) *models.SessionBundle {
	t.Helper()
	b, err := f.sessions.GetBundle(context.Background(), id)
	if err != nil || b == nil {
		t.Fatalf("bundle %d: %v", id, err)
	}
	return b
}

// fakeAI returns scripted results and counts calls
type fakeAI struct {
	mu    sync.Mutex
	calls int
	texts []string
	err   error
	block bool
}

func (f *fakeAI) TranscribeAndAnalyze(ctx context.Context, path, mime string, hint *int) (*ai.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	text := "hello world"
	if n <= len(f.texts) {
		text = f.texts[n-1]
	}
	return &ai.Result{
		Text:     text,
		Segments: []models.Segment{{Start: 0, End: 42, Text: text}},
		Title:    "Budget sync",
		Summary:  ai.Analysis{Summary: "summary of " + text, ActionItems: []string{"follow up"}},
	}, nil
}

func (f *fakeAI) Answer(ctx context.Context, q, transcript string, history []models.Message) (*ai.Answer, error) {
	return &ai.Answer{Text: "n/a"}, nil
}

func (f *fakeAI) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// flakySummaries fails CreateSummary a fixed number of times
type flakySummaries struct {
	*storage.OutputRepository
	failures int
}

func (s *flakySummaries) CreateSummary(ctx context.Context, sum *models.Summary) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("disk full")
	}
	return s.OutputRepository.CreateSummary(ctx, sum)
}

func TestTranscriber_StubScenario(t *testing.T) {
	f := newFixture(t)
	session := f.upload(t, "Session 2024-06-01 10:00")

	err := f.transcriber(ai.NewStub(), nil).Process(context.Background(), 1, session.ID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	b := f.bundle(t, session.ID)
	if b.Session.Status != models.SessionStatusReady {
		t.Errorf("status = %s, want ready", b.Session.Status)
	}
	if b.Transcript == nil || b.Transcript.Text == "" || len(b.Transcript.Segments) != 1 {
		t.Fatalf("transcript = %+v", b.Transcript)
	}
	if b.Summary == nil || b.Summary.Summary == "" {
		t.Fatalf("summary = %+v", b.Summary)
	}
	if b.Session.DisplayTitle() != ai.StubTitle {
		t.Errorf("title = %q, want %q", b.Session.DisplayTitle(), ai.StubTitle)
	}
	if b.Session.DurationSec == nil || *b.Session.DurationSec != 30 {
		t.Errorf("duration = %v", b.Session.DurationSec)
	}

	got := f.events.Statuses()
	want := []models.SessionStatus{models.SessionStatusProcessing, models.SessionStatusReady}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestTranscriber_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	session := f.upload(t, "Session 2024-06-01 10:00")
	client := &fakeAI{}
	tr := f.transcriber(client, nil)
	ctx := context.Background()

	if err := tr.Process(ctx, 1, session.ID); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	first := f.bundle(t, session.ID)

	if err := tr.Process(ctx, 2, session.ID); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	second := f.bundle(t, session.ID)

	if client.Calls() != 1 {
		t.Errorf("AI called %d times, want 1", client.Calls())
	}
	if second.Session.Status != models.SessionStatusReady {
		t.Errorf("status = %s", second.Session.Status)
	}
	if second.Transcript.ID != first.Transcript.ID || second.Summary.ID != first.Summary.ID {
		t.Error("outputs were recreated on replay")
	}
	n, m, _ := f.outputs.CountForSession(ctx, session.ID)
	if n != 1 || m != 1 {
		t.Errorf("transcripts=%d summaries=%d, want 1 each", n, m)
	}
}

func TestTranscriber_SummaryFailureResumes(t *testing.T) {
	f := newFixture(t)
	session := f.upload(t, "Session 2024-06-01 10:00")
	client := &fakeAI{texts: []string{"first take", "second take"}}
	outputs := &flakySummaries{OutputRepository: f.outputs, failures: 1}
	tr := f.transcriber(client, outputs)
	ctx := context.Background()

	err := tr.Process(ctx, 1, session.ID)
	if !errors.Is(err, ErrSummaryIncomplete) {
		t.Fatalf("err = %v, want ErrSummaryIncomplete", err)
	}
	if worker.IsPermanent(err) {
		t.Error("summary failure must stay retryable")
	}
	b := f.bundle(t, session.ID)
	if b.Session.Status != models.SessionStatusProcessing {
		t.Errorf("status = %s, want processing", b.Session.Status)
	}
	if b.Transcript == nil || b.Summary != nil {
		t.Fatalf("want transcript without summary, got %+v / %+v", b.Transcript, b.Summary)
	}

	if err := tr.Process(ctx, 1, session.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	b = f.bundle(t, session.ID)
	if b.Session.Status != models.SessionStatusReady {
		t.Errorf("status = %s, want ready", b.Session.Status)
	}
	if b.Transcript.Text != "first take" {
		t.Errorf("transcript was rewritten: %q", b.Transcript.Text)
	}
	if b.Summary == nil || b.Summary.Summary != "summary of second take" {
		t.Errorf("summary = %+v", b.Summary)
	}
}

func TestTranscriber_Failures(t *testing.T) {
	tests := []struct {
		name       string
		client     ai.Client
		removeFile bool
		permanent  bool
	}{
		{name: "ai error", client: &fakeAI{err: errors.New("quota exceeded")}},
		{name: "file missing", client: &fakeAI{}, removeFile: true, permanent: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			session := f.upload(t, "Session 2024-06-01 10:00")
			if tt.removeFile {
				b := f.bundle(t, session.ID)
				if err := f.media.Remove(b.Asset); err != nil {
					t.Fatalf("remove: %v", err)
				}
			}

			err := f.transcriber(tt.client, nil).Process(context.Background(), 1, session.ID)
			if err == nil {
				t.Fatal("expected error")
			}
			if worker.IsPermanent(err) != tt.permanent {
				t.Errorf("permanent = %v, want %v (err %v)", worker.IsPermanent(err), tt.permanent, err)
			}
			b := f.bundle(t, session.ID)
			if b.Session.Status != models.SessionStatusFailed {
				t.Errorf("status = %s, want failed", b.Session.Status)
			}
			evs := f.events.Events()
			if last := evs[len(evs)-1]; last.Status != models.SessionStatusFailed || last.Error == "" {
				t.Errorf("last event = %+v", last)
			}
		})
	}
}

func TestTranscriber_MissingSession(t *testing.T) {
	f := newFixture(t)
	client := &fakeAI{}
	err := f.transcriber(client, nil).Process(context.Background(), 1, 999)
	if !errors.Is(err, ErrSessionNotFound) || !worker.IsPermanent(err) {
		t.Errorf("err = %v, want permanent ErrSessionNotFound", err)
	}
	if client.Calls() != 0 {
		t.Error("AI should not be called for a missing session")
	}
}

func TestTranscriber_KeepsHumanTitle(t *testing.T) {
	f := newFixture(t)
	session := f.upload(t, "Board prep with Dana")

	if err := f.transcriber(&fakeAI{}, nil).Process(context.Background(), 1, session.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.bundle(t, session.ID).Session.DisplayTitle(); got != "Board prep with Dana" {
		t.Errorf("title = %q", got)
	}
}

func TestTranscriber_DeadlineMarksFailed(t *testing.T) {
	f := newFixture(t)
	session := f.upload(t, "Session 2024-06-01 10:00")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.transcriber(&fakeAI{block: true}, nil).Process(ctx, 1, session.ID)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if st := f.bundle(t, session.ID).Session.Status; st != models.SessionStatusFailed {
		t.Errorf("status = %s, want failed", st)
	}
	failed := 0
	for _, s := range f.events.Statuses() {
		if s == models.SessionStatusFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed published %d times, want 1", failed)
	}
}

func TestTranscriber_BoundedRetriesThroughPool(t *testing.T) {
	f := newFixture(t)
	session := f.upload(t, "Session 2024-06-01 10:00")
	client := &fakeAI{err: errors.New("upstream 503")}

	pool := worker.NewPool(f.jobs, worker.Options{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		JobTimeout:   time.Second,
		MaxRetries:   3,
		BackoffBase:  time.Millisecond,
		BackoffMax:   2 * time.Millisecond,
		Logger:       logging.Discard(),
	})
	pool.RegisterHandler(models.JobKindTranscription, f.transcriber(client, nil).Handle)
	pool.Start(context.Background())
	defer pool.Stop()

	job, err := pool.SubmitJob(context.Background(), models.JobKindTranscription, session.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var got *models.Job
	for time.Now().Before(deadline) {
		got, _ = f.jobs.GetByID(context.Background(), job.ID)
		if got != nil && got.Status == models.JobStatusFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got == nil || got.Status != models.JobStatusFailed {
		t.Fatalf("job = %+v, want failed", got)
	}
	time.Sleep(30 * time.Millisecond)
	if client.Calls() != 3 {
		t.Errorf("AI called %d times, want 3", client.Calls())
	}
	if st := f.bundle(t, session.ID).Session.Status; st != models.SessionStatusFailed {
		t.Errorf("session status = %s, want failed", st)
	}
}
