// Package pipeline turns an uploaded recording into a transcript and summary.
//
// The handler is safe to replay: outputs that already exist are never
// recreated, so a retried job only does the work a previous attempt left
// undone.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"recap/internal/ai"
	"recap/internal/events"
	"recap/internal/models"
	"recap/internal/worker"
)

var (
	// ErrSessionNotFound means the job's session no longer exists
	ErrSessionNotFound = errors.New("session not found")
	// ErrAssetMissing means the session has no audio asset row
	ErrAssetMissing = errors.New("session missing audio asset")
	// ErrSummaryIncomplete means the transcript was saved but the summary was not
	ErrSummaryIncomplete = errors.New("summary not saved")
)

// SessionStore is the session side of the relational store
type SessionStore interface {
	GetBundle(ctx context.Context, id int64) (*models.SessionBundle, error)
	UpdateStatus(ctx context.Context, id int64, status models.SessionStatus) error
	UpdateTitle(ctx context.Context, id int64, title string) error
	UpdateDuration(ctx context.Context, id int64, durationSec int) error
}

// OutputStore persists transcripts and summaries
type OutputStore interface {
	CreateTranscript(ctx context.Context, t *models.Transcript) error
	CreateSummary(ctx context.Context, s *models.Summary) error
}

// FileResolver maps an asset to a readable file path
type FileResolver interface {
	Resolve(asset *models.AudioAsset) (string, error)
}

// Transcriber is the transcription job handler
type Transcriber struct {
	sessions  SessionStore
	outputs   OutputStore
	files     FileResolver
	client    ai.Client
	publisher events.Publisher
	logger    *slog.Logger
}

// NewTranscriber creates a Transcriber. A nil publisher discards events.
func NewTranscriber(sessions SessionStore, outputs OutputStore, files FileResolver, client ai.Client, publisher events.Publisher, logger *slog.Logger) *Transcriber {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{
		sessions:  sessions,
		outputs:   outputs,
		files:     files,
		client:    client,
		publisher: publisher,
		logger:    logger.With("component", "pipeline"),
	}
}

// Handle is the worker.JobHandler for transcription jobs
func (t *Transcriber) Handle(ctx context.Context, job *models.Job) error {
	payload, err := job.DecodePayload()
	if err != nil {
		return worker.Permanent(err)
	}
	return t.Process(ctx, job.ID, payload.SessionID)
}

// Process runs one attempt for a session
func (t *Transcriber) Process(ctx context.Context, jobID, sessionID int64) error {
	a := &attempt{
		t:         t,
		jobID:     jobID,
		sessionID: sessionID,
		logger:    t.logger.With("job_id", jobID, "session_id", sessionID),
	}
	err := a.run(ctx)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		a.fail(ctx, err)
	}
	return err
}

// attempt carries the state of one Process call
type attempt struct {
	t         *Transcriber
	jobID     int64
	sessionID int64
	session   *models.Session
	failed    bool
	logger    *slog.Logger
}

func (a *attempt) run(ctx context.Context) error {
	bundle, err := a.t.sessions.GetBundle(ctx, a.sessionID)
	if err != nil {
		return fmt.Errorf("load session %d: %w", a.sessionID, err)
	}
	if bundle == nil {
		return worker.Permanent(fmt.Errorf("%w: %d", ErrSessionNotFound, a.sessionID))
	}
	a.session = &bundle.Session

	if bundle.Complete() {
		a.logger.Info("outputs already present")
		return a.setStatus(ctx, models.SessionStatusReady, nil)
	}

	if err := a.setStatus(ctx, models.SessionStatusProcessing, nil); err != nil {
		return err
	}

	if bundle.Asset == nil {
		a.fail(ctx, ErrAssetMissing)
		return worker.Permanent(ErrAssetMissing)
	}
	path, err := a.t.files.Resolve(bundle.Asset)
	if err != nil {
		a.fail(ctx, err)
		return worker.Permanent(err)
	}

	start := time.Now()
	result, err := a.t.client.TranscribeAndAnalyze(ctx, path, bundle.Asset.Mime, a.session.DurationSec)
	if err == nil {
		err = ai.ValidateResult(result)
	}
	if err != nil {
		a.fail(ctx, err)
		return fmt.Errorf("transcribe: %w", err)
	}
	a.logger.Info("transcription received", "segments", len(result.Segments), "elapsed", time.Since(start))

	if bundle.Transcript == nil {
		tr := &models.Transcript{
			SessionID: a.sessionID,
			Text:      result.Text,
			Segments:  result.Segments,
			Speakers:  result.Speakers,
		}
		if err := a.t.outputs.CreateTranscript(ctx, tr); err != nil {
			return fmt.Errorf("save transcript: %w", err)
		}
		bundle.Transcript = tr
	}

	a.applyMetadata(ctx, result)

	if bundle.Summary == nil {
		sum := &models.Summary{
			SessionID:   a.sessionID,
			Summary:     result.Summary.Summary,
			ActionItems: result.Summary.ActionItems,
			Timeline:    result.Summary.Timeline,
			Decisions:   result.Summary.Decisions,
		}
		if err := a.t.outputs.CreateSummary(ctx, sum); err != nil {
			// The transcript stays; the next attempt only retries the summary.
			a.logger.Error("save summary failed", "error", err)
			return fmt.Errorf("%w: %v", ErrSummaryIncomplete, err)
		}
		bundle.Summary = sum
	}

	return a.setStatus(ctx, models.SessionStatusReady, nil)
}

// applyMetadata fills in the title and duration. Failures are logged only.
func (a *attempt) applyMetadata(ctx context.Context, result *ai.Result) {
	current := a.session.DisplayTitle()
	if result.Title != "" && result.Title != current && LooksAutoGenerated(current) {
		if err := a.t.sessions.UpdateTitle(ctx, a.sessionID, result.Title); err != nil {
			a.logger.Warn("update title failed", "error", err)
		} else {
			a.logger.Info("session retitled", "from", current, "to", result.Title)
			a.session.Title = &result.Title
		}
	}

	if a.session.DurationSec == nil {
		if d := result.DurationSec(); d > 0 {
			if err := a.t.sessions.UpdateDuration(ctx, a.sessionID, d); err != nil {
				a.logger.Warn("update duration failed", "error", err)
			} else {
				a.session.DurationSec = &d
			}
		}
	}
}

// fail marks the session failed once per attempt. It writes with a detached
// context so an expired deadline does not prevent the write.
func (a *attempt) fail(ctx context.Context, cause error) {
	if a.failed {
		return
	}
	a.failed = true
	a.logger.Error("session failed", "error", cause)
	if err := a.setStatus(context.WithoutCancel(ctx), models.SessionStatusFailed, cause); err != nil {
		a.logger.Error("mark session failed", "error", err)
	}
}

func (a *attempt) setStatus(ctx context.Context, status models.SessionStatus, cause error) error {
	if err := a.t.sessions.UpdateStatus(ctx, a.sessionID, status); err != nil {
		return fmt.Errorf("set session %d %s: %w", a.sessionID, status, err)
	}

	ev := events.SessionEvent{
		SessionID: a.sessionID,
		JobID:     a.jobID,
		Status:    status,
		At:        time.Now().UTC(),
	}
	if a.session != nil {
		a.session.Status = status
		ev.UserID = a.session.UserID
		ev.Title = a.session.DisplayTitle()
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := a.t.publisher.PublishSessionStatus(context.WithoutCancel(ctx), ev); err != nil {
		a.logger.Warn("publish session status failed", "status", status, "error", err)
	}
	return nil
}
