// Package sessions implements the user-facing operations on recordings:
// upload, browse, retitle, delete and chat.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"recap/internal/ai"
	"recap/internal/media"
	"recap/internal/models"
	"recap/internal/storage"
)

// HistoryLimit is how many earlier messages a chat question carries
const HistoryLimit = 10

var (
	// ErrNotFound means the session does not exist or belongs to another user
	ErrNotFound = errors.New("session not found")
	// ErrNoTranscript means chat was attempted before transcription finished
	ErrNoTranscript = errors.New("transcript not ready")
	// ErrInvalidInput wraps validation failures
	ErrInvalidInput = errors.New("invalid input")
)

// JobSubmitter enqueues pipeline work
type JobSubmitter interface {
	SubmitJob(ctx context.Context, kind models.JobKind, sessionID int64) (*models.Job, error)
}

// Upload describes a new recording
type Upload struct {
	Filename    string
	Mime        string
	Title       string
	DurationSec *int
	Body        io.Reader
}

// Detail is a session with its outputs and latest job
type Detail struct {
	Session    models.Session     `json:"session"`
	Asset      *models.AudioAsset `json:"asset,omitempty"`
	Transcript *models.Transcript `json:"transcript,omitempty"`
	Summary    *models.Summary    `json:"summary,omitempty"`
	LatestJob  *models.Job        `json:"latest_job,omitempty"`
}

// Deps are the collaborators of a Service
type Deps struct {
	Sessions  *storage.SessionRepository
	Assets    *storage.AssetRepository
	Messages  *storage.MessageRepository
	Jobs      *storage.JobRepository
	Media     *media.Store
	AI        ai.Client
	Submitter JobSubmitter
	Logger    *slog.Logger
}

// Service implements session operations
type Service struct {
	sessions  *storage.SessionRepository
	assets    *storage.AssetRepository
	messages  *storage.MessageRepository
	jobs      *storage.JobRepository
	media     *media.Store
	ai        ai.Client
	submitter JobSubmitter
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Service
func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sessions:  d.Sessions,
		assets:    d.Assets,
		messages:  d.Messages,
		jobs:      d.Jobs,
		media:     d.Media,
		ai:        d.AI,
		submitter: d.Submitter,
		logger:    logger.With("component", "sessions"),
		now:       time.Now,
	}
}

// Resubmission is a session queued again by Reprocess
type Resubmission struct {
	SessionID int64  `json:"session_id"`
	Title     string `json:"title"`
	JobID     int64  `json:"job_id"`
}

// Reprocess queues a transcription job for sessions that are missing a
// transcript or summary and have no job pending. ids narrows the search;
// limit caps it (10 when not positive). A failed submit stops the run and
// returns what was queued so far.
func (s *Service) Reprocess(ctx context.Context, ids []int64, limit int) ([]Resubmission, error) {
	stuck, err := s.sessions.ListIncomplete(ctx, ids, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Resubmission, 0, len(stuck))
	for _, sess := range stuck {
		job, err := s.submitter.SubmitJob(ctx, models.JobKindTranscription, sess.ID)
		if err != nil {
			return out, fmt.Errorf("resubmit session %d: %w", sess.ID, err)
		}
		s.logger.Info("session resubmitted", "session_id", sess.ID, "job_id", job.ID)
		out = append(out, Resubmission{SessionID: sess.ID, Title: sess.DisplayTitle(), JobID: job.ID})
	}
	return out, nil
}

// DefaultTitle is the placeholder title of a new session
func DefaultTitle(t time.Time) string {
	return t.UTC().Format("Session 2006-01-02 15:04")
}

// Create stores the upload and queues it for transcription
func (s *Service) Create(ctx context.Context, userID int64, up Upload) (*models.Session, *models.Job, error) {
	if up.Body == nil {
		return nil, nil, fmt.Errorf("%w: missing file", ErrInvalidInput)
	}
	if up.DurationSec != nil && *up.DurationSec < 0 {
		return nil, nil, fmt.Errorf("%w: negative duration", ErrInvalidInput)
	}

	rel, size, err := s.media.Save(userID, up.Filename, up.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("save upload: %w", err)
	}
	asset := &models.AudioAsset{
		UserID:   userID,
		Path:     rel,
		Filename: up.Filename,
		Mime:     detectMime(up.Filename, up.Mime),
		Size:     size,
	}
	if err := s.assets.Create(ctx, asset); err != nil {
		s.removeFile(asset)
		return nil, nil, err
	}

	title := strings.TrimSpace(up.Title)
	if title == "" {
		title = DefaultTitle(s.now())
	}
	session := &models.Session{
		UserID:       userID,
		AudioAssetID: &asset.ID,
		Status:       models.SessionStatusUploaded,
		DurationSec:  up.DurationSec,
		Title:        &title,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		s.removeFile(asset)
		if derr := s.assets.Delete(context.WithoutCancel(ctx), asset.ID); derr != nil {
			s.logger.Warn("delete orphaned asset", "asset_id", asset.ID, "error", derr)
		}
		return nil, nil, err
	}

	job, err := s.submitter.SubmitJob(ctx, models.JobKindTranscription, session.ID)
	if err != nil {
		return session, nil, err
	}
	s.logger.Info("session created", "session_id", session.ID, "user_id", userID, "asset_id", asset.ID, "size", size, "job_id", job.ID)
	return session, job, nil
}

// List returns the user's sessions, newest first
func (s *Service) List(ctx context.Context, userID int64, limit, offset int) ([]models.Session, error) {
	return s.sessions.ListByUser(ctx, userID, limit, offset)
}

// Detail returns the session with transcript, summary and latest job
func (s *Service) Detail(ctx context.Context, userID, id int64) (*Detail, error) {
	bundle, err := s.bundle(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	latest, err := s.jobs.LatestForSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{
		Session:    bundle.Session,
		Asset:      bundle.Asset,
		Transcript: bundle.Transcript,
		Summary:    bundle.Summary,
		LatestJob:  latest,
	}, nil
}

// Diagnostics returns every job of the session, newest first
func (s *Service) Diagnostics(ctx context.Context, userID, id int64) ([]models.Job, error) {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.jobs.ListBySession(ctx, id)
}

// Retitle sets a user-chosen title
func (s *Service) Retitle(ctx context.Context, userID, id int64, title string) (*models.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	session, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.UpdateTitle(ctx, id, title); err != nil {
		return nil, err
	}
	session.Title = &title
	return session, nil
}

// Delete cancels the session's jobs, removes the audio file and deletes the
// session with everything that belongs to it.
func (s *Service) Delete(ctx context.Context, userID, id int64) error {
	bundle, err := s.bundle(ctx, userID, id)
	if err != nil {
		return err
	}

	cancelled, err := s.jobs.CancelForSession(ctx, id)
	if err != nil {
		return err
	}
	if cancelled > 0 {
		s.logger.Info("cancelled jobs for deleted session", "session_id", id, "count", cancelled)
	}

	if bundle.Asset != nil {
		s.removeFile(bundle.Asset)
	}
	if err := s.sessions.Delete(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if bundle.Asset != nil {
		if err := s.assets.Delete(ctx, bundle.Asset.ID); err != nil {
			s.logger.Warn("delete asset row failed", "asset_id", bundle.Asset.ID, "error", err)
		}
	}
	s.logger.Info("session deleted", "session_id", id, "user_id", userID)
	return nil
}

// Chat answers a question about the transcript and stores both messages
func (s *Service) Chat(ctx context.Context, userID, id int64, question string) (*models.Message, *models.Message, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	bundle, err := s.bundle(ctx, userID, id)
	if err != nil {
		return nil, nil, err
	}
	if bundle.Transcript == nil {
		return nil, nil, ErrNoTranscript
	}

	history, err := s.messages.ListBySession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if len(history) > HistoryLimit {
		history = history[len(history)-HistoryLimit:]
	}

	answer, err := s.ai.Answer(ctx, question, bundle.Transcript.Text, history)
	if err != nil {
		return nil, nil, fmt.Errorf("answer: %w", err)
	}

	userMsg := &models.Message{SessionID: id, Role: models.MessageRoleUser, Content: question}
	if err := s.messages.Create(ctx, userMsg); err != nil {
		return nil, nil, err
	}
	assistantMsg := &models.Message{SessionID: id, Role: models.MessageRoleAssistant, Content: answer.Text, Citations: answer.Citations}
	if err := s.messages.Create(ctx, assistantMsg); err != nil {
		return nil, nil, err
	}
	return userMsg, assistantMsg, nil
}

// Messages returns the chat history, oldest first
func (s *Service) Messages(ctx context.Context, userID, id int64) ([]models.Message, error) {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.messages.ListBySession(ctx, id)
}

func (s *Service) owned(ctx context.Context, userID, id int64) (*models.Session, error) {
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil || session.UserID != userID {
		return nil, ErrNotFound
	}
	return session, nil
}

func (s *Service) bundle(ctx context.Context, userID, id int64) (*models.SessionBundle, error) {
	bundle, err := s.sessions.GetBundle(ctx, id)
	if err != nil {
		return nil, err
	}
	if bundle == nil || bundle.Session.UserID != userID {
		return nil, ErrNotFound
	}
	return bundle, nil
}

func (s *Service) removeFile(asset *models.AudioAsset) {
	if err := s.media.Remove(asset); err != nil {
		s.logger.Warn("remove audio file failed", "path", asset.Path, "error", err)
	}
}

func detectMime(filename, declared string) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || ext == media.DefaultExt {
		return "audio/mp4"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
