package export

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"recap/internal/logging"
	"recap/internal/models"
	"recap/internal/storage"
)

func TestJobsXLSX(t *testing.T) {
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "recap.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	session := &models.Session{UserID: 1}
	if err := storage.NewSessionRepository(db).Create(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	jobs := storage.NewJobRepository(db)
	first, _ := jobs.Enqueue(ctx, models.JobKindTranscription, session.ID)
	jobs.Enqueue(ctx, models.JobKindTranscription, session.ID)
	reserved, _ := jobs.ReserveByID(ctx, first.ID)
	if err := jobs.Fail(ctx, reserved, "audio file missing"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	data, err := NewService(jobs, logging.Discard()).JobsXLSX(ctx, storage.JobListOptions{})
	if err != nil {
		t.Fatalf("JobsXLSX: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(jobsSheet)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	for i, h := range JobHeaders {
		if rows[0][i] != h {
			t.Errorf("header %d = %q, want %q", i, rows[0][i], h)
		}
	}
	// Newest first, so the failed job is the last row.
	last := rows[2]
	if last[4] != "failed" || last[5] != "1" || last[6] != "audio file missing" {
		t.Errorf("failed row = %v", last)
	}

	status, _ := f.GetRows(statusSheet)
	want := map[string]string{"failed": "1", "pending": "1"}
	for _, r := range status[1:] {
		if want[r[0]] != r[1] {
			t.Errorf("status row %v", r)
		}
	}
}

func TestJobsXLSX_StatusFilter(t *testing.T) {
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "recap.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	session := &models.Session{UserID: 1}
	storage.NewSessionRepository(db).Create(ctx, session)
	jobs := storage.NewJobRepository(db)
	jobs.Enqueue(ctx, models.JobKindTranscription, session.ID)

	data, err := NewService(jobs, logging.Discard()).JobsXLSX(ctx, storage.JobListOptions{Status: models.JobStatusCompleted})
	if err != nil {
		t.Fatalf("JobsXLSX: %v", err)
	}
	f, _ := excelize.OpenReader(bytes.NewReader(data))
	defer f.Close()
	rows, _ := f.GetRows(jobsSheet)
	if len(rows) != 1 {
		t.Errorf("got %d rows, want only the header", len(rows))
	}
}
