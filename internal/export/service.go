// Package export renders job rows as spreadsheets for operators.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"recap/internal/models"
	"recap/internal/storage"
)

const (
	jobsSheet   = "Jobs"
	statusSheet = "Status"
)

// JobHeaders is the column layout of the Jobs sheet
var JobHeaders = []string{"ID", "Kind", "Session ID", "Payload", "Status", "Attempts", "Error", "Created", "Updated"}

// JobSource is the read side of the job store
type JobSource interface {
	List(ctx context.Context, opts storage.JobListOptions) ([]models.Job, error)
	CountByStatusForUser(ctx context.Context, userID int64) (map[models.JobStatus]int64, error)
}

// Service produces XLSX workbooks of the job table
type Service struct {
	jobs   JobSource
	logger *slog.Logger
}

// NewService creates an export Service
func NewService(jobs JobSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, logger: logger}
}

// JobsXLSX returns a workbook with one row per matching job and a status
// count sheet. A zero Limit in filter exports every row. The status counts
// follow filter.UserID.
func (s *Service) JobsXLSX(ctx context.Context, filter storage.JobListOptions) ([]byte, error) {
	start := time.Now()
	if filter.Limit == 0 {
		filter.Limit = -1
	}

	jobs, err := s.jobs.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	counts, err := s.jobs.CountByStatusForUser(ctx, filter.UserID)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", jobsSheet); err != nil {
		return nil, err
	}
	for i, h := range JobHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(jobsSheet, cell, h)
	}

	for i, j := range jobs {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(jobsSheet, cell, v)
		}
		write(1, j.ID)
		write(2, string(j.Kind))
		if j.SessionID != nil {
			write(3, *j.SessionID)
		}
		write(4, j.Payload)
		write(5, string(j.Status))
		write(6, j.Attempts)
		write(7, j.LastError())
		write(8, j.CreatedAt.UTC().Format(time.RFC3339))
		write(9, j.UpdatedAt.UTC().Format(time.RFC3339))
	}

	_ = f.SetColWidth(jobsSheet, "A", "C", 10)
	_ = f.SetColWidth(jobsSheet, "D", "D", 22)
	_ = f.SetColWidth(jobsSheet, "E", "F", 12)
	_ = f.SetColWidth(jobsSheet, "G", "G", 60)
	_ = f.SetColWidth(jobsSheet, "H", "I", 22)

	if _, err := f.NewSheet(statusSheet); err != nil {
		return nil, err
	}
	_ = f.SetCellValue(statusSheet, "A1", "Status")
	_ = f.SetCellValue(statusSheet, "B1", "Count")
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	for i, st := range statuses {
		_ = f.SetCellValue(statusSheet, fmt.Sprintf("A%d", i+2), st)
		_ = f.SetCellValue(statusSheet, fmt.Sprintf("B%d", i+2), counts[models.JobStatus(st)])
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("jobs exported",
		"rows", len(jobs),
		"status", filter.Status,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}
