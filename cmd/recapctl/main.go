// recapctl inspects and maintains the job queue from the command line.
//
//	recapctl list [-status failed] [-session 12] [-limit 50]
//	recapctl show <job-id>
//	recapctl requeue-stale [-older-than 20m]
//	recapctl export [-status failed] -out jobs.xlsx
//	recapctl retrigger [-session 3,4] [-limit 10]
//	recapctl watch
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"recap/internal/config"
	"recap/internal/events"
	"recap/internal/export"
	"recap/internal/logging"
	"recap/internal/models"
	"recap/internal/sessions"
	"recap/internal/storage"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: recapctl <list|show|requeue-stale|export|retrigger|watch> [flags]")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "watch":
		err = watch(ctx, cfg, logger)
	case "retrigger":
		err = withDB(ctx, cfg, func(db *storage.DB) error {
			return retrigger(ctx, db, logger, args)
		})
	case "list", "show", "requeue-stale", "export":
		err = withJobs(ctx, cfg, func(jobs *storage.JobRepository) error {
			switch cmd {
			case "list":
				return list(ctx, jobs, args)
			case "show":
				return show(ctx, jobs, args)
			case "requeue-stale":
				return requeueStale(ctx, jobs, cfg, args)
			default:
				return exportJobs(ctx, jobs, logger, args)
			}
		})
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error(cmd+" failed", "error", err)
		os.Exit(1)
	}
}

func withJobs(ctx context.Context, cfg *config.Config, fn func(*storage.JobRepository) error) error {
	return withDB(ctx, cfg, func(db *storage.DB) error {
		return fn(storage.NewJobRepository(db))
	})
}

func withDB(ctx context.Context, cfg *config.Config, fn func(*storage.DB) error) error {
	db, err := storage.Open(ctx, storage.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN(),
		MaxConns:        cfg.Database.MaxConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		DialTimeout:     cfg.Database.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	return fn(db)
}

// filterFlags registers the list filters shared by list and export
func filterFlags(fs *flag.FlagSet, defLimit int) func() storage.JobListOptions {
	status := fs.String("status", "", "job status (pending, processing, completed, failed)")
	session := fs.Int64("session", 0, "session id")
	limit := fs.Int("limit", defLimit, "maximum rows (-1 for all)")
	return func() storage.JobListOptions {
		return storage.JobListOptions{
			Status:    models.JobStatus(*status),
			SessionID: *session,
			Limit:     *limit,
		}
	}
}

func list(ctx context.Context, jobs *storage.JobRepository, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	opts := filterFlags(fs, 50)
	fs.Parse(args)

	rows, err := jobs.List(ctx, opts())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSESSION\tSTATUS\tATTEMPTS\tUPDATED\tERROR")
	for _, j := range rows {
		session := "-"
		if j.SessionID != nil {
			session = strconv.FormatInt(*j.SessionID, 10)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			j.ID, j.Kind, session, j.Status, j.Attempts, j.UpdatedAt.Local().Format(time.DateTime), j.LastError())
	}
	return w.Flush()
}

func show(ctx context.Context, jobs *storage.JobRepository, args []string) error {
	if len(args) != 1 {
		return errors.New("show takes exactly one job id")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id %q", args[0])
	}
	j, err := jobs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("job %d not found", id)
	}
	fmt.Printf("id:        %d\n", j.ID)
	fmt.Printf("kind:      %s\n", j.Kind)
	fmt.Printf("payload:   %s\n", j.Payload)
	fmt.Printf("status:    %s\n", j.Status)
	fmt.Printf("attempts:  %d\n", j.Attempts)
	fmt.Printf("created:   %s\n", j.CreatedAt.Local().Format(time.DateTime))
	fmt.Printf("updated:   %s\n", j.UpdatedAt.Local().Format(time.DateTime))
	if msg := j.LastError(); msg != "" {
		fmt.Printf("error:     %s\n", msg)
	}
	return nil
}

func requeueStale(ctx context.Context, jobs *storage.JobRepository, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("requeue-stale", flag.ExitOnError)
	olderThan := fs.Duration("older-than", cfg.Worker.StaleAfter, "requeue processing jobs not updated for this long")
	fs.Parse(args)
	if *olderThan <= 0 {
		return errors.New("-older-than must be positive")
	}

	n, err := jobs.RequeueStale(ctx, *olderThan)
	if err != nil {
		return err
	}
	fmt.Printf("requeued %d job(s)\n", n)
	return nil
}

func exportJobs(ctx context.Context, jobs *storage.JobRepository, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	opts := filterFlags(fs, -1)
	out := fs.String("out", "", "output XLSX file path (default jobs-<timestamp>.xlsx)")
	fs.Parse(args)

	data, err := export.NewService(jobs, logger).JobsXLSX(ctx, opts())
	if err != nil {
		return err
	}
	path := *out
	if path == "" {
		path = fmt.Sprintf("jobs-%s.xlsx", time.Now().Format("20060102-150405"))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Println(path)
	return nil
}

// enqueuer submits straight to the job table; a running server's workers
// pick the jobs up on their next poll.
type enqueuer struct{ *storage.JobRepository }

func (q enqueuer) SubmitJob(ctx context.Context, kind models.JobKind, sessionID int64) (*models.Job, error) {
	return q.Enqueue(ctx, kind, sessionID)
}

func retrigger(ctx context.Context, db *storage.DB, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("retrigger", flag.ExitOnError)
	ids := fs.String("session", "", "comma-separated session ids (default: any incomplete session)")
	limit := fs.Int("limit", 10, "maximum sessions to resubmit")
	fs.Parse(args)

	var sessionIDs []int64
	if *ids != "" {
		for _, part := range strings.Split(*ids, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid session id %q", part)
			}
			sessionIDs = append(sessionIDs, id)
		}
	}

	jobs := storage.NewJobRepository(db)
	svc := sessions.New(sessions.Deps{
		Sessions:  storage.NewSessionRepository(db),
		Jobs:      jobs,
		Submitter: enqueuer{jobs},
		Logger:    logger,
	})
	queued, err := svc.Reprocess(ctx, sessionIDs, *limit)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tJOB\tTITLE")
	for _, q := range queued {
		fmt.Fprintf(w, "%d\t%d\t%s\n", q.SessionID, q.JobID, q.Title)
	}
	w.Flush()
	if err != nil {
		return err
	}
	fmt.Printf("resubmitted %d session(s)\n", len(queued))
	return nil
}

func watch(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Events.NATSURL == "" {
		return errors.New("NATS_URL is not set")
	}
	sub, err := events.Connect(cfg.Events.NATSURL, cfg.Events.Subject)
	if err != nil {
		return err
	}
	defer sub.Close()

	logger.Info("watching session events", "subject", cfg.Events.Subject)
	return sub.Subscribe(ctx, func(ev events.SessionEvent) {
		line := fmt.Sprintf("%s session=%d user=%d status=%s",
			ev.At.Local().Format(time.DateTime), ev.SessionID, ev.UserID, ev.Status)
		if ev.Title != "" {
			line += fmt.Sprintf(" title=%q", ev.Title)
		}
		if ev.Error != "" {
			line += fmt.Sprintf(" error=%q", ev.Error)
		}
		fmt.Println(line)
	})
}
