// Package events publishes session status transitions.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"recap/internal/models"
)

// DefaultSubject is where status events go unless NATS_SUBJECT says otherwise
const DefaultSubject = "recap.sessions.status"

// SessionEvent reports a session reaching a new status
type SessionEvent struct {
	SessionID int64                `json:"session_id"`
	UserID    int64                `json:"user_id"`
	JobID     int64                `json:"job_id,omitempty"`
	Status    models.SessionStatus `json:"status"`
	Title     string               `json:"title,omitempty"`
	Error     string               `json:"error,omitempty"`
	At        time.Time            `json:"at"`
}

// Publisher delivers session events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	PublishSessionStatus(ctx context.Context, ev SessionEvent) error
	Close()
}

// Nop discards every event
type Nop struct{}

// PublishSessionStatus does nothing
func (Nop) PublishSessionStatus(context.Context, SessionEvent) error { return nil }

// Close does nothing
func (Nop) Close() {}

// NATS publishes events as JSON on a single subject
type NATS struct {
	nc      *nats.Conn
	subject string
}

// Connect dials the NATS server with unlimited reconnects
func Connect(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("recap"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{nc: nc, subject: subject}, nil
}

// PublishSessionStatus publishes ev to the configured subject
func (n *NATS) PublishSessionStatus(ctx context.Context, ev SessionEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subject, b)
}

// Subscribe calls handler for every decodable event until ctx is done
func (n *NATS) Subscribe(ctx context.Context, handler func(SessionEvent)) error {
	sub, err := n.nc.Subscribe(n.subject, func(msg *nats.Msg) {
		var ev SessionEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.subject, err)
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}

// Close drains pending messages and closes the connection
func (n *NATS) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
	}
}

// New returns a NATS publisher when url is set and Nop otherwise
func New(url, subject string, logger *slog.Logger) (Publisher, error) {
	if url == "" {
		logger.Info("NATS_URL not set, session events disabled")
		return Nop{}, nil
	}
	p, err := Connect(url, subject)
	if err != nil {
		return nil, err
	}
	logger.Info("publishing session events", "url", url, "subject", p.subject)
	return p, nil
}

// Recorder keeps events in memory
type Recorder struct {
	mu     sync.Mutex
	events []SessionEvent
}

// PublishSessionStatus appends ev
func (r *Recorder) PublishSessionStatus(ctx context.Context, ev SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Close does nothing
func (r *Recorder) Close() {}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Statuses returns the recorded statuses in order
func (r *Recorder) Statuses() []models.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SessionStatus, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Status)
	}
	return out
}
