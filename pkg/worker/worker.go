// Package worker implements the event-driven pipeline stages. Every
// worker shares the same skeleton: subscribe with its own consumer
// group, deduplicate through the idempotency ledger, process inside a
// database transaction, and route exhausted events to the dead-letter
// queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/redress-io/redress/pkg/broker"
	"github.com/redress-io/redress/pkg/events"
	"github.com/redress-io/redress/pkg/repository"
)

// HandlerFunc processes one event inside the worker's transaction. State
// mutations must use tx so they commit atomically with the ledger row.
type HandlerFunc func(ctx context.Context, tx *sqlx.Tx, event *events.CanonicalEvent) error

// Config holds shared worker settings.
type Config struct {
	// MaxRetries before an event is dead-lettered.
	MaxRetries int

	// Topics to subscribe; defaults to the exceptions topic.
	Topics []string
}

// Worker is the reusable pipeline stage skeleton.
type Worker struct {
	name    string
	group   string
	broker  broker.Broker
	db      *sqlx.DB
	handler HandlerFunc
	accepts map[string]bool // event types handled; empty accepts all
	cfg     Config
	log     *slog.Logger
}

// New creates a worker. acceptedTypes limits which event types invoke
// the handler; others are acknowledged untouched.
func New(name string, b broker.Broker, db *sqlx.DB, handler HandlerFunc, acceptedTypes []string, cfg Config) *Worker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{events.TopicExceptions}
	}

	accepts := make(map[string]bool, len(acceptedTypes))
	for _, t := range acceptedTypes {
		accepts[t] = true
	}

	return &Worker{
		name:    name,
		group:   name,
		broker:  b,
		db:      db,
		handler: handler,
		accepts: accepts,
		cfg:     cfg,
		log:     slog.Default().With("worker", name),
	}
}

// Name returns the worker (and consumer group) name.
func (w *Worker) Name() string { return w.name }

// Run subscribes and processes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Worker starting", "topics", w.cfg.Topics, "group", w.group)
	err := w.broker.Subscribe(ctx, w.cfg.Topics, w.group, w.handleMessage)
	if err != nil && ctx.Err() != nil {
		w.log.Info("Worker stopped")
		return nil
	}
	return err
}

// handleMessage is the per-message skeleton:
//
//	parse → claim in tx → handle → complete → commit → ack.
//
// Returning nil acknowledges the message; returning an error leaves it
// for redelivery. Events that exhaust their retries go to the DLQ and
// are acknowledged.
func (w *Worker) handleMessage(ctx context.Context, msg broker.Message) error {
	event, err := events.Unmarshal(msg.Value)
	if err != nil {
		// Malformed messages can never succeed; drop with a log.
		w.log.Error("Dropping malformed message", "key", msg.Key, "error", err)
		return nil
	}

	if len(w.accepts) > 0 && !w.accepts[event.EventType] {
		return nil
	}

	log := w.log.With("event_id", event.EventID, "event_type", event.EventType,
		"tenant_id", event.TenantID, "exception_id", event.ExceptionID)

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	ledger := repository.NewLedgerRepo(tx)
	claimed, err := ledger.Claim(ctx, event.EventID, w.name)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !claimed {
		// Completed earlier, or another consumer owns the processing
		// row (a crash leaves it for the reaper). Ack either way.
		_ = tx.Rollback()
		log.Debug("Event already claimed, skipping")
		return nil
	}

	if err := w.handler(ctx, tx, event); err != nil {
		_ = tx.Rollback()
		return w.recordFailure(ctx, event, err, log)
	}

	if err := ledger.Complete(ctx, event.EventID, w.name); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event %s: %w", event.EventID, err)
	}

	log.Debug("Event processed")
	return nil
}

// recordFailure bumps the retry counter outside the rolled-back
// transaction and dead-letters the event once retries are exhausted.
func (w *Worker) recordFailure(ctx context.Context, event *events.CanonicalEvent, handlerErr error, log *slog.Logger) error {
	ledger := repository.NewLedgerRepo(w.db)
	retries, err := ledger.RecordFailure(ctx, event.EventID, w.name, handlerErr.Error())
	if err != nil {
		log.Error("Failed to record handler failure", "error", err)
		return handlerErr
	}

	if retries < w.cfg.MaxRetries {
		log.Warn("Handler failed, leaving for redelivery",
			"error", handlerErr, "retries", retries, "max_retries", w.cfg.MaxRetries)
		return handlerErr
	}

	log.Error("Retries exhausted, dead-lettering event",
		"error", handlerErr, "retries", retries)
	dlq := repository.NewDLQRepo(w.db)
	if dlqErr := dlq.Add(ctx, &repository.DeadLetterEvent{
		TenantID:    event.TenantID,
		EventID:     event.EventID,
		EventType:   event.EventType,
		ExceptionID: event.ExceptionID,
		WorkerName:  w.name,
		Payload:     event.Payload,
		Error:       handlerErr.Error(),
		RetryCount:  retries,
	}); dlqErr != nil {
		log.Error("Failed to dead-letter event", "error", dlqErr)
		return handlerErr
	}
	// Dead-lettered: ack so the broker stops redelivering.
	return nil
}

// Pool runs a set of workers and coordinates shutdown.
type Pool struct {
	workers []*Worker
	grace   time.Duration
	log     *slog.Logger
}

// NewPool creates a pool with the given shutdown grace period.
func NewPool(grace time.Duration, workers ...*Worker) *Pool {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Pool{
		workers: workers,
		grace:   grace,
		log:     slog.Default().With("component", "worker-pool"),
	}
}

// Run starts every worker and blocks until ctx is cancelled, then waits
// up to the grace period for in-flight handlers to drain. Work still
// running after the grace period is abandoned; its ledger rows stay in
// processing until the reaper reopens them.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info("Starting worker pool", "workers", len(p.workers))

	done := make(chan struct{})
	running := len(p.workers)
	finished := make(chan string, running)

	for _, w := range p.workers {
		go func(w *Worker) {
			if err := w.Run(ctx); err != nil {
				p.log.Error("Worker exited with error", "worker", w.Name(), "error", err)
			}
			finished <- w.Name()
		}(w)
	}

	go func() {
		for i := 0; i < running; i++ {
			<-finished
		}
		close(done)
	}()

	<-ctx.Done()
	p.log.Info("Shutdown signalled, draining workers", "grace", p.grace)

	select {
	case <-done:
		p.log.Info("Worker pool stopped gracefully")
	case <-time.After(p.grace):
		p.log.Warn("Grace period elapsed, abandoning in-flight work")
	}
}
