/**
 * @description
 * The login bonus pipeline. One call to Process drives a single delivery through
 * RECEIVED -> LOCK_CHECK -> {SKIPPED | COMPUTE -> EMIT -> FINALIZE -> DONE}, with FAILED
 * reachable from any step that talks to storage or the broker.
 *
 * @dependencies
 * - internal/store: dedup/lock records.
 * - go.opentelemetry.io/otel: one span per pipeline and one child span per state.
 * - prometheus (via internal/metrics): outcome and lock decision counters.
 *
 * @notes
 * - Process runs entirely on the dispatcher worker that picked the delivery up. That
 *   worker owns every store transaction of the run, including FINALIZE: the broker
 *   acknowledgment is only passed back to it through PendingAck.Await.
 * - A failure after the lock was taken leaves the record locked and unfinalized.
 */
package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/bonus-service/internal/domain"
	"github.com/transfa/bonus-service/internal/metrics"
	"github.com/transfa/bonus-service/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is a pipeline state.
type State string

const (
	StateReceived  State = "RECEIVED"
	StateLockCheck State = "LOCK_CHECK"
	StateSkipped   State = "SKIPPED"
	StateCompute   State = "COMPUTE"
	StateEmit      State = "EMIT"
	StateFinalize  State = "FINALIZE"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateSkipped || s == StateDone || s == StateFailed
}

// Outcome is the terminal result of one pipeline run.
type Outcome struct {
	EventID  uuid.UUID
	UserID   uuid.UUID
	State    State
	FailedAt State
	Decision store.LockDecision
	// BonusEvent is set once the event was built, even if publishing it failed.
	BonusEvent *domain.BonusEvent
	Err        error
	// FinalizeErr records a failed finalize after a positive acknowledgment. The run
	// still ends in DONE.
	FinalizeErr   error
	FinalizedRows int64
	// Redeliver asks the transport to hand the record back later instead of acking it.
	Redeliver bool
}

// ShouldAck reports whether the transport may acknowledge the inbound record.
func (o Outcome) ShouldAck() bool {
	switch o.State {
	case StateDone:
		return true
	case StateSkipped:
		return !o.Redeliver
	default:
		return false
	}
}

type eventLocker interface {
	AcquireOrSkip(ctx context.Context, eventID uuid.UUID) (store.LockDecision, error)
	MarkProcessed(ctx context.Context, eventID uuid.UUID) (int64, error)
}

type bonusCalculator interface {
	CalculateBonus(ctx context.Context, eventID, userID uuid.UUID) (decimal.Decimal, bool, error)
	BuildBonusEvent(userID uuid.UUID, newTotal *decimal.Decimal) (domain.BonusEvent, error)
}

type bonusPublisher interface {
	Publish(ctx context.Context, event domain.BonusEvent) (*PendingAck, error)
}

// ProcessorConfig tunes the pipeline.
type ProcessorConfig struct {
	// PublishTimeout bounds one send plus its acknowledgment. Zero waits on the
	// delivery context only.
	PublishTimeout time.Duration
	// FinalizeTimeout bounds the finalize transaction, which ignores cancellation of
	// the delivery context because the bonus event is already out.
	FinalizeTimeout time.Duration
	// RedeliverInFlight hands SKIPPED in-flight records back to the transport so a
	// later delivery can reclaim them once they go stale.
	RedeliverInFlight bool
}

// Processor is the login bonus orchestrator.
type Processor struct {
	locks     eventLocker
	bonus     bonusCalculator
	publisher bonusPublisher
	cfg       ProcessorConfig
	logger    *slog.Logger
	metrics   *metrics.Pipeline
	tracer    trace.Tracer
}

func NewProcessor(locks eventLocker, bonus bonusCalculator, publisher bonusPublisher, cfg ProcessorConfig, logger *slog.Logger, m *metrics.Pipeline, tracer trace.Tracer) *Processor {
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 10 * time.Second
	}
	return &Processor{
		locks:     locks,
		bonus:     bonus,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		tracer:    tracer,
	}
}

// Process runs one delivery to a terminal state. It never returns a non-terminal Outcome.
func (p *Processor) Process(ctx context.Context, unit domain.LoginProcessEvent) (out Outcome) {
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "bonus.pipeline", trace.WithAttributes(
		attribute.String("bonus.inbound_event_id", unit.EventID.String()),
		attribute.String("bonus.user_id", unit.UserID.String()),
	))

	logger := p.logger.With("event_id", unit.EventID, "user_id", unit.UserID)
	if worker, ok := WorkerFromContext(ctx); ok {
		logger = logger.With("worker", worker)
	}

	out = Outcome{EventID: unit.EventID, UserID: unit.UserID, State: StateReceived}
	p.metrics.InFlight.Inc()
	defer func() {
		p.metrics.InFlight.Dec()
		p.metrics.Duration.Observe(time.Since(started).Seconds())
		p.metrics.Outcomes.WithLabelValues(string(out.State), string(out.FailedAt)).Inc()
		span.SetAttributes(attribute.String("bonus.state", string(out.State)))
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
	}()
	logger.Debug("login event received", "login_timestamp", unit.Timestamp)

	// LOCK_CHECK
	stepCtx, step := p.enter(ctx, logger, &out, StateLockCheck)
	decision, err := p.locks.AcquireOrSkip(stepCtx, unit.EventID)
	endStep(step, err)
	if err != nil {
		return p.fail(logger, out, err)
	}
	out.Decision = decision
	p.metrics.LockDecisions.WithLabelValues(decision.String()).Inc()

	if !decision.Proceed() {
		out.State = StateSkipped
		out.Redeliver = decision == store.LockSkippedInFlight && p.cfg.RedeliverInFlight
		logger.Warn("login event already seen, skipping", "decision", decision, "redeliver", out.Redeliver)
		return out
	}
	if decision == store.LockReclaimed {
		logger.Warn("reclaimed stale lock", "decision", decision)
	}

	// COMPUTE
	stepCtx, step = p.enter(ctx, logger, &out, StateCompute)
	total, replayed, err := p.bonus.CalculateBonus(stepCtx, unit.EventID, unit.UserID)
	endStep(step, err)
	if err != nil {
		return p.fail(logger, out, err)
	}
	if replayed {
		logger.Warn("bonus already credited for this login, re-emitting recorded total", "total_bonus", total.String())
	}

	// EMIT
	stepCtx, step = p.enter(ctx, logger, &out, StateEmit)
	err = p.emit(stepCtx, &out, total)
	endStep(step, err)
	if err != nil {
		return p.fail(logger, out, err)
	}

	// FINALIZE. The acknowledgment has been received on this goroutine, which is the
	// one that owns the store for this run.
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FinalizeTimeout)
	defer cancel()
	stepCtx, step = p.enter(finalizeCtx, logger, &out, StateFinalize)
	rows, err := p.locks.MarkProcessed(stepCtx, unit.EventID)
	endStep(step, err)
	out.FinalizedRows = rows
	if err != nil {
		out.FinalizeErr = err
		logger.Error("finalize failed after bonus event was acknowledged", "bonus_event_id", out.BonusEvent.EventID, "error", err)
	} else if rows == 0 {
		logger.Warn("finalize affected no rows", "bonus_event_id", out.BonusEvent.EventID)
	}

	out.State = StateDone
	logger.Info("login bonus credited",
		"bonus_event_id", out.BonusEvent.EventID,
		"total_bonus", out.BonusEvent.BonusAmount.String(),
	)
	return out
}

func (p *Processor) emit(ctx context.Context, out *Outcome, total decimal.Decimal) error {
	event, err := p.bonus.BuildBonusEvent(out.UserID, &total)
	if err != nil {
		return err
	}
	out.BonusEvent = &event

	if p.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.PublishTimeout)
		defer cancel()
	}

	pending, err := p.publisher.Publish(ctx, event)
	if err != nil {
		return err
	}
	return pending.Await(ctx)
}

func (p *Processor) enter(ctx context.Context, logger *slog.Logger, out *Outcome, next State) (context.Context, trace.Span) {
	logger.Debug("pipeline transition", "from", out.State, "to", next)
	out.State = next
	return p.tracer.Start(ctx, "bonus."+strings.ToLower(string(next)))
}

func (p *Processor) fail(logger *slog.Logger, out Outcome, err error) Outcome {
	out.FailedAt = out.State
	out.State = StateFailed
	out.Err = err
	out.Redeliver = true
	logger.Error("login event processing failed", "failed_at", out.FailedAt, "error", err)
	return out
}

func endStep(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
