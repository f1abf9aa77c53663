package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/conversation-engine/internal/domain"
	"github.com/spec-kit/conversation-engine/internal/observability"
	"github.com/spec-kit/conversation-engine/internal/repository"
	"github.com/spec-kit/conversation-engine/internal/service"
)

// Reclaimer applies conditional reclaims. *service.DistributionService satisfies it.
type Reclaimer interface {
	ReclaimFromAdvisor(ctx context.Context, conversationID, advisorID string, timeout time.Duration, now time.Time) (service.ReclaimOutcome, *domain.Conversation, error)
	ReclaimFromBot(ctx context.Context, conversationID, flowID string, timeout time.Duration, fallbackQueueID string, now time.Time) (service.ReclaimOutcome, *domain.Conversation, error)
}

// ScanResult summarizes one scan.
type ScanResult struct {
	Scanned   int
	Reclaimed int
	Failed    int
}

// ReclaimWorker periodically returns idle conversations to their queues.
type ReclaimWorker struct {
	conversations repository.ConversationRepository
	reclaimer     Reclaimer
	settings      repository.ReclaimSettingsSource
	lock          ScanLock
	logger        *zap.Logger
	metrics       *observability.Metrics
	clock         func() time.Time
	task          *PeriodicTask
}

// ReclaimDependencies bundles collaborators.
type ReclaimDependencies struct {
	ConversationRepo repository.ConversationRepository
	Reclaimer        Reclaimer
	Settings         repository.ReclaimSettingsSource
	Lock             ScanLock
	Logger           *zap.Logger
	Metrics          *observability.Metrics
	Clock            func() time.Time
	Interval         time.Duration
}

// NewReclaimWorker builds the scheduler. Call Start to begin ticking.
func NewReclaimWorker(deps ReclaimDependencies) *ReclaimWorker {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	w := &ReclaimWorker{
		conversations: deps.ConversationRepo,
		reclaimer:     deps.Reclaimer,
		settings:      deps.Settings,
		lock:          deps.Lock,
		logger:        observability.OrNop(deps.Logger).Named("reclaim"),
		metrics:       deps.Metrics,
		clock:         clock,
	}
	w.task = NewPeriodicTask("reclaim", deps.Interval, w.RunOnce, w.logger, deps.Metrics)
	return w
}

// Start begins periodic scanning until ctx is cancelled.
func (w *ReclaimWorker) Start(ctx context.Context) {
	w.logger.Info("reclaim scheduler started", zap.Duration("interval", w.task.interval))
	w.task.Start(ctx)
}

// Wait blocks until the scheduler has stopped.
func (w *ReclaimWorker) Wait() {
	w.task.Wait()
}

// Tick runs a scan unless one is already in progress.
func (w *ReclaimWorker) Tick(ctx context.Context) bool {
	return w.task.TryRun(ctx)
}

// RunOnce performs one full scan of both variants. Settings are reloaded every call.
func (w *ReclaimWorker) RunOnce(ctx context.Context) error {
	if w.lock != nil {
		release, acquired, err := w.lock.Acquire(ctx)
		if err != nil {
			w.logger.Warn("scan lock unavailable, scanning without it", zap.Error(err))
		} else if !acquired {
			w.logger.Debug("another instance holds the scan lock")
			return nil
		} else {
			defer release()
		}
	}

	settings, err := w.settings.Load(ctx)
	if err != nil {
		w.logger.Warn("reclaim settings reload failed, using fallback values", zap.Error(err))
	}
	now := w.clock().UTC()

	advisors, err := w.ReclaimAdvisors(ctx, settings, now)
	if err != nil {
		return err
	}
	bots, err := w.ReclaimBots(ctx, settings, now)
	if err != nil {
		return err
	}
	if advisors.Reclaimed+bots.Reclaimed+advisors.Failed+bots.Failed > 0 {
		w.logger.Info("reclaim scan finished",
			zap.Int("advisor_scanned", advisors.Scanned),
			zap.Int("advisor_reclaimed", advisors.Reclaimed),
			zap.Int("bot_scanned", bots.Scanned),
			zap.Int("bot_reclaimed", bots.Reclaimed),
			zap.Int("failed", advisors.Failed+bots.Failed))
	}
	return nil
}

// ReclaimAdvisors releases ATTENDING conversations whose assignment and last activity are
// both older than the applicable timeout. A failure on one conversation is counted and the
// scan moves on.
func (w *ReclaimWorker) ReclaimAdvisors(ctx context.Context, settings repository.ReclaimSettings, now time.Time) (ScanResult, error) {
	var result ScanResult
	attending, err := w.conversations.ListByStatus(ctx, domain.ConversationStatusAttending)
	if err != nil {
		return result, err
	}
	for i := range attending {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		conv := &attending[i]
		result.Scanned++
		timeout := settings.AdvisorTimeoutFor(conv.QueueID)
		if timeout <= 0 || conv.AssignedAdvisorID == nil || conv.AssignedAt == nil {
			continue
		}
		if !service.IdleSince(now, timeout, *conv.AssignedAt, conv.LastActivityAt) {
			continue
		}
		outcome, _, err := w.reclaimer.ReclaimFromAdvisor(ctx, conv.ID, *conv.AssignedAdvisorID, timeout, now)
		if err != nil {
			result.Failed++
			w.metrics.Inc(observability.CounterReclaimFailed)
			w.logger.Error("reclaim failed",
				zap.String("conversation_id", conv.ID),
				zap.Error(err))
			continue
		}
		if outcome == service.ReclaimApplied {
			result.Reclaimed++
			w.metrics.Inc(observability.CounterReclaimed)
		}
	}
	return result, nil
}
