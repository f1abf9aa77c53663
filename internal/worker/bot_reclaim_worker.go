package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/conversation-engine/internal/observability"
	"github.com/spec-kit/conversation-engine/internal/repository"
	"github.com/spec-kit/conversation-engine/internal/service"
)

// ReclaimBots hands bot-held conversations that outlived their flow timeout to the flow's
// fallback queue.
func (w *ReclaimWorker) ReclaimBots(ctx context.Context, settings repository.ReclaimSettings, now time.Time) (ScanResult, error) {
	var result ScanResult
	held, err := w.conversations.ListBotHeld(ctx)
	if err != nil {
		return result, err
	}
	for i := range held {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		conv := &held[i]
		result.Scanned++
		if conv.BotFlowID == nil || conv.BotAssignedAt == nil {
			continue
		}
		policy := settings.BotFlowFor(*conv.BotFlowID)
		if policy.Timeout <= 0 || !service.IdleSince(now, policy.Timeout, *conv.BotAssignedAt, conv.LastActivityAt) {
			continue
		}
		outcome, _, err := w.reclaimer.ReclaimFromBot(ctx, conv.ID, *conv.BotFlowID, policy.Timeout, policy.FallbackQueueID, now)
		if err != nil {
			result.Failed++
			w.metrics.Inc(observability.CounterReclaimFailed)
			w.logger.Error("bot reclaim failed",
				zap.String("conversation_id", conv.ID),
				zap.String("flow_id", *conv.BotFlowID),
				zap.Error(err))
			continue
		}
		if outcome == service.ReclaimApplied {
			result.Reclaimed++
			w.metrics.Inc(observability.CounterBotReclaimed)
		}
	}
	return result, nil
}
