package repository

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// BotFlowSettings holds the resolved reclaim policy of one bot flow.
type BotFlowSettings struct {
	Timeout         time.Duration
	FallbackQueueID string
}

// BotFlowOverride holds per-flow values. A nil Timeout or empty FallbackQueueID
// inherits the bot defaults; a zero Timeout disables reclaim for the flow.
type BotFlowOverride struct {
	Timeout         *time.Duration
	FallbackQueueID string
}

// ReclaimSettings holds the timeouts consulted by the reclaim scheduler on every scan.
// A zero timeout disables reclaim for that scope.
type ReclaimSettings struct {
	AdvisorTimeout     time.Duration
	QueueTimeouts      map[string]time.Duration
	BotTimeout         time.Duration
	BotFallbackQueueID string
	BotFlows           map[string]BotFlowOverride
}

// AdvisorTimeoutFor resolves the timeout for a conversation in queueID.
func (s ReclaimSettings) AdvisorTimeoutFor(queueID *string) time.Duration {
	if queueID != nil {
		if d, ok := s.QueueTimeouts[*queueID]; ok {
			return d
		}
	}
	return s.AdvisorTimeout
}

// BotFlowFor resolves the policy for flowID, falling back to the bot defaults field by field.
func (s ReclaimSettings) BotFlowFor(flowID string) BotFlowSettings {
	override := s.BotFlows[flowID]
	flow := BotFlowSettings{Timeout: s.BotTimeout, FallbackQueueID: override.FallbackQueueID}
	if override.Timeout != nil {
		flow.Timeout = *override.Timeout
	}
	if flow.FallbackQueueID == "" {
		flow.FallbackQueueID = s.BotFallbackQueueID
	}
	return flow
}

// ReclaimSettingsSource loads the current reclaim settings.
type ReclaimSettingsSource interface {
	Load(ctx context.Context) (ReclaimSettings, error)
}

// StaticReclaimSettings always returns the same settings.
type StaticReclaimSettings ReclaimSettings

// Load implements ReclaimSettingsSource.
func (s StaticReclaimSettings) Load(context.Context) (ReclaimSettings, error) {
	return ReclaimSettings(s), nil
}

type redisReclaimSettings struct {
	client *redis.Client
	key    string
	base   ReclaimSettings
}

// NewRedisReclaimSettings reads overrides from a Redis hash on every Load so operators
// can change timeouts without a restart. Fields:
//
//	default              advisor timeout in minutes
//	queue:<queueID>      advisor timeout for one queue
//	bot_default          bot timeout in minutes
//	bot_fallback         fallback queue for bot handoff
//	bot:<flowID>         bot timeout for one flow
//	bot:<flowID>:fallback fallback queue for one flow
func NewRedisReclaimSettings(client *redis.Client, key string, base ReclaimSettings) ReclaimSettingsSource {
	return &redisReclaimSettings{client: client, key: key, base: base}
}

func (r *redisReclaimSettings) Load(ctx context.Context) (ReclaimSettings, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return r.base, err
	}
	return ParseReclaimSettings(r.base, fields), nil
}

// ParseReclaimSettings overlays hash fields on base. Unparseable values are ignored.
func ParseReclaimSettings(base ReclaimSettings, fields map[string]string) ReclaimSettings {
	out := ReclaimSettings{
		AdvisorTimeout:     base.AdvisorTimeout,
		BotTimeout:         base.BotTimeout,
		BotFallbackQueueID: base.BotFallbackQueueID,
		QueueTimeouts:      make(map[string]time.Duration, len(base.QueueTimeouts)),
		BotFlows:           make(map[string]BotFlowOverride, len(base.BotFlows)),
	}
	for k, v := range base.QueueTimeouts {
		out.QueueTimeouts[k] = v
	}
	for k, v := range base.BotFlows {
		out.BotFlows[k] = v
	}

	for field, raw := range fields {
		raw = strings.TrimSpace(raw)
		switch {
		case field == "default":
			if d, ok := parseMinutes(raw); ok {
				out.AdvisorTimeout = d
			}
		case field == "bot_default":
			if d, ok := parseMinutes(raw); ok {
				out.BotTimeout = d
			}
		case field == "bot_fallback":
			out.BotFallbackQueueID = raw
		case strings.HasPrefix(field, "queue:"):
			if d, ok := parseMinutes(raw); ok {
				out.QueueTimeouts[strings.TrimPrefix(field, "queue:")] = d
			}
		case strings.HasPrefix(field, "bot:"):
			name := strings.TrimPrefix(field, "bot:")
			if flowID, ok := strings.CutSuffix(name, ":fallback"); ok {
				flow := out.BotFlows[flowID]
				flow.FallbackQueueID = raw
				out.BotFlows[flowID] = flow
				continue
			}
			if d, ok := parseMinutes(raw); ok {
				flow := out.BotFlows[name]
				flow.Timeout = &d
				out.BotFlows[name] = flow
			}
		}
	}
	return out
}

func parseMinutes(raw string) (time.Duration, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Minute, true
}
