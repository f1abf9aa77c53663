package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/conversation-engine/internal/persistence"
	"github.com/spec-kit/conversation-engine/internal/repository"
)

// ScanLock keeps several engine instances from scanning at the same time.
type ScanLock interface {
	Acquire(ctx context.Context) (release func(), acquired bool, err error)
}

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

type redisScanLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisScanLock builds a SET NX lock with a ttl shorter than the scan interval.
func NewRedisScanLock(client *redis.Client, key string, ttl time.Duration) ScanLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &redisScanLock{client: client, key: key, ttl: ttl}
}

func (l *redisScanLock) Acquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
	}, true, nil
}

// ReclaimBackends picks the settings source and scan lock for the scheduler. When Redis
// did not answer the startup ping it returns base as static settings and a nil lock, so
// scans never wait on a dial timeout.
func ReclaimBackends(rdb *persistence.Redis, settingsKey, lockKey string, lockTTL time.Duration, base repository.ReclaimSettings) (repository.ReclaimSettingsSource, ScanLock) {
	if rdb == nil || rdb.Client == nil || !rdb.Reachable {
		return repository.StaticReclaimSettings(base), nil
	}
	return repository.NewRedisReclaimSettings(rdb.Client, settingsKey, base),
		NewRedisScanLock(rdb.Client, lockKey, lockTTL)
}
