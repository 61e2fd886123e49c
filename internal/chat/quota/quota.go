// Package quota tracks per-account daily token usage in Redis.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"llm-platform-backend/internal/logging"
)

// ErrExhausted is returned when an account's daily token budget is spent.
var ErrExhausted = errors.New("daily token quota exhausted")

// Counters roll over at midnight UTC; the key lives a little longer so a
// request straddling midnight still finds its counter.
const counterTTL = 48 * time.Hour

// Limiter enforces per-account daily token budgets backed by Redis counters.
// A Redis outage fails open: completions keep working without accounting.
type Limiter struct {
	rdb *redis.Client
	log logging.Logger
	now func() time.Time
}

// NewLimiter returns a Limiter using the given Redis client.
func NewLimiter(rdb *redis.Client, log logging.Logger) *Limiter {
	return &Limiter{rdb: rdb, log: log, now: time.Now}
}

// Key returns the counter key for an account on a given day.
func Key(accountID string, day time.Time) string {
	return fmt.Sprintf("quota:%s:%s", accountID, day.UTC().Format("2006-01-02"))
}

// Allow returns ErrExhausted when the account's usage today has reached limit.
// A limit of zero or below means unmetered.
func (l *Limiter) Allow(ctx context.Context, accountID string, limit int64) error {
	if limit <= 0 {
		return nil
	}
	used, err := l.rdb.Get(ctx, Key(accountID, l.now())).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		l.log.Warn("quota lookup failed, allowing request", zap.Error(err))
		return nil
	}
	if used >= limit {
		return ErrExhausted
	}
	return nil
}

// Unmetered is the quota used when no Redis address is configured: every
// request is allowed and nothing is recorded.
type Unmetered struct{}

func (Unmetered) Allow(context.Context, string, int64) error { return nil }
func (Unmetered) Record(context.Context, string, int64)      {}

// Record adds tokens to the account's counter for today.
func (l *Limiter) Record(ctx context.Context, accountID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	key := Key(accountID, l.now())
	pipe := l.rdb.TxPipeline()
	pipe.IncrBy(ctx, key, tokens)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn("quota record failed", zap.Error(err), zap.String("account_id", accountID))
	}
}
