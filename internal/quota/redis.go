package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
	// Counters outlive the longest period; commit markers outlive any stream.
	accountTTL     = 40 * 24 * time.Hour
	reservationTTL = 24 * time.Hour
)

// reserveScript rolls stale periods, checks both limits and charges the
// estimate. Returns {status, daily_used, monthly_used}; status 1 is success,
// 0 daily exceeded, -1 monthly exceeded.
var reserveScript = redis.NewScript(`
local h = KEYS[1]
local est = tonumber(ARGV[1])
local dlimit = tonumber(ARGV[2])
local mlimit = tonumber(ARGV[3])
if redis.call('HGET', h, 'daily_anchor') ~= ARGV[4] then
  redis.call('HSET', h, 'daily_anchor', ARGV[4], 'daily_used', 0)
end
if redis.call('HGET', h, 'monthly_anchor') ~= ARGV[5] then
  redis.call('HSET', h, 'monthly_anchor', ARGV[5], 'monthly_used', 0)
end
redis.call('PEXPIRE', h, ARGV[6])
local du = tonumber(redis.call('HGET', h, 'daily_used'))
local mu = tonumber(redis.call('HGET', h, 'monthly_used'))
if du + est > dlimit then return {0, du, mu} end
if mu + est > mlimit then return {-1, du, mu} end
du = redis.call('HINCRBY', h, 'daily_used', est)
mu = redis.call('HINCRBY', h, 'monthly_used', est)
return {1, du, mu}
`)

// commitScript applies a delta once per reservation, only to periods still
// anchored where the reservation was charged. Returns 0 if already committed.
var commitScript = redis.NewScript(`
if not redis.call('SET', KEYS[2], '1', 'NX', 'PX', ARGV[4]) then return 0 end
local delta = tonumber(ARGV[1])
if redis.call('HGET', KEYS[1], 'daily_anchor') == ARGV[2] then
  if redis.call('HINCRBY', KEYS[1], 'daily_used', delta) < 0 then
    redis.call('HSET', KEYS[1], 'daily_used', 0)
  end
end
if redis.call('HGET', KEYS[1], 'monthly_anchor') == ARGV[3] then
  if redis.call('HINCRBY', KEYS[1], 'monthly_used', delta) < 0 then
    redis.call('HSET', KEYS[1], 'monthly_used', 0)
  end
end
return 1
`)

// RedisLedger keeps counters in redis, one Lua script per operation, so any
// number of processes can share them. Plans and plan assignments stay in the
// quota store.
type RedisLedger struct {
	planBook
	client *redis.Client
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisClient connects to redis from either a URL or an address.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	var client *redis.Client
	if cfg.URL != "" {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfig, err, "invalid redis url")
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisLedger returns a ledger keeping counters under prefix.
func NewRedisLedger(client *redis.Client, store storage.QuotaStore, defaultPlan, prefix string, opts ...Option) *RedisLedger {
	o := buildOptions(opts)
	return &RedisLedger{
		planBook: planBook{store: store, defaultPlan: defaultPlan},
		client:   client,
		prefix:   prefix,
		now:      o.now,
		logger:   o.logger,
	}
}

func (l *RedisLedger) accountKey(userID string) string {
	return l.prefix + "quota:" + userID
}

func (l *RedisLedger) reservationKey(id string) string {
	return l.prefix + "quota:commit:" + id
}

// Reserve implements Ledger.
func (l *RedisLedger) Reserve(ctx context.Context, userID string, estimated int) (*Reservation, error) {
	if err := validateReserve(userID, estimated); err != nil {
		return nil, err
	}
	_, plan, err := l.store.GetAccount(ctx, userID, l.defaultPlan)
	if err != nil {
		return nil, err
	}

	now := l.now()
	day, month := DayAnchor(now), MonthAnchor(now)
	res, err := reserveScript.Run(ctx, l.client, []string{l.accountKey(userID)},
		estimated, plan.DailyLimit, plan.MonthlyLimit,
		day.Format(dayLayout), month.Format(monthLayout), accountTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("quota reserve: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("quota reserve: unexpected reply %v", res)
	}
	switch res[0] {
	case 0:
		return nil, exceeded("daily", plan.DailyLimit, int(res[1]), estimated)
	case -1:
		return nil, exceeded("monthly", plan.MonthlyLimit, int(res[2]), estimated)
	}

	l.logger.Debug("Reserved tokens", zap.String("user_id", userID), zap.Int("estimated", estimated))
	return &Reservation{
		ID:            uuid.NewString(),
		UserID:        userID,
		Estimated:     estimated,
		DailyAnchor:   day,
		MonthlyAnchor: month,
	}, nil
}

// Commit implements Ledger.
func (l *RedisLedger) Commit(ctx context.Context, r *Reservation, actual int) error {
	if r == nil || r.done.Load() {
		return nil
	}
	delta := actual - r.Estimated
	_, err := commitScript.Run(ctx, l.client,
		[]string{l.accountKey(r.UserID), l.reservationKey(r.ID)},
		delta, r.DailyAnchor.Format(dayLayout), r.MonthlyAnchor.Format(monthLayout), reservationTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("quota commit: %w", err)
	}
	r.done.Store(true)
	l.logger.Debug("Committed tokens",
		zap.String("user_id", r.UserID),
		zap.Int("estimated", r.Estimated),
		zap.Int("actual", actual))
	return nil
}

// Release implements Ledger.
func (l *RedisLedger) Release(ctx context.Context, r *Reservation) error {
	return l.Commit(ctx, r, 0)
}

// Account implements Ledger.
func (l *RedisLedger) Account(ctx context.Context, userID string) (*models.QuotaAccount, error) {
	acct, _, err := l.store.GetAccount(ctx, userID, l.defaultPlan)
	if err != nil {
		return nil, err
	}
	vals, err := l.client.HMGet(ctx, l.accountKey(userID),
		"daily_anchor", "daily_used", "monthly_anchor", "monthly_used").Result()
	if err != nil {
		return nil, fmt.Errorf("quota account: %w", err)
	}

	now := l.now()
	acct.DailyUsed, acct.MonthlyUsed = 0, 0
	acct.DailyAnchor, acct.MonthlyAnchor = DayAnchor(now), MonthAnchor(now)
	if anchor, ok := vals[0].(string); ok && anchor == acct.DailyAnchor.Format(dayLayout) {
		acct.DailyUsed = parseCount(vals[1])
	}
	if anchor, ok := vals[2].(string); ok && anchor == acct.MonthlyAnchor.Format(monthLayout) {
		acct.MonthlyUsed = parseCount(vals[3])
	}
	return acct, nil
}

func parseCount(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
