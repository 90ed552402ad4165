package quota

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/storage"
	"go.uber.org/zap"
)

const lockStripes = 64

// SQLLedger keeps counters in the quota store. Operations on one account are
// serialized by an in-process lock and run in a single write transaction, so
// it is correct for one process sharing the database.
type SQLLedger struct {
	planBook
	locks  [lockStripes]sync.Mutex
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a ledger.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *zap.Logger
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the ledger logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewSQLLedger returns a ledger over store. Users without an account start on
// defaultPlan.
func NewSQLLedger(store storage.QuotaStore, defaultPlan string, opts ...Option) *SQLLedger {
	o := buildOptions(opts)
	return &SQLLedger{
		planBook: planBook{store: store, defaultPlan: defaultPlan},
		now:      o.now,
		logger:   o.logger,
	}
}

func (l *SQLLedger) lock(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &l.locks[h.Sum32()%lockStripes]
}

// Reserve implements Ledger.
func (l *SQLLedger) Reserve(ctx context.Context, userID string, estimated int) (*Reservation, error) {
	if err := validateReserve(userID, estimated); err != nil {
		return nil, err
	}
	mu := l.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	now := l.now()
	var r *Reservation
	_, err := l.store.UpdateAccount(ctx, userID, l.defaultPlan, func(acct *models.QuotaAccount, _ *models.Plan) error {
		roll(acct, now)
		if err := checkReserve(acct, estimated); err != nil {
			return err
		}
		acct.DailyUsed += estimated
		acct.MonthlyUsed += estimated
		r = &Reservation{
			ID:            uuid.NewString(),
			UserID:        userID,
			Estimated:     estimated,
			DailyAnchor:   acct.DailyAnchor,
			MonthlyAnchor: acct.MonthlyAnchor,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Debug("Reserved tokens", zap.String("user_id", userID), zap.Int("estimated", estimated))
	return r, nil
}

// Commit implements Ledger.
func (l *SQLLedger) Commit(ctx context.Context, r *Reservation, actual int) error {
	if r == nil || !r.done.CompareAndSwap(false, true) {
		return nil
	}
	delta := actual - r.Estimated
	if delta == 0 {
		return nil
	}
	mu := l.lock(r.UserID)
	mu.Lock()
	defer mu.Unlock()

	now := l.now()
	_, err := l.store.UpdateAccount(ctx, r.UserID, l.defaultPlan, func(acct *models.QuotaAccount, _ *models.Plan) error {
		roll(acct, now)
		if acct.DailyAnchor.Equal(r.DailyAnchor) {
			acct.DailyUsed = max(0, acct.DailyUsed+delta)
		}
		if acct.MonthlyAnchor.Equal(r.MonthlyAnchor) {
			acct.MonthlyUsed = max(0, acct.MonthlyUsed+delta)
		}
		return nil
	})
	if err != nil {
		r.done.Store(false)
		return err
	}
	l.logger.Debug("Committed tokens",
		zap.String("user_id", r.UserID),
		zap.Int("estimated", r.Estimated),
		zap.Int("actual", actual))
	return nil
}

// Release implements Ledger.
func (l *SQLLedger) Release(ctx context.Context, r *Reservation) error {
	return l.Commit(ctx, r, 0)
}

// Account implements Ledger. Periods that have ended read as zero; nothing
// is written.
func (l *SQLLedger) Account(ctx context.Context, userID string) (*models.QuotaAccount, error) {
	acct, _, err := l.store.GetAccount(ctx, userID, l.defaultPlan)
	if err != nil {
		return nil, err
	}
	roll(acct, l.now())
	return acct, nil
}
