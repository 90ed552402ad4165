// Package quota enforces per-user token limits. A chat turn reserves its
// estimated cost up front and commits the actual usage once the provider
// reports it. Daily and monthly periods roll over lazily in UTC.
package quota

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/storage"
)

// Ledger reserves and commits token usage.
type Ledger interface {
	// Reserve charges estimated tokens against both periods, or fails with a
	// quota_exceeded error and charges nothing.
	Reserve(ctx context.Context, userID string, estimated int) (*Reservation, error)
	// Commit applies actual - estimated to the periods that have not rolled
	// since the reservation. The result may exceed the limit. Committing a
	// reservation twice is a no-op.
	Commit(ctx context.Context, r *Reservation, actual int) error
	// Release returns a reservation unused.
	Release(ctx context.Context, r *Reservation) error
	// Account returns the user's counters as of now.
	Account(ctx context.Context, userID string) (*models.QuotaAccount, error)
	// RequireCapability fails with forbidden unless the user's plan grants c.
	RequireCapability(ctx context.Context, userID string, c models.Capability) error
	SetPlan(ctx context.Context, plan models.Plan) error
	AssignPlan(ctx context.Context, userID, tier string) error
	Plans(ctx context.Context) ([]models.Plan, error)
}

// Reservation is an outstanding charge.
type Reservation struct {
	ID        string
	UserID    string
	Estimated int
	// Anchors of the periods the estimate was charged to.
	DailyAnchor   time.Time
	MonthlyAnchor time.Time

	done atomic.Bool
}

// DayAnchor returns the start of t's UTC day.
func DayAnchor(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthAnchor returns the first instant of t's UTC month.
func MonthAnchor(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// roll resets any period that started before now's. Rolling twice is the
// same as rolling once.
func roll(acct *models.QuotaAccount, now time.Time) {
	day, month := DayAnchor(now), MonthAnchor(now)
	if acct.DailyAnchor.Before(day) {
		acct.DailyUsed = 0
		acct.DailyAnchor = day
	}
	if acct.MonthlyAnchor.Before(month) {
		acct.MonthlyUsed = 0
		acct.MonthlyAnchor = month
	}
}

func exceeded(period string, limit, used, estimated int) error {
	return apperr.New(apperr.KindQuotaExceeded,
		"%s token limit of %d reached (%d used, %d requested)", period, limit, used, estimated)
}

func checkReserve(acct *models.QuotaAccount, estimated int) error {
	if acct.DailyUsed+estimated > acct.DailyLimit {
		return exceeded("daily", acct.DailyLimit, acct.DailyUsed, estimated)
	}
	if acct.MonthlyUsed+estimated > acct.MonthlyLimit {
		return exceeded("monthly", acct.MonthlyLimit, acct.MonthlyUsed, estimated)
	}
	return nil
}

func validateReserve(userID string, estimated int) error {
	if userID == "" {
		return apperr.New(apperr.KindInvalidInput, "user id is required")
	}
	if estimated < 0 {
		return apperr.New(apperr.KindInvalidInput, "estimated tokens must not be negative")
	}
	return nil
}

// planBook serves the plan side of a ledger from the quota store.
type planBook struct {
	store       storage.QuotaStore
	defaultPlan string
}

func (p *planBook) RequireCapability(ctx context.Context, userID string, c models.Capability) error {
	_, plan, err := p.store.GetAccount(ctx, userID, p.defaultPlan)
	if err != nil {
		return err
	}
	if !plan.Allows(c) {
		return apperr.New(apperr.KindForbidden, "the %s plan does not include %s", plan.Tier, c)
	}
	return nil
}

func (p *planBook) SetPlan(ctx context.Context, plan models.Plan) error {
	return p.store.UpsertPlan(ctx, plan)
}

func (p *planBook) AssignPlan(ctx context.Context, userID, tier string) error {
	if userID == "" {
		return apperr.New(apperr.KindInvalidInput, "user id is required")
	}
	return p.store.AssignPlan(ctx, userID, tier)
}

func (p *planBook) Plans(ctx context.Context) ([]models.Plan, error) {
	return p.store.ListPlans(ctx)
}
