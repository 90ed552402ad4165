package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/models"
)

// UpsertPlan creates or replaces a plan tier.
func (s *SQLiteStorage) UpsertPlan(ctx context.Context, plan models.Plan) error {
	if plan.Tier == "" {
		return apperr.New(apperr.KindInvalidInput, "plan tier is required")
	}
	if plan.DailyLimit < 0 || plan.MonthlyLimit < 0 {
		return apperr.New(apperr.KindInvalidInput, "plan limits must not be negative")
	}
	caps, err := json.Marshal(plan.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plans (tier, daily_limit, monthly_limit, capabilities) VALUES (?, ?, ?, ?)
		 ON CONFLICT(tier) DO UPDATE SET
		   daily_limit = excluded.daily_limit,
		   monthly_limit = excluded.monthly_limit,
		   capabilities = excluded.capabilities`,
		plan.Tier, plan.DailyLimit, plan.MonthlyLimit, string(caps))
	return err
}

// SeedPlans inserts plans that do not exist yet and leaves existing ones alone.
func (s *SQLiteStorage) SeedPlans(ctx context.Context, plans []models.Plan) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range plans {
			caps, err := json.Marshal(p.Capabilities)
			if err != nil {
				return fmt.Errorf("failed to encode capabilities: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO plans (tier, daily_limit, monthly_limit, capabilities) VALUES (?, ?, ?, ?)`,
				p.Tier, p.DailyLimit, p.MonthlyLimit, string(caps)); err != nil {
				return fmt.Errorf("failed to seed plan %s: %w", p.Tier, err)
			}
		}
		return nil
	})
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getPlan(ctx context.Context, q queryRower, tier string) (*models.Plan, error) {
	var p models.Plan
	var caps string
	err := q.QueryRowContext(ctx,
		`SELECT tier, daily_limit, monthly_limit, capabilities FROM plans WHERE tier = ?`, tier,
	).Scan(&p.Tier, &p.DailyLimit, &p.MonthlyLimit, &caps)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "plan not found: %s", tier)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &p.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	return &p, nil
}

// GetPlan returns a plan tier.
func (s *SQLiteStorage) GetPlan(ctx context.Context, tier string) (*models.Plan, error) {
	return getPlan(ctx, s.db, tier)
}

// ListPlans returns every plan tier.
func (s *SQLiteStorage) ListPlans(ctx context.Context) ([]models.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tier, daily_limit, monthly_limit, capabilities FROM plans ORDER BY daily_limit, tier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Plan
	for rows.Next() {
		var p models.Plan
		var caps string
		if err := rows.Scan(&p.Tier, &p.DailyLimit, &p.MonthlyLimit, &caps); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(caps), &p.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to decode capabilities: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AssignPlan moves a user to a plan tier, creating the account if needed.
// Usage counters are kept.
func (s *SQLiteStorage) AssignPlan(ctx context.Context, userID, tier string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getPlan(ctx, tx, tier); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO quota_accounts (user_id, plan) VALUES (?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET plan = excluded.plan`, userID, tier)
		return err
	})
}

// GetAccount returns the stored account and its plan without writing. A user
// with no account gets a zero account on defaultPlan.
func (s *SQLiteStorage) GetAccount(ctx context.Context, userID, defaultPlan string) (*models.QuotaAccount, *models.Plan, error) {
	acct, err := loadAccount(ctx, s.db, userID, defaultPlan)
	if err != nil {
		return nil, nil, err
	}
	plan, err := getPlan(ctx, s.db, acct.Plan)
	if err != nil {
		return nil, nil, err
	}
	acct.DailyLimit = plan.DailyLimit
	acct.MonthlyLimit = plan.MonthlyLimit
	return acct, plan, nil
}

func loadAccount(ctx context.Context, q queryRower, userID, defaultPlan string) (*models.QuotaAccount, error) {
	acct := &models.QuotaAccount{UserID: userID}
	var dailyAnchor, monthlyAnchor sql.NullTime
	err := q.QueryRowContext(ctx,
		`SELECT plan, daily_used, monthly_used, daily_anchor, monthly_anchor
		 FROM quota_accounts WHERE user_id = ?`, userID,
	).Scan(&acct.Plan, &acct.DailyUsed, &acct.MonthlyUsed, &dailyAnchor, &monthlyAnchor)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		acct.Plan = defaultPlan
	case err != nil:
		return nil, err
	}
	acct.DailyAnchor = dailyAnchor.Time
	acct.MonthlyAnchor = monthlyAnchor.Time
	return acct, nil
}

// UpdateAccount runs fn against the account inside a write transaction.
func (s *SQLiteStorage) UpdateAccount(ctx context.Context, userID, defaultPlan string, fn AccountUpdate) (*models.QuotaAccount, error) {
	var out *models.QuotaAccount
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		acct, err := loadAccount(ctx, tx, userID, defaultPlan)
		if err != nil {
			return err
		}

		plan, err := getPlan(ctx, tx, acct.Plan)
		if err != nil {
			return err
		}
		acct.DailyLimit = plan.DailyLimit
		acct.MonthlyLimit = plan.MonthlyLimit

		if err := fn(acct, plan); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quota_accounts (user_id, plan, daily_used, monthly_used, daily_anchor, monthly_anchor)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET
			   plan = excluded.plan,
			   daily_used = excluded.daily_used,
			   monthly_used = excluded.monthly_used,
			   daily_anchor = excluded.daily_anchor,
			   monthly_anchor = excluded.monthly_anchor`,
			acct.UserID, acct.Plan, acct.DailyUsed, acct.MonthlyUsed,
			nullTime(acct.DailyAnchor), nullTime(acct.MonthlyAnchor)); err != nil {
			return fmt.Errorf("failed to write quota account: %w", err)
		}
		out = acct
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
