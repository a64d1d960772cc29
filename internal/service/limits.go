package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vendapay/ledger-service/internal/model"
	"github.com/vendapay/ledger-service/internal/repo"
	"go.uber.org/zap"
)

// Roles known to the limit guard. Unknown roles get ordinary-user limits.
const (
	RoleUser     = "user"
	RoleReseller = "reseller"
	RoleAdmin    = "admin"
)

// Rejection reasons, surfaced verbatim to the caller.
const (
	ReasonDailyLimit  = "Daily transaction limit reached"
	ReasonHourlyLimit = "Hourly transaction limit reached"
	ReasonDailyValue  = "Daily spending limit reached"
)

type roleLimits struct {
	DailyTxns  int64
	HourlyTxns int64
	DailyValue decimal.Decimal
}

var defaultLimits = map[string]roleLimits{
	RoleUser:     {DailyTxns: 50, HourlyTxns: 10, DailyValue: decimal.NewFromInt(50000)},
	RoleReseller: {DailyTxns: 500, HourlyTxns: 100, DailyValue: decimal.NewFromInt(500000)},
}

// Statuses that count against velocity limits: anything in flight or done.
var activeStatuses = []string{model.StatusCompleted, model.StatusProcessing, model.StatusPending}

// LimitDecision is the guard's verdict. It is a value, not an error: a
// rejection mutates nothing and names the limit that tripped.
type LimitDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Limit   string `json:"limit,omitempty"`
	Current string `json:"current,omitempty"`
}

// LimitGuard bounds transaction velocity and daily spend per role before a
// mutation is attempted. Advisory: solvency stays with the ledger's locked
// balance check.
type LimitGuard struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewLimitGuard returns LimitGuard.
func NewLimitGuard(r repo.RepositoryInterface, logger *zap.SugaredLogger) *LimitGuard {
	return &LimitGuard{repo: r, log: logger}
}

// CanTransact checks, in order: daily transaction count, hourly transaction
// count, daily summed debit value. The first exceeded limit wins. Admins and
// any limit configured <= 0 are unlimited.
func (g *LimitGuard) CanTransact(ctx context.Context, userID uint64, role string) (LimitDecision, error) {
	if role == RoleAdmin {
		return LimitDecision{Allowed: true}, nil
	}
	limits, ok := defaultLimits[role]
	if !ok {
		role, limits = RoleUser, defaultLimits[RoleUser]
	}

	daily := g.settingInt64(ctx, fmt.Sprintf("transaction_limits_%s_daily_transactions", role), limits.DailyTxns)
	hourly := g.settingInt64(ctx, fmt.Sprintf("transaction_limits_%s_hourly_transactions", role), limits.HourlyTxns)
	dailyValue := g.settingDecimal(ctx, fmt.Sprintf("transaction_limits_%s_daily_value_limit", role), limits.DailyValue)

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	if daily > 0 {
		count, err := g.repo.CountTransactionsSince(ctx, userID, dayStart, activeStatuses)
		if err != nil {
			return LimitDecision{}, err
		}
		if count >= daily {
			return LimitDecision{
				Allowed: false,
				Reason:  ReasonDailyLimit,
				Limit:   strconv.FormatInt(daily, 10),
				Current: strconv.FormatInt(count, 10),
			}, nil
		}
	}
	if hourly > 0 {
		count, err := g.repo.CountTransactionsSince(ctx, userID, now.Add(-time.Hour), activeStatuses)
		if err != nil {
			return LimitDecision{}, err
		}
		if count >= hourly {
			return LimitDecision{
				Allowed: false,
				Reason:  ReasonHourlyLimit,
				Limit:   strconv.FormatInt(hourly, 10),
				Current: strconv.FormatInt(count, 10),
			}, nil
		}
	}
	if dailyValue.GreaterThan(decimal.Zero) {
		spent, err := g.repo.SumDebitsSince(ctx, userID, dayStart, activeStatuses)
		if err != nil {
			return LimitDecision{}, err
		}
		if spent.GreaterThanOrEqual(dailyValue) {
			return LimitDecision{
				Allowed: false,
				Reason:  ReasonDailyValue,
				Limit:   dailyValue.String(),
				Current: spent.String(),
			}, nil
		}
	}
	return LimitDecision{Allowed: true}, nil
}

func (g *LimitGuard) settingInt64(ctx context.Context, key string, fallback int64) int64 {
	raw, found, err := g.repo.GetSetting(ctx, key)
	if err != nil {
		g.log.Warnf("read setting %s: %v", key, err)
		return fallback
	}
	if !found {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		g.log.Warnf("setting %s has non-integer value %q", key, raw)
		return fallback
	}
	return v
}

func (g *LimitGuard) settingDecimal(ctx context.Context, key string, fallback decimal.Decimal) decimal.Decimal {
	raw, found, err := g.repo.GetSetting(ctx, key)
	if err != nil {
		g.log.Warnf("read setting %s: %v", key, err)
		return fallback
	}
	if !found {
		return fallback
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		g.log.Warnf("setting %s has non-numeric value %q", key, raw)
		return fallback
	}
	return v
}
