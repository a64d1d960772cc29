package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vendapay/ledger-service/internal/model"
	"github.com/vendapay/ledger-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Named settings consumed by the commission engine, with their fallback
// rates (percent of the triggering amount).
const (
	SettingFundingCommissionRate   = "funding_commission_rate"
	SettingAffiliateCommissionRate = "affiliate_commission_percent"
)

var (
	defaultFundingRate   = decimal.NewFromFloat(2.5)
	defaultAffiliateRate = decimal.NewFromInt(1)
)

// CommissionEngine pays referrers a percentage of qualifying movements.
// When the caller passes its open tx, the engine's writes join that unit of
// work through a savepoint: a crash can never persist a paid commission
// without its triggering row, and an engine failure rolls back only the
// commission writes. Callers log engine errors and move on; a failed
// commission never fails the triggering financial operation.
type CommissionEngine struct {
	repo   repo.RepositoryInterface
	ledger *LedgerService
	log    *zap.SugaredLogger
}

// NewCommissionEngine returns CommissionEngine.
func NewCommissionEngine(r repo.RepositoryInterface, ledger *LedgerService, logger *zap.SugaredLogger) *CommissionEngine {
	return &CommissionEngine{repo: r, ledger: ledger, log: logger}
}

// ProcessFundingCommission pays the referrer when a referred user funds
// their wallet. No-op when the user has no referrer or the rate is zero.
func (e *CommissionEngine) ProcessFundingCommission(ctx context.Context, tx *gorm.DB, userID uint64, funding *model.Transaction) error {
	return e.process(ctx, tx, userID, funding,
		SettingFundingCommissionRate, defaultFundingRate,
		model.WalletTransactionSource(funding.ID),
		"Referral commission on wallet funding")
}

// ProcessTransactionCommission pays the referrer when a referred user makes
// a purchase.
func (e *CommissionEngine) ProcessTransactionCommission(ctx context.Context, tx *gorm.DB, userID uint64, txn *model.Transaction) error {
	return e.process(ctx, tx, userID, txn,
		SettingAffiliateCommissionRate, defaultAffiliateRate,
		model.TransactionSource(txn.ID),
		fmt.Sprintf("Referral commission on %s", txn.Source))
}

func (e *CommissionEngine) process(ctx context.Context, tx *gorm.DB, userID uint64, trigger *model.Transaction, rateKey string, fallback decimal.Decimal, src model.CommissionSource, description string) error {
	runner := func(tx *gorm.DB) error {
		ref, err := e.repo.GetReferralByReferred(ctx, tx, userID)
		if err != nil {
			return err
		}
		if ref == nil {
			return nil
		}
		rate := e.rate(ctx, rateKey, fallback)
		amount := trigger.Amount.Mul(rate).Div(decimal.NewFromInt(100)).Round(2)
		if amount.LessThanOrEqual(decimal.Zero) {
			return nil
		}
		exists, err := e.repo.CommissionExists(ctx, tx, src)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		c := &model.Commission{
			ReferrerID:     ref.ReferrerID,
			ReferredID:     userID,
			Amount:         amount,
			SourceAmount:   trigger.Amount,
			CommissionRate: rate,
			SourceType:     src.Type,
			SourceID:       src.ID,
			Status:         model.CommissionPending,
		}
		if err := e.repo.CreateCommission(ctx, tx, c); err != nil {
			if errors.Is(err, repo.ErrCommissionExists) {
				return nil
			}
			return err
		}
		if _, err := e.ledger.CreditCommission(ctx, tx, ref.ReferrerID, amount, description); err != nil {
			return err
		}
		if err := e.repo.BumpReferralTotals(ctx, tx, ref.ID, amount); err != nil {
			return err
		}
		return e.repo.MarkCommissionPaid(ctx, tx, c.ID)
	}
	// tx.Transaction opens a savepoint when tx is already inside a
	// transaction, so a failure here unwinds the commission only.
	if tx != nil {
		return tx.Transaction(runner)
	}
	return e.repo.DB(ctx).Transaction(runner)
}

// rate resolves a commission rate setting, falling back on a missing key or
// an unparseable value.
func (e *CommissionEngine) rate(ctx context.Context, key string, fallback decimal.Decimal) decimal.Decimal {
	raw, found, err := e.repo.GetSetting(ctx, key)
	if err != nil {
		e.log.Warnf("read setting %s: %v", key, err)
		return fallback
	}
	if !found {
		return fallback
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		e.log.Warnf("setting %s has non-numeric value %q", key, raw)
		return fallback
	}
	return rate
}
