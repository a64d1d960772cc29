package service

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vendapay/ledger-service/internal/model"
	"github.com/vendapay/ledger-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestEngine(t *testing.T) (*LedgerService, *CommissionEngine, *gorm.DB, context.Context) {
	db := newTestDB(t)
	log := zap.NewNop().Sugar()
	repository := repo.NewRepository(db, nil, &kafka.Writer{}, log)
	ledger := NewLedgerService(repository, log)
	engine := NewCommissionEngine(repository, ledger, log)
	return ledger, engine, db, context.Background()
}

func TestFundingCommission(t *testing.T) {
	ledger, engine, db, ctx := newTestEngine(t)

	_, err := ledger.OpenWallet(ctx, 1, 0, "") // referrer
	require.NoError(t, err)
	_, err = ledger.OpenWallet(ctx, 2, 1, "REF1") // referred
	require.NoError(t, err)
	require.NoError(t, db.Create(&model.Setting{Key: SettingFundingCommissionRate, Value: "2.5"}).Error)

	var funding *model.Transaction
	err = db.Transaction(func(tx *gorm.DB) error {
		var err error
		funding, err = ledger.Credit(ctx, tx, 2, decimal.NewFromInt(1000), model.SourceFunding, "bank transfer", nil)
		if err != nil {
			return err
		}
		return engine.ProcessFundingCommission(ctx, tx, 2, funding)
	})
	require.NoError(t, err)

	referrer, err := ledger.GetWallet(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "25.00", referrer.CommissionBalance.StringFixed(2))
	assert.True(t, referrer.Balance.IsZero(), "spendable balance must not change")

	var c model.Commission
	require.NoError(t, db.Where("referred_id = ?", 2).First(&c).Error)
	assert.Equal(t, uint64(1), c.ReferrerID)
	assert.Equal(t, "25.00", c.Amount.StringFixed(2))
	assert.Equal(t, "1000.00", c.SourceAmount.StringFixed(2))
	assert.Equal(t, "2.5", c.CommissionRate.String())
	assert.Equal(t, model.SourceTypeWalletTransaction, c.SourceType)
	assert.Equal(t, funding.ID, c.SourceID)
	assert.Equal(t, model.CommissionPaid, c.Status)
	assert.NotNil(t, c.PaidAt)

	var ref model.Referral
	require.NoError(t, db.Where("referred_id = ?", 2).First(&ref).Error)
	assert.Equal(t, "25.00", ref.TotalCommissionsEarned.StringFixed(2))
	assert.Equal(t, int64(1), ref.TotalTransactions)

	// re-processing the same trigger pays nothing twice
	require.NoError(t, engine.ProcessFundingCommission(ctx, nil, 2, funding))
	var n int64
	require.NoError(t, db.Model(&model.Commission{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
	referrer, _ = ledger.GetWallet(ctx, 1)
	assert.Equal(t, "25.00", referrer.CommissionBalance.StringFixed(2))
}

func TestFundingCommissionNoReferralIsNoop(t *testing.T) {
	ledger, engine, db, ctx := newTestEngine(t)
	_, err := ledger.OpenWallet(ctx, 3, 0, "")
	require.NoError(t, err)

	funding, err := ledger.Credit(ctx, nil, 3, decimal.NewFromInt(500), model.SourceFunding, "", nil)
	require.NoError(t, err)
	require.NoError(t, engine.ProcessFundingCommission(ctx, nil, 3, funding))

	var n int64
	require.NoError(t, db.Model(&model.Commission{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestFundingCommissionZeroRateIsNoop(t *testing.T) {
	ledger, engine, db, ctx := newTestEngine(t)
	_, err := ledger.OpenWallet(ctx, 1, 0, "")
	require.NoError(t, err)
	_, err = ledger.OpenWallet(ctx, 2, 1, "")
	require.NoError(t, err)
	require.NoError(t, db.Create(&model.Setting{Key: SettingFundingCommissionRate, Value: "0"}).Error)

	funding, err := ledger.Credit(ctx, nil, 2, decimal.NewFromInt(1000), model.SourceFunding, "", nil)
	require.NoError(t, err)
	require.NoError(t, engine.ProcessFundingCommission(ctx, nil, 2, funding))

	var n int64
	require.NoError(t, db.Model(&model.Commission{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestTransactionCommissionDefaultRate(t *testing.T) {
	ledger, engine, db, ctx := newTestEngine(t)
	_, err := ledger.OpenWallet(ctx, 1, 0, "")
	require.NoError(t, err)
	_, err = ledger.OpenWallet(ctx, 2, 1, "")
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, nil, 2, decimal.NewFromInt(500), model.SourceFunding, "", nil)
	require.NoError(t, err)

	var purchase *model.Transaction
	err = db.Transaction(func(tx *gorm.DB) error {
		var err error
		purchase, err = ledger.Debit(ctx, tx, 2, decimal.NewFromInt(200), model.SourceDataPurchase, "2GB plan", nil)
		if err != nil {
			return err
		}
		return engine.ProcessTransactionCommission(ctx, tx, 2, purchase)
	})
	require.NoError(t, err)

	// no setting row: 1% default applies
	referrer, err := ledger.GetWallet(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "2.00", referrer.CommissionBalance.StringFixed(2))

	var c model.Commission
	require.NoError(t, db.First(&c).Error)
	assert.Equal(t, model.SourceTypeTransaction, c.SourceType)
	assert.Equal(t, purchase.ID, c.SourceID)
}

func TestCommissionFailureDoesNotRollBackFunding(t *testing.T) {
	ledger, engine, db, ctx := newTestEngine(t)

	// referral points at a referrer who has no wallet, so the commission
	// credit fails mid-flight
	_, err := ledger.OpenWallet(ctx, 2, 99, "")
	require.NoError(t, err)

	var funding *model.Transaction
	err = db.Transaction(func(tx *gorm.DB) error {
		var err error
		funding, err = ledger.Credit(ctx, tx, 2, decimal.NewFromInt(1000), model.SourceFunding, "", nil)
		if err != nil {
			return err
		}
		if cerr := engine.ProcessFundingCommission(ctx, tx, 2, funding); cerr != nil {
			assert.ErrorIs(t, cerr, repo.ErrWalletNotFound)
		}
		return nil
	})
	require.NoError(t, err)

	// funding survived, the half-written commission did not
	bal, err := ledger.GetBalance(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "1000", bal.StringFixed(0))
	var n int64
	require.NoError(t, db.Model(&model.Commission{}).Count(&n).Error)
	assert.Zero(t, n)
}
