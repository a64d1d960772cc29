package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vendapay/ledger-service/internal/model"
	"github.com/vendapay/ledger-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Wallet{},
		&model.Transaction{},
		&model.Commission{},
		&model.Referral{},
		&model.Setting{},
		&model.OutboxEvent{},
	))
	return db
}

func newTestLedger(t *testing.T) (*LedgerService, context.Context) {
	db := newTestDB(t)
	log := zap.NewNop().Sugar()
	repository := repo.NewRepository(db, nil, &kafka.Writer{}, log)
	return NewLedgerService(repository, log), context.Background()
}

func TestLedgerFullFlow(t *testing.T) {
	svc, ctx := newTestLedger(t)

	_, err := svc.OpenWallet(ctx, 1, 0, "")
	require.NoError(t, err)
	_, err = svc.OpenWallet(ctx, 2, 0, "")
	require.NoError(t, err)

	// fund user 1
	txn, err := svc.Credit(ctx, nil, 1, decimal.NewFromInt(100), model.SourceFunding, "card deposit", nil)
	require.NoError(t, err)
	assert.Equal(t, model.TypeCredit, txn.Type)
	assert.Equal(t, model.StatusCompleted, txn.Status)
	assert.True(t, txn.BalanceBefore.IsZero())
	assert.Equal(t, "100", txn.BalanceAfter.StringFixed(0))
	assert.True(t, strings.HasPrefix(txn.Reference, "WLT-"))

	// overdraw attempt fails and changes nothing
	_, err = svc.Debit(ctx, nil, 1, decimal.NewFromInt(130), model.SourceWithdrawal, "", nil)
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)
	bal, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "100", bal.StringFixed(0))

	// purchase debit mints a TXN- reference
	txn, err = svc.Debit(ctx, nil, 1, decimal.NewFromInt(10), model.SourceDataPurchase, "1GB plan",
		model.Metadata{"provider": "mtn", "plan_id": "1gb-30d"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(txn.Reference, "TXN-"))

	// transfer 30 to user 2
	out, in, err := svc.Transfer(ctx, nil, 1, 2, decimal.NewFromInt(30), "split payment")
	require.NoError(t, err)
	assert.Equal(t, "60", out.BalanceAfter.StringFixed(0))
	assert.Equal(t, "30", in.BalanceAfter.StringFixed(0))
	assert.Equal(t, model.TypeDebit, out.Type)
	assert.Equal(t, model.TypeCredit, in.Type)
	require.NotNil(t, out.CounterpartyWalletID)
	assert.Equal(t, in.WalletID, *out.CounterpartyWalletID)

	// conservation across the closed pair
	b1, _ := svc.GetBalance(ctx, 1)
	b2, _ := svc.GetBalance(ctx, 2)
	assert.Equal(t, "90", b1.Add(b2).StringFixed(0))
}

func TestAuditContinuityAndReferenceUniqueness(t *testing.T) {
	svc, ctx := newTestLedger(t)
	_, err := svc.OpenWallet(ctx, 7, 0, "")
	require.NoError(t, err)

	amounts := []int64{50, 20, 35, 5, 60}
	for i, amt := range amounts {
		if i%2 == 0 {
			_, err = svc.Credit(ctx, nil, 7, decimal.NewFromInt(amt), model.SourceFunding, "", nil)
		} else {
			_, err = svc.Debit(ctx, nil, 7, decimal.NewFromInt(amt), model.SourceWithdrawal, "", nil)
		}
		require.NoError(t, err)
	}

	var rows []model.Transaction
	require.NoError(t, svc.Repo().DB(ctx).
		Where("user_id = ?", 7).Order("id asc").Find(&rows).Error)
	require.Len(t, rows, len(amounts))

	refs := make(map[string]struct{})
	for i, row := range rows {
		// amount is always positive, direction lives in type
		assert.True(t, row.Amount.GreaterThan(decimal.Zero))
		switch row.Type {
		case model.TypeCredit:
			assert.True(t, row.BalanceAfter.Equal(row.BalanceBefore.Add(row.Amount)))
		case model.TypeDebit:
			assert.True(t, row.BalanceAfter.Equal(row.BalanceBefore.Sub(row.Amount)))
		default:
			t.Fatalf("unexpected type %s", row.Type)
		}
		if i > 0 {
			assert.True(t, rows[i-1].BalanceAfter.Equal(row.BalanceBefore),
				"row %d before=%s does not chain from previous after=%s",
				i, row.BalanceBefore, rows[i-1].BalanceAfter)
		}
		_, dup := refs[row.Reference]
		assert.False(t, dup)
		refs[row.Reference] = struct{}{}
	}
}

func TestDebitWalletNotFound(t *testing.T) {
	svc, ctx := newTestLedger(t)
	_, err := svc.Debit(ctx, nil, 999, decimal.NewFromInt(10), model.SourceWithdrawal, "", nil)
	assert.ErrorIs(t, err, repo.ErrWalletNotFound)
}

func TestCreditRejectsNonPositiveAmount(t *testing.T) {
	svc, ctx := newTestLedger(t)
	_, err := svc.Credit(ctx, nil, 1, decimal.Zero, model.SourceFunding, "", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.Debit(ctx, nil, 1, decimal.NewFromInt(-5), model.SourceWithdrawal, "", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTransferToSelfRejected(t *testing.T) {
	svc, ctx := newTestLedger(t)
	_, _, err := svc.Transfer(ctx, nil, 3, 3, decimal.NewFromInt(10), "")
	assert.ErrorIs(t, err, ErrSelfTransfer)
}

func TestTransferAtomicity(t *testing.T) {
	svc, ctx := newTestLedger(t)
	_, err := svc.OpenWallet(ctx, 1, 0, "")
	require.NoError(t, err)
	_, err = svc.Credit(ctx, nil, 1, decimal.NewFromInt(100), model.SourceFunding, "", nil)
	require.NoError(t, err)

	// recipient wallet missing: the credit half fails, the whole transfer
	// rolls back and the sender keeps their balance
	_, _, err = svc.Transfer(ctx, nil, 1, 2, decimal.NewFromInt(60), "")
	assert.ErrorIs(t, err, repo.ErrWalletNotFound)

	bal, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "100", bal.StringFixed(0))

	var n int64
	require.NoError(t, svc.Repo().DB(ctx).Model(&model.Transaction{}).
		Where("source = ?", model.SourceTransfer).Count(&n).Error)
	assert.Zero(t, n)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	svc, ctx := newTestLedger(t)
	_, err := svc.OpenWallet(ctx, 1, 0, "")
	require.NoError(t, err)
	_, err = svc.Credit(ctx, nil, 1, decimal.NewFromInt(100), model.SourceFunding, "", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Debit(ctx, nil, 1, decimal.NewFromInt(70), model.SourceWithdrawal, "", nil)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		}
	}
	assert.LessOrEqual(t, successes, 1, "two 70 debits of a 100 balance must not both succeed")

	w, err := svc.GetWallet(ctx, 1)
	require.NoError(t, err)
	want := decimal.NewFromInt(100 - int64(successes)*70)
	assert.True(t, w.Balance.Equal(want), "balance %s, want %s", w.Balance, want)
	assert.True(t, w.Balance.GreaterThanOrEqual(decimal.Zero))
}

func TestSweepBonus(t *testing.T) {
	svc, ctx := newTestLedger(t)
	w, err := svc.OpenWallet(ctx, 4, 0, "")
	require.NoError(t, err)

	require.NoError(t, svc.Repo().DB(ctx).Model(&model.Wallet{}).
		Where("id = ?", w.ID).Update("bonus_balance", decimal.NewFromInt(15)).Error)

	txn, err := svc.SweepBonus(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, model.SourceBonus, txn.Source)
	assert.Equal(t, "15", txn.Amount.StringFixed(0))

	got, err := svc.GetWallet(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "15", got.Balance.StringFixed(0))
	assert.True(t, got.BonusBalance.IsZero())

	_, err = svc.SweepBonus(ctx, 4)
	assert.ErrorIs(t, err, ErrNothingToSweep)
}

func TestHasSufficientBalanceAdvisory(t *testing.T) {
	svc, ctx := newTestLedger(t)
	_, err := svc.OpenWallet(ctx, 5, 0, "")
	require.NoError(t, err)
	_, err = svc.Credit(ctx, nil, 5, decimal.NewFromInt(40), model.SourceFunding, "", nil)
	require.NoError(t, err)

	ok, err := svc.HasSufficientBalance(ctx, 5, decimal.NewFromInt(40))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.HasSufficientBalance(ctx, 5, decimal.NewFromInt(41))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenWalletRecordsReferral(t *testing.T) {
	svc, ctx := newTestLedger(t)
	_, err := svc.OpenWallet(ctx, 10, 0, "")
	require.NoError(t, err)
	_, err = svc.OpenWallet(ctx, 11, 10, "REF10")
	require.NoError(t, err)

	var ref model.Referral
	require.NoError(t, svc.Repo().DB(ctx).Where("referred_id = ?", 11).First(&ref).Error)
	assert.Equal(t, uint64(10), ref.ReferrerID)
	assert.Equal(t, "REF10", ref.ReferralCode)

	_, err = svc.OpenWallet(ctx, 11, 0, "")
	assert.ErrorIs(t, err, ErrWalletExists)
}
