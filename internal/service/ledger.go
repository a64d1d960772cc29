package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vendapay/ledger-service/internal/model"
	"github.com/vendapay/ledger-service/internal/reference"
	"github.com/vendapay/ledger-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidAmount means non-positive amount passed.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrSelfTransfer means sender and recipient are the same user.
	ErrSelfTransfer = errors.New("cannot transfer to self")
	// ErrWalletExists means the user already owns a wallet.
	ErrWalletExists = errors.New("wallet already exists for user")
	// ErrNothingToSweep means the bonus balance is zero.
	ErrNothingToSweep = errors.New("no bonus balance to sweep")
)

// LedgerService owns every wallet mutation. Each operation runs inside a
// single storage transaction: the caller may pass an open tx to compose with
// a larger unit of work, or pass nil and the operation opens its own.
type LedgerService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewLedgerService returns LedgerService.
func NewLedgerService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *LedgerService {
	return &LedgerService{repo: r, log: logger}
}

// run executes op in the caller's tx when one is supplied, otherwise in a
// fresh transaction. A reference collision is retried once with a newly
// minted reference; inside a caller-owned tx it is surfaced instead, since
// the aborted statement would poison the enclosing unit.
func (s *LedgerService) run(ctx context.Context, tx *gorm.DB, op func(tx *gorm.DB) error) error {
	if tx != nil {
		return op(tx)
	}
	err := s.repo.DB(ctx).Transaction(op)
	if errors.Is(err, repo.ErrDuplicateReference) {
		s.log.Warnf("reference collision, retrying once: %v", err)
		err = s.repo.DB(ctx).Transaction(op)
	}
	return err
}

// referencePrefix picks the origin tag for a minted reference.
func referencePrefix(source string) string {
	if model.IsPurchaseSource(source) {
		return reference.PrefixTransaction
	}
	return reference.PrefixWallet
}

// OpenWallet creates the user's wallet at registration time and, when a
// valid referral was supplied, the durable referral row.
func (s *LedgerService) OpenWallet(ctx context.Context, userID, referrerID uint64, referralCode string) (*model.Wallet, error) {
	w := &model.Wallet{
		UserID:            userID,
		Balance:           decimal.Zero,
		BonusBalance:      decimal.Zero,
		CommissionBalance: decimal.Zero,
	}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateWallet(ctx, tx, w); err != nil {
			if _, lookupErr := s.repo.GetWalletByUser(ctx, userID); lookupErr == nil {
				return ErrWalletExists
			}
			return err
		}
		if referrerID != 0 && referrerID != userID {
			ref := &model.Referral{
				ReferrerID:             referrerID,
				ReferredID:             userID,
				ReferralCode:           referralCode,
				TotalCommissionsEarned: decimal.Zero,
			}
			if err := s.repo.CreateReferral(ctx, tx, ref); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Credit adds amount to the user's spendable balance and appends one
// completed ledger entry.
func (s *LedgerService) Credit(ctx context.Context, tx *gorm.DB, userID uint64, amount decimal.Decimal, source, description string, meta model.Metadata) (*model.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	var out *model.Transaction
	err := s.run(ctx, tx, func(tx *gorm.DB) error {
		w, err := s.repo.GetWalletForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		newBal := w.Balance.Add(amount)
		if err := s.repo.UpdateWalletBalance(ctx, tx, w.ID, newBal, w.Version); err != nil {
			return err
		}
		t := &model.Transaction{
			WalletID:      w.ID,
			UserID:        userID,
			Type:          model.TypeCredit,
			Amount:        amount,
			BalanceBefore: w.Balance,
			BalanceAfter:  newBal,
			Source:        source,
			Reference:     reference.New(referencePrefix(source)),
			Description:   description,
			Metadata:      meta,
			Status:        model.StatusCompleted,
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := s.emitEvent(ctx, tx, w.ID, "WalletCredited", map[string]interface{}{
			"user_id": userID, "amount": amount, "source": source, "balance": newBal, "reference": t.Reference,
		}); err != nil {
			return err
		}
		if err := s.repo.CacheBalance(ctx, userID, newBal); err != nil {
			s.log.Warnf("cache balance user=%d: %v", userID, err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Debit subtracts amount from the user's spendable balance. The solvency
// check runs after the row lock is held; an unlocked check-then-act here is
// exactly the double-spend race this service exists to prevent.
func (s *LedgerService) Debit(ctx context.Context, tx *gorm.DB, userID uint64, amount decimal.Decimal, source, description string, meta model.Metadata) (*model.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	var out *model.Transaction
	err := s.run(ctx, tx, func(tx *gorm.DB) error {
		w, err := s.repo.GetWalletForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if w.Balance.LessThan(amount) {
			return repo.ErrInsufficientFunds
		}
		newBal := w.Balance.Sub(amount)
		if err := s.repo.UpdateWalletBalance(ctx, tx, w.ID, newBal, w.Version); err != nil {
			return err
		}
		t := &model.Transaction{
			WalletID:      w.ID,
			UserID:        userID,
			Type:          model.TypeDebit,
			Amount:        amount,
			BalanceBefore: w.Balance,
			BalanceAfter:  newBal,
			Source:        source,
			Reference:     reference.New(referencePrefix(source)),
			Description:   description,
			Metadata:      meta,
			Status:        model.StatusCompleted,
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := s.emitEvent(ctx, tx, w.ID, "WalletDebited", map[string]interface{}{
			"user_id": userID, "amount": amount, "source": source, "balance": newBal, "reference": t.Reference,
		}); err != nil {
			return err
		}
		if err := s.repo.CacheBalance(ctx, userID, newBal); err != nil {
			s.log.Warnf("cache balance user=%d: %v", userID, err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Transfer debits the sender and credits the recipient in one atomic unit.
// Wallets are locked in user-id order so two opposite-direction transfers
// cannot deadlock.
func (s *LedgerService) Transfer(ctx context.Context, tx *gorm.DB, senderID, recipientID uint64, amount decimal.Decimal, description string) (*model.Transaction, *model.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, nil, ErrInvalidAmount
	}
	if senderID == recipientID {
		return nil, nil, ErrSelfTransfer
	}
	var debitTxn, creditTxn *model.Transaction
	err := s.run(ctx, tx, func(tx *gorm.DB) error {
		firstID, secondID := senderID, recipientID
		if secondID < firstID {
			firstID, secondID = secondID, firstID
		}
		w1, err := s.repo.GetWalletForUpdate(ctx, tx, firstID)
		if err != nil {
			return err
		}
		w2, err := s.repo.GetWalletForUpdate(ctx, tx, secondID)
		if err != nil {
			return err
		}
		wFrom, wTo := w1, w2
		if firstID != senderID {
			wFrom, wTo = w2, w1
		}
		if wFrom.Balance.LessThan(amount) {
			return repo.ErrInsufficientFunds
		}
		newFrom := wFrom.Balance.Sub(amount)
		newTo := wTo.Balance.Add(amount)
		if err := s.repo.UpdateWalletBalance(ctx, tx, wFrom.ID, newFrom, wFrom.Version); err != nil {
			return err
		}
		if err := s.repo.UpdateWalletBalance(ctx, tx, wTo.ID, newTo, wTo.Version); err != nil {
			return err
		}
		out := &model.Transaction{
			WalletID:             wFrom.ID,
			UserID:               senderID,
			Type:                 model.TypeDebit,
			Amount:               amount,
			BalanceBefore:        wFrom.Balance,
			BalanceAfter:         newFrom,
			Source:               model.SourceTransfer,
			Reference:            reference.New(reference.PrefixWallet),
			Description:          description,
			Status:               model.StatusCompleted,
			CounterpartyWalletID: &wTo.ID,
		}
		in := &model.Transaction{
			WalletID:             wTo.ID,
			UserID:               recipientID,
			Type:                 model.TypeCredit,
			Amount:               amount,
			BalanceBefore:        wTo.Balance,
			BalanceAfter:         newTo,
			Source:               model.SourceTransfer,
			Reference:            reference.New(reference.PrefixWallet),
			Description:          description,
			Status:               model.StatusCompleted,
			CounterpartyWalletID: &wFrom.ID,
		}
		if err := s.repo.CreateTransaction(ctx, tx, out); err != nil {
			return err
		}
		if err := s.repo.CreateTransaction(ctx, tx, in); err != nil {
			return err
		}
		if err := s.emitEvent(ctx, tx, wFrom.ID, "WalletTransferred", map[string]interface{}{
			"from": senderID, "to": recipientID, "amount": amount,
		}); err != nil {
			return err
		}
		if err := s.repo.CacheBalance(ctx, senderID, newFrom); err != nil {
			s.log.Warnf("cache balance user=%d: %v", senderID, err)
		}
		if err := s.repo.CacheBalance(ctx, recipientID, newTo); err != nil {
			s.log.Warnf("cache balance user=%d: %v", recipientID, err)
		}
		debitTxn, creditTxn = out, in
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return debitTxn, creditTxn, nil
}

// CreditCommission adds amount to the user's commission sub-balance. The
// ledger entry's before/after pair tracks the commission balance, flagged in
// metadata so the audit trail stays unambiguous.
func (s *LedgerService) CreditCommission(ctx context.Context, tx *gorm.DB, userID uint64, amount decimal.Decimal, description string) (*model.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	var out *model.Transaction
	err := s.run(ctx, tx, func(tx *gorm.DB) error {
		w, err := s.repo.GetWalletForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		newBal := w.CommissionBalance.Add(amount)
		if err := s.repo.UpdateWalletCommissionBalance(ctx, tx, w.ID, newBal, w.Version); err != nil {
			return err
		}
		t := &model.Transaction{
			WalletID:      w.ID,
			UserID:        userID,
			Type:          model.TypeCredit,
			Amount:        amount,
			BalanceBefore: w.CommissionBalance,
			BalanceAfter:  newBal,
			Source:        model.SourceCommission,
			Reference:     reference.New(reference.PrefixWallet),
			Description:   description,
			Metadata:      model.Metadata{"balance": "commission"},
			Status:        model.StatusCompleted,
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := s.emitEvent(ctx, tx, w.ID, "CommissionCredited", map[string]interface{}{
			"user_id": userID, "amount": amount, "commission_balance": newBal,
		}); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SweepBonus moves the whole bonus balance into the spendable balance.
func (s *LedgerService) SweepBonus(ctx context.Context, userID uint64) (*model.Transaction, error) {
	var out *model.Transaction
	err := s.run(ctx, nil, func(tx *gorm.DB) error {
		w, err := s.repo.GetWalletForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if w.BonusBalance.LessThanOrEqual(decimal.Zero) {
			return ErrNothingToSweep
		}
		newBal := w.Balance.Add(w.BonusBalance)
		if err := s.repo.SweepWalletBonus(ctx, tx, w.ID, newBal, decimal.Zero, w.Version); err != nil {
			return err
		}
		t := &model.Transaction{
			WalletID:      w.ID,
			UserID:        userID,
			Type:          model.TypeCredit,
			Amount:        w.BonusBalance,
			BalanceBefore: w.Balance,
			BalanceAfter:  newBal,
			Source:        model.SourceBonus,
			Reference:     reference.New(reference.PrefixWallet),
			Description:   "Bonus balance sweep",
			Status:        model.StatusCompleted,
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := s.repo.CacheBalance(ctx, userID, newBal); err != nil {
			s.log.Warnf("cache balance user=%d: %v", userID, err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HasSufficientBalance is advisory only; the authoritative check happens
// under the row lock inside Debit.
func (s *LedgerService) HasSufficientBalance(ctx context.Context, userID uint64, amount decimal.Decimal) (bool, error) {
	w, err := s.repo.GetWalletByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return w.Balance.GreaterThanOrEqual(amount), nil
}

// GetBalance returns the spendable balance, read-through the cache.
func (s *LedgerService) GetBalance(ctx context.Context, userID uint64) (decimal.Decimal, error) {
	if bal, err := s.repo.GetCachedBalance(ctx, userID); err == nil {
		return bal, nil
	}
	w, err := s.repo.GetWalletByUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if err := s.repo.CacheBalance(ctx, userID, w.Balance); err != nil {
		s.log.Warnf("cache balance user=%d: %v", userID, err)
	}
	return w.Balance, nil
}

// GetWallet returns the full wallet row (all three balances).
func (s *LedgerService) GetWallet(ctx context.Context, userID uint64) (*model.Wallet, error) {
	return s.repo.GetWalletByUser(ctx, userID)
}

// GetHistory fetches a user's recent ledger entries, oldest first.
func (s *LedgerService) GetHistory(ctx context.Context, userID uint64, limit int, since time.Time) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := s.repo.DB(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Order("created_at asc, id asc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func (s *LedgerService) emitEvent(ctx context.Context, tx *gorm.DB, walletID uint64, eventType string, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate:   "Wallet",
		AggregateID: walletID,
		EventType:   eventType,
		Payload:     string(data),
	})
}

// Repo exposes underlying repository (unit tests helper).
func (s *LedgerService) Repo() repo.RepositoryInterface {
	return s.repo
}
