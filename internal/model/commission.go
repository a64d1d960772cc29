package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Commission statuses.
const (
	CommissionPending   = "pending"
	CommissionPaid      = "paid"
	CommissionCancelled = "cancelled"
)

// CommissionSource types. Funding movements live on the wallet ledger,
// purchases on the platform transaction flow; the pair (Type, ID) tags the
// row that triggered the payout.
const (
	SourceTypeTransaction       = "transaction"
	SourceTypeWalletTransaction = "wallet_transaction"
)

// CommissionSource identifies the ledger entry that triggered a payout.
type CommissionSource struct {
	Type string
	ID   uint64
}

// TransactionSource tags a purchase transaction.
func TransactionSource(id uint64) CommissionSource {
	return CommissionSource{Type: SourceTypeTransaction, ID: id}
}

// WalletTransactionSource tags a wallet funding movement.
func WalletTransactionSource(id uint64) CommissionSource {
	return CommissionSource{Type: SourceTypeWalletTransaction, ID: id}
}

// Commission records one referral payout. The (SourceType, SourceID) pair is
// unique so a triggering transaction can pay out at most once.
type Commission struct {
	ID             uint64          `gorm:"primaryKey"`
	ReferrerID     uint64          `gorm:"index;not null"`
	ReferredID     uint64          `gorm:"index;not null"`
	Amount         decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	SourceAmount   decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	CommissionRate decimal.Decimal `gorm:"type:numeric(6,3);not null"`
	SourceType     string          `gorm:"size:32;not null;uniqueIndex:idx_commission_source"`
	SourceID       uint64          `gorm:"not null;uniqueIndex:idx_commission_source"`
	Status         string          `gorm:"size:16;not null;default:'pending'"`
	PaidAt         *time.Time
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (Commission) TableName() string { return "commissions" }

// Source returns the tagged trigger of this payout.
func (c *Commission) Source() CommissionSource {
	return CommissionSource{Type: c.SourceType, ID: c.SourceID}
}
