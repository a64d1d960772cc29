package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction direction. Amount is always positive; direction lives here.
const (
	TypeCredit = "credit"
	TypeDebit  = "debit"
)

// Transaction sources.
const (
	SourceFunding      = "funding"
	SourceDataPurchase = "data_purchase"
	SourceAirtime      = "airtime_purchase"
	SourceBillPayment  = "bill_payment"
	SourceExamPayment  = "exam_payment"
	SourceBulkSMS      = "bulk_sms_payment"
	SourceRefund       = "refund"
	SourceWithdrawal   = "withdrawal"
	SourceCommission   = "commission"
	SourceBonus        = "bonus"
	SourceTransfer     = "transfer"
)

// Transaction statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRefunded   = "refunded"
	StatusQueued     = "queued"
)

// Transaction is one immutable ledger entry. BalanceBefore/BalanceAfter are
// captured under the wallet row lock at mutation time; they are the audit
// trail, never recomputed. Only Status and the failure fields may change
// after insert.
type Transaction struct {
	ID                   uint64          `gorm:"primaryKey"`
	WalletID             uint64          `gorm:"index;not null"`
	UserID               uint64          `gorm:"index;not null"`
	Type                 string          `gorm:"size:16;not null"`
	Amount               decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	BalanceBefore        decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	BalanceAfter         decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Source               string          `gorm:"size:32;not null"`
	Reference            string          `gorm:"size:64;uniqueIndex;not null"`
	Description          string          `gorm:"size:255"`
	Metadata             Metadata        `gorm:"type:jsonb"`
	Status               string          `gorm:"size:16;not null"`
	FailureReason        string          `gorm:"size:255"`
	RetryCount           int             `gorm:"not null;default:0"`
	CounterpartyWalletID *uint64
	CreatedAt            time.Time `gorm:"autoCreateTime;index"`
}

func (Transaction) TableName() string { return "transactions" }

// IsPurchaseSource reports whether a source represents a customer purchase,
// i.e. one that earns the referrer a transaction commission.
func IsPurchaseSource(source string) bool {
	switch source {
	case SourceDataPurchase, SourceAirtime, SourceBillPayment, SourceExamPayment, SourceBulkSMS:
		return true
	}
	return false
}
