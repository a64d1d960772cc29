package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Referral is the durable referrer/referred relationship, fixed at
// registration. A user has at most one referrer, hence the unique index on
// ReferredID. Running totals are bumped by the commission engine.
type Referral struct {
	ID                     uint64          `gorm:"primaryKey"`
	ReferrerID             uint64          `gorm:"index;not null"`
	ReferredID             uint64          `gorm:"uniqueIndex;not null"`
	ReferralCode           string          `gorm:"size:32"`
	TotalCommissionsEarned decimal.Decimal `gorm:"type:numeric(20,2);not null;default:'0'"`
	TotalTransactions      int64           `gorm:"not null;default:0"`
	CreatedAt              time.Time       `gorm:"autoCreateTime"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime"`
}

func (Referral) TableName() string { return "referrals" }
