package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is the per-user account row. Exactly one exists per user, created
// when the user registers. Balance is the spendable amount; CommissionBalance
// accrues referral earnings until swept; BonusBalance holds promotional funds.
type Wallet struct {
	ID                uint64          `gorm:"primaryKey"`
	UserID            uint64          `gorm:"uniqueIndex;not null"`
	Balance           decimal.Decimal `gorm:"type:numeric(20,2);not null;default:'0'"`
	BonusBalance      decimal.Decimal `gorm:"type:numeric(20,2);not null;default:'0'"`
	CommissionBalance decimal.Decimal `gorm:"type:numeric(20,2);not null;default:'0'"`
	Version           uint64          `gorm:"not null;default:0"`
	CreatedAt         time.Time       `gorm:"autoCreateTime"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallets" }
