package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/vendapay/ledger-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger error taxonomy. ErrInsufficientFunds and ErrWalletNotFound surface to
// callers as business conditions; ErrDuplicateReference and ErrStaleWallet are
// retryable.
var (
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateReference = errors.New("duplicate transaction reference")
	ErrStaleWallet        = errors.New("wallet version conflict")
	ErrCommissionExists   = errors.New("commission already recorded for source")
)

// RepositoryInterface restricts Repo methods (keeps services mockable).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	GetWalletByUser(ctx context.Context, userID uint64) (*model.Wallet, error)
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID uint64) (*model.Wallet, error)
	UpdateWalletBalance(ctx context.Context, tx *gorm.DB, walletID uint64, balance decimal.Decimal, oldVersion uint64) error
	UpdateWalletCommissionBalance(ctx context.Context, tx *gorm.DB, walletID uint64, commissionBalance decimal.Decimal, oldVersion uint64) error
	SweepWalletBonus(ctx context.Context, tx *gorm.DB, walletID uint64, balance, bonusBalance decimal.Decimal, oldVersion uint64) error

	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	UpdateTransactionStatus(ctx context.Context, db *gorm.DB, id uint64, status, failureReason string) error
	CountTransactionsSince(ctx context.Context, userID uint64, since time.Time, statuses []string) (int64, error)
	SumDebitsSince(ctx context.Context, userID uint64, since time.Time, statuses []string) (decimal.Decimal, error)

	CreateCommission(ctx context.Context, tx *gorm.DB, c *model.Commission) error
	MarkCommissionPaid(ctx context.Context, tx *gorm.DB, id uint64) error
	CommissionExists(ctx context.Context, tx *gorm.DB, src model.CommissionSource) (bool, error)

	CreateReferral(ctx context.Context, tx *gorm.DB, ref *model.Referral) error
	GetReferralByReferred(ctx context.Context, tx *gorm.DB, referredID uint64) (*model.Referral, error)
	BumpReferralTotals(ctx context.Context, tx *gorm.DB, referralID uint64, earned decimal.Decimal) error

	GetSetting(ctx context.Context, key string) (string, bool, error)

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, userID uint64, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, userID uint64) (decimal.Decimal, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db         *gorm.DB
	rdb        *redis.Client
	writer     *kafka.Writer
	log        *zap.SugaredLogger
	balanceTTL time.Duration
	settingTTL time.Duration
}

// NewRepository constructs repo with default cache TTLs.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{
		db:         db,
		rdb:        rdb,
		writer:     w,
		log:        logger,
		balanceTTL: 5 * time.Minute,
		settingTTL: time.Minute,
	}
}

// WithCacheTTLs overrides the Redis TTLs (wired from config in cmd/server).
func (r *Repository) WithCacheTTLs(balance, setting time.Duration) *Repository {
	r.balanceTTL = balance
	r.settingTTL = setting
	return r
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// isDuplicateKey matches unique-violation errors from postgres and the sqlite
// test driver.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// CreateWallet inserts the 1:1 wallet row at user registration time.
func (r *Repository) CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	return tx.WithContext(ctx).Create(w).Error
}

// GetWalletByUser is the advisory (unlocked) read.
func (r *Repository) GetWalletByUser(ctx context.Context, userID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// GetWalletForUpdate locks the wallet row; every mutation of the same wallet
// serializes behind this lock.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (r *Repository) updateWalletFields(ctx context.Context, tx *gorm.DB, walletID, oldVersion uint64, fields map[string]interface{}) error {
	fields["version"] = oldVersion + 1
	fields["updated_at"] = time.Now()
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", walletID, oldVersion).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleWallet
	}
	return nil
}

// UpdateWalletBalance writes the spendable balance with an optimistic version
// check as a second line of defence behind the row lock.
func (r *Repository) UpdateWalletBalance(ctx context.Context, tx *gorm.DB, walletID uint64, balance decimal.Decimal, oldVersion uint64) error {
	return r.updateWalletFields(ctx, tx, walletID, oldVersion, map[string]interface{}{"balance": balance})
}

// UpdateWalletCommissionBalance writes the commission sub-balance.
func (r *Repository) UpdateWalletCommissionBalance(ctx context.Context, tx *gorm.DB, walletID uint64, commissionBalance decimal.Decimal, oldVersion uint64) error {
	return r.updateWalletFields(ctx, tx, walletID, oldVersion, map[string]interface{}{"commission_balance": commissionBalance})
}

// SweepWalletBonus moves the bonus sub-balance into the spendable balance.
func (r *Repository) SweepWalletBonus(ctx context.Context, tx *gorm.DB, walletID uint64, balance, bonusBalance decimal.Decimal, oldVersion uint64) error {
	return r.updateWalletFields(ctx, tx, walletID, oldVersion, map[string]interface{}{
		"balance":       balance,
		"bonus_balance": bonusBalance,
	})
}

// CreateTransaction inserts a ledger entry. A reference collision comes back
// as ErrDuplicateReference so the service can regenerate and retry.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, t.Reference)
		}
		return err
	}
	return nil
}

// UpdateTransactionStatus advances the lifecycle of an entry. Amount and the
// before/after balances are never touched after insert.
func (r *Repository) UpdateTransactionStatus(ctx context.Context, db *gorm.DB, id uint64, status, failureReason string) error {
	fields := map[string]interface{}{"status": status}
	if failureReason != "" {
		fields["failure_reason"] = failureReason
		fields["retry_count"] = gorm.Expr("retry_count + 1")
	}
	return db.WithContext(ctx).Model(&model.Transaction{}).Where("id = ?", id).Updates(fields).Error
}

// CountTransactionsSince counts a user's entries in the given states created
// at or after since.
func (r *Repository) CountTransactionsSince(ctx context.Context, userID uint64, since time.Time, statuses []string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("user_id = ? AND created_at >= ? AND status IN ?", userID, since, statuses).
		Count(&n).Error
	return n, err
}

// SumDebitsSince sums a user's debit amounts in the given states created at
// or after since.
func (r *Repository) SumDebitsSince(ctx context.Context, userID uint64, since time.Time, statuses []string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	row := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND type = ? AND created_at >= ? AND status IN ?",
			userID, model.TypeDebit, since, statuses).
		Row()
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

// CreateCommission inserts a payout row; the unique (source_type, source_id)
// index makes a second payout for the same trigger fail.
func (r *Repository) CreateCommission(ctx context.Context, tx *gorm.DB, c *model.Commission) error {
	if err := tx.WithContext(ctx).Create(c).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrCommissionExists
		}
		return err
	}
	return nil
}

// MarkCommissionPaid flips pending -> paid.
func (r *Repository) MarkCommissionPaid(ctx context.Context, tx *gorm.DB, id uint64) error {
	now := time.Now()
	return tx.WithContext(ctx).Model(&model.Commission{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": model.CommissionPaid, "paid_at": &now}).Error
}

// CommissionExists checks for a prior payout against the same trigger.
func (r *Repository) CommissionExists(ctx context.Context, tx *gorm.DB, src model.CommissionSource) (bool, error) {
	var n int64
	err := tx.WithContext(ctx).Model(&model.Commission{}).
		Where("source_type = ? AND source_id = ?", src.Type, src.ID).
		Count(&n).Error
	return n > 0, err
}

// CreateReferral records the referrer/referred pair at registration.
func (r *Repository) CreateReferral(ctx context.Context, tx *gorm.DB, ref *model.Referral) error {
	return tx.WithContext(ctx).Create(ref).Error
}

// GetReferralByReferred returns (nil, nil) when the user has no referrer.
func (r *Repository) GetReferralByReferred(ctx context.Context, tx *gorm.DB, referredID uint64) (*model.Referral, error) {
	var ref model.Referral
	err := tx.WithContext(ctx).Where("referred_id = ?", referredID).First(&ref).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ref, nil
}

// BumpReferralTotals increments the running totals after a payout.
func (r *Repository) BumpReferralTotals(ctx context.Context, tx *gorm.DB, referralID uint64, earned decimal.Decimal) error {
	return tx.WithContext(ctx).Model(&model.Referral{}).Where("id = ?", referralID).
		Updates(map[string]interface{}{
			"total_commissions_earned": gorm.Expr("total_commissions_earned + ?", earned),
			"total_transactions":       gorm.Expr("total_transactions + 1"),
		}).Error
}

// GetSetting reads a named override, going through the Redis cache when one
// is configured. found=false means the caller should use its default.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, bool, error) {
	cacheKey := "setting:" + key
	if r.rdb != nil {
		if v, err := r.rdb.Get(ctx, cacheKey).Result(); err == nil {
			return v, true, nil
		}
	}
	var s model.Setting
	err := r.db.WithContext(ctx).Where("key = ?", key).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	if r.rdb != nil {
		if err := r.rdb.Set(ctx, cacheKey, s.Value, r.settingTTL).Err(); err != nil {
			r.log.Warnf("cache setting %s: %v", key, err)
		}
	}
	return s.Value, true, nil
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalance writes the spendable balance to Redis, best effort.
func (r *Repository) CacheBalance(ctx context.Context, userID uint64, bal decimal.Decimal) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Set(ctx, fmt.Sprintf("balance:%d", userID), bal.String(), r.balanceTTL).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, userID uint64) (decimal.Decimal, error) {
	if r.rdb == nil {
		return decimal.Zero, redis.Nil
	}
	str, err := r.rdb.Get(ctx, fmt.Sprintf("balance:%d", userID)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}
