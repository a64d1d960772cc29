package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/vendapay/ledger-service/internal/model"
	"github.com/vendapay/ledger-service/internal/repo"
	"github.com/vendapay/ledger-service/internal/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type handlers struct {
	ledger *service.LedgerService
	engine *service.CommissionEngine
	guard  *service.LimitGuard
	log    *zap.SugaredLogger
}

func RegisterHandlers(r *gin.Engine, ledger *service.LedgerService, engine *service.CommissionEngine, guard *service.LimitGuard, log *zap.SugaredLogger) {
	h := &handlers{ledger: ledger, engine: engine, guard: guard, log: log}
	v1 := r.Group("/v1")
	{
		v1.POST("/wallets", h.openWallet)
		v1.POST("/wallets/:user_id/fund", h.fund)
		v1.POST("/wallets/:user_id/debit", h.debit)
		v1.POST("/wallets/:user_id/refund", h.refund)
		v1.POST("/wallets/:user_id/transfer", h.transfer)
		v1.POST("/wallets/:user_id/sweep-bonus", h.sweepBonus)
		v1.GET("/wallets/:user_id/balance", h.balance)
		v1.GET("/wallets/:user_id/history", h.history)
		v1.GET("/wallets/:user_id/limits", h.limits)
	}
}

func userID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("user_id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return 0, false
	}
	return id, true
}

func role(c *gin.Context) string {
	if r := c.GetHeader("X-User-Role"); r != "" {
		return r
	}
	return service.RoleUser
}

func parseAmount(c *gin.Context, raw string) (decimal.Decimal, bool) {
	amt, err := decimal.NewFromString(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return decimal.Zero, false
	}
	return amt, true
}

// respondError maps ledger errors to statuses. Business conditions carry
// their message; anything else is reported generically and kept in logs.
func (h *handlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repo.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, repo.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, repo.ErrDuplicateReference), errors.Is(err, repo.ErrStaleWallet):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": true})
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrSelfTransfer),
		errors.Is(err, service.ErrWalletExists),
		errors.Is(err, service.ErrNothingToSweep):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Errorw("ledger operation failed", "error", err, "request_id", c.GetString("request_id"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// checkLimits runs the velocity guard; writes the rejection and returns
// false when the caller must stop.
func (h *handlers) checkLimits(c *gin.Context, id uint64) bool {
	decision, err := h.guard.CanTransact(c, id, role(c))
	if err != nil {
		h.respondError(c, err)
		return false
	}
	if !decision.Allowed {
		c.JSON(http.StatusTooManyRequests, decision)
		return false
	}
	return true
}

type openWalletReq struct {
	UserID       uint64 `json:"user_id" binding:"required"`
	ReferrerID   uint64 `json:"referrer_id"`
	ReferralCode string `json:"referral_code"`
}

func (h *handlers) openWallet(c *gin.Context) {
	var req openWalletReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, err := h.ledger.OpenWallet(c, req.UserID, req.ReferrerID, req.ReferralCode)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"wallet": w})
}

type fundReq struct {
	Amount      string         `json:"amount" binding:"required"`
	Description string         `json:"description"`
	Metadata    model.Metadata `json:"metadata"`
}

// fund credits the wallet and then fires the funding commission inside the
// same storage transaction. A commission failure is logged and swallowed;
// the funding itself never rolls back for it.
func (h *handlers) fund(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	var req fundReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amt, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}
	if !h.checkLimits(c, id) {
		return
	}
	var txn *model.Transaction
	err := h.ledger.Repo().DB(c).Transaction(func(tx *gorm.DB) error {
		var err error
		txn, err = h.ledger.Credit(c, tx, id, amt, model.SourceFunding, req.Description, req.Metadata)
		if err != nil {
			return err
		}
		if cerr := h.engine.ProcessFundingCommission(c, tx, id, txn); cerr != nil {
			h.log.Warnw("funding commission failed", "user_id", id, "transaction_id", txn.ID, "error", cerr)
		}
		return nil
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

type debitReq struct {
	Amount      string         `json:"amount" binding:"required"`
	Source      string         `json:"source" binding:"required"`
	Description string         `json:"description"`
	Metadata    model.Metadata `json:"metadata"`
}

// debit charges the wallet; purchase sources additionally fire the
// affiliate commission in the same storage transaction.
func (h *handlers) debit(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	var req debitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amt, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}
	if !h.checkLimits(c, id) {
		return
	}
	var txn *model.Transaction
	err := h.ledger.Repo().DB(c).Transaction(func(tx *gorm.DB) error {
		var err error
		txn, err = h.ledger.Debit(c, tx, id, amt, req.Source, req.Description, req.Metadata)
		if err != nil {
			return err
		}
		if model.IsPurchaseSource(req.Source) {
			if cerr := h.engine.ProcessTransactionCommission(c, tx, id, txn); cerr != nil {
				h.log.Warnw("transaction commission failed", "user_id", id, "transaction_id", txn.ID, "error", cerr)
			}
		}
		return nil
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

type refundReq struct {
	Amount      string         `json:"amount" binding:"required"`
	Description string         `json:"description"`
	Metadata    model.Metadata `json:"metadata"`
}

// refund is the compensating credit issued when an external side effect is
// known to have failed after its debit committed.
func (h *handlers) refund(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	var req refundReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amt, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}
	txn, err := h.ledger.Credit(c, nil, id, amt, model.SourceRefund, req.Description, req.Metadata)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

type transferReq struct {
	RecipientUserID uint64 `json:"recipient_user_id" binding:"required"`
	Amount          string `json:"amount" binding:"required"`
	Description     string `json:"description"`
}

func (h *handlers) transfer(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	var req transferReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amt, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}
	if !h.checkLimits(c, id) {
		return
	}
	debitTxn, creditTxn, err := h.ledger.Transfer(c, nil, id, req.RecipientUserID, amt, req.Description)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"debit": debitTxn, "credit": creditTxn})
}

func (h *handlers) sweepBonus(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	txn, err := h.ledger.SweepBonus(c, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

func (h *handlers) balance(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	w, err := h.ledger.GetWallet(c, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":            w.Balance,
		"bonus_balance":      w.BonusBalance,
		"commission_balance": w.CommissionBalance,
	})
}

func (h *handlers) history(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	sinceStr := c.DefaultQuery("since", time.Now().Add(-24*time.Hour).Format(time.RFC3339))
	since, err := time.Parse(time.RFC3339, sinceStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return
	}
	txs, err := h.ledger.GetHistory(c, id, limit, since)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txs)
}

func (h *handlers) limits(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	decision, err := h.guard.CanTransact(c, id, role(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}
