package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loomai/credits-service/internal/model"
	"github.com/loomai/credits-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidAmount means non-positive amount passed.
var ErrInvalidAmount = errors.New("amount must be positive")

// ErrInvalidGrantType means a grant was requested with a type that is
// not purchase/refund/bonus/adjustment.
var ErrInvalidGrantType = errors.New("invalid grant transaction type")

// CreditService maintains the per-user balance through the append-only
// ledger. Every balance mutation inserts a transaction row in the same
// DB transaction as the balance update.
type CreditService struct {
	repo        repo.RepositoryInterface
	log         *zap.SugaredLogger
	signupBonus int64
}

// NewCreditService returns CreditService. signupBonus is the one-time
// grant for new users (0 disables it).
func NewCreditService(r repo.RepositoryInterface, signupBonus int64, logger *zap.SugaredLogger) *CreditService {
	return &CreditService{repo: r, log: logger, signupBonus: signupBonus}
}

// ConsumeParams describes one debit.
type ConsumeParams struct {
	UserID      string
	Amount      int64
	Description string
	Metadata    map[string]interface{}
}

// ConsumeResult is the structured outcome of a debit attempt. An
// insufficient balance is an expected decline, not an error: Success is
// false and Declined carries the reason, while NewBalance reports the
// untouched balance so callers can surface required/available amounts.
type ConsumeResult struct {
	Success       bool
	NewBalance    decimal.Decimal
	TransactionID string
	Declined      string
}

// AddParams describes one grant (purchase, refund, bonus, adjustment).
type AddParams struct {
	UserID      string
	Amount      int64
	Type        string
	Description string
	Metadata    map[string]interface{}
}

// GetBalance returns the user's current balance, 0 for unknown users.
// Redis is consulted first; a cache miss falls through to the ledger's
// materialized balance row.
func (s *CreditService) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if bal, err := s.repo.GetCachedBalance(ctx, userID); err == nil {
		return bal, nil
	}
	bal, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if err := s.repo.CacheBalance(ctx, userID, bal); err != nil {
		s.log.Warnw("balance cache write failed", "userId", userID, "err", err)
	}
	return bal, nil
}

// ConsumeCredits atomically debits amount from the user's balance and
// appends a consumption row storing the negative amount plus the
// post-debit balance snapshot. The debit is one conditional UPDATE
// guarded by the balance check, so concurrent consumes cannot overdraw.
// Insufficient balance comes back as a declined result; any persistence
// failure is returned as an error and nothing is written.
func (s *CreditService) ConsumeCredits(ctx context.Context, p ConsumeParams) (*ConsumeResult, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	amt := decimal.NewFromInt(p.Amount)

	var result ConsumeResult
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		newBal, err := s.repo.DebitBalance(ctx, tx, p.UserID, amt)
		if errors.Is(err, repo.ErrInsufficientCredits) {
			var row model.CreditBalance
			if berr := tx.Where("user_id = ?", p.UserID).First(&row).Error; berr != nil && !errors.Is(berr, gorm.ErrRecordNotFound) {
				return berr
			}
			result = ConsumeResult{NewBalance: row.Balance, Declined: "insufficient credits"}
			return nil
		}
		if err != nil {
			return err
		}

		t := &model.CreditTransaction{
			ID:          newTransactionID(),
			UserID:      p.UserID,
			Type:        model.TxTypeConsumption,
			Amount:      amt.Neg(),
			Balance:     newBal,
			Description: p.Description,
			Metadata:    encodeMetadata(p.Metadata),
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := s.appendOutbox(ctx, tx, model.EventCreditsConsumed, t); err != nil {
			return err
		}
		result = ConsumeResult{Success: true, NewBalance: newBal, TransactionID: t.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Success {
		if err := s.repo.CacheBalance(ctx, p.UserID, result.NewBalance); err != nil {
			s.log.Warnw("balance cache write failed", "userId", p.UserID, "err", err)
		}
	}
	return &result, nil
}

// AddCredits grants amount to the user and appends the matching ledger
// row. Used for purchases, admin adjustments, signup bonuses, and the
// compensating refund after a failed paid operation. The balance row is
// created on first grant.
func (s *CreditService) AddCredits(ctx context.Context, p AddParams) (*model.CreditTransaction, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !model.ValidGrantType(p.Type) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGrantType, p.Type)
	}
	amt := decimal.NewFromInt(p.Amount)

	var created *model.CreditTransaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		newBal, err := s.repo.CreditBalance(ctx, tx, p.UserID, amt)
		if err != nil {
			return err
		}
		t := &model.CreditTransaction{
			ID:          newTransactionID(),
			UserID:      p.UserID,
			Type:        p.Type,
			Amount:      amt,
			Balance:     newBal,
			Description: p.Description,
			Metadata:    encodeMetadata(p.Metadata),
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		evtType := model.EventCreditsGranted
		if p.Type == model.TxTypeRefund {
			evtType = model.EventCreditsRefunded
		}
		if err := s.appendOutbox(ctx, tx, evtType, t); err != nil {
			return err
		}
		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.CacheBalance(ctx, p.UserID, created.Balance); err != nil {
		s.log.Warnw("balance cache write failed", "userId", p.UserID, "err", err)
	}
	return created, nil
}

// GrantSignupBonus issues the one-time welcome grant. It is a no-op
// when the bonus is disabled or the user already received one.
func (s *CreditService) GrantSignupBonus(ctx context.Context, userID string) (*model.CreditTransaction, error) {
	if s.signupBonus <= 0 {
		return nil, nil
	}
	granted, err := s.repo.HasTransactionOfType(ctx, userID, model.TxTypeBonus)
	if err != nil {
		return nil, err
	}
	if granted {
		return nil, nil
	}
	return s.AddCredits(ctx, AddParams{
		UserID:      userID,
		Amount:      s.signupBonus,
		Type:        model.TxTypeBonus,
		Description: "Signup bonus",
		Metadata:    map[string]interface{}{"source": "signup"},
	})
}

// RegisterUser records a user from the identity provider's
// registration hook and issues the one-time signup bonus. Safe to
// replay: the user upsert is a no-op on conflict and the bonus is
// guarded by a ledger lookup.
func (s *CreditService) RegisterUser(ctx context.Context, id, email, name string) (*model.CreditTransaction, error) {
	if err := s.repo.UpsertUser(ctx, &model.User{ID: id, Email: email, Name: name}); err != nil {
		return nil, err
	}
	return s.GrantSignupBonus(ctx, id)
}

// GetConsumptionStats serves the admin consumption dashboard, scoped
// to one user when userID is set.
func (s *CreditService) GetConsumptionStats(ctx context.Context, userID string) (*repo.ConsumptionStats, error) {
	day := startOfDay(time.Now())
	return s.repo.ConsumptionStats(ctx, userID, day, day.AddDate(0, 0, -6), day.AddDate(0, 0, -29))
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// TransactionPage is the admin listing response.
type TransactionPage struct {
	Transactions []model.CreditTransaction `json:"transactions"`
	Total        int64                     `json:"total"`
	Page         int                       `json:"page"`
	PageSize     int                       `json:"pageSize"`
	TotalPages   int                       `json:"totalPages"`
}

// GetAllTransactionsPaginated serves the admin ledger report. Read
// only; page and limit are clamped to sane bounds.
func (s *CreditService) GetAllTransactionsPaginated(ctx context.Context, q repo.TransactionQuery) (*TransactionPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	txs, total, err := s.repo.FindTransactionsPaginated(ctx, q)
	if err != nil {
		return nil, err
	}
	totalPages := int((total + int64(q.Limit) - 1) / int64(q.Limit))
	return &TransactionPage{
		Transactions: txs,
		Total:        total,
		Page:         q.Page,
		PageSize:     q.Limit,
		TotalPages:   totalPages,
	}, nil
}

// GetHistory fetches a user's recent transactions for the dashboard.
func (s *CreditService) GetHistory(ctx context.Context, userID string, limit int, since time.Time) ([]model.CreditTransaction, error) {
	var txs []model.CreditTransaction
	err := s.repo.DB(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Order("created_at desc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// FindUserByEmail resolves the target of an email-addressed adjustment.
func (s *CreditService) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.repo.FindUserByEmail(ctx, email)
}

// Repo exposes underlying repository (unit tests helper).
func (s *CreditService) Repo() repo.RepositoryInterface {
	return s.repo
}

func (s *CreditService) appendOutbox(ctx context.Context, tx *gorm.DB, eventType string, t *model.CreditTransaction) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"user_id":        t.UserID,
		"type":           t.Type,
		"amount":         t.Amount,
		"balance":        t.Balance,
		"transaction_id": t.ID,
	})
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate:   "CreditLedger",
		AggregateID: t.UserID,
		EventType:   eventType,
		Payload:     string(payload),
	})
}

func newTransactionID() string {
	return "txn_" + uuid.NewString()
}

func encodeMetadata(md map[string]interface{}) string {
	if len(md) == 0 {
		return ""
	}
	b, err := json.Marshal(md)
	if err != nil {
		return ""
	}
	return string(b)
}
