package service

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loomai/credits-service/internal/model"
	"github.com/loomai/credits-service/internal/pricing"
	"github.com/loomai/credits-service/internal/provider"
	"github.com/loomai/credits-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// InsufficientCreditsError is the structured decline for a paid call
// the balance cannot cover. It is expected and user-facing, carrying
// the required cost and available balance.
type InsufficientCreditsError struct {
	Required int64
	Balance  decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, balance %s", e.Required, e.Balance)
}

// GenerateParams describes one paid generation request.
type GenerateParams struct {
	UserID      string
	Feature     string
	Prompt      string
	Model       string
	Size        string
	ImageURLs   []string
	TotalTokens int64
}

// GenerateOutcome is the successful result plus its cost accounting.
type GenerateOutcome struct {
	ImageURL  string
	Model     string
	Provider  string
	Consumed  int64
	Remaining decimal.Decimal
}

// GenerationService charges credits for a generation call. Credits are
// debited BEFORE the provider call so a slow or aborted generation can
// never run for free; a failed generation triggers a compensating
// refund. The per-request states are: pending, then either an
// insufficient-balance decline or a confirmed debit, then completed,
// failed-with-refund, or failed-with-refund-lost.
type GenerationService struct {
	credits  *CreditService
	calc     *pricing.Calculator
	provider provider.Client
	repo     repo.RepositoryInterface
	log      *zap.SugaredLogger
}

func NewGenerationService(credits *CreditService, calc *pricing.Calculator, p provider.Client, r repo.RepositoryInterface, logger *zap.SugaredLogger) *GenerationService {
	return &GenerationService{credits: credits, calc: calc, provider: p, repo: r, log: logger}
}

// Generate runs the charged-call protocol end to end.
func (s *GenerationService) Generate(ctx context.Context, p GenerateParams) (*GenerateOutcome, error) {
	cost := s.calc.Calculate(pricing.Params{
		TotalTokens: p.TotalTokens,
		Model:       p.Model,
		Provider:    s.provider.Name(),
		Feature:     p.Feature,
	})

	// Fast decline before any write when the balance clearly cannot
	// cover the cost. The debit below remains the authoritative check.
	balance, err := s.credits.GetBalance(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(decimal.NewFromInt(cost)) {
		return nil, &InsufficientCreditsError{Required: cost, Balance: balance}
	}

	consumed, err := s.credits.ConsumeCredits(ctx, ConsumeParams{
		UserID:      p.UserID,
		Amount:      cost,
		Description: "AI image generation",
		Metadata: map[string]interface{}{
			"provider": s.provider.Name(),
			"model":    p.Model,
			"prompt":   truncate(p.Prompt, 100),
		},
	})
	if err != nil {
		return nil, err
	}
	if !consumed.Success {
		// Lost the race to a concurrent consume.
		return nil, &InsufficientCreditsError{Required: cost, Balance: consumed.NewBalance}
	}

	genLog := &model.GenerationLog{
		ID:             "glog_" + uuid.NewString(),
		UserID:         p.UserID,
		Feature:        p.Feature,
		Provider:       s.provider.Name(),
		Model:          p.Model,
		Status:         model.GenStatusProcessing,
		CreditsCharged: cost,
		TransactionID:  consumed.TransactionID,
	}
	if err := s.repo.CreateGenerationLog(ctx, genLog); err != nil {
		s.log.Warnw("generation log create failed", "userId", p.UserID, "err", err)
	}

	result, genErr := s.provider.Generate(ctx, provider.GenerateRequest{
		Model:     p.Model,
		Prompt:    p.Prompt,
		Size:      p.Size,
		ImageURLs: p.ImageURLs,
	})
	if genErr != nil {
		s.refund(ctx, p, cost, consumed.TransactionID, genErr)
		s.markLog(ctx, genLog.ID, map[string]interface{}{
			"status":         model.GenStatusFailed,
			"failure_reason": truncate(genErr.Error(), 512),
		})
		// The generation error is what the caller sees, whether or
		// not the refund landed.
		return nil, genErr
	}

	s.markLog(ctx, genLog.ID, map[string]interface{}{
		"status":  model.GenStatusCompleted,
		"task_id": result.TaskID,
	})
	return &GenerateOutcome{
		ImageURL:  result.ImageURL,
		Model:     p.Model,
		Provider:  s.provider.Name(),
		Consumed:  cost,
		Remaining: consumed.NewBalance,
	}, nil
}

// refund issues the compensating grant after a failed generation. Best
// effort: a refund failure is logged for manual reconciliation but must
// not mask the generation error.
func (s *GenerationService) refund(ctx context.Context, p GenerateParams, cost int64, txID string, genErr error) {
	_, err := s.credits.AddCredits(ctx, AddParams{
		UserID:      p.UserID,
		Amount:      cost,
		Type:        model.TxTypeRefund,
		Description: "Refund for failed generation",
		Metadata: map[string]interface{}{
			"original_transaction_id": txID,
			"provider":                s.provider.Name(),
			"model":                   p.Model,
			"error":                   genErr.Error(),
		},
	})
	if err != nil {
		s.log.Errorw("refund after failed generation did not land",
			"reconciliation_required", true,
			"userId", p.UserID,
			"amount", cost,
			"originalTransactionId", txID,
			"provider", s.provider.Name(),
			"model", p.Model,
			"refundErr", err,
		)
		return
	}
	s.log.Infow("credits refunded after failed generation",
		"userId", p.UserID, "amount", cost, "originalTransactionId", txID)
}

func (s *GenerationService) markLog(ctx context.Context, id string, fields map[string]interface{}) {
	if err := s.repo.UpdateGenerationLog(ctx, id, fields); err != nil {
		s.log.Warnw("generation log update failed", "id", id, "err", err)
	}
}

// truncate cuts s to at most n bytes without splitting a rune, so the
// result stays valid UTF-8 inside metadata JSON.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
