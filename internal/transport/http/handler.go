package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loomai/credits-service/internal/model"
	"github.com/loomai/credits-service/internal/repo"
	"github.com/loomai/credits-service/internal/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func RegisterHandlers(r *gin.Engine, credits *service.CreditService, gen *service.GenerationService, log *zap.SugaredLogger) {
	v1 := r.Group("/v1")
	{
		v1.POST("/users", registerUserHandler(credits))
		v1.GET("/credits/:userId/balance", balanceHandler(credits))
		v1.GET("/credits/:userId/history", historyHandler(credits))
		v1.POST("/credits/:userId/purchase", purchaseHandler(credits))
		v1.POST("/generate", generateHandler(gen, log))

		admin := v1.Group("/admin/credits")
		admin.GET("/transactions", adminTransactionsHandler(credits))
		admin.GET("/stats", adminStatsHandler(credits))
		admin.POST("/adjust", adminAdjustHandler(credits))
	}
}

type registerUserReq struct {
	ID    string `json:"id" binding:"required"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// registerUserHandler is the identity provider's registration hook: it
// records the user for admin search and issues the signup bonus.
// Replays are harmless, so providers may retry the hook freely.
func registerUserHandler(svc *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerUserReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		bonus, err := svc.RegisterUser(c, req.ID, req.Email, req.Name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		bal, err := svc.GetBalance(c, req.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp := gin.H{"ok": true, "balance": bal}
		if bonus != nil {
			resp["bonus"] = bonus
		}
		c.JSON(http.StatusOK, resp)
	}
}

func balanceHandler(svc *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		bal, err := svc.GetBalance(c, c.Param("userId"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal})
	}
}

func historyHandler(svc *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		sinceStr := c.DefaultQuery("since", time.Now().Add(-30*24*time.Hour).Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		txs, err := svc.GetHistory(c, c.Param("userId"), limit, since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

type purchaseReq struct {
	Amount      int64  `json:"amount" binding:"required"`
	Description string `json:"description"`
}

func purchaseHandler(svc *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req purchaseReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		desc := req.Description
		if desc == "" {
			desc = "Credit purchase"
		}
		t, err := svc.AddCredits(c, service.AddParams{
			UserID:      c.Param("userId"),
			Amount:      req.Amount,
			Type:        model.TxTypePurchase,
			Description: desc,
		})
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, service.ErrInvalidAmount) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"transaction": t, "balance": t.Balance})
	}
}

type generateReq struct {
	UserID      string   `json:"user_id" binding:"required"`
	Feature     string   `json:"feature"`
	Prompt      string   `json:"prompt" binding:"required"`
	Model       string   `json:"model"`
	Size        string   `json:"size"`
	ImageURLs   []string `json:"image_urls"`
	TotalTokens int64    `json:"total_tokens"`
}

func generateHandler(svc *service.GenerationService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req generateReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		out, err := svc.Generate(c, service.GenerateParams{
			UserID:      req.UserID,
			Feature:     req.Feature,
			Prompt:      req.Prompt,
			Model:       req.Model,
			Size:        req.Size,
			ImageURLs:   req.ImageURLs,
			TotalTokens: req.TotalTokens,
		})
		if err != nil {
			var declined *service.InsufficientCreditsError
			if errors.As(err, &declined) {
				c.JSON(http.StatusPaymentRequired, gin.H{
					"error":    "insufficient_credits",
					"message":  "Not enough credits for generation.",
					"required": declined.Required,
					"balance":  declined.Balance,
				})
				return
			}
			log.Errorw("generation failed", "userId", req.UserID, "model", req.Model, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "generation_failed",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data": gin.H{
				"imageUrl": out.ImageURL,
				"model":    out.Model,
				"provider": out.Provider,
			},
			"credits": gin.H{
				"consumed":  out.Consumed,
				"remaining": out.Remaining,
			},
		})
	}
}

func adminTransactionsHandler(svc *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
		result, err := svc.GetAllTransactionsPaginated(c, repo.TransactionQuery{
			Page:          page,
			Limit:         limit,
			SearchField:   c.Query("searchField"),
			SearchValue:   c.Query("searchValue"),
			Type:          c.Query("type"),
			UserID:        c.Query("userId"),
			SortBy:        c.DefaultQuery("sortBy", "createdAt"),
			SortDirection: c.DefaultQuery("sortDirection", "desc"),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func adminStatsHandler(svc *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := svc.GetConsumptionStats(c, c.Query("userId"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

type adjustReq struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	Amount      int64  `json:"amount" binding:"required"`
	Description string `json:"description"`
}

// adminAdjustHandler grants or removes credits for a user resolved by
// id or email. Negative amounts go through the atomic debit so an
// adjustment can never push a balance below zero.
func adminAdjustHandler(svc *service.CreditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req adjustReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.UserID == "" && req.Email == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user identifier is required"})
			return
		}

		userID := req.UserID
		if userID == "" {
			u, err := svc.FindUserByEmail(c, req.Email)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			userID = u.ID
		}

		desc := req.Description
		if desc == "" {
			desc = "Admin adjustment"
		}

		if req.Amount < 0 {
			result, err := svc.ConsumeCredits(c, service.ConsumeParams{
				UserID:      userID,
				Amount:      -req.Amount,
				Description: desc,
				Metadata:    map[string]interface{}{"source": "admin"},
			})
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if !result.Success {
				c.JSON(http.StatusPaymentRequired, gin.H{
					"error":   "insufficient_credits",
					"balance": result.NewBalance,
				})
				return
			}
			c.JSON(http.StatusOK, gin.H{"ok": true, "balance": result.NewBalance, "transactionId": result.TransactionID})
			return
		}

		t, err := svc.AddCredits(c, service.AddParams{
			UserID:      userID,
			Amount:      req.Amount,
			Type:        model.TxTypeAdjustment,
			Description: desc,
			Metadata:    map[string]interface{}{"source": "admin"},
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "transaction": t})
	}
}
