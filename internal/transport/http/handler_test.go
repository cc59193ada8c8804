package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redismock/v8"
	"github.com/loomai/credits-service/internal/config"
	"github.com/loomai/credits-service/internal/logger"
	"github.com/loomai/credits-service/internal/model"
	"github.com/loomai/credits-service/internal/pricing"
	"github.com/loomai/credits-service/internal/provider"
	"github.com/loomai/credits-service/internal/repo"
	"github.com/loomai/credits-service/internal/service"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type okProvider struct{}

func (okProvider) Name() string { return "stub" }
func (okProvider) Generate(ctx context.Context, req provider.GenerateRequest) (*provider.GenerateResult, error) {
	return &provider.GenerateResult{TaskID: "t1", ImageURL: "https://cdn.example.com/x.png"}, nil
}

type failingProvider struct{}

func (failingProvider) Name() string { return "stub" }
func (failingProvider) Generate(ctx context.Context, req provider.GenerateRequest) (*provider.GenerateResult, error) {
	return nil, errors.New("task failed")
}

func newTestRouter(t *testing.T, dsn string, p provider.Client, signupBonus int64) (*gin.Engine, *service.CreditService, context.Context) {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.User{}, &model.CreditBalance{}, &model.CreditTransaction{},
		&model.GenerationLog{}, &model.OutboxEvent{},
	))
	rdb, _ := redismock.NewClientMock()
	log, err := logger.NewLogger()
	assert.NoError(t, err)

	repository := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	credits := service.NewCreditService(repository, signupBonus, log)
	calc := pricing.NewCalculator(config.CreditsConfig{
		Mode:  "fixed",
		Fixed: map[string]config.FixedCost{"ai_image": {Default: 8}},
	})
	gen := service.NewGenerationService(credits, calc, p, repository, log)

	router := NewRouter(credits, gen, config.RateLimitConfig{RPS: 1000, Burst: 1000}, log)
	return router, credits, context.Background()
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.1:1234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGenerateEndpoint_DeclinedWith402(t *testing.T) {
	router, credits, ctx := newTestRouter(t, "file:http_decline?mode=memory&cache=shared", okProvider{}, 0)

	_, err := credits.AddCredits(ctx, service.AddParams{UserID: "u1", Amount: 3, Type: model.TxTypePurchase})
	assert.NoError(t, err)

	w := doJSON(router, http.MethodPost, "/v1/generate",
		`{"user_id":"u1","feature":"ai_image","prompt":"a shirt","model":"z-image-turbo"}`)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	var resp map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient_credits", resp["error"])
	assert.Equal(t, float64(8), resp["required"])
}

func TestGenerateEndpoint_SuccessReportsCredits(t *testing.T) {
	router, credits, ctx := newTestRouter(t, "file:http_success?mode=memory&cache=shared", okProvider{}, 0)

	_, err := credits.AddCredits(ctx, service.AddParams{UserID: "u1", Amount: 20, Type: model.TxTypePurchase})
	assert.NoError(t, err)

	w := doJSON(router, http.MethodPost, "/v1/generate",
		`{"user_id":"u1","feature":"ai_image","prompt":"a shirt","model":"z-image-turbo"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			ImageURL string `json:"imageUrl"`
		} `json:"data"`
		Credits struct {
			Consumed  int64  `json:"consumed"`
			Remaining string `json:"remaining"`
		} `json:"credits"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "https://cdn.example.com/x.png", resp.Data.ImageURL)
	assert.Equal(t, int64(8), resp.Credits.Consumed)
	assert.Equal(t, "12", resp.Credits.Remaining)
}

func TestGenerateEndpoint_ProviderFailureIs500AndRefunded(t *testing.T) {
	router, credits, ctx := newTestRouter(t, "file:http_fail?mode=memory&cache=shared", failingProvider{}, 0)

	_, err := credits.AddCredits(ctx, service.AddParams{UserID: "u1", Amount: 20, Type: model.TxTypePurchase})
	assert.NoError(t, err)

	w := doJSON(router, http.MethodPost, "/v1/generate",
		`{"user_id":"u1","feature":"ai_image","prompt":"a shirt","model":"z-image-turbo"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	bal, err := credits.GetBalance(ctx, "u1")
	assert.NoError(t, err)
	assert.Equal(t, "20", bal.StringFixed(0))
}

func TestAdminTransactionsEndpoint_PaginationShape(t *testing.T) {
	router, credits, ctx := newTestRouter(t, "file:http_admin?mode=memory&cache=shared", okProvider{}, 0)

	_, err := credits.AddCredits(ctx, service.AddParams{UserID: "u1", Amount: 50, Type: model.TxTypePurchase})
	assert.NoError(t, err)
	for i := 0; i < 3; i++ {
		res, err := credits.ConsumeCredits(ctx, service.ConsumeParams{UserID: "u1", Amount: 5})
		assert.NoError(t, err)
		assert.True(t, res.Success)
	}

	w := doJSON(router, http.MethodGet, "/v1/admin/credits/transactions?type=consumption&limit=2&page=1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Transactions []model.CreditTransaction `json:"transactions"`
		Total        int64                     `json:"total"`
		Page         int                       `json:"page"`
		PageSize     int                       `json:"pageSize"`
		TotalPages   int                       `json:"totalPages"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Total)
	assert.Equal(t, 2, resp.PageSize)
	assert.Equal(t, 2, resp.TotalPages)
	assert.Len(t, resp.Transactions, 2)
}

func TestRegisterUserEndpoint_GrantsBonusOnce(t *testing.T) {
	router, credits, ctx := newTestRouter(t, "file:http_register?mode=memory&cache=shared", okProvider{}, 10)

	body := `{"id":"u1","email":"alice@example.com","name":"Alice"}`
	w := doJSON(router, http.MethodPost, "/v1/users", body)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		OK      bool                     `json:"ok"`
		Balance string                   `json:"balance"`
		Bonus   *model.CreditTransaction `json:"bonus"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "10", resp.Balance)
	assert.NotNil(t, resp.Bonus)

	// the hook may be retried; no second bonus
	w = doJSON(router, http.MethodPost, "/v1/users", body)
	assert.Equal(t, http.StatusOK, w.Code)

	bal, err := credits.GetBalance(ctx, "u1")
	assert.NoError(t, err)
	assert.Equal(t, "10", bal.StringFixed(0))
}

func TestAdminStatsEndpoint_SummarizesConsumption(t *testing.T) {
	router, credits, ctx := newTestRouter(t, "file:http_stats?mode=memory&cache=shared", okProvider{}, 0)

	assert.NoError(t, credits.Repo().DB(ctx).
		Create(&model.User{ID: "u1", Email: "alice@example.com", Name: "Alice"}).Error)
	_, err := credits.AddCredits(ctx, service.AddParams{UserID: "u1", Amount: 50, Type: model.TxTypePurchase})
	assert.NoError(t, err)
	res, err := credits.ConsumeCredits(ctx, service.ConsumeParams{UserID: "u1", Amount: 7})
	assert.NoError(t, err)
	assert.True(t, res.Success)

	w := doJSON(router, http.MethodGet, "/v1/admin/credits/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		TotalConsumed  string              `json:"totalConsumed"`
		ConsumedToday  string              `json:"consumedToday"`
		ActiveUsers30d int64               `json:"activeUsers30d"`
		TopUsers       []repo.ConsumerStat `json:"topUsers"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "7", resp.TotalConsumed)
	assert.Equal(t, "7", resp.ConsumedToday)
	assert.Equal(t, int64(1), resp.ActiveUsers30d)
	assert.Len(t, resp.TopUsers, 1)
	assert.Equal(t, "alice@example.com", resp.TopUsers[0].UserEmail)
}

func TestAdminAdjustEndpoint_ByEmail(t *testing.T) {
	router, credits, ctx := newTestRouter(t, "file:http_adjust?mode=memory&cache=shared", okProvider{}, 0)

	assert.NoError(t, credits.Repo().DB(ctx).
		Create(&model.User{ID: "u1", Email: "alice@example.com", Name: "Alice"}).Error)

	w := doJSON(router, http.MethodPost, "/v1/admin/credits/adjust",
		`{"email":"alice@example.com","amount":25}`)
	assert.Equal(t, http.StatusOK, w.Code)

	bal, err := credits.GetBalance(ctx, "u1")
	assert.NoError(t, err)
	assert.Equal(t, "25", bal.StringFixed(0))

	// negative adjustment larger than the balance is declined
	w = doJSON(router, http.MethodPost, "/v1/admin/credits/adjust",
		`{"user_id":"u1","amount":-100}`)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}
