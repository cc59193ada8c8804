package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/loomai/credits-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInsufficientCredits is returned when a debit is not covered by the
// user's balance.
var ErrInsufficientCredits = errors.New("insufficient credits")

// TransactionQuery filters and orders the admin ledger listing.
type TransactionQuery struct {
	Page          int
	Limit         int
	SearchField   string // id | userId | userEmail | userName
	SearchValue   string
	Type          string
	UserID        string
	SortBy        string // createdAt | amount
	SortDirection string // asc | desc
}

// ConsumerStat aggregates one user's recent consumption for the admin
// dashboard.
type ConsumerStat struct {
	UserID    string          `gorm:"column:user_id" json:"userId"`
	UserEmail string          `gorm:"column:user_email" json:"userEmail"`
	UserName  string          `gorm:"column:user_name" json:"userName"`
	Consumed  decimal.Decimal `gorm:"column:consumed" json:"consumed"`
}

// ConsumptionStats summarizes consumption transactions over rolling
// windows, optionally scoped to one user.
type ConsumptionStats struct {
	TotalConsumed   decimal.Decimal `json:"totalConsumed"`
	ConsumedToday   decimal.Decimal `json:"consumedToday"`
	Consumed7d      decimal.Decimal `json:"consumed7d"`
	Consumed30d     decimal.Decimal `json:"consumed30d"`
	Transactions30d int64           `json:"transactions30d"`
	ActiveUsers30d  int64           `json:"activeUsers30d"`
	TopUsers        []ConsumerStat  `json:"topUsers"`
}

// RepositoryInterface restricts Repo methods so services can be unit
// tested against a narrow surface.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	DebitBalance(ctx context.Context, tx *gorm.DB, userID string, amount decimal.Decimal) (decimal.Decimal, error)
	CreditBalance(ctx context.Context, tx *gorm.DB, userID string, amount decimal.Decimal) (decimal.Decimal, error)
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.CreditTransaction) error
	HasTransactionOfType(ctx context.Context, userID, txType string) (bool, error)
	FindTransactionsPaginated(ctx context.Context, q TransactionQuery) ([]model.CreditTransaction, int64, error)
	FindUserByEmail(ctx context.Context, email string) (*model.User, error)
	UpsertUser(ctx context.Context, u *model.User) error
	ConsumptionStats(ctx context.Context, userID string, dayStart, sevenDayStart, thirtyDayStart time.Time) (*ConsumptionStats, error)
	CreateGenerationLog(ctx context.Context, g *model.GenerationLog) error
	UpdateGenerationLog(ctx context.Context, id string, fields map[string]interface{}) error
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheBalance(ctx context.Context, userID string, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// DebitBalance subtracts amount from the user's balance as a single
// conditional UPDATE guarded by the balance check. Two concurrent
// debits can never both pass the guard when only one is covered, so a
// read-check-write race is impossible. Returns the post-debit balance,
// or ErrInsufficientCredits when the guard rejects the row (including
// when no balance row exists yet).
func (r *Repository) DebitBalance(ctx context.Context, tx *gorm.DB, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	res := tx.WithContext(ctx).
		Model(&model.CreditBalance{}).
		Where("user_id = ? AND balance >= ?", userID, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return decimal.Zero, res.Error
	}
	if res.RowsAffected == 0 {
		return decimal.Zero, ErrInsufficientCredits
	}
	var b model.CreditBalance
	if err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&b).Error; err != nil {
		return decimal.Zero, err
	}
	return b.Balance, nil
}

// CreditBalance adds amount to the user's balance, creating the row for
// a first-time user. Upsert keeps it a single statement under
// concurrent grants. Returns the post-credit balance.
func (r *Repository) CreditBalance(ctx context.Context, tx *gorm.DB, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	row := &model.CreditBalance{UserID: userID, Balance: amount}
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance":    gorm.Expr("balance + ?", amount),
				"updated_at": time.Now(),
			}),
		}).
		Create(row).Error
	if err != nil {
		return decimal.Zero, err
	}
	var b model.CreditBalance
	if err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&b).Error; err != nil {
		return decimal.Zero, err
	}
	return b.Balance, nil
}

// GetBalance reads the materialized balance; users without a row have a
// zero balance.
func (r *Repository) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var b model.CreditBalance
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return b.Balance, nil
}

// CreateTransaction appends a ledger row. Ledger rows are never
// updated or deleted.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.CreditTransaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// HasTransactionOfType reports whether any ledger row of the given type
// exists for the user (used to keep the signup bonus one-shot).
func (r *Repository) HasTransactionOfType(ctx context.Context, userID, txType string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.CreditTransaction{}).
		Where("user_id = ? AND type = ?", userID, txType).
		Count(&count).Error
	return count > 0, err
}

var sortColumns = map[string]string{
	"createdAt": "credit_transaction.created_at",
	"amount":    "credit_transaction.amount",
}

// FindTransactionsPaginated runs the admin ledger listing. Email/name
// search joins the users table; all other filters hit the transaction
// table's own indexes.
func (r *Repository) FindTransactionsPaginated(ctx context.Context, q TransactionQuery) ([]model.CreditTransaction, int64, error) {
	db := r.db.WithContext(ctx).Model(&model.CreditTransaction{})

	if q.UserID != "" {
		db = db.Where("credit_transaction.user_id = ?", q.UserID)
	}
	if q.Type != "" {
		db = db.Where("credit_transaction.type = ?", q.Type)
	}
	if q.SearchValue != "" {
		switch q.SearchField {
		case "id":
			db = db.Where("credit_transaction.id = ?", q.SearchValue)
		case "userId":
			db = db.Where("credit_transaction.user_id = ?", q.SearchValue)
		case "userEmail":
			db = db.Joins("JOIN users ON users.id = credit_transaction.user_id").
				Where("users.email LIKE ?", "%"+q.SearchValue+"%")
		case "userName":
			db = db.Joins("JOIN users ON users.id = credit_transaction.user_id").
				Where("users.name LIKE ?", "%"+q.SearchValue+"%")
		}
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	col, ok := sortColumns[q.SortBy]
	if !ok {
		col = sortColumns["createdAt"]
	}
	dir := "DESC"
	if q.SortDirection == "asc" {
		dir = "ASC"
	}

	var txs []model.CreditTransaction
	err := db.Order(col + " " + dir).
		Offset((q.Page - 1) * q.Limit).
		Limit(q.Limit).
		Find(&txs).Error
	return txs, total, err
}

// FindUserByEmail resolves a user for the admin adjust endpoint.
func (r *Repository) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUser records an identity-provider user; replays are no-ops.
func (r *Repository) UpsertUser(ctx context.Context, u *model.User) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(u).Error
}

// ConsumptionStats aggregates consumption rows for the admin
// dashboard. The window boundaries come from the caller so the day
// math stays in one place.
func (r *Repository) ConsumptionStats(ctx context.Context, userID string, dayStart, sevenDayStart, thirtyDayStart time.Time) (*ConsumptionStats, error) {
	base := func() *gorm.DB {
		q := r.db.WithContext(ctx).
			Model(&model.CreditTransaction{}).
			Where("type = ?", model.TxTypeConsumption)
		if userID != "" {
			q = q.Where("user_id = ?", userID)
		}
		return q
	}
	sumConsumed := func(q *gorm.DB, dest *decimal.Decimal) error {
		return q.Select("COALESCE(SUM(ABS(amount)), 0)").Row().Scan(dest)
	}

	stats := &ConsumptionStats{}
	if err := sumConsumed(base(), &stats.TotalConsumed); err != nil {
		return nil, err
	}
	if err := sumConsumed(base().Where("created_at >= ?", dayStart), &stats.ConsumedToday); err != nil {
		return nil, err
	}
	if err := sumConsumed(base().Where("created_at >= ?", sevenDayStart), &stats.Consumed7d); err != nil {
		return nil, err
	}
	if err := sumConsumed(base().Where("created_at >= ?", thirtyDayStart), &stats.Consumed30d); err != nil {
		return nil, err
	}
	if err := base().Where("created_at >= ?", thirtyDayStart).Count(&stats.Transactions30d).Error; err != nil {
		return nil, err
	}
	if err := base().Where("created_at >= ?", thirtyDayStart).
		Select("COUNT(DISTINCT user_id)").Row().Scan(&stats.ActiveUsers30d); err != nil {
		return nil, err
	}

	top := r.db.WithContext(ctx).
		Model(&model.CreditTransaction{}).
		Select("credit_transaction.user_id AS user_id, " +
			"COALESCE(users.email, '') AS user_email, " +
			"COALESCE(users.name, '') AS user_name, " +
			"COALESCE(SUM(ABS(credit_transaction.amount)), 0) AS consumed").
		Joins("LEFT JOIN users ON users.id = credit_transaction.user_id").
		Where("credit_transaction.type = ? AND credit_transaction.created_at >= ?",
			model.TxTypeConsumption, thirtyDayStart)
	if userID != "" {
		top = top.Where("credit_transaction.user_id = ?", userID)
	}
	err := top.Group("credit_transaction.user_id, users.email, users.name").
		Order("consumed DESC").
		Limit(5).
		Scan(&stats.TopUsers).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// CreateGenerationLog inserts a generation attempt record.
func (r *Repository) CreateGenerationLog(ctx context.Context, g *model.GenerationLog) error {
	return r.db.WithContext(ctx).Create(g).Error
}

// UpdateGenerationLog patches status fields on an attempt record.
func (r *Repository) UpdateGenerationLog(ctx context.Context, id string, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&model.GenerationLog{}).
		Where("id = ?", id).
		Updates(fields).Error
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
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

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, userID string, bal decimal.Decimal) error {
	return r.rdb.Set(ctx, "credits:balance:"+userID, bal.String(), 5*time.Minute).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	str, err := r.rdb.Get(ctx, "credits:balance:"+userID).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}
