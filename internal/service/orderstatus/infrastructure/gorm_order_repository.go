package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"ordersync/internal/service/orderstatus/domain"
)

// GormOrderRepository 是 domain.OrderGateway 的 MySQL 实现
type GormOrderRepository struct {
	db *gorm.DB
}

// OpenMySQL 按 DSN 打开连接池
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Warn),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "mysql pool")
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

// AutoMigrate 仅用于本地开发环境建表
func (r *GormOrderRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&OrderModel{})
}

// GetOrder 按业务订单号查询
func (r *GormOrderRepository) GetOrder(ctx context.Context, orderID string) (*domain.OrderRecord, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, errors.Wrapf(err, "query order %s", orderID)
	}
	return toOrderRecord(&model), nil
}

// UpsertOrder 按 order_id 冲突更新状态，后写覆盖
func (r *GormOrderRepository) UpsertOrder(ctx context.Context, orderID string, status domain.Status, accountID string) error {
	model := OrderModel{OrderID: orderID, Status: string(status), AccountID: accountID}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "account_id", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return errors.Wrapf(err, "upsert order %s", orderID)
	}
	return nil
}
