// internal/database/connection.go
package database

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/asset-market/internal/config"
	"github.com/javajoker/asset-market/internal/models"
)

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

func Initialize(cfg config.DatabaseConfig, log *logrus.Logger) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.WithFields(logrus.Fields{
		"host":     cfg.Host,
		"database": cfg.Database,
	}).Info("Database connection established")
	return db, nil
}

func Close(db *gorm.DB, log *logrus.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		log.WithError(err).Error("Error getting underlying sql.DB")
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.WithError(err).Error("Error closing database connection")
		return
	}
	log.Info("Database connection closed")
}

func RunMigrations(db *gorm.DB, log *logrus.Logger) error {
	log.Info("Running database migrations")

	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS \"uuid-ossp\"").Error; err != nil {
		return fmt.Errorf("failed to create UUID extension: %w", err)
	}

	err := db.AutoMigrate(
		&models.User{},
		&models.Asset{},
		&models.PurchaseBatch{},
		&models.TransactionLeg{},
		&models.Credential{},
		&models.DownloadToken{},
		&models.RewardRecord{},
		&models.ReputationBalance{},
		&models.AuditLog{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	createIndexes(db, log)

	log.Info("Database migrations completed")
	return nil
}

func createIndexes(db *gorm.DB, log *logrus.Logger) {
	indexes := []string{
		// Users and catalog
		"CREATE INDEX IF NOT EXISTS idx_users_type_status ON users(user_type, status)",
		"CREATE INDEX IF NOT EXISTS idx_assets_seller_status ON assets(seller_id, status)",

		// Settlement
		"CREATE INDEX IF NOT EXISTS idx_purchase_batches_buyer_asset ON purchase_batches(buyer_id, asset_id)",
		"CREATE INDEX IF NOT EXISTS idx_purchase_batches_created ON purchase_batches(created_at DESC)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_purchase_batches_reward ON purchase_batches(reward_id) WHERE reward_id IS NOT NULL",
		"CREATE INDEX IF NOT EXISTS idx_transaction_legs_status_submitted ON transaction_legs(status, submitted_at)",

		// One live credential per holder and asset
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_live_holder_asset ON credentials(holder_id, asset_id) WHERE revoked_at IS NULL",

		// Download tokens
		"CREATE INDEX IF NOT EXISTS idx_download_tokens_active_expiry ON download_tokens(active, expires_at)",

		// Audit
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_user_action ON audit_logs(user_id, action)",
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource_type, resource_id)",
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs(created_at DESC)",
	}

	for _, index := range indexes {
		if err := db.Exec(index).Error; err != nil {
			// Continue with other indexes instead of failing completely
			log.WithError(err).WithField("statement", index).Warn("Failed to create index")
		}
	}
}

// SeedInitialData creates the operator account used for the admin routes.
func SeedInitialData(db *gorm.DB, log *logrus.Logger) error {
	return WithTransaction(db, func(tx *gorm.DB) error {
		var adminCount int64
		if err := tx.Model(&models.User{}).Where("user_type = ?", models.UserTypeAdmin).Count(&adminCount).Error; err != nil {
			return fmt.Errorf("failed to count admin users: %w", err)
		}
		if adminCount > 0 {
			return nil
		}

		admin := &models.User{
			BaseModel: models.BaseModel{ID: uuid.New()},
			Username:  "admin",
			Email:     "admin@asset-market.local",
			UserType:  models.UserTypeAdmin,
			Status:    models.UserStatusActive,
			ProfileData: models.JSONB{
				"role": "settlement_operator",
			},
		}
		if err := tx.Create(admin).Error; err != nil {
			return fmt.Errorf("failed to create admin user: %w", err)
		}

		log.WithField("user_id", admin.ID).Info("Default admin user created")
		return nil
	})
}

// WithTransaction runs fn in a transaction, rolling back on error or panic.
func WithTransaction(db *gorm.DB, fn func(*gorm.DB) error) error {
	tx := db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}
