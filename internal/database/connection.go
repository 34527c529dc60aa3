// internal/database/connection.go
package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/pharma-custody-backend/internal/config"
	"github.com/javajoker/pharma-custody-backend/internal/models"
)

const uniqueViolationCode = "23505"

func Initialize(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
	}

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB
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

	logrus.WithFields(logrus.Fields{
		"host":     cfg.Host,
		"database": cfg.Database,
	}).Info("Database connection established")
	return db, nil
}

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

func Close(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		logrus.WithError(err).Error("Error getting underlying sql.DB")
		return
	}

	if err := sqlDB.Close(); err != nil {
		logrus.WithError(err).Error("Error closing database connection")
	} else {
		logrus.Info("Database connection closed")
	}
}

// Models lists every table owned by the service, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.BusinessEntity{},
		&models.Drug{},
		&models.ProductionRecord{},
		&models.Token{},
		&models.ManufacturerInvoice{},
		&models.CommercialInvoice{},
		&models.InvoiceToken{},
		&models.ProofOfDistribution{},
		&models.ProofOfPharmacy{},
		&models.AuditLog{},
		&models.AdminNotification{},
	}
}

func RunMigrations(db *gorm.DB) error {
	logrus.Info("Running database migrations")

	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	createIndexes(db)

	logrus.Info("Database migrations completed")
	return nil
}

func createIndexes(db *gorm.DB) {
	indexes := []string{
		// Registry lookups: owner + status drives ownership checks and the resolver fallback
		"CREATE INDEX IF NOT EXISTS idx_tokens_owner_status ON tokens(owner_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_tokens_production_status ON tokens(production_record_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_tokens_drug_status ON tokens(drug_id, status)",

		// Invoices
		"CREATE INDEX IF NOT EXISTS idx_manufacturer_invoices_from_status ON manufacturer_invoices(from_manufacturer_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_manufacturer_invoices_to_status ON manufacturer_invoices(to_distributor_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_manufacturer_invoices_confirmation ON manufacturer_invoices(confirmation_state, updated_at)",
		"CREATE INDEX IF NOT EXISTS idx_commercial_invoices_from_status ON commercial_invoices(from_distributor_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_commercial_invoices_to_status ON commercial_invoices(to_pharmacy_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_commercial_invoices_confirmation ON commercial_invoices(confirmation_state, updated_at)",

		// Catalog
		"CREATE INDEX IF NOT EXISTS idx_drugs_manufacturer_status ON drugs(manufacturer_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_production_records_manufacturer ON production_records(manufacturer_id, created_at)",

		// Admin
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_user_action ON audit_logs(user_id, action)",
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource_type, resource_id)",
		"CREATE INDEX IF NOT EXISTS idx_admin_notifications_status ON admin_notifications(status, priority)",
	}

	for _, index := range indexes {
		if err := db.Exec(index).Error; err != nil {
			// Continue with other indexes instead of failing completely
			logrus.WithError(err).WithField("index", index).Warn("Failed to create index")
		}
	}
}

// SeedInitialData creates the system administrator account when none exists.
func SeedInitialData(db *gorm.DB, adminPassword string) error {
	var adminCount int64
	if err := db.Model(&models.User{}).Where("role = ?", models.RoleSystemAdmin).Count(&adminCount).Error; err != nil {
		return fmt.Errorf("failed to count admins: %w", err)
	}
	if adminCount > 0 {
		return nil
	}

	admin := &models.User{
		Username: "admin",
		Email:    "admin@pharma-custody.local",
		Role:     models.RoleSystemAdmin,
		Status:   models.UserStatusActive,
		FullName: "System Administrator",
	}
	if err := admin.SetPassword(adminPassword); err != nil {
		return fmt.Errorf("failed to set admin password: %w", err)
	}
	if err := db.Create(admin).Error; err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	logrus.WithField("username", admin.Username).Info("Default admin user created")
	return nil
}

// Transaction helper
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

// IsUniqueViolation reports whether err is a unique constraint violation on
// Postgres (SQLSTATE 23505) or SQLite.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
