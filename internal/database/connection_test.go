// internal/database/connection_test.go
package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/pharma-custody-backend/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return db
}

func TestRunMigrationsAndSeed(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, RunMigrations(db))
	require.NoError(t, SeedInitialData(db, "Admin123!"))
	require.NoError(t, SeedInitialData(db, "Admin123!"))

	var admins []models.User
	require.NoError(t, db.Where("role = ?", models.RoleSystemAdmin).Find(&admins).Error)
	require.Len(t, admins, 1)
	assert.NotEqual(t, uuid.Nil, admins[0].ID)
	assert.NoError(t, admins[0].CheckPassword("Admin123!"))
}

func TestWithTransactionRollsBack(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, RunMigrations(db))

	err := WithTransaction(db, func(tx *gorm.DB) error {
		if err := tx.Create(&models.AdminNotification{Type: "x", Title: "t", Message: "m"}).Error; err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	var count int64
	db.Model(&models.AdminNotification{}).Count(&count)
	assert.Zero(t, count)
}

func TestIsUniqueViolation(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, RunMigrations(db))

	drug := models.Drug{TradeName: "A", ATCCode: "N02BE01", ManufacturerID: uuid.New(), Status: models.DrugStatusActive}
	require.NoError(t, db.Create(&drug).Error)
	dup := models.Drug{TradeName: "B", ATCCode: "N02BE01", ManufacturerID: uuid.New(), Status: models.DrugStatusActive}
	err := db.Create(&dup).Error
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(nil))
}
