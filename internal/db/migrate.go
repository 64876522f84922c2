package db

import (
	"fmt"

	"github.com/router-for-me/CLIProxyAPILedger/internal/models"
	"gorm.io/gorm"
)

// Migrate applies the schema for all ledger models.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.UnitPrice{},
		&models.MarginRule{},
		&models.Balance{},
		&models.UsageRecord{},
		&models.DeductionRecord{},
		&models.Campaign{},
		&models.Coupon{},
		&models.CouponRedemption{},
		&models.SubscriptionTier{},
		&models.Subscription{},
		&models.ProrationEvent{},
		&models.FraudEvent{},
		&models.Setting{},
	)
}
