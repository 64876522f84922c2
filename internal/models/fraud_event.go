package models

import (
	"time"

	"gorm.io/datatypes"
)

// Fraud signal kinds observed during coupon redemption.
const (
	// FraudVelocity flags too many redemptions by one subject in the trailing window.
	FraudVelocity = "velocity"
	// FraudBotSignature flags a bot-like client signature.
	FraudBotSignature = "bot_signature"
	// FraudDeviceMismatch flags an inconsistent device fingerprint.
	FraudDeviceMismatch = "device_mismatch"
	// FraudIPSwitch flags a client address change between redemptions.
	FraudIPSwitch = "ip_switch"
)

// FraudEvent records a fraud signal for later review. Blocking events refused
// the redemption; non-blocking events are informational only.
type FraudEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	SubjectID  string `gorm:"type:varchar(255);not null;index"` // Subject the signal applies to.
	CouponCode string `gorm:"type:varchar(255);index"`          // Coupon involved, if any.

	Kind     string `gorm:"type:varchar(32);not null;index"` // Signal kind.
	Blocking bool   `gorm:"not null;default:false"`          // Whether the signal refused the redemption.

	Detail datatypes.JSON `gorm:"type:jsonb"` // Structured signal context.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Observation timestamp.
}
