package models

import "gorm.io/gorm"

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{}, &RefreshToken{},
		&Book{}, &CartItem{},
		&Checkout{}, &CheckoutItem{},
		&Order{}, &OrderBook{},
		&Payment{}, &PaymentSplit{}, &Refund{}, &Dispute{},
		&ProcessedEvent{}, &AuditLog{},
		&Complaint{}, &ComplaintMessage{},
		&Message{}, &ServiceFee{}, &SchedulerLock{},
	)
}
