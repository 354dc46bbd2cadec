package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	PaymentRequiresPaymentMethod = "requires_payment_method"
	PaymentRequiresConfirmation  = "requires_confirmation"
	PaymentRequiresAction        = "requires_action"
	PaymentRequiresCapture       = "requires_capture"
	PaymentProcessing            = "processing"
	PaymentSucceeded             = "succeeded"
	PaymentFailed                = "failed"
	PaymentCanceled              = "canceled"
	PaymentRefunded              = "refunded"
	PaymentPartiallyRefunded     = "partially_refunded"
)

// Payment mirrors one processor charge. Amounts are in cents.
type Payment struct {
	ID               string    `gorm:"type:varchar(64);primaryKey" json:"payment_id"`
	UserID           uint      `gorm:"index;not null" json:"user_id"`
	CheckoutID       string    `gorm:"type:varchar(36);index" json:"checkout_id,omitempty"`
	Amount           int64     `gorm:"not null" json:"amount"`
	Currency         string    `gorm:"size:10;not null" json:"currency"`
	Status           string    `gorm:"size:40;not null" json:"status"`
	DepositCents     int64     `json:"deposit"`
	ShippingFeeCents int64     `json:"shipping_fee"`
	ServiceFeeCents  int64     `json:"service_fee"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PaymentSplit records how one order's share of a payment is settled.
// DepositReleasedCents only grows; Version guards concurrent releases.
type PaymentSplit struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	PaymentID            string    `gorm:"type:varchar(64);index;not null" json:"payment_id"`
	OrderID              string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"order_id"`
	OwnerID              uint      `gorm:"index;not null" json:"owner_id"`
	ConnectedAccountID   string    `gorm:"size:64" json:"connected_account_id"`
	Currency             string    `gorm:"size:10" json:"currency"`
	DepositCents         int64     `json:"deposit_cents"`
	ShippingCents        int64     `json:"shipping_cents"`
	ServiceFeeCents      int64     `json:"service_fee_cents"`
	TransferAmountCents  int64     `json:"transfer_amount_cents"`
	TransferID           string    `gorm:"size:64" json:"transfer_id,omitempty"`
	TransferStatus       string    `gorm:"size:30" json:"transfer_status,omitempty"`
	DepositReleasedCents int64     `gorm:"not null;default:0" json:"deposit_released_cents"`
	Version              int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (s PaymentSplit) Refundable() int64 {
	if r := s.DepositCents - s.DepositReleasedCents; r > 0 {
		return r
	}
	return 0
}

type Refund struct {
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"refund_id"`
	PaymentID string    `gorm:"type:varchar(64);index;not null" json:"payment_id"`
	OrderID   *string   `gorm:"type:varchar(36);index" json:"order_id,omitempty"`
	Amount    int64     `gorm:"not null" json:"amount"`
	Currency  string    `gorm:"size:10" json:"currency"`
	Status    string    `gorm:"size:30" json:"status"`
	Reason    string    `gorm:"size:100" json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	DisputeOpen      = "open"
	DisputeAdjusted  = "adjusted"
	DisputeOverruled = "overruled"
)

type Dispute struct {
	ID             string     `gorm:"type:varchar(36);primaryKey" json:"dispute_id"`
	PaymentID      string     `gorm:"type:varchar(64);index;not null" json:"payment_id"`
	OrderID        *string    `gorm:"type:varchar(36);index" json:"order_id,omitempty"`
	UserID         uint       `gorm:"not null" json:"user_id"`
	Reason         string     `gorm:"size:255;not null" json:"reason"`
	Note           string     `gorm:"type:text" json:"note,omitempty"`
	Status         string     `gorm:"size:20;index;not null" json:"status"`
	DeductionCents int64      `json:"deduction_cents"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (d *Dispute) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// ProcessedEvent holds the ids of processor webhook events already applied.
type ProcessedEvent struct {
	EventID     string    `gorm:"type:varchar(100);primaryKey"`
	Type        string    `gorm:"size:100"`
	ProcessedAt time.Time `gorm:"autoCreateTime"`
}

type AuditLog struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	EventType   string    `gorm:"size:60;index;not null" json:"event_type"`
	ReferenceID string    `gorm:"size:100;index" json:"reference_id,omitempty"`
	Actor       string    `gorm:"size:60" json:"actor,omitempty"`
	Message     string    `gorm:"type:text" json:"message,omitempty"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}
