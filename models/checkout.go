package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	CheckoutPending   = "PENDING"
	CheckoutCompleted = "COMPLETED"

	ShippingDelivery = "Delivery"
	ShippingPickup   = "Pickup"
)

type Checkout struct {
	ID          string          `gorm:"type:varchar(36);primaryKey" json:"checkout_id"`
	UserID      uint            `gorm:"index;not null" json:"user_id"`
	ContactName string          `gorm:"size:100" json:"contact_name"`
	Phone       string          `gorm:"size:30" json:"phone"`
	Street      string          `gorm:"size:255" json:"street"`
	City        string          `gorm:"size:100" json:"city"`
	Postcode    string          `gorm:"size:10" json:"postcode"`
	Country     string          `gorm:"size:60" json:"country"`
	Deposit     decimal.Decimal `gorm:"type:decimal(10,2)" json:"deposit"`
	BookFee     decimal.Decimal `gorm:"type:decimal(10,2)" json:"book_fee"`
	ShippingFee decimal.Decimal `gorm:"type:decimal(10,2)" json:"shipping_fee"`
	ServiceFee  decimal.Decimal `gorm:"type:decimal(10,2)" json:"service_fee"`
	Total       decimal.Decimal `gorm:"type:decimal(10,2)" json:"total_due"`
	Status      string          `gorm:"type:varchar(20);not null" json:"status"`
	Items       []CheckoutItem  `gorm:"foreignKey:CheckoutID;constraint:OnDelete:CASCADE" json:"items"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (c *Checkout) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

type CheckoutItem struct {
	ID             uint            `gorm:"primaryKey" json:"item_id"`
	CheckoutID     string          `gorm:"type:varchar(36);index;not null" json:"checkout_id"`
	BookID         uint            `gorm:"not null" json:"book_id"`
	OwnerID        uint            `gorm:"not null" json:"owner_id"`
	ActionType     ActionType      `gorm:"type:varchar(20);not null" json:"action_type"`
	Price          decimal.Decimal `gorm:"type:decimal(10,2)" json:"price"`
	Deposit        decimal.Decimal `gorm:"type:decimal(10,2)" json:"deposit"`
	ShippingMethod string          `gorm:"size:20" json:"shipping_method"`
	ShippingQuote  decimal.Decimal `gorm:"type:decimal(10,2)" json:"shipping_quote"`
	ServiceCode    string          `gorm:"size:40" json:"service_code,omitempty"`
}
