package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BookStatus string

const (
	BookListed   BookStatus = "listed"
	BookUnlisted BookStatus = "unlisted"
	BookLent     BookStatus = "lent"
	BookSold     BookStatus = "sold"
)

const DefaultMaxLendingDays = 14

type Book struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	OwnerID        uint            `gorm:"index;not null" json:"owner_id"`
	Owner          *User           `gorm:"foreignKey:OwnerID" json:"-"`
	Title          string          `gorm:"size:255;not null" json:"title"`
	Author         string          `gorm:"size:255" json:"author"`
	ISBN           string          `gorm:"size:20" json:"isbn,omitempty"`
	Condition      string          `gorm:"size:30" json:"condition,omitempty"`
	Description    string          `gorm:"type:text" json:"description,omitempty"`
	Status         BookStatus      `gorm:"type:varchar(20);index;not null" json:"status"`
	CanRent        bool            `json:"can_rent"`
	CanSell        bool            `json:"can_sell"`
	SalePrice      decimal.Decimal `gorm:"type:decimal(10,2)" json:"sale_price"`
	Deposit        decimal.Decimal `gorm:"type:decimal(10,2)" json:"deposit"`
	MaxLendingDays int             `json:"max_lending_days"`
	DeliveryMethod string          `gorm:"size:20" json:"delivery_method"` // post, pickup, both
	Postcode       string          `gorm:"size:10" json:"postcode,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
