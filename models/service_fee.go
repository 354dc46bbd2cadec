package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	FeeFixed   = "FIXED"
	FeePercent = "PERCENT"
)

type ServiceFee struct {
	ID        uint            `gorm:"primaryKey" json:"fee_id"`
	Name      string          `gorm:"size:100" json:"name"`
	FeeType   string          `gorm:"size:10;not null" json:"fee_type"`
	Value     decimal.Decimal `gorm:"type:decimal(10,2)" json:"value"`
	Status    bool            `gorm:"index" json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}
