package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ComplaintType string

const (
	ComplaintBookCondition ComplaintType = "book-condition"
	ComplaintDelivery      ComplaintType = "delivery"
	ComplaintUserBehavior  ComplaintType = "user-behavior"
	ComplaintOverdue       ComplaintType = "overdue"
	ComplaintOther         ComplaintType = "other"
)

func (t ComplaintType) Valid() bool {
	switch t {
	case ComplaintBookCondition, ComplaintDelivery, ComplaintUserBehavior, ComplaintOverdue, ComplaintOther:
		return true
	}
	return false
}

const (
	ComplaintPending       = "pending"
	ComplaintInvestigating = "investigating"
	ComplaintResolved      = "resolved"
	ComplaintClosed        = "closed"
)

// OpenComplaintStatuses are the statuses that still count as unresolved.
var OpenComplaintStatuses = []string{ComplaintPending, ComplaintInvestigating}

type Complaint struct {
	ID                string             `gorm:"type:varchar(36);primaryKey" json:"id"`
	OrderID           *string            `gorm:"type:varchar(36);index" json:"order_id,omitempty"`
	ComplainantID     uint               `gorm:"index;not null" json:"complainant_id"`
	RespondentID      *uint              `gorm:"index" json:"respondent_id,omitempty"`
	Type              ComplaintType      `gorm:"type:varchar(30);index;not null" json:"type"`
	Subject           string             `gorm:"size:255;not null" json:"subject"`
	Description       string             `gorm:"type:text" json:"description"`
	Status            string             `gorm:"size:20;index;not null" json:"status"`
	AdminResponse     string             `gorm:"type:text" json:"admin_response,omitempty"`
	IsSystemGenerated bool               `json:"is_system_generated"`
	DeductedAmount    decimal.Decimal    `gorm:"type:decimal(10,2)" json:"deducted_amount"`
	LastDeductionAt   *time.Time         `json:"last_deduction_at,omitempty"`
	OpenKey           *string            `gorm:"type:varchar(64);uniqueIndex" json:"-"` // set while a system complaint is open
	Messages          []ComplaintMessage `gorm:"foreignKey:ComplaintID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// OverdueKey identifies the one open overdue complaint an order may have.
func OverdueKey(orderID string) *string {
	k := "overdue:" + orderID
	return &k
}

func (c *Complaint) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

type ComplaintMessage struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ComplaintID string    `gorm:"type:varchar(36);index;not null" json:"complaint_id"`
	SenderID    uint      `gorm:"not null" json:"sender_id"`
	Body        string    `gorm:"type:text;not null" json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}
