package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ActionType string

const (
	ActionBorrow   ActionType = "borrow"
	ActionPurchase ActionType = "purchase"
)

func (a ActionType) Valid() bool { return a == ActionBorrow || a == ActionPurchase }

type OrderStatus string

const (
	StatusPendingPayment  OrderStatus = "PENDING_PAYMENT"
	StatusPendingShipment OrderStatus = "PENDING_SHIPMENT"
	StatusBorrowing       OrderStatus = "BORROWING"
	StatusOverdue         OrderStatus = "OVERDUE"
	StatusReturned        OrderStatus = "RETURNED"
	StatusCompleted       OrderStatus = "COMPLETED"
	StatusCanceled        OrderStatus = "CANCELED"
)

var AllOrderStatuses = []OrderStatus{
	StatusPendingPayment,
	StatusPendingShipment,
	StatusBorrowing,
	StatusOverdue,
	StatusReturned,
	StatusCompleted,
	StatusCanceled,
}

func (s OrderStatus) Valid() bool {
	for _, v := range AllOrderStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s OrderStatus) Terminal() bool { return s == StatusCompleted || s == StatusCanceled }

type edge struct{ from, to OrderStatus }

// transitions maps each legal edge to the action types allowed to take it.
// An empty list means any action type.
var transitions = map[edge][]ActionType{
	{StatusPendingPayment, StatusPendingShipment}: nil,
	{StatusPendingShipment, StatusBorrowing}:      {ActionBorrow},
	{StatusBorrowing, StatusOverdue}:              {ActionBorrow},
	{StatusBorrowing, StatusReturned}:             {ActionBorrow},
	{StatusOverdue, StatusReturned}:               {ActionBorrow},
	{StatusReturned, StatusCompleted}:             {ActionBorrow},
	{StatusOverdue, StatusCompleted}:              {ActionBorrow},
	{StatusBorrowing, StatusCompleted}:            {ActionBorrow},
	{StatusPendingShipment, StatusCompleted}:      {ActionPurchase},
	{StatusPendingPayment, StatusCanceled}:        nil,
	{StatusPendingShipment, StatusCanceled}:       nil,
}

// CanTransition reports whether an order of the given action type may move
// from one status to another.
func CanTransition(from, to OrderStatus, action ActionType) bool {
	allowed, ok := transitions[edge{from, to}]
	if !ok {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == action {
			return true
		}
	}
	return false
}

// SourcesFor lists every status an order of the given action type may leave
// to reach `to`.
func SourcesFor(to OrderStatus, action ActionType) []OrderStatus {
	var out []OrderStatus
	for _, from := range AllOrderStatuses {
		if CanTransition(from, to, action) {
			out = append(out, from)
		}
	}
	return out
}

const (
	CarrierAusPost = "AUSPOST"
	CarrierOther   = "OTHER"

	ShipPost   = "post"
	ShipPickup = "pickup"
)

type Order struct {
	ID         string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	CheckoutID string      `gorm:"type:varchar(36);index" json:"checkout_id"`
	OwnerID    uint        `gorm:"index;not null" json:"owner_id"`
	BorrowerID uint        `gorm:"index;not null" json:"borrower_id"`
	ActionType ActionType  `gorm:"type:varchar(20);not null" json:"action_type"`
	Status     OrderStatus `gorm:"type:varchar(30);index;not null" json:"status"`

	ShippingMethod string `gorm:"type:varchar(20)" json:"shipping_method"`

	DepositOrSaleAmount  decimal.Decimal `gorm:"type:decimal(10,2)" json:"deposit_or_sale_amount"`
	ServiceFeeAmount     decimal.Decimal `gorm:"type:decimal(10,2)" json:"service_fee_amount"`
	ShippingOutFeeAmount decimal.Decimal `gorm:"type:decimal(10,2)" json:"shipping_out_fee_amount"`
	TotalPaidAmount      decimal.Decimal `gorm:"type:decimal(10,2)" json:"total_paid_amount"`
	TotalRefundedAmount  decimal.Decimal `gorm:"type:decimal(10,2)" json:"total_refunded_amount"`
	LateFeeAmount        decimal.Decimal `gorm:"type:decimal(10,2)" json:"late_fee_amount"`
	DamageFeeAmount      decimal.Decimal `gorm:"type:decimal(10,2)" json:"damage_fee_amount"`

	ShippingOutCarrier           string `gorm:"size:20" json:"shipping_out_carrier,omitempty"`
	ShippingOutTrackingNumber    string `gorm:"size:100" json:"shipping_out_tracking_number,omitempty"`
	ShippingOutTrackingURL       string `gorm:"size:255" json:"shipping_out_tracking_url,omitempty"`
	ShippingReturnCarrier        string `gorm:"size:20" json:"shipping_return_carrier,omitempty"`
	ShippingReturnTrackingNumber string `gorm:"size:100" json:"shipping_return_tracking_number,omitempty"`
	ShippingReturnTrackingURL    string `gorm:"size:255" json:"shipping_return_tracking_url,omitempty"`
	EstimatedDeliveryTime        int    `json:"estimated_delivery_time,omitempty"` // days

	ContactName string `gorm:"size:100" json:"contact_name"`
	Phone       string `gorm:"size:30" json:"phone"`
	Street      string `gorm:"size:255" json:"street"`
	City        string `gorm:"size:100" json:"city"`
	Postcode    string `gorm:"size:10" json:"postcode"`
	Country     string `gorm:"size:60" json:"country"`

	StartAt     *time.Time `json:"start_at,omitempty"`
	DueAt       *time.Time `gorm:"index" json:"due_at,omitempty"`
	ReturnedAt  *time.Time `json:"returned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CanceledAt  *time.Time `json:"canceled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Books []OrderBook `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"books,omitempty"`
}

func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}

type OrderBook struct {
	OrderID string `gorm:"type:varchar(36);primaryKey" json:"order_id"`
	BookID  uint   `gorm:"primaryKey" json:"book_id"`
	Book    Book   `gorm:"foreignKey:BookID" json:"book"`
}
