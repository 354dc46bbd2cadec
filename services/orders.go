package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ChienAnTu/Bookhive/events"
	"github.com/ChienAnTu/Bookhive/models"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultLendingDays       = 20
	defaultReturnTransitDays = 3

	auspostTrackURL = "https://auspost.com.au/mypost/track/details/"
)

type OrderService struct {
	db     *gorm.DB
	events events.Publisher
	clock  clock
}

func NewOrderService(db *gorm.DB, pub events.Publisher) *OrderService {
	return &OrderService{db: db, events: pub}
}

// ShipmentInfo is the tracking data an owner or borrower attaches to a parcel.
type ShipmentInfo struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
	TrackingURL    string `json:"tracking_url"`
	EstimatedDays  int    `json:"estimated_delivery_time"`
}

func (s ShipmentInfo) normalize(requireTracking bool) (ShipmentInfo, error) {
	s.Carrier = strings.ToUpper(strings.TrimSpace(s.Carrier))
	if s.Carrier == "" {
		s.Carrier = models.CarrierOther
	}
	if s.Carrier != models.CarrierAusPost && s.Carrier != models.CarrierOther {
		return s, Validation("carrier must be %s or %s", models.CarrierAusPost, models.CarrierOther)
	}
	s.TrackingNumber = strings.TrimSpace(s.TrackingNumber)
	if requireTracking && s.TrackingNumber == "" {
		return s, Validation("tracking_number is required for posted orders")
	}
	if s.Carrier == models.CarrierAusPost && s.TrackingURL == "" && s.TrackingNumber != "" {
		s.TrackingURL = auspostTrackURL + url.PathEscape(s.TrackingNumber)
	}
	if s.EstimatedDays < 0 {
		return s, Validation("estimated_delivery_time cannot be negative")
	}
	return s, nil
}

type groupKey struct {
	owner  uint
	action models.ActionType
}

// CreateOrders turns a pending checkout into orders awaiting payment.
func (s *OrderService) CreateOrders(ctx context.Context, actor Actor, checkoutID string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		checkout, err := loadCheckout(tx, checkoutID)
		if err != nil {
			return err
		}
		if checkout.UserID != actor.UserID && !actor.IsAdmin() {
			return Forbidden("access denied")
		}
		orders, err = s.createFromCheckout(tx, checkout, checkout.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i := range orders {
		s.emit(ctx, events.OrderCreated, &orders[i], "")
	}
	return orders, nil
}

// createFromCheckout creates one order per (owner, action type) group. It
// must run inside a transaction.
func (s *OrderService) createFromCheckout(tx *gorm.DB, checkout *models.Checkout, buyerID uint) ([]models.Order, error) {
	if checkout.Status != models.CheckoutPending {
		return nil, Conflict("checkout %s is already %s", checkout.ID, strings.ToLower(checkout.Status))
	}
	if len(checkout.Items) == 0 {
		return nil, Validation("checkout %s has no items", checkout.ID)
	}

	var keys []groupKey
	groups := make(map[groupKey][]models.CheckoutItem)
	for _, item := range checkout.Items {
		book, err := validateCheckoutItem(tx, item, buyerID)
		if err != nil {
			return nil, err
		}
		k := groupKey{owner: book.OwnerID, action: item.ActionType}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], item)
	}

	rule, err := activeServiceFee(tx)
	if err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(keys))
	for _, k := range keys {
		items := groups[k]
		base, shipping, fee := orderAmounts(items, rule)

		method := models.ShipPickup
		if items[0].ShippingMethod == models.ShippingDelivery {
			method = models.ShipPost
		}

		order := models.Order{
			CheckoutID:           checkout.ID,
			OwnerID:              k.owner,
			BorrowerID:           buyerID,
			ActionType:           k.action,
			Status:               models.StatusPendingPayment,
			ShippingMethod:       method,
			DepositOrSaleAmount:  base,
			ServiceFeeAmount:     fee,
			ShippingOutFeeAmount: shipping,
			TotalPaidAmount:      base.Add(fee).Add(shipping),
			ContactName:          checkout.ContactName,
			Phone:                checkout.Phone,
			Street:               checkout.Street,
			City:                 checkout.City,
			Postcode:             checkout.Postcode,
			Country:              checkout.Country,
		}
		if err := tx.Omit(clause.Associations).Create(&order).Error; err != nil {
			return nil, fmt.Errorf("create order: %w", err)
		}

		for _, item := range items {
			if err := tx.Omit(clause.Associations).Create(&models.OrderBook{OrderID: order.ID, BookID: item.BookID}).Error; err != nil {
				return nil, fmt.Errorf("attach book %d: %w", item.BookID, err)
			}
			res := tx.Model(&models.Book{}).
				Where("id = ? AND status = ?", item.BookID, models.BookListed).
				Update("status", models.BookUnlisted)
			if res.Error != nil {
				return nil, res.Error
			}
			if res.RowsAffected == 0 {
				return nil, Conflict("book %d is no longer available", item.BookID)
			}
		}
		orders = append(orders, order)
	}

	res := tx.Model(&models.Checkout{}).
		Where("id = ? AND status = ?", checkout.ID, models.CheckoutPending).
		Update("status", models.CheckoutCompleted)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, Conflict("checkout %s was completed concurrently", checkout.ID)
	}
	checkout.Status = models.CheckoutCompleted

	log.Info().Str("checkout", checkout.ID).Int("orders", len(orders)).Msg("orders created from checkout")
	return orders, nil
}

func validateCheckoutItem(tx *gorm.DB, item models.CheckoutItem, buyerID uint) (*models.Book, error) {
	if !item.ActionType.Valid() {
		return nil, Validation("invalid action_type %q", item.ActionType)
	}
	var book models.Book
	if err := tx.First(&book, item.BookID).Error; err != nil {
		return nil, notFoundOr(err, "book %d not found", item.BookID)
	}
	if book.Status != models.BookListed {
		return nil, Validation("book %q is not available (status %s)", book.Title, book.Status)
	}
	if book.OwnerID == buyerID {
		return nil, Validation("you cannot borrow or buy your own book %q", book.Title)
	}
	if item.ActionType == models.ActionBorrow && !book.CanRent {
		return nil, Validation("book %q is not available for borrowing", book.Title)
	}
	if item.ActionType == models.ActionPurchase && !book.CanSell {
		return nil, Validation("book %q is not for sale", book.Title)
	}
	return &book, nil
}

// orderAmounts returns the deposit-or-sale base, the outbound shipping and
// the service fee for one group. Several posted items ship once.
func orderAmounts(items []models.CheckoutItem, rule *models.ServiceFee) (base, shipping, fee decimal.Decimal) {
	for _, item := range items {
		if item.ActionType == models.ActionPurchase {
			base = base.Add(item.Price)
		} else {
			base = base.Add(item.Deposit)
		}
	}
	for _, item := range items {
		if item.ShippingMethod == models.ShippingDelivery {
			shipping = item.ShippingQuote
			break
		}
	}
	return base, shipping, serviceFee(rule, base)
}

func activeServiceFee(tx *gorm.DB) (*models.ServiceFee, error) {
	var fee models.ServiceFee
	err := tx.Where("status = ?", true).Order("created_at DESC").Order("id DESC").Limit(1).Find(&fee).Error
	if err != nil {
		return nil, err
	}
	if fee.ID == 0 {
		return nil, nil
	}
	return &fee, nil
}

func serviceFee(rule *models.ServiceFee, base decimal.Decimal) decimal.Decimal {
	if rule == nil {
		return decimal.Zero
	}
	switch strings.ToUpper(rule.FeeType) {
	case models.FeeFixed:
		return rule.Value
	case models.FeePercent:
		return base.Mul(rule.Value).Div(decimal.NewFromInt(100)).Round(2)
	}
	return decimal.Zero
}

// confirmPayment moves a freshly paid order on to shipment. Orders in any
// other status are left alone.
func (s *OrderService) confirmPayment(tx *gorm.DB, o *models.Order) error {
	if o.Status != models.StatusPendingPayment {
		return nil
	}
	return s.transition(tx, o, models.StatusPendingShipment, nil)
}

// MarkShipped records outbound tracking. Borrow orders start their lending
// period; purchase orders wait for completion.
func (s *OrderService) MarkShipped(ctx context.Context, actor Actor, orderID string, info ShipmentInfo) (*models.Order, error) {
	var order *models.Order
	var from models.OrderStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := loadOrder(tx, orderID)
		if err != nil {
			return err
		}
		if o.OwnerID != actor.UserID && !actor.IsAdmin() {
			return Forbidden("only the owner can mark order %s as shipped", o.ID)
		}
		if o.Status != models.StatusPendingShipment {
			return Conflict("order %s is %s, expected %s", o.ID, o.Status, models.StatusPendingShipment)
		}
		shipment, err := info.normalize(o.ShippingMethod == models.ShipPost)
		if err != nil {
			return err
		}

		fields := map[string]any{
			"shipping_out_carrier":         shipment.Carrier,
			"shipping_out_tracking_number": shipment.TrackingNumber,
			"shipping_out_tracking_url":    shipment.TrackingURL,
		}
		if shipment.EstimatedDays > 0 {
			fields["estimated_delivery_time"] = shipment.EstimatedDays
		}
		from = o.Status

		if o.ActionType == models.ActionBorrow {
			ids, err := bookIDs(tx, o.ID)
			if err != nil {
				return err
			}
			days, err := lendingDays(tx, ids)
			if err != nil {
				return err
			}
			now := s.clock.now()
			fields["start_at"] = now
			fields["due_at"] = now.AddDate(0, 0, days)
			if err := s.transition(tx, o, models.StatusBorrowing, fields); err != nil {
				return err
			}
			if err := setBookStatus(tx, ids, []models.BookStatus{models.BookUnlisted}, models.BookLent); err != nil {
				return err
			}
		} else {
			res := tx.Model(&models.Order{}).
				Where("id = ? AND status = ? AND (shipping_out_carrier IS NULL OR shipping_out_carrier = '')",
					o.ID, models.StatusPendingShipment).
				Updates(fields)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return Conflict("order %s was already marked as shipped", o.ID)
			}
		}

		order, err = loadOrder(tx, o.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if order.Status != from {
		s.emit(ctx, events.OrderStatusChanged, order, from)
	}
	log.Info().Str("order", order.ID).Str("status", string(order.Status)).Msg("order shipped")
	return order, nil
}

// ConfirmReturnShipment records the borrower's return parcel.
func (s *OrderService) ConfirmReturnShipment(ctx context.Context, actor Actor, orderID string, info ShipmentInfo) (*models.Order, error) {
	var order *models.Order
	var from models.OrderStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := loadOrder(tx, orderID)
		if err != nil {
			return err
		}
		if o.BorrowerID != actor.UserID && !actor.IsAdmin() {
			return Forbidden("only the borrower can return order %s", o.ID)
		}
		if o.Status != models.StatusBorrowing && o.Status != models.StatusOverdue {
			return Conflict("order %s is %s and cannot be returned", o.ID, o.Status)
		}
		shipment, err := info.normalize(o.ShippingMethod == models.ShipPost)
		if err != nil {
			return err
		}

		fields := map[string]any{
			"shipping_return_carrier":         shipment.Carrier,
			"shipping_return_tracking_number": shipment.TrackingNumber,
			"shipping_return_tracking_url":    shipment.TrackingURL,
			"returned_at":                     s.clock.now(),
		}
		if shipment.EstimatedDays > 0 {
			fields["estimated_delivery_time"] = shipment.EstimatedDays
		}
		from = o.Status
		if err := s.transition(tx, o, models.StatusReturned, fields); err != nil {
			return err
		}
		order, err = loadOrder(tx, o.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.OrderStatusChanged, order, from)
	return order, nil
}

func (s *OrderService) completePurchase(tx *gorm.DB, o *models.Order) error {
	if o.ActionType != models.ActionPurchase {
		return Validation("order %s is not a purchase", o.ID)
	}
	if err := s.transition(tx, o, models.StatusCompleted, map[string]any{"completed_at": s.clock.now()}); err != nil {
		return err
	}
	ids, err := bookIDs(tx, o.ID)
	if err != nil {
		return err
	}
	return setBookStatus(tx, ids, nil, models.BookSold)
}

func (s *OrderService) completeBorrow(tx *gorm.DB, o *models.Order) error {
	if o.ActionType != models.ActionBorrow {
		return Validation("order %s is not a borrow", o.ID)
	}
	if err := s.transition(tx, o, models.StatusCompleted, map[string]any{"completed_at": s.clock.now()}); err != nil {
		return err
	}
	ids, err := bookIDs(tx, o.ID)
	if err != nil {
		return err
	}
	return setBookStatus(tx, ids, []models.BookStatus{models.BookLent, models.BookUnlisted}, models.BookListed)
}

// Cancel stops an order that has not left the owner yet and relists its books.
func (s *OrderService) Cancel(ctx context.Context, actor Actor, orderID string) (*models.Order, error) {
	var order *models.Order
	var from models.OrderStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := loadOrder(tx, orderID)
		if err != nil {
			return err
		}
		if o.BorrowerID != actor.UserID && !actor.IsAdmin() {
			return Forbidden("not authorized to cancel order %s", o.ID)
		}
		from = o.Status
		if !models.CanTransition(o.Status, models.StatusCanceled, o.ActionType) {
			return Conflict("cannot cancel order with status %s", o.Status)
		}
		// A parcel is already on its way: only an admin may cancel, and the
		// books stay unlisted until the owner has them back.
		shipped := o.ShippingOutTrackingNumber != ""
		if shipped && !actor.IsAdmin() {
			return Conflict("order %s has already been shipped", o.ID)
		}
		if err := s.transition(tx, o, models.StatusCanceled, map[string]any{"canceled_at": s.clock.now()}); err != nil {
			return err
		}
		if shipped {
			if err := audit(tx, "cancel_after_shipment", o.ID, actor.label(),
				"tracking "+o.ShippingOutTrackingNumber); err != nil {
				return err
			}
		} else {
			ids, err := bookIDs(tx, o.ID)
			if err != nil {
				return err
			}
			if err := setBookStatus(tx, ids, []models.BookStatus{models.BookUnlisted}, models.BookListed); err != nil {
				return err
			}
		}
		order, err = loadOrder(tx, o.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.OrderCanceled, order, from)
	return order, nil
}

type OrderFilter struct {
	Status string
	Search string
}

// List returns the orders the actor takes part in, newest first. Admins see all.
func (s *OrderService) List(ctx context.Context, actor Actor, f OrderFilter) ([]models.Order, error) {
	q := s.db.WithContext(ctx).Model(&models.Order{}).Preload("Books.Book")
	if !actor.IsAdmin() {
		q = q.Where("(borrower_id = ? OR owner_id = ?)", actor.UserID, actor.UserID)
	}
	if f.Status != "" && !strings.EqualFold(f.Status, "all") {
		st := models.OrderStatus(strings.ToUpper(f.Status))
		if !st.Valid() {
			return nil, Validation("unknown order status %q", f.Status)
		}
		q = q.Where("status = ?", st)
	}
	if f.Search != "" {
		like := "%" + strings.ToLower(strings.TrimSpace(f.Search)) + "%"
		q = q.Where(`(LOWER(orders.id) LIKE ? OR EXISTS (
			SELECT 1 FROM order_books ob JOIN books b ON b.id = ob.book_id
			WHERE ob.order_id = orders.id AND (LOWER(b.title) LIKE ? OR LOWER(b.author) LIKE ?)))`,
			like, like, like)
	}

	var orders []models.Order
	if err := q.Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *OrderService) Get(ctx context.Context, actor Actor, orderID string) (*models.Order, error) {
	var o models.Order
	if err := s.db.WithContext(ctx).Preload("Books.Book").First(&o, "id = ?", orderID).Error; err != nil {
		return nil, notFoundOr(err, "order %s not found", orderID)
	}
	if !actor.IsAdmin() && o.BorrowerID != actor.UserID && o.OwnerID != actor.UserID {
		return nil, Forbidden("not authorized to view order %s", orderID)
	}
	return &o, nil
}

type Tracking struct {
	OrderID        string             `json:"order_id"`
	Direction      string             `json:"direction"` // outbound or return
	Carrier        string             `json:"carrier"`
	TrackingNumber string             `json:"tracking_number"`
	TrackingURL    string             `json:"tracking_url,omitempty"`
	Status         models.OrderStatus `json:"status"`
}

// TrackingNumbers lists every parcel tracking number on the actor's orders.
func (s *OrderService) TrackingNumbers(ctx context.Context, actor Actor) ([]Tracking, error) {
	var orders []models.Order
	err := s.db.WithContext(ctx).
		Where("(borrower_id = ? OR owner_id = ?)", actor.UserID, actor.UserID).
		Where("(shipping_out_tracking_number <> '' OR shipping_return_tracking_number <> '')").
		Order("created_at DESC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}

	var out []Tracking
	for _, o := range orders {
		if o.ShippingOutTrackingNumber != "" {
			out = append(out, Tracking{o.ID, "outbound", o.ShippingOutCarrier, o.ShippingOutTrackingNumber, o.ShippingOutTrackingURL, o.Status})
		}
		if o.ShippingReturnTrackingNumber != "" {
			out = append(out, Tracking{o.ID, "return", o.ShippingReturnCarrier, o.ShippingReturnTrackingNumber, o.ShippingReturnTrackingURL, o.Status})
		}
	}
	return out, nil
}

// transition performs a compare-and-set on the order status. A concurrent
// change makes it fail with a conflict and leaves the row untouched.
func (s *OrderService) transition(tx *gorm.DB, o *models.Order, to models.OrderStatus, fields map[string]any) error {
	from := o.Status
	if !models.CanTransition(from, to, o.ActionType) {
		return Conflict("order %s cannot move from %s to %s", o.ID, from, to)
	}
	updates := map[string]any{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := tx.Model(&models.Order{}).Where("id = ? AND status = ?", o.ID, from).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update order %s: %w", o.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return Conflict("order %s was modified concurrently", o.ID)
	}
	o.Status = to
	return nil
}

func (s *OrderService) emit(ctx context.Context, key string, o *models.Order, from models.OrderStatus) {
	events.Emit(ctx, s.events, key, events.OrderEvent{
		OrderID:    o.ID,
		ActionType: string(o.ActionType),
		From:       string(from),
		To:         string(o.Status),
		At:         s.clock.now(),
	})
}

func loadOrder(tx *gorm.DB, id string) (*models.Order, error) {
	var o models.Order
	if err := tx.First(&o, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "order %s not found", id)
	}
	return &o, nil
}

func loadCheckout(tx *gorm.DB, id string) (*models.Checkout, error) {
	var c models.Checkout
	if err := tx.Preload("Items").First(&c, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "checkout %s not found", id)
	}
	return &c, nil
}

func bookIDs(tx *gorm.DB, orderID string) ([]uint, error) {
	var ids []uint
	err := tx.Model(&models.OrderBook{}).Where("order_id = ?", orderID).Pluck("book_id", &ids).Error
	return ids, err
}

// lendingDays is the longest lending period among the books, or the
// platform default when none is set.
func lendingDays(tx *gorm.DB, ids []uint) (int, error) {
	if len(ids) == 0 {
		return defaultLendingDays, nil
	}
	var days []int
	if err := tx.Model(&models.Book{}).Where("id IN ?", ids).Pluck("max_lending_days", &days).Error; err != nil {
		return 0, err
	}
	longest := 0
	for _, d := range days {
		if d > longest {
			longest = d
		}
	}
	if longest <= 0 {
		return defaultLendingDays, nil
	}
	return longest, nil
}

func setBookStatus(tx *gorm.DB, ids []uint, from []models.BookStatus, to models.BookStatus) error {
	if len(ids) == 0 {
		return nil
	}
	q := tx.Model(&models.Book{}).Where("id IN ?", ids)
	if len(from) > 0 {
		q = q.Where("status IN ?", from)
	}
	return q.Update("status", to).Error
}
