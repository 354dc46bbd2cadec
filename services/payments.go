package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ChienAnTu/Bookhive/events"
	"github.com/ChienAnTu/Bookhive/models"
	"github.com/ChienAnTu/Bookhive/payments"
	"github.com/ChienAnTu/Bookhive/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Refund reasons of the deposit workflow. Those refunds are reserved on the
// split before the processor is called.
const (
	reasonDepositReturn = "deposit_return"
	reasonDisputeAdjust = "dispute_adjust"
)

// Intent statuses from which a charge may still be canceled.
var cancellableIntentStatuses = map[string]bool{
	models.PaymentRequiresPaymentMethod: true,
	models.PaymentRequiresAction:        true,
	models.PaymentRequiresConfirmation:  true,
}

type PaymentService struct {
	db       *gorm.DB
	proc     payments.Processor
	orders   *OrderService
	events   events.Publisher
	currency string
	clock    clock
}

func NewPaymentService(db *gorm.DB, proc payments.Processor, orders *OrderService, pub events.Publisher, currency string) *PaymentService {
	if currency == "" {
		currency = "aud"
	}
	return &PaymentService{db: db, proc: proc, orders: orders, events: pub, currency: currency}
}

type InitiateInput struct {
	CheckoutID  string `json:"checkout_id"`
	Amount      *int64 `json:"amount"` // cents; overrides the sum of the parts
	Deposit     int64  `json:"deposit"`
	ShippingFee int64  `json:"shipping_fee"`
	ServiceFee  int64  `json:"service_fee"`
	Currency    string `json:"currency"`

	// IdempotencyKey lets a client retry one attempt safely. A call without
	// one always opens a fresh intent.
	IdempotencyKey string `json:"idempotency_key"`
}

type InitiateResult struct {
	PaymentID    string `json:"payment_id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// Initiate opens a processor charge for the amount due and mirrors it locally.
func (s *PaymentService) Initiate(ctx context.Context, actor Actor, in InitiateInput) (*InitiateResult, error) {
	if in.CheckoutID != "" {
		checkout, err := loadCheckout(s.db.WithContext(ctx), in.CheckoutID)
		if err != nil {
			return nil, err
		}
		if checkout.UserID != actor.UserID {
			return nil, Forbidden("checkout %s belongs to another user", checkout.ID)
		}
		if checkout.Status != models.CheckoutPending {
			return nil, Conflict("checkout %s is already completed", checkout.ID)
		}
		in.Deposit = utils.ToCents(checkout.Deposit)
		in.ShippingFee = utils.ToCents(checkout.ShippingFee)
		in.ServiceFee = utils.ToCents(checkout.ServiceFee)
		if in.Amount == nil {
			total := utils.ToCents(checkout.Total)
			in.Amount = &total
		}
	}

	total := in.Deposit + in.ShippingFee + in.ServiceFee
	if in.Amount != nil {
		total = *in.Amount
	}
	if total <= 0 {
		return nil, Validation("invalid total amount (cents) for payment")
	}
	currency := in.Currency
	if currency == "" {
		currency = s.currency
	}

	userID := strconv.FormatUint(uint64(actor.UserID), 10)
	attempt := strings.TrimSpace(in.IdempotencyKey)
	if attempt == "" {
		attempt = uuid.NewString()
	}
	intent, err := s.proc.CreateIntent(ctx, payments.IntentParams{
		Amount:   total,
		Currency: currency,
		Metadata: map[string]string{
			"type":         "payment",
			"user_id":      userID,
			"checkout_id":  in.CheckoutID,
			"deposit":      strconv.FormatInt(in.Deposit, 10),
			"shipping_fee": strconv.FormatInt(in.ShippingFee, 10),
			"service_fee":  strconv.FormatInt(in.ServiceFee, 10),
		},
		IdempotencyKey: "pi:init:" + userID + ":" + attempt,
	})
	if err != nil {
		return nil, Upstream(err)
	}

	payment := models.Payment{
		ID:               intent.ID,
		UserID:           actor.UserID,
		CheckoutID:       in.CheckoutID,
		Amount:           total,
		Currency:         currency,
		Status:           intent.Status,
		DepositCents:     in.Deposit,
		ShippingFeeCents: in.ShippingFee,
		ServiceFeeCents:  in.ServiceFee,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&payment).Error; err != nil {
			return err
		}
		return audit(tx, "payment_initiated", intent.ID, actor.label(), fmt.Sprintf("amount=%d %s", total, currency))
	})
	if err != nil {
		return nil, err
	}

	return &InitiateResult{
		PaymentID:    intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       intent.Status,
		Amount:       total,
		Currency:     currency,
	}, nil
}

func (s *PaymentService) loadPayment(tx *gorm.DB, actor Actor, id string) (*models.Payment, error) {
	var p models.Payment
	if err := tx.First(&p, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "payment %s not found", id)
	}
	if !actor.IsAdmin() && p.UserID != actor.UserID {
		return nil, Forbidden("not authorized for payment %s", id)
	}
	return &p, nil
}

func (s *PaymentService) Status(ctx context.Context, actor Actor, id string) (*models.Payment, error) {
	return s.loadPayment(s.db.WithContext(ctx), actor, id)
}

// List returns the actor's payments, newest first. Admins see all.
func (s *PaymentService) List(ctx context.Context, actor Actor) ([]models.Payment, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if !actor.IsAdmin() {
		q = q.Where("user_id = ?", actor.UserID)
	}
	var out []models.Payment
	err := q.Find(&out).Error
	return out, err
}

// Sync copies the processor's view of a charge onto the local row.
func (s *PaymentService) Sync(ctx context.Context, actor Actor, id string) (*models.Payment, error) {
	p, err := s.loadPayment(s.db.WithContext(ctx), actor, id)
	if err != nil {
		return nil, err
	}
	intent, err := s.proc.GetIntent(ctx, id)
	if err != nil {
		return nil, Upstream(err)
	}
	return s.applyIntent(ctx, p, intent, "payment_status_synced", actor)
}

// Capture settles a charge that was authorized with manual capture.
func (s *PaymentService) Capture(ctx context.Context, actor Actor, id string) (*models.Payment, error) {
	p, err := s.loadPayment(s.db.WithContext(ctx), actor, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentRequiresCapture {
		return nil, Conflict("payment %s is %s and cannot be captured", id, p.Status)
	}
	intent, err := s.proc.CaptureIntent(ctx, id)
	if err != nil {
		return nil, Upstream(err)
	}
	return s.applyIntent(ctx, p, intent, "payment_captured", actor)
}

func (s *PaymentService) Cancel(ctx context.Context, actor Actor, id string) (*models.Payment, error) {
	p, err := s.loadPayment(s.db.WithContext(ctx), actor, id)
	if err != nil {
		return nil, err
	}
	intent, err := s.proc.GetIntent(ctx, id)
	if err != nil {
		return nil, Upstream(err)
	}
	if !cancellableIntentStatuses[intent.Status] {
		return nil, Conflict("payment intent status %q cannot be canceled", intent.Status)
	}
	intent, err = s.proc.CancelIntent(ctx, id)
	if err != nil {
		return nil, Upstream(err)
	}
	return s.applyIntent(ctx, p, intent, "payment_canceled", actor)
}

func (s *PaymentService) applyIntent(ctx context.Context, p *models.Payment, intent *payments.Intent, eventType string, actor Actor) (*models.Payment, error) {
	updates := map[string]any{"status": intent.Status}
	if intent.Amount > 0 {
		updates["amount"] = intent.Amount
	}
	if intent.Currency != "" {
		updates["currency"] = intent.Currency
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(p).Updates(updates).Error; err != nil {
			return err
		}
		return audit(tx, eventType, p.ID, actor.label(), "status="+intent.Status)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

type RefundInput struct {
	Amount int64  `json:"amount"` // cents; zero refunds what is left
	Reason string `json:"reason"`
}

// Refund returns money on a payment outside the deposit workflow.
func (s *PaymentService) Refund(ctx context.Context, actor Actor, id string, in RefundInput) (*models.Refund, error) {
	if !actor.IsAdmin() {
		return nil, Forbidden("admins only")
	}
	if in.Amount < 0 {
		return nil, Validation("refund amount cannot be negative")
	}
	p, err := s.loadPayment(s.db.WithContext(ctx), actor, id)
	if err != nil {
		return nil, err
	}
	refunded, err := refundedTotal(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	remaining := p.Amount - refunded
	amount := in.Amount
	if amount == 0 {
		amount = remaining
	}
	if amount <= 0 || amount > remaining {
		return nil, Validation("refund of %d exceeds the %d cents left on payment %s", amount, remaining, id)
	}

	r, err := s.proc.Refund(ctx, payments.RefundParams{PaymentIntentID: id, Amount: amount, Reason: in.Reason})
	if err != nil {
		return nil, Upstream(err)
	}

	row := refundRow(r, id, nil)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if created.Error != nil {
			return created.Error
		}
		// A charge.refunded webhook may have recorded it first.
		if created.RowsAffected == 1 {
			if _, err := absorbRefund(tx, id, amount); err != nil {
				return err
			}
		}
		if err := recomputePaymentStatus(tx, id); err != nil {
			return err
		}
		return audit(tx, "refund_completed", r.ID, actor.label(), fmt.Sprintf("%d refunded on %s", amount, id))
	})
	if err != nil {
		return nil, err
	}
	events.Emit(ctx, s.events, events.RefundIssued, events.PaymentEvent{
		PaymentID: id, Amount: amount, Currency: r.Currency, Reference: r.ID, At: s.clock.now(),
	})
	return &row, nil
}

type ConfirmInput struct {
	PaymentID  string `json:"payment_id" binding:"required"`
	CheckoutID string `json:"checkout_id"`
}

type ConfirmResult struct {
	PaymentID     string   `json:"payment_id"`
	OrdersCreated []string `json:"orders_created"`
}

// Confirm turns a succeeded charge into orders and settlement splits.
func (s *PaymentService) Confirm(ctx context.Context, actor Actor, in ConfirmInput) (*ConfirmResult, error) {
	intent, err := s.proc.GetIntent(ctx, in.PaymentID)
	if err != nil {
		return nil, Upstream(err)
	}
	if intent.Status != models.PaymentSucceeded {
		return nil, Validation("payment %s not succeeded (status=%s)", in.PaymentID, intent.Status)
	}
	checkoutID := in.CheckoutID
	if checkoutID == "" {
		checkoutID = intent.Metadata["checkout_id"]
	}
	if checkoutID == "" {
		return nil, Validation("missing checkout_id (not provided and not found in payment metadata)")
	}

	var orders []models.Order
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		orders, err = s.confirmInTx(tx, intent, checkoutID, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.confirmed(ctx, intent, orders), nil
}

func (s *PaymentService) confirmed(ctx context.Context, intent *payments.Intent, orders []models.Order) *ConfirmResult {
	res := &ConfirmResult{PaymentID: intent.ID, OrdersCreated: []string{}}
	for i := range orders {
		res.OrdersCreated = append(res.OrdersCreated, orders[i].ID)
		s.orders.emit(ctx, events.OrderCreated, &orders[i], models.StatusPendingPayment)
	}
	events.Emit(ctx, s.events, events.PaymentConfirmed, events.PaymentEvent{
		PaymentID: intent.ID, Amount: intent.Amount, Currency: intent.Currency, At: s.clock.now(),
	})
	log.Info().Str("payment", intent.ID).Int("orders", len(orders)).Msg("payment confirmed")
	return res
}

// confirmInTx creates the checkout's orders, moves them to pending shipment,
// builds their splits and syncs the local payment row, all in tx.
func (s *PaymentService) confirmInTx(tx *gorm.DB, intent *payments.Intent, checkoutID string, actor Actor) ([]models.Order, error) {
	checkout, err := loadCheckout(tx, checkoutID)
	if err != nil {
		return nil, err
	}
	if checkout.UserID != actor.UserID && !actor.IsAdmin() {
		return nil, Forbidden("checkout %s belongs to another user", checkout.ID)
	}

	orders, err := s.orders.createFromCheckout(tx, checkout, checkout.UserID)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if err := s.orders.confirmPayment(tx, &orders[i]); err != nil {
			return nil, err
		}
	}

	payment := models.Payment{
		ID:         intent.ID,
		UserID:     checkout.UserID,
		CheckoutID: checkout.ID,
		Amount:     intent.Amount,
		Currency:   intent.Currency,
		Status:     intent.Status,
	}
	if payment.Currency == "" {
		payment.Currency = s.currency
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "amount", "currency", "checkout_id", "updated_at"}),
	}).Create(&payment).Error
	if err != nil {
		return nil, err
	}
	if err := tx.First(&payment, "id = ?", intent.ID).Error; err != nil {
		return nil, err
	}

	if err := s.buildSplits(tx, &payment, orders); err != nil {
		return nil, err
	}
	if err := audit(tx, "payment_confirmed", intent.ID, actor.label(), "checkout_id="+checkoutID); err != nil {
		return nil, err
	}
	return orders, nil
}

// buildSplits records, per order, what the owner is owed and what the
// platform keeps. The owner transfers never add up to more than the charge.
func (s *PaymentService) buildSplits(tx *gorm.DB, payment *models.Payment, orders []models.Order) error {
	var existing struct {
		Transfers int64
		Deposits  int64
	}
	if err := tx.Model(&models.PaymentSplit{}).
		Where("payment_id = ?", payment.ID).
		Select("COALESCE(SUM(transfer_amount_cents), 0) AS transfers, COALESCE(SUM(deposit_cents), 0) AS deposits").
		Scan(&existing).Error; err != nil {
		return err
	}

	splits := make([]models.PaymentSplit, 0, len(orders))
	total := existing.Transfers
	depositTotal := existing.Deposits
	var shippingTotal, feeTotal int64
	for _, o := range orders {
		var owner models.User
		if err := tx.First(&owner, o.OwnerID).Error; err != nil {
			return notFoundOr(err, "owner %d not found", o.OwnerID)
		}
		if owner.ConnectedAccountID == "" {
			if err := audit(tx, "owner_missing_connect", o.ID, "system",
				fmt.Sprintf("owner %d has no payout account", o.OwnerID)); err != nil {
				return err
			}
		}

		base := utils.ToCents(o.DepositOrSaleAmount)
		shipping := utils.ToCents(o.ShippingOutFeeAmount)
		fee := utils.ToCents(o.ServiceFeeAmount)

		split := models.PaymentSplit{
			PaymentID:          payment.ID,
			OrderID:            o.ID,
			OwnerID:            o.OwnerID,
			ConnectedAccountID: owner.ConnectedAccountID,
			Currency:           payment.Currency,
			ShippingCents:      shipping,
			ServiceFeeCents:    fee,
		}
		if o.ActionType == models.ActionPurchase {
			split.TransferAmountCents = base + shipping
		} else {
			split.TransferAmountCents = shipping
			split.DepositCents = base
		}
		total += split.TransferAmountCents
		depositTotal += split.DepositCents
		shippingTotal += shipping
		feeTotal += fee
		splits = append(splits, split)
	}

	if total > payment.Amount {
		return Validation("owner transfers of %d cents exceed payment amount %d", total, payment.Amount)
	}
	if len(splits) > 0 {
		if err := tx.Create(&splits).Error; err != nil {
			return fmt.Errorf("create payment splits: %w", err)
		}
	}
	// The held deposit is what the splits say, whatever the initiate call sent.
	return tx.Model(payment).Updates(map[string]any{
		"deposit_cents":      depositTotal,
		"shipping_fee_cents": max(payment.ShippingFeeCents, shippingTotal),
		"service_fee_cents":  max(payment.ServiceFeeCents, feeTotal),
	}).Error
}

type ShipResult struct {
	Order       *models.Order `json:"order"`
	TransferIDs []string      `json:"transfer_ids"`
}

// MarkShipped records the outbound parcel and pays the owner their share.
func (s *PaymentService) MarkShipped(ctx context.Context, actor Actor, orderID string, info ShipmentInfo) (*ShipResult, error) {
	order, err := s.orders.MarkShipped(ctx, actor, orderID, info)
	if err != nil {
		return nil, err
	}
	ids, err := s.transferForOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &ShipResult{Order: order, TransferIDs: ids}, nil
}

// CompleteOrder settles any outstanding transfer and completes a purchase.
func (s *PaymentService) CompleteOrder(ctx context.Context, actor Actor, orderID string) (*models.Order, error) {
	o, err := loadOrder(s.db.WithContext(ctx), orderID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && o.OwnerID != actor.UserID && o.BorrowerID != actor.UserID {
		return nil, Forbidden("not authorized to complete order %s", orderID)
	}
	if o.ActionType != models.ActionPurchase {
		return nil, Validation("only purchase orders can be completed this way")
	}
	if !models.CanTransition(o.Status, models.StatusCompleted, o.ActionType) {
		return nil, Conflict("order %s is %s and cannot be completed", o.ID, o.Status)
	}
	if _, err := s.transferForOrder(ctx, o.ID); err != nil {
		return nil, err
	}

	from := o.Status
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.orders.completePurchase(tx, o)
	})
	if err != nil {
		return nil, err
	}
	s.orders.emit(ctx, events.OrderCompleted, o, from)
	return loadOrder(s.db.WithContext(ctx), o.ID)
}

// transferForOrder pays out every split of the order that has not been
// transferred yet. A split is claimed before the processor call so two
// callers cannot pay the same split.
func (s *PaymentService) transferForOrder(ctx context.Context, orderID string) ([]string, error) {
	db := s.db.WithContext(ctx)
	var splits []models.PaymentSplit
	if err := db.Where("order_id = ?", orderID).Find(&splits).Error; err != nil {
		return nil, err
	}
	if len(splits) == 0 {
		return nil, Validation("no payment splits for order %s", orderID)
	}

	performed := []string{}
	for _, sp := range splits {
		if sp.TransferID != "" || sp.TransferAmountCents <= 0 {
			continue
		}
		if sp.ConnectedAccountID == "" {
			account, err := s.payoutAccount(db, &sp)
			if err != nil {
				return performed, err
			}
			if account == "" {
				_ = audit(db, "transfer_skipped", orderID, "system", fmt.Sprintf("owner %d has no payout account", sp.OwnerID))
				continue
			}
		}

		res := db.Model(&models.PaymentSplit{}).
			Where("id = ? AND (transfer_id IS NULL OR transfer_id = '') AND (transfer_status IS NULL OR transfer_status = '')", sp.ID).
			Update("transfer_status", "pending")
		if res.Error != nil {
			return performed, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}

		tr, err := s.proc.Transfer(ctx, payments.TransferParams{
			Amount:         sp.TransferAmountCents,
			Currency:       sp.Currency,
			Destination:    sp.ConnectedAccountID,
			TransferGroup:  sp.PaymentID,
			IdempotencyKey: "transfer:split:" + strconv.FormatUint(uint64(sp.ID), 10),
		})
		if err != nil {
			db.Model(&models.PaymentSplit{}).Where("id = ?", sp.ID).Update("transfer_status", "")
			return performed, Upstream(err)
		}

		err = db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&models.PaymentSplit{}).Where("id = ?", sp.ID).
				Updates(map[string]any{"transfer_id": tr.ID, "transfer_status": tr.Status}).Error; err != nil {
				return err
			}
			return audit(tx, "transfer_completed", tr.ID, "system",
				fmt.Sprintf("%d to %s for order %s", tr.Amount, sp.ConnectedAccountID, orderID))
		})
		if err != nil {
			return performed, err
		}
		performed = append(performed, tr.ID)
		events.Emit(ctx, s.events, events.TransferIssued, events.PaymentEvent{
			PaymentID: sp.PaymentID, OrderID: orderID, Amount: tr.Amount, Currency: sp.Currency, Reference: tr.ID, At: s.clock.now(),
		})
	}
	return performed, nil
}

// payoutAccount fills in an owner's payout account that was set after the
// split was recorded.
func (s *PaymentService) payoutAccount(db *gorm.DB, sp *models.PaymentSplit) (string, error) {
	var owner models.User
	if err := db.Select("id", "connected_account_id").First(&owner, sp.OwnerID).Error; err != nil {
		return "", notFoundOr(err, "owner %d not found", sp.OwnerID)
	}
	if owner.ConnectedAccountID == "" {
		return "", nil
	}
	err := db.Model(&models.PaymentSplit{}).
		Where("id = ? AND (connected_account_id IS NULL OR connected_account_id = '')", sp.ID).
		Update("connected_account_id", owner.ConnectedAccountID).Error
	if err != nil {
		return "", err
	}
	sp.ConnectedAccountID = owner.ConnectedAccountID
	return owner.ConnectedAccountID, nil
}

type ReturnResult struct {
	OrderID       string `json:"order_id"`
	RefundID      string `json:"refund_id,omitempty"`
	Refunded      int64  `json:"refunded"`
	RetainedCents int64  `json:"retained"`
	TransferID    string `json:"transfer_id,omitempty"`
}

// ReturnComplete refunds the held deposit of a borrow order and completes it.
// Without an explicit amount the refund is the outstanding deposit minus the
// late and damage fees on the order; that retained part goes to the owner.
func (s *PaymentService) ReturnComplete(ctx context.Context, actor Actor, orderID string, refundCents *int64) (*ReturnResult, error) {
	db := s.db.WithContext(ctx)
	o, err := loadOrder(db, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && o.OwnerID != actor.UserID {
		return nil, Forbidden("only the owner can confirm the return of order %s", orderID)
	}
	if o.ActionType != models.ActionBorrow {
		return nil, Validation("order %s is not a borrow order", orderID)
	}
	if !models.CanTransition(o.Status, models.StatusCompleted, o.ActionType) {
		return nil, Conflict("order %s is %s and cannot be completed", o.ID, o.Status)
	}

	var split models.PaymentSplit
	if err := db.Where("order_id = ?", orderID).First(&split).Error; err != nil {
		return nil, notFoundOr(err, "payment split not found for order %s", orderID)
	}

	refundable := split.Refundable()
	var refund, retained int64
	if refundCents == nil {
		fees := utils.ToCents(o.LateFeeAmount.Add(o.DamageFeeAmount))
		retained = min(max(fees, 0), refundable)
		refund = refundable - retained
	} else {
		refund = min(max(*refundCents, 0), refundable)
	}

	res := &ReturnResult{OrderID: orderID}
	if refund > 0 || retained > 0 {
		r, tr, err := s.releaseDeposit(ctx, &split, refund, retained, reasonDepositReturn, actor)
		if err != nil {
			return nil, err
		}
		if r != nil {
			res.RefundID = r.ID
			res.Refunded = r.Amount
		}
		res.RetainedCents = retained
		if tr != nil {
			res.TransferID = tr.ID
		}
	}

	from := o.Status
	err = db.Transaction(func(tx *gorm.DB) error {
		return s.orders.completeBorrow(tx, o)
	})
	if err != nil {
		return nil, err
	}
	s.orders.emit(ctx, events.OrderCompleted, o, from)
	return res, nil
}

// reserveDeposit atomically moves amount from the split's refundable
// deposit into its released counter. It fails with a conflict when the
// split changed since it was read or too little deposit is left.
func reserveDeposit(tx *gorm.DB, split *models.PaymentSplit, amount int64) error {
	res := tx.Model(&models.PaymentSplit{}).
		Where("id = ? AND version = ? AND deposit_cents - deposit_released_cents >= ?", split.ID, split.Version, amount).
		Updates(map[string]any{
			"deposit_released_cents": gorm.Expr("deposit_released_cents + ?", amount),
			"version":                gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return Conflict("deposit for order %s changed concurrently or is insufficient", split.OrderID)
	}
	split.DepositReleasedCents += amount
	split.Version++
	return nil
}

func unreserveDeposit(tx *gorm.DB, split *models.PaymentSplit, amount int64) error {
	return tx.Model(&models.PaymentSplit{}).
		Where("id = ?", split.ID).
		Updates(map[string]any{
			"deposit_released_cents": gorm.Expr("deposit_released_cents - ?", amount),
			"version":                gorm.Expr("version + 1"),
		}).Error
}

// releaseDeposit refunds part of a held deposit to the payer and transfers
// the retained part to the owner. Both amounts are reserved up front; a
// failed refund gives the whole reservation back.
func (s *PaymentService) releaseDeposit(ctx context.Context, split *models.PaymentSplit, refund, retained int64, reason string, actor Actor) (*payments.Refund, *payments.Transfer, error) {
	db := s.db.WithContext(ctx)
	if err := reserveDeposit(db, split, refund+retained); err != nil {
		return nil, nil, err
	}

	var r *payments.Refund
	if refund > 0 {
		var err error
		r, err = s.proc.Refund(ctx, payments.RefundParams{
			PaymentIntentID: split.PaymentID,
			Amount:          refund,
			Reason:          reason,
			IdempotencyKey:  fmt.Sprintf("refund:split:%d:v%d", split.ID, split.Version),
		})
		if err != nil {
			if uerr := unreserveDeposit(db, split, refund+retained); uerr != nil {
				log.Error().Err(uerr).Str("order", split.OrderID).Msg("failed to release deposit reservation")
			}
			return nil, nil, Upstream(err)
		}

		orderID := split.OrderID
		row := refundRow(r, split.PaymentID, &orderID)
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.Order{}).Where("id = ?", split.OrderID).
				Update("total_refunded_amount", gorm.Expr("total_refunded_amount + ?", utils.FromCents(r.Amount))).Error; err != nil {
				return err
			}
			if err := recomputePaymentStatus(tx, split.PaymentID); err != nil {
				return err
			}
			return audit(tx, "refund_completed", r.ID, actor.label(), fmt.Sprintf("%d refunded for order %s", r.Amount, split.OrderID))
		})
		if err != nil {
			return nil, nil, err
		}
		events.Emit(ctx, s.events, events.RefundIssued, events.PaymentEvent{
			PaymentID: split.PaymentID, OrderID: split.OrderID, Amount: r.Amount, Currency: r.Currency, Reference: r.ID, At: s.clock.now(),
		})
	}

	var tr *payments.Transfer
	if retained > 0 {
		if split.ConnectedAccountID == "" {
			if _, err := s.payoutAccount(db, split); err != nil {
				log.Warn().Err(err).Str("order", split.OrderID).Msg("payout account lookup failed")
			}
		}
		if split.ConnectedAccountID == "" {
			_ = audit(db, "retained_deposit_held", split.OrderID, "system",
				fmt.Sprintf("%d retained; owner %d has no payout account", retained, split.OwnerID))
			return r, nil, nil
		}
		var err error
		tr, err = s.proc.Transfer(ctx, payments.TransferParams{
			Amount:         retained,
			Currency:       split.Currency,
			Destination:    split.ConnectedAccountID,
			TransferGroup:  split.PaymentID,
			IdempotencyKey: fmt.Sprintf("retain:split:%d:v%d", split.ID, split.Version),
		})
		if err != nil {
			// The refund already went out; the retained amount stays held for an admin.
			log.Warn().Err(err).Str("order", split.OrderID).Int64("amount", retained).Msg("retained deposit transfer failed")
			_ = audit(db, "retained_transfer_failed", split.OrderID, "system", err.Error())
			return r, nil, nil
		}
		_ = audit(db, "retained_transfer_completed", tr.ID, actor.label(),
			fmt.Sprintf("%d to %s for order %s", retained, split.ConnectedAccountID, split.OrderID))
		events.Emit(ctx, s.events, events.TransferIssued, events.PaymentEvent{
			PaymentID: split.PaymentID, OrderID: split.OrderID, Amount: retained, Currency: split.Currency, Reference: tr.ID, At: s.clock.now(),
		})
	}
	return r, tr, nil
}

type DisputeInput struct {
	OrderID *string `json:"order_id"`
	Reason  string  `json:"reason" binding:"required"`
	Note    string  `json:"note"`
}

func (s *PaymentService) CreateDispute(ctx context.Context, actor Actor, paymentID string, in DisputeInput) (*models.Dispute, error) {
	if in.Reason == "" {
		return nil, Validation("reason is required")
	}
	var dispute models.Dispute
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Payment
		if err := tx.First(&p, "id = ?", paymentID).Error; err != nil {
			return notFoundOr(err, "payment %s not found", paymentID)
		}

		allowed := actor.IsAdmin() || p.UserID == actor.UserID
		if in.OrderID != nil {
			var split models.PaymentSplit
			if err := tx.Where("payment_id = ? AND order_id = ?", paymentID, *in.OrderID).First(&split).Error; err != nil {
				return notFoundOr(err, "order %s is not part of payment %s", *in.OrderID, paymentID)
			}
			allowed = allowed || split.OwnerID == actor.UserID
		}
		if !allowed {
			return Forbidden("not authorized to dispute payment %s", paymentID)
		}

		q := tx.Model(&models.Dispute{}).Where("payment_id = ? AND status = ?", paymentID, models.DisputeOpen)
		if in.OrderID != nil {
			q = q.Where("order_id = ?", *in.OrderID)
		} else {
			q = q.Where("order_id IS NULL")
		}
		var open int64
		if err := q.Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return Conflict("an open dispute already exists for payment %s", paymentID)
		}

		dispute = models.Dispute{
			PaymentID: paymentID,
			OrderID:   in.OrderID,
			UserID:    actor.UserID,
			Reason:    in.Reason,
			Note:      in.Note,
			Status:    models.DisputeOpen,
		}
		if err := tx.Create(&dispute).Error; err != nil {
			return err
		}
		return audit(tx, "dispute_created", dispute.ID, actor.label(), in.Reason)
	})
	if err != nil {
		return nil, err
	}
	return &dispute, nil
}

const (
	DisputeActionOverrule = "overrule"
	DisputeActionAdjust   = "adjust"
)

type DisputeDecision struct {
	Action    string `json:"action" binding:"required"`
	Deduction *int64 `json:"deduction"` // cents kept from the deposit
	Note      string `json:"note"`
}

type DisputeResult struct {
	PaymentID string   `json:"payment_id"`
	DisputeID string   `json:"dispute_id"`
	Action    string   `json:"action"`
	Status    string   `json:"status"`
	Refunded  int64    `json:"refunded"`
	Retained  int64    `json:"retained"`
	RefundIDs []string `json:"refund_ids,omitempty"`
}

// HandleDispute resolves the oldest open dispute on a payment. Overruling
// moves no money; adjusting refunds the outstanding deposit less the
// deduction and pays the deduction to the owner.
func (s *PaymentService) HandleDispute(ctx context.Context, actor Actor, paymentID string, d DisputeDecision) (*DisputeResult, error) {
	if !actor.IsAdmin() {
		return nil, Forbidden("admins only")
	}
	db := s.db.WithContext(ctx)

	var p models.Payment
	if err := db.First(&p, "id = ?", paymentID).Error; err != nil {
		return nil, notFoundOr(err, "payment %s not found", paymentID)
	}
	var dispute models.Dispute
	if err := db.Where("payment_id = ? AND status = ?", paymentID, models.DisputeOpen).
		Order("created_at ASC").First(&dispute).Error; err != nil {
		return nil, notFoundOr(err, "no open dispute found for payment %s", paymentID)
	}

	res := &DisputeResult{PaymentID: paymentID, DisputeID: dispute.ID, Action: d.Action}
	note := dispute.Note
	status := ""

	switch d.Action {
	case DisputeActionOverrule:
		status = models.DisputeOverruled

	case DisputeActionAdjust:
		if d.Deduction == nil || *d.Deduction < 0 {
			return nil, Validation("deduction must be provided and >= 0")
		}
		q := db.Where("payment_id = ?", paymentID)
		if dispute.OrderID != nil {
			q = q.Where("order_id = ?", *dispute.OrderID)
		}
		var splits []models.PaymentSplit
		if err := q.Order("id ASC").Find(&splits).Error; err != nil {
			return nil, err
		}

		remaining := *d.Deduction
		for i := range splits {
			sp := &splits[i]
			refundable := sp.Refundable()
			if refundable <= 0 {
				continue
			}
			retained := min(remaining, refundable)
			remaining -= retained
			refund := refundable - retained

			r, _, err := s.releaseDeposit(ctx, sp, refund, retained, reasonDisputeAdjust, actor)
			if err != nil {
				return nil, err
			}
			if r != nil {
				res.Refunded += r.Amount
				res.RefundIDs = append(res.RefundIDs, r.ID)
			}
			res.Retained += retained
			if retained > 0 {
				if err := db.Model(&models.Order{}).Where("id = ?", sp.OrderID).
					Update("damage_fee_amount", gorm.Expr("damage_fee_amount + ?", utils.FromCents(retained))).Error; err != nil {
					return nil, err
				}
			}
		}
		note += fmt.Sprintf("\n[Deduction decided]: %d", *d.Deduction)
		status = models.DisputeAdjusted

	default:
		return nil, Validation("invalid action %q", d.Action)
	}

	if d.Note != "" {
		note += "\n[Admin Note]: " + d.Note
	}
	now := s.clock.now()
	err := db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"status": status, "note": note, "resolved_at": now}
		if d.Deduction != nil {
			updates["deduction_cents"] = *d.Deduction
		}
		res := tx.Model(&models.Dispute{}).Where("id = ? AND status = ?", dispute.ID, models.DisputeOpen).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return Conflict("dispute %s was resolved concurrently", dispute.ID)
		}
		if err := recomputePaymentStatus(tx, paymentID); err != nil {
			return err
		}
		return audit(tx, "dispute_resolved", dispute.ID, actor.label(), d.Action)
	})
	if err != nil {
		return nil, err
	}
	res.Status = status

	events.Emit(ctx, s.events, events.DisputeResolved, events.PaymentEvent{
		PaymentID: paymentID, Amount: res.Refunded, Reference: dispute.ID, At: now,
	})
	return res, nil
}

func (s *PaymentService) Logs(ctx context.Context, limit int) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	var logs []models.AuditLog
	err := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

type WebhookResult struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	Duplicate bool   `json:"duplicate"`
}

// HandleWebhook applies a processor event exactly once per event id. The
// dedup row commits together with the event's side effects, so a failed
// delivery can be retried.
func (s *PaymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	evt, err := s.proc.ParseWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			return nil, Validation("invalid signature")
		}
		return nil, Validation("invalid payload: %v", err)
	}
	res := &WebhookResult{EventID: evt.ID, Type: evt.Type}
	var confirmed []models.Order
	var confirmedIntent *payments.Intent

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.ProcessedEvent{EventID: evt.ID, Type: evt.Type})
		if ins.Error != nil {
			return ins.Error
		}
		if ins.RowsAffected == 0 {
			res.Duplicate = true
			return nil
		}

		switch evt.Type {
		case payments.EventIntentSucceeded:
			setPaymentStatus(tx, evt.IntentID, models.PaymentSucceeded)
			orders, intent, err := s.confirmFromEvent(tx, evt)
			if err != nil {
				return err
			}
			confirmed, confirmedIntent = orders, intent
		case payments.EventIntentFailed:
			setPaymentStatus(tx, evt.IntentID, models.PaymentFailed)
			events.Emit(ctx, s.events, events.PaymentFailed, events.PaymentEvent{PaymentID: evt.IntentID, At: s.clock.now()})
		case payments.EventIntentCapturableUpdated:
			setPaymentStatus(tx, evt.IntentID, models.PaymentRequiresCapture)
		case payments.EventChargeRefunded:
			if err := s.applyChargeRefunds(tx, evt); err != nil {
				return err
			}
		default:
			log.Debug().Str("type", evt.Type).Msg("ignoring webhook event")
		}
		return audit(tx, "webhook_"+evt.Type, evt.IntentID, "system", "event="+evt.ID)
	})
	if err != nil {
		return nil, err
	}
	if confirmedIntent != nil {
		s.confirmed(ctx, confirmedIntent, confirmed)
	}
	return res, nil
}

// confirmFromEvent creates orders for a succeeded charge that carries a
// still-pending checkout. Business-rule failures are recorded and
// acknowledged since redelivery cannot fix them.
func (s *PaymentService) confirmFromEvent(tx *gorm.DB, evt *payments.Event) ([]models.Order, *payments.Intent, error) {
	checkoutID := evt.Metadata["checkout_id"]
	if checkoutID == "" || evt.Metadata["type"] == "donation" {
		return nil, nil, nil
	}
	var checkout models.Checkout
	if err := tx.First(&checkout, "id = ?", checkoutID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, audit(tx, "webhook_checkout_missing", evt.IntentID, "system", checkoutID)
		}
		return nil, nil, err
	}
	if checkout.Status != models.CheckoutPending {
		return nil, nil, nil
	}

	userID, _ := strconv.ParseUint(evt.Metadata["user_id"], 10, 64)
	actor := Actor{UserID: uint(userID), Role: models.RoleUser}
	intent := &payments.Intent{
		ID:       evt.IntentID,
		Status:   models.PaymentSucceeded,
		Amount:   evt.Amount,
		Currency: evt.Currency,
		Metadata: evt.Metadata,
	}

	var orders []models.Order
	err := tx.Transaction(func(inner *gorm.DB) error {
		var err error
		orders, err = s.confirmInTx(inner, intent, checkoutID, actor)
		return err
	})
	if err != nil {
		if KindOf(err) == KindInternal {
			return nil, nil, err
		}
		log.Warn().Err(err).Str("payment", evt.IntentID).Msg("webhook order creation rejected")
		return nil, nil, audit(tx, "webhook_order_creation_failed", evt.IntentID, "system", err.Error())
	}
	return orders, intent, nil
}

func (s *PaymentService) applyChargeRefunds(tx *gorm.DB, evt *payments.Event) error {
	for _, r := range evt.Refunds {
		if r.ID == "" {
			continue
		}
		paymentID := r.PaymentIntentID
		if paymentID == "" {
			paymentID = evt.IntentID
		}
		row := refundRow(&r, paymentID, nil)
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if created.Error != nil {
			return created.Error
		}
		if created.RowsAffected == 0 {
			if err := tx.Model(&models.Refund{}).Where("id = ?", r.ID).Update("status", r.Status).Error; err != nil {
				return err
			}
			continue
		}
		// Deposit releases reserve their amount before calling the processor.
		if r.Reason == reasonDepositReturn || r.Reason == reasonDisputeAdjust {
			continue
		}
		if _, err := absorbRefund(tx, paymentID, r.Amount); err != nil {
			return err
		}
	}
	if evt.IntentID == "" {
		return nil
	}
	return recomputePaymentStatus(tx, evt.IntentID)
}

// absorbRefund counts a refund made outside the deposit workflow against
// the deposits still held on the payment, oldest split first, so a later
// return cannot hand the same money back twice. Whatever is left over
// refunded the non-deposit part of the charge. It returns the deposit share.
func absorbRefund(tx *gorm.DB, paymentID string, amount int64) (int64, error) {
	var splits []models.PaymentSplit
	err := tx.Where("payment_id = ? AND deposit_cents > deposit_released_cents", paymentID).
		Order("id").Find(&splits).Error
	if err != nil {
		return 0, err
	}

	left := amount
	for _, sp := range splits {
		if left <= 0 {
			break
		}
		take := min(left, sp.Refundable())
		res := tx.Model(&models.PaymentSplit{}).
			Where("id = ? AND deposit_cents - deposit_released_cents >= ?", sp.ID, take).
			Updates(map[string]any{
				"deposit_released_cents": gorm.Expr("deposit_released_cents + ?", take),
				"version":                gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		if err := tx.Model(&models.Order{}).Where("id = ?", sp.OrderID).
			Update("total_refunded_amount", gorm.Expr("total_refunded_amount + ?", utils.FromCents(take))).Error; err != nil {
			return 0, err
		}
		left -= take
	}
	if absorbed := amount - left; absorbed > 0 {
		if err := audit(tx, "refund_applied_to_deposit", paymentID, "system",
			fmt.Sprintf("%d of %d counted against held deposits", absorbed, amount)); err != nil {
			return 0, err
		}
	}
	return amount - left, nil
}

func setPaymentStatus(tx *gorm.DB, id, status string) {
	if id == "" {
		return
	}
	if err := tx.Model(&models.Payment{}).Where("id = ?", id).Update("status", status).Error; err != nil {
		log.Warn().Err(err).Str("payment", id).Msg("payment status update failed")
	}
}

func refundRow(r *payments.Refund, paymentID string, orderID *string) models.Refund {
	return models.Refund{
		ID:        r.ID,
		PaymentID: paymentID,
		OrderID:   orderID,
		Amount:    r.Amount,
		Currency:  r.Currency,
		Status:    r.Status,
		Reason:    r.Reason,
	}
}

func refundedTotal(tx *gorm.DB, paymentID string) (int64, error) {
	var sum int64
	err := tx.Model(&models.Refund{}).
		Where("payment_id = ?", paymentID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}

// recomputePaymentStatus marks a payment refunded once refunds cover the
// held deposit (or the whole charge when nothing was held).
func recomputePaymentStatus(tx *gorm.DB, paymentID string) error {
	var p models.Payment
	if err := tx.First(&p, "id = ?", paymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	refunded, err := refundedTotal(tx, paymentID)
	if err != nil {
		return err
	}
	if refunded == 0 {
		return nil
	}
	threshold := p.DepositCents
	if threshold <= 0 {
		threshold = p.Amount
	}
	status := models.PaymentPartiallyRefunded
	if refunded >= threshold {
		status = models.PaymentRefunded
	}
	return tx.Model(&models.Payment{}).Where("id = ?", paymentID).Update("status", status).Error
}
