package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ChienAnTu/Bookhive/events"
	"github.com/ChienAnTu/Bookhive/models"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	autoDeductInterval = 7 * 24 * time.Hour
	autoDeductPercent  = 20
)

type ComplaintService struct {
	db     *gorm.DB
	events events.Publisher
	clock  clock
}

func NewComplaintService(db *gorm.DB, pub events.Publisher) *ComplaintService {
	return &ComplaintService{db: db, events: pub}
}

type ComplaintInput struct {
	OrderID     *string              `json:"order_id"`
	Type        models.ComplaintType `json:"type" binding:"required"`
	Subject     string               `json:"subject" binding:"required"`
	Description string               `json:"description"`
}

func (s *ComplaintService) Create(ctx context.Context, actor Actor, in ComplaintInput) (*models.Complaint, error) {
	if !in.Type.Valid() {
		return nil, Validation("invalid complaint type %q", in.Type)
	}
	if strings.TrimSpace(in.Subject) == "" {
		return nil, Validation("subject is required")
	}

	c := models.Complaint{
		ComplainantID: actor.UserID,
		Type:          in.Type,
		Subject:       strings.TrimSpace(in.Subject),
		Description:   in.Description,
		Status:        models.ComplaintPending,
	}
	db := s.db.WithContext(ctx)
	if in.OrderID != nil && *in.OrderID != "" {
		o, err := loadOrder(db, *in.OrderID)
		if err != nil {
			return nil, err
		}
		var respondent uint
		switch actor.UserID {
		case o.BorrowerID:
			respondent = o.OwnerID
		case o.OwnerID:
			respondent = o.BorrowerID
		default:
			return nil, Forbidden("you are not part of order %s", o.ID)
		}
		c.OrderID = &o.ID
		c.RespondentID = &respondent
	}

	if err := db.Create(&c).Error; err != nil {
		return nil, err
	}
	events.Emit(ctx, s.events, events.ComplaintOpened, map[string]any{"complaint_id": c.ID, "type": c.Type})
	return &c, nil
}

type ComplaintFilter struct {
	Status string
}

func (s *ComplaintService) List(ctx context.Context, actor Actor, f ComplaintFilter) ([]models.Complaint, error) {
	q := s.db.WithContext(ctx).Model(&models.Complaint{})
	if !actor.IsAdmin() {
		q = q.Where("(complainant_id = ? OR respondent_id = ?)", actor.UserID, actor.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", strings.ToLower(f.Status))
	}
	var out []models.Complaint
	err := q.Order("created_at DESC").Find(&out).Error
	return out, err
}

func (s *ComplaintService) Get(ctx context.Context, actor Actor, id string) (*models.Complaint, error) {
	var c models.Complaint
	err := s.db.WithContext(ctx).
		Preload("Messages", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		First(&c, "id = ?", id).Error
	if err != nil {
		return nil, notFoundOr(err, "complaint %s not found", id)
	}
	if !canSeeComplaint(actor, &c) {
		return nil, Forbidden("not authorized to view complaint %s", id)
	}
	return &c, nil
}

func canSeeComplaint(actor Actor, c *models.Complaint) bool {
	if actor.IsAdmin() || c.ComplainantID == actor.UserID {
		return true
	}
	return c.RespondentID != nil && *c.RespondentID == actor.UserID
}

func (s *ComplaintService) AddMessage(ctx context.Context, actor Actor, id, body string) (*models.ComplaintMessage, error) {
	if strings.TrimSpace(body) == "" {
		return nil, Validation("message body is required")
	}
	var c models.Complaint
	db := s.db.WithContext(ctx)
	if err := db.First(&c, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "complaint %s not found", id)
	}
	if !canSeeComplaint(actor, &c) {
		return nil, Forbidden("not authorized to post on complaint %s", id)
	}
	msg := models.ComplaintMessage{ComplaintID: c.ID, SenderID: actor.UserID, Body: body}
	if err := db.Create(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

type ComplaintUpdate struct {
	Status        string  `json:"status"`
	AdminResponse *string `json:"admin_response"`
}

func (s *ComplaintService) AdminUpdate(ctx context.Context, actor Actor, id string, in ComplaintUpdate) (*models.Complaint, error) {
	if !actor.IsAdmin() {
		return nil, Forbidden("admins only")
	}
	updates := map[string]any{}
	if in.Status != "" {
		st := strings.ToLower(in.Status)
		switch st {
		case models.ComplaintPending, models.ComplaintInvestigating, models.ComplaintResolved, models.ComplaintClosed:
		default:
			return nil, Validation("invalid complaint status %q", in.Status)
		}
		updates["status"] = st
		if st == models.ComplaintResolved || st == models.ComplaintClosed {
			updates["open_key"] = nil
		}
	}
	if in.AdminResponse != nil {
		updates["admin_response"] = *in.AdminResponse
	}
	if len(updates) == 0 {
		return nil, Validation("nothing to update")
	}

	db := s.db.WithContext(ctx)
	var c models.Complaint
	if err := db.First(&c, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "complaint %s not found", id)
	}
	if err := db.Model(&c).Updates(updates).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

type DeductionInput struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// DeductDeposit records a damage fee against the complaint's order. The
// money is kept from the deposit when the return is settled.
func (s *ComplaintService) DeductDeposit(ctx context.Context, actor Actor, id string, in DeductionInput) (*models.Complaint, error) {
	if !actor.IsAdmin() {
		return nil, Forbidden("admins only")
	}
	if !in.Amount.IsPositive() {
		return nil, Validation("deduction amount must be positive")
	}

	var c models.Complaint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&c, "id = ?", id).Error; err != nil {
			return notFoundOr(err, "complaint %s not found", id)
		}
		if c.OrderID == nil {
			return Validation("complaint %s is not linked to an order", id)
		}
		o, err := loadOrder(tx, *c.OrderID)
		if err != nil {
			return err
		}
		if o.ActionType != models.ActionBorrow {
			return Validation("only borrow orders hold a deposit")
		}
		held := o.DepositOrSaleAmount.Sub(o.LateFeeAmount).Sub(o.DamageFeeAmount)
		if in.Amount.GreaterThan(held) {
			return Validation("deduction %s exceeds the %s left on the deposit", in.Amount.StringFixed(2), held.StringFixed(2))
		}

		if err := tx.Model(&models.Order{}).Where("id = ?", o.ID).
			Update("damage_fee_amount", gorm.Expr("damage_fee_amount + ?", in.Amount)).Error; err != nil {
			return err
		}
		if err := tx.Model(&c).Update("deducted_amount", c.DeductedAmount.Add(in.Amount)).Error; err != nil {
			return err
		}
		return audit(tx, "deposit_deducted", o.ID, actor.label(),
			fmt.Sprintf("%s for complaint %s: %s", in.Amount.StringFixed(2), c.ID, in.Reason))
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// EnsureOverdueComplaint opens a system complaint for an overdue order unless
// one is still open. It reports whether a complaint was created.
func (s *ComplaintService) EnsureOverdueComplaint(tx *gorm.DB, o *models.Order, now time.Time) (bool, error) {
	var open int64
	err := tx.Model(&models.Complaint{}).
		Where("order_id = ? AND type = ? AND status IN ?", o.ID, models.ComplaintOverdue, models.OpenComplaintStatuses).
		Count(&open).Error
	if err != nil {
		return false, err
	}
	if open > 0 {
		return false, nil
	}

	late := "past its due date"
	if o.DueAt != nil {
		late = "due " + humanize.RelTime(*o.DueAt, now, "ago", "from now")
	}
	respondent := o.BorrowerID
	c := models.Complaint{
		OrderID:           &o.ID,
		ComplainantID:     o.OwnerID,
		RespondentID:      &respondent,
		Type:              models.ComplaintOverdue,
		Subject:           fmt.Sprintf("Order %s is overdue (%s)", shortID(o.ID), late),
		Description:       "The borrowed books were not returned by the due date. Late fees are deducted from the deposit weekly until they are returned.",
		Status:            models.ComplaintPending,
		IsSystemGenerated: true,
		OpenKey:           models.OverdueKey(o.ID),
	}
	// A concurrent sweep that got there first holds the open key.
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&c)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AutoDeduct charges weekly late fees on open overdue complaints: a fifth
// of the deposit every seven days since the due date or the last deduction,
// never more than the deposit in total. It returns how many complaints were
// charged.
func (s *ComplaintService) AutoDeduct(ctx context.Context, now time.Time) (int, error) {
	var complaints []models.Complaint
	err := s.db.WithContext(ctx).
		Where("type = ? AND status IN ? AND order_id IS NOT NULL", models.ComplaintOverdue, models.OpenComplaintStatuses).
		Find(&complaints).Error
	if err != nil {
		return 0, err
	}

	charged := 0
	for i := range complaints {
		ok, err := s.deductOne(ctx, &complaints[i], now)
		if err != nil {
			log.Error().Err(err).Str("complaint", complaints[i].ID).Msg("auto deduction failed")
			continue
		}
		if ok {
			charged++
		}
	}
	return charged, nil
}

func (s *ComplaintService) deductOne(ctx context.Context, c *models.Complaint, now time.Time) (bool, error) {
	charged := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.Complaint
		if err := tx.First(&cur, "id = ?", c.ID).Error; err != nil {
			return err
		}
		if !slices.Contains(models.OpenComplaintStatuses, cur.Status) {
			return nil
		}
		o, err := loadOrder(tx, *c.OrderID)
		if err != nil {
			return err
		}
		if o.Status != models.StatusOverdue || o.DueAt == nil {
			return nil
		}
		since := *o.DueAt
		if cur.LastDeductionAt != nil {
			since = *cur.LastDeductionAt
		}
		if now.Sub(since) < autoDeductInterval {
			return nil
		}

		deposit := o.DepositOrSaleAmount
		step := deposit.Mul(decimal.NewFromInt(autoDeductPercent)).Div(decimal.NewFromInt(100)).Round(2)
		remaining := deposit.Sub(o.LateFeeAmount).Sub(o.DamageFeeAmount)
		if remaining.LessThan(step) {
			step = remaining
		}
		if !step.IsPositive() {
			return nil
		}

		claimed, err := claimDeduction(tx, c.ID, cur.LastDeductionAt, step, now)
		if err != nil || !claimed {
			return err
		}
		if err := tx.Model(&models.Order{}).Where("id = ?", o.ID).
			Update("late_fee_amount", gorm.Expr("late_fee_amount + ?", step)).Error; err != nil {
			return err
		}
		charged = true
		return audit(tx, "late_fee_deducted", o.ID, "system", step.StringFixed(2)+" for complaint "+c.ID)
	})
	return charged, err
}

// claimDeduction books step on the complaint only if its last deduction is
// still seen, so two sweeps cannot charge the same week.
func claimDeduction(tx *gorm.DB, id string, seen *time.Time, step decimal.Decimal, now time.Time) (bool, error) {
	q := tx.Model(&models.Complaint{}).Where("id = ?", id)
	if seen == nil {
		q = q.Where("last_deduction_at IS NULL")
	} else {
		q = q.Where("last_deduction_at = ?", *seen)
	}
	res := q.Updates(map[string]any{
		"deducted_amount":   gorm.Expr("deducted_amount + ?", step),
		"last_deduction_at": now,
	})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		log.Debug().Str("complaint", id).Msg("late fee already charged by another sweep")
		return false, nil
	}
	return true, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
