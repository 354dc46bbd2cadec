package services

import (
	"context"
	"time"

	"github.com/ChienAnTu/Bookhive/events"
	"github.com/ChienAnTu/Bookhive/models"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Settler completes a returned borrow order and settles its deposit.
type Settler interface {
	ReturnComplete(ctx context.Context, actor Actor, orderID string, refundCents *int64) (*ReturnResult, error)
}

type SweepReport struct {
	Started          int `json:"started"`
	Overdue          int `json:"overdue"`
	ComplaintsOpened int `json:"complaints_opened"`
	Completed        int `json:"completed"`
	LateFeesDeducted int `json:"late_fees_deducted"`
}

// SweepService advances orders whose state depends on the passage of time.
type SweepService struct {
	db         *gorm.DB
	orders     *OrderService
	complaints *ComplaintService
	settler    Settler
	events     events.Publisher
	clock      clock
}

// NewSweepService wires the sweep. settler may be nil, in which case returned
// orders are completed without touching the deposit.
func NewSweepService(db *gorm.DB, orders *OrderService, complaints *ComplaintService, settler Settler, pub events.Publisher) *SweepService {
	return &SweepService{db: db, orders: orders, complaints: complaints, settler: settler, events: pub}
}

// Run executes one pass. Each step is safe to repeat; a failure on one order
// is logged and the pass moves on.
func (s *SweepService) Run(ctx context.Context) (SweepReport, error) {
	now := s.clock.now()
	var rep SweepReport
	var err error

	if rep.Started, err = s.startBorrowing(ctx, now); err != nil {
		return rep, err
	}
	if rep.Overdue, err = s.markOverdue(ctx, now); err != nil {
		return rep, err
	}
	if rep.ComplaintsOpened, err = s.openOverdueComplaints(ctx, now); err != nil {
		return rep, err
	}
	if rep.Completed, err = s.completeReturned(ctx, now); err != nil {
		return rep, err
	}
	if rep.LateFeesDeducted, err = s.complaints.AutoDeduct(ctx, now); err != nil {
		return rep, err
	}

	log.Info().
		Int("started", rep.Started).
		Int("overdue", rep.Overdue).
		Int("complaints", rep.ComplaintsOpened).
		Int("completed", rep.Completed).
		Int("late_fees", rep.LateFeesDeducted).
		Msg("order sweep finished")
	return rep, nil
}

func (s *SweepService) startBorrowing(ctx context.Context, now time.Time) (int, error) {
	var orders []models.Order
	err := s.db.WithContext(ctx).
		Where("action_type = ? AND status = ? AND start_at IS NOT NULL AND start_at <= ?",
			models.ActionBorrow, models.StatusPendingShipment, now).
		Find(&orders).Error
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range orders {
		o := &orders[i]
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			fields := map[string]any{}
			if o.DueAt == nil {
				ids, err := bookIDs(tx, o.ID)
				if err != nil {
					return err
				}
				days, err := lendingDays(tx, ids)
				if err != nil {
					return err
				}
				fields["due_at"] = o.StartAt.AddDate(0, 0, days)
			}
			if err := s.orders.transition(tx, o, models.StatusBorrowing, fields); err != nil {
				return err
			}
			ids, err := bookIDs(tx, o.ID)
			if err != nil {
				return err
			}
			return setBookStatus(tx, ids, []models.BookStatus{models.BookUnlisted}, models.BookLent)
		})
		if err != nil {
			log.Warn().Err(err).Str("order", o.ID).Msg("sweep: start borrowing failed")
			continue
		}
		s.orders.emit(ctx, events.OrderStatusChanged, o, models.StatusPendingShipment)
		n++
	}
	return n, nil
}

func (s *SweepService) markOverdue(ctx context.Context, now time.Time) (int, error) {
	var orders []models.Order
	err := s.db.WithContext(ctx).
		Where("status = ? AND due_at IS NOT NULL AND due_at < ?", models.StatusBorrowing, now).
		Find(&orders).Error
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range orders {
		o := &orders[i]
		if err := s.orders.transition(s.db.WithContext(ctx), o, models.StatusOverdue, nil); err != nil {
			log.Warn().Err(err).Str("order", o.ID).Msg("sweep: mark overdue failed")
			continue
		}
		s.orders.emit(ctx, events.OrderOverdue, o, models.StatusBorrowing)
		n++
	}
	return n, nil
}

func (s *SweepService) openOverdueComplaints(ctx context.Context, now time.Time) (int, error) {
	var orders []models.Order
	if err := s.db.WithContext(ctx).Where("status = ?", models.StatusOverdue).Find(&orders).Error; err != nil {
		return 0, err
	}
	n := 0
	for i := range orders {
		var created bool
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			created, err = s.complaints.EnsureOverdueComplaint(tx, &orders[i], now)
			return err
		})
		if err != nil {
			log.Warn().Err(err).Str("order", orders[i].ID).Msg("sweep: overdue complaint failed")
			continue
		}
		if created {
			events.Emit(ctx, s.events, events.ComplaintOpened, map[string]any{"order_id": orders[i].ID, "type": models.ComplaintOverdue})
			n++
		}
	}
	return n, nil
}

// completeReturned closes returned orders once the return parcel should
// have arrived.
func (s *SweepService) completeReturned(ctx context.Context, now time.Time) (int, error) {
	var orders []models.Order
	err := s.db.WithContext(ctx).
		Where("status = ? AND returned_at IS NOT NULL", models.StatusReturned).
		Find(&orders).Error
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range orders {
		o := &orders[i]
		days := o.EstimatedDeliveryTime
		if days <= 0 {
			days = defaultReturnTransitDays
		}
		if now.Before(o.ReturnedAt.AddDate(0, 0, days)) {
			continue
		}

		if s.settler != nil {
			if _, err := s.settler.ReturnComplete(ctx, System, o.ID, nil); err != nil {
				log.Warn().Err(err).Str("order", o.ID).Msg("sweep: return settlement failed")
				continue
			}
			n++
			continue
		}

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.orders.completeBorrow(tx, o)
		})
		if err != nil {
			log.Warn().Err(err).Str("order", o.ID).Msg("sweep: complete return failed")
			continue
		}
		s.orders.emit(ctx, events.OrderCompleted, o, models.StatusReturned)
		n++
	}
	return n, nil
}
