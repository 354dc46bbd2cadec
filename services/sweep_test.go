package services

import (
	"testing"
	"time"

	"github.com/ChienAnTu/Bookhive/events"
	"github.com/ChienAnTu/Bookhive/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

// borrowing returns a shipped borrow order with a $20 deposit, due in 14 days.
func (e *testEnv) borrowing() (owner, borrower *models.User, o *models.Order) {
	e.t.Helper()
	owner = e.user("Alice", "acct_alice")
	borrower = e.user("Carol", "")
	_, orders := e.paidOrders(borrower, borrowItem(e.book(owner, 20, 0)))
	res, err := e.payments.MarkShipped(e.ctx, actorOf(owner), orders[0].ID, ShipmentInfo{TrackingNumber: "T1"})
	require.NoError(e.t, err)
	return owner, borrower, res.Order
}

func TestSweepMarksOverdueAndOpensOneComplaint(t *testing.T) {
	e := newTestEnv(t)
	owner, borrower, o := e.borrowing()

	rep, err := e.sweep.Run(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Overdue)

	e.advance(15 * day)
	rep, err = e.sweep.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Overdue)
	assert.Equal(t, 1, rep.ComplaintsOpened)
	assert.Equal(t, models.StatusOverdue, e.reload(o.ID).Status)

	rep, err = e.sweep.Run(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Overdue)
	assert.Zero(t, rep.ComplaintsOpened)

	var complaints []models.Complaint
	require.NoError(t, e.db.Where("order_id = ?", o.ID).Find(&complaints).Error)
	require.Len(t, complaints, 1)
	c := complaints[0]
	assert.Equal(t, models.ComplaintOverdue, c.Type)
	assert.True(t, c.IsSystemGenerated)
	assert.Equal(t, owner.ID, c.ComplainantID)
	require.NotNil(t, c.RespondentID)
	assert.Equal(t, borrower.ID, *c.RespondentID)
	assert.Contains(t, c.Subject, "overdue")
	assert.Equal(t, 1, e.rec.Count(events.OrderOverdue))
}

func TestSweepOpensNewComplaintAfterResolution(t *testing.T) {
	e := newTestEnv(t)
	_, _, o := e.borrowing()
	admin := e.admin()

	e.advance(15 * day)
	_, err := e.sweep.Run(e.ctx)
	require.NoError(t, err)

	var c models.Complaint
	require.NoError(t, e.db.Where("order_id = ?", o.ID).First(&c).Error)
	_, err = e.complaints.AdminUpdate(e.ctx, admin, c.ID, ComplaintUpdate{Status: models.ComplaintResolved})
	require.NoError(t, err)

	rep, err := e.sweep.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ComplaintsOpened)
}

func TestSweepDeductsLateFeesWeekly(t *testing.T) {
	e := newTestEnv(t)
	_, _, o := e.borrowing()

	e.advance(15 * day)
	rep, err := e.sweep.Run(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.LateFeesDeducted, "less than a week past due")

	e.advance(6 * day)
	rep, err = e.sweep.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.LateFeesDeducted)
	assert.Equal(t, "4", e.reload(o.ID).LateFeeAmount.String())

	rep, err = e.sweep.Run(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.LateFeesDeducted)

	e.advance(7 * day)
	_, err = e.sweep.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, "8", e.reload(o.ID).LateFeeAmount.String())

	// the last step only takes what is left of the deposit
	require.NoError(t, e.db.Model(&models.Order{}).Where("id = ?", o.ID).
		Update("late_fee_amount", decimal.NewFromInt(18)).Error)
	e.advance(7 * day)
	_, err = e.sweep.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, "20", e.reload(o.ID).LateFeeAmount.String())

	e.advance(7 * day)
	rep, err = e.sweep.Run(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.LateFeesDeducted)

	var c models.Complaint
	require.NoError(t, e.db.Where("order_id = ?", o.ID).First(&c).Error)
	assert.Equal(t, "10", c.DeductedAmount.String())
}

func TestSweepCompletesReturnedOrders(t *testing.T) {
	e := newTestEnv(t)
	_, borrower, o := e.borrowing()

	_, err := e.orders.ConfirmReturnShipment(e.ctx, actorOf(borrower), o.ID, ShipmentInfo{TrackingNumber: "R1"})
	require.NoError(t, err)

	e.advance(2 * day)
	rep, err := e.sweep.Run(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Completed)
	assert.Equal(t, models.StatusReturned, e.reload(o.ID).Status)

	e.advance(day)
	rep, err = e.sweep.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Completed)
	assert.Equal(t, models.StatusCompleted, e.reload(o.ID).Status)

	refunds := e.proc.Refunds()
	require.Len(t, refunds, 1)
	assert.Equal(t, int64(2000), refunds[0].Amount)
}

func TestSweepWithoutSettlerStillCompletes(t *testing.T) {
	e := newTestEnv(t)
	_, borrower, o := e.borrowing()
	e.sweep = NewSweepService(e.db, e.orders, e.complaints, nil, e.rec)
	e.sweep.clock = func() time.Time { return e.now }

	_, err := e.orders.ConfirmReturnShipment(e.ctx, actorOf(borrower), o.ID, ShipmentInfo{TrackingNumber: "R1", EstimatedDays: 1})
	require.NoError(t, err)
	e.advance(day)

	rep, err := e.sweep.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Completed)
	assert.Empty(t, e.proc.Refunds())
}

func TestSweepStartsScheduledBorrowing(t *testing.T) {
	e := newTestEnv(t)
	alice := e.user("Alice", "acct_alice")
	carol := e.user("Carol", "")
	book := e.book(alice, 20, 0)
	_, orders := e.paidOrders(carol, borrowItem(book))

	start := e.now.Add(-time.Hour)
	require.NoError(t, e.db.Model(&models.Order{}).Where("id = ?", orders[0].ID).Update("start_at", start).Error)

	rep, err := e.sweep.Run(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Started)

	o := e.reload(orders[0].ID)
	assert.Equal(t, models.StatusBorrowing, o.Status)
	require.NotNil(t, o.DueAt)
	assert.True(t, o.DueAt.Equal(start.AddDate(0, 0, 14)))
	assert.Equal(t, models.BookLent, e.bookStatus(book.ID))
}

func TestOverdueComplaintInsertIsGuarded(t *testing.T) {
	e := newTestEnv(t)
	_, _, o := e.borrowing()
	e.advance(15 * day)
	_, err := e.sweep.Run(e.ctx)
	require.NoError(t, err)

	// A row written by a concurrent sweep that the open-complaint count
	// has not seen yet still holds the key.
	require.NoError(t, e.db.Model(&models.Complaint{}).Where("order_id = ?", o.ID).
		Update("status", "racing").Error)
	created, err := e.complaints.EnsureOverdueComplaint(e.db, e.reload(o.ID), e.now)
	require.NoError(t, err)
	assert.False(t, created)

	var n int64
	require.NoError(t, e.db.Model(&models.Complaint{}).Where("order_id = ?", o.ID).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestLateFeeClaimRejectsStaleDeduction(t *testing.T) {
	e := newTestEnv(t)
	_, _, o := e.borrowing()
	e.advance(15 * day)
	_, err := e.sweep.Run(e.ctx)
	require.NoError(t, err)

	var c models.Complaint
	require.NoError(t, e.db.Where("order_id = ?", o.ID).First(&c).Error)
	require.Nil(t, c.LastDeductionAt)

	step := decimal.NewFromInt(4)
	ok, err := claimDeduction(e.db, c.ID, nil, step, e.now)
	require.NoError(t, err)
	assert.True(t, ok)

	// a second sweep that read the complaint before the first charge
	ok, err = claimDeduction(e.db, c.ID, nil, step, e.now)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, e.db.First(&c, "id = ?", c.ID).Error)
	assert.Equal(t, "4", c.DeductedAmount.String())
	require.NotNil(t, c.LastDeductionAt)

	e.advance(7 * day)
	ok, err = claimDeduction(e.db, c.ID, c.LastDeductionAt, step, e.now)
	require.NoError(t, err)
	assert.True(t, ok)
}
