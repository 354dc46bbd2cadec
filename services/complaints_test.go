package services

import (
	"testing"

	"github.com/ChienAnTu/Bookhive/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplaintParticipants(t *testing.T) {
	e := newTestEnv(t)
	owner, borrower, o := e.borrowing()
	dave := e.user("Dave", "")
	admin := e.admin()

	_, err := e.complaints.Create(e.ctx, actorOf(dave), ComplaintInput{OrderID: &o.ID, Type: models.ComplaintDelivery, Subject: "late"})
	assert.Equal(t, KindForbidden, KindOf(err))

	_, err = e.complaints.Create(e.ctx, actorOf(borrower), ComplaintInput{Type: "weird", Subject: "x"})
	assert.Equal(t, KindValidation, KindOf(err))

	c, err := e.complaints.Create(e.ctx, actorOf(borrower), ComplaintInput{OrderID: &o.ID, Type: models.ComplaintBookCondition, Subject: "  Pages missing "})
	require.NoError(t, err)
	assert.Equal(t, "Pages missing", c.Subject)
	assert.Equal(t, models.ComplaintPending, c.Status)
	require.NotNil(t, c.RespondentID)
	assert.Equal(t, owner.ID, *c.RespondentID)

	_, err = e.complaints.AddMessage(e.ctx, actorOf(owner), c.ID, "sorry about that")
	require.NoError(t, err)
	_, err = e.complaints.AddMessage(e.ctx, actorOf(dave), c.ID, "hi")
	assert.Equal(t, KindForbidden, KindOf(err))

	got, err := e.complaints.Get(e.ctx, actorOf(owner), c.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "sorry about that", got.Messages[0].Body)

	_, err = e.complaints.Get(e.ctx, actorOf(dave), c.ID)
	assert.Equal(t, KindForbidden, KindOf(err))

	mine, err := e.complaints.List(e.ctx, actorOf(owner), ComplaintFilter{})
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	none, err := e.complaints.List(e.ctx, actorOf(dave), ComplaintFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = e.complaints.AdminUpdate(e.ctx, actorOf(owner), c.ID, ComplaintUpdate{Status: models.ComplaintClosed})
	assert.Equal(t, KindForbidden, KindOf(err))
	_, err = e.complaints.AdminUpdate(e.ctx, admin, c.ID, ComplaintUpdate{Status: "archived"})
	assert.Equal(t, KindValidation, KindOf(err))

	response := "refund approved"
	updated, err := e.complaints.AdminUpdate(e.ctx, admin, c.ID, ComplaintUpdate{Status: "Investigating", AdminResponse: &response})
	require.NoError(t, err)
	assert.Equal(t, models.ComplaintInvestigating, updated.Status)
	assert.Equal(t, response, updated.AdminResponse)

	open, err := e.complaints.List(e.ctx, admin, ComplaintFilter{Status: models.ComplaintInvestigating})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestDeductDepositIsKeptAtReturn(t *testing.T) {
	e := newTestEnv(t)
	owner, borrower, o := e.borrowing()
	admin := e.admin()

	c, err := e.complaints.Create(e.ctx, actorOf(owner), ComplaintInput{OrderID: &o.ID, Type: models.ComplaintBookCondition, Subject: "water damage"})
	require.NoError(t, err)
	assert.Equal(t, borrower.ID, *c.RespondentID)

	_, err = e.complaints.DeductDeposit(e.ctx, admin, c.ID, DeductionInput{Amount: decimal.NewFromInt(25)})
	assert.Equal(t, KindValidation, KindOf(err))
	_, err = e.complaints.DeductDeposit(e.ctx, admin, c.ID, DeductionInput{Amount: decimal.Zero})
	assert.Equal(t, KindValidation, KindOf(err))

	c, err = e.complaints.DeductDeposit(e.ctx, admin, c.ID, DeductionInput{Amount: decimal.NewFromInt(6), Reason: "water damage"})
	require.NoError(t, err)
	assert.Equal(t, "6", c.DeductedAmount.String())
	assert.Equal(t, "6", e.reload(o.ID).DamageFeeAmount.String())

	ret, err := e.payments.ReturnComplete(e.ctx, actorOf(owner), o.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1400), ret.Refunded)
	assert.Equal(t, int64(600), ret.RetainedCents)
}
