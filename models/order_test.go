package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		action   ActionType
		want     bool
	}{
		{StatusPendingPayment, StatusPendingShipment, ActionBorrow, true},
		{StatusPendingPayment, StatusPendingShipment, ActionPurchase, true},
		{StatusPendingShipment, StatusBorrowing, ActionBorrow, true},
		{StatusPendingShipment, StatusBorrowing, ActionPurchase, false},
		{StatusBorrowing, StatusOverdue, ActionBorrow, true},
		{StatusBorrowing, StatusReturned, ActionBorrow, true},
		{StatusOverdue, StatusReturned, ActionBorrow, true},
		{StatusReturned, StatusCompleted, ActionBorrow, true},
		{StatusOverdue, StatusCompleted, ActionBorrow, true},
		{StatusBorrowing, StatusCompleted, ActionBorrow, true},
		{StatusPendingShipment, StatusCompleted, ActionPurchase, true},
		{StatusPendingShipment, StatusCompleted, ActionBorrow, false},
		{StatusPendingPayment, StatusCanceled, ActionBorrow, true},
		{StatusPendingShipment, StatusCanceled, ActionPurchase, true},
		{StatusBorrowing, StatusCanceled, ActionBorrow, false},
		{StatusCompleted, StatusPendingPayment, ActionBorrow, false},
		{StatusCanceled, StatusPendingShipment, ActionPurchase, false},
		{StatusReturned, StatusBorrowing, ActionBorrow, false},
		{StatusPendingPayment, StatusBorrowing, ActionBorrow, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to)+"/"+string(tt.action), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to, tt.action))
		})
	}
}

func TestTerminalStatusesHaveNoOutgoingEdges(t *testing.T) {
	for _, from := range []OrderStatus{StatusCompleted, StatusCanceled} {
		assert.True(t, from.Terminal())
		for _, to := range AllOrderStatuses {
			assert.False(t, CanTransition(from, to, ActionBorrow))
			assert.False(t, CanTransition(from, to, ActionPurchase))
		}
	}
}

func TestSourcesFor(t *testing.T) {
	assert.ElementsMatch(t,
		[]OrderStatus{StatusPendingPayment, StatusPendingShipment},
		SourcesFor(StatusCanceled, ActionBorrow))
	assert.ElementsMatch(t,
		[]OrderStatus{StatusBorrowing, StatusOverdue, StatusReturned},
		SourcesFor(StatusCompleted, ActionBorrow))
	assert.Equal(t, []OrderStatus{StatusPendingShipment}, SourcesFor(StatusCompleted, ActionPurchase))
}

func TestSplitRefundable(t *testing.T) {
	assert.Equal(t, int64(1500), PaymentSplit{DepositCents: 2000, DepositReleasedCents: 500}.Refundable())
	assert.Equal(t, int64(0), PaymentSplit{DepositCents: 2000, DepositReleasedCents: 2500}.Refundable())
}
