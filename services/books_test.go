package services

import (
	"testing"

	"github.com/ChienAnTu/Bookhive/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool { return &b }

func TestCreateBookValidates(t *testing.T) {
	e := newTestEnv(t)
	svc := NewBookService(e.db)
	alice := actorOf(e.user("Alice", ""))

	_, err := svc.Create(e.ctx, alice, BookInput{CanRent: boolPtr(true)})
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = svc.Create(e.ctx, alice, BookInput{Title: strPtr("Dune")})
	assert.Equal(t, KindValidation, KindOf(err), "neither rentable nor sellable")

	_, err = svc.Create(e.ctx, alice, BookInput{Title: strPtr("Dune"), CanSell: boolPtr(true)})
	assert.Equal(t, KindValidation, KindOf(err), "sellable without a price")

	deposit := decimal.NewFromInt(12)
	b, err := svc.Create(e.ctx, alice, BookInput{Title: strPtr("  Dune "), CanRent: boolPtr(true), Deposit: &deposit})
	require.NoError(t, err)
	assert.Equal(t, "Dune", b.Title)
	assert.Equal(t, models.BookListed, b.Status)
	assert.Equal(t, models.DefaultMaxLendingDays, b.MaxLendingDays)
	assert.Equal(t, "both", b.DeliveryMethod)
	assert.Equal(t, alice.UserID, b.OwnerID)
}

func TestUpdateBookOwnershipAndStatus(t *testing.T) {
	e := newTestEnv(t)
	svc := NewBookService(e.db)
	alice := e.user("Alice", "")
	bob := e.user("Bob", "")

	deposit := decimal.NewFromInt(10)
	b, err := svc.Create(e.ctx, actorOf(alice), BookInput{Title: strPtr("Emma"), CanRent: boolPtr(true), Deposit: &deposit})
	require.NoError(t, err)

	_, err = svc.Update(e.ctx, actorOf(bob), b.ID, BookInput{Title: strPtr("Mine now")})
	assert.Equal(t, KindForbidden, KindOf(err))

	updated, err := svc.Update(e.ctx, actorOf(alice), b.ID, BookInput{Status: strPtr("unlisted")})
	require.NoError(t, err)
	assert.Equal(t, models.BookUnlisted, updated.Status)

	_, err = svc.Update(e.ctx, actorOf(alice), b.ID, BookInput{Status: strPtr("sold")})
	assert.Equal(t, KindValidation, KindOf(err))

	require.NoError(t, e.db.Model(&models.Book{}).Where("id = ?", b.ID).Update("status", models.BookLent).Error)
	_, err = svc.Update(e.ctx, actorOf(alice), b.ID, BookInput{Title: strPtr("Emma II")})
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestDeleteBookWithActiveOrder(t *testing.T) {
	e := newTestEnv(t)
	svc := NewBookService(e.db)
	alice := e.user("Alice", "acct_alice")
	carol := e.user("Carol", "")
	b := e.book(alice, 20, 0)
	spare := e.book(alice, 0, 9)

	e.paidOrders(carol, borrowItem(b))
	err := svc.Delete(e.ctx, actorOf(alice), b.ID)
	assert.Equal(t, KindConflict, KindOf(err))

	assert.Equal(t, KindForbidden, KindOf(svc.Delete(e.ctx, actorOf(carol), spare.ID)))
	require.NoError(t, svc.Delete(e.ctx, actorOf(alice), spare.ID))
	_, err = svc.Get(e.ctx, spare.ID)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestBookListFilters(t *testing.T) {
	e := newTestEnv(t)
	svc := NewBookService(e.db)
	alice := e.user("Alice", "")
	e.book(alice, 20, 0)
	hidden := e.book(alice, 0, 9)
	require.NoError(t, e.db.Model(hidden).Update("status", models.BookUnlisted).Error)

	listed, err := svc.List(e.ctx, BookFilter{})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	mine, err := svc.List(e.ctx, BookFilter{OwnerID: alice.ID})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	found, err := svc.List(e.ctx, BookFilter{Search: "book", Status: "all"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestCart(t *testing.T) {
	e := newTestEnv(t)
	cart := NewCartService(e.db)
	alice := e.user("Alice", "")
	carol := e.user("Carol", "")
	b := e.book(alice, 20, 0)

	_, err := cart.Add(e.ctx, actorOf(alice), b.ID, models.ActionBorrow)
	assert.Equal(t, KindValidation, KindOf(err), "own book")

	_, err = cart.Add(e.ctx, actorOf(carol), b.ID, models.ActionPurchase)
	assert.Equal(t, KindValidation, KindOf(err), "not for sale")

	first, err := cart.Add(e.ctx, actorOf(carol), b.ID, models.ActionBorrow)
	require.NoError(t, err)
	again, err := cart.Add(e.ctx, actorOf(carol), b.ID, models.ActionBorrow)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, b.Title, again.Book.Title)

	items, err := cart.List(e.ctx, actorOf(carol))
	require.NoError(t, err)
	assert.Len(t, items, 1)

	assert.Equal(t, KindNotFound, KindOf(cart.Remove(e.ctx, actorOf(alice), first.ID)))
	require.NoError(t, cart.Remove(e.ctx, actorOf(carol), first.ID))
	items, err = cart.List(e.ctx, actorOf(carol))
	require.NoError(t, err)
	assert.Empty(t, items)
}
