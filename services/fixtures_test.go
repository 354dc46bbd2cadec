package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ChienAnTu/Bookhive/events"
	"github.com/ChienAnTu/Bookhive/models"
	"github.com/ChienAnTu/Bookhive/payments"
	"github.com/ChienAnTu/Bookhive/shipping"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubQuoter struct {
	cost decimal.Decimal
	err  error
}

func (q stubQuoter) Quote(context.Context, shipping.QuoteRequest) (*shipping.Quote, error) {
	if q.err != nil {
		return nil, q.err
	}
	return &shipping.Quote{Service: shipping.ServiceRegular, TotalCost: q.cost}, nil
}

// postcodeQuoter prices a parcel by the postcode it ships from.
type postcodeQuoter map[string]int64

func (q postcodeQuoter) Quote(_ context.Context, req shipping.QuoteRequest) (*shipping.Quote, error) {
	return &shipping.Quote{Service: shipping.ServiceRegular, TotalCost: decimal.NewFromInt(q[req.FromPostcode])}, nil
}

type testEnv struct {
	t   *testing.T
	ctx context.Context
	db  *gorm.DB
	now time.Time

	proc     *payments.Fake
	rec      *events.Recorder
	orders   *OrderService
	payments *PaymentService

	complaints *ComplaintService
	checkouts  *CheckoutService
	sweep      *SweepService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, models.Migrate(db))

	e := &testEnv{
		t:    t,
		ctx:  context.Background(),
		db:   db,
		now:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		proc: payments.NewFake(),
		rec:  &events.Recorder{},
	}
	clk := clock(func() time.Time { return e.now })

	e.orders = NewOrderService(db, e.rec)
	e.orders.clock = clk
	e.payments = NewPaymentService(db, e.proc, e.orders, e.rec, "aud")
	e.payments.clock = clk
	e.complaints = NewComplaintService(db, e.rec)
	e.complaints.clock = clk
	e.checkouts = NewCheckoutService(db, stubQuoter{cost: decimal.NewFromInt(5)})
	e.sweep = NewSweepService(db, e.orders, e.complaints, e.payments, e.rec)
	e.sweep.clock = clk

	require.NoError(t, db.Create(&models.ServiceFee{
		Name: "Platform fee", FeeType: models.FeeFixed, Value: decimal.NewFromInt(2), Status: true,
	}).Error)
	return e
}

func (e *testEnv) advance(d time.Duration) { e.now = e.now.Add(d) }

func (e *testEnv) user(name, account string) *models.User {
	e.t.Helper()
	u := models.User{
		FullName:           name,
		Email:              strings.ToLower(name) + "@example.com",
		Password:           "x",
		Role:               models.RoleUser,
		ConnectedAccountID: account,
		Postcode:           "2000",
	}
	require.NoError(e.t, e.db.Create(&u).Error)
	return &u
}

func (e *testEnv) admin() Actor {
	u := models.User{FullName: "Admin", Email: "admin@example.com", Password: "x", Role: models.RoleAdmin}
	require.NoError(e.t, e.db.Create(&u).Error)
	return Actor{UserID: u.ID, Role: models.RoleAdmin}
}

// book lists a book that can be both borrowed (with the given deposit) and
// bought (at the given price).
func (e *testEnv) book(owner *models.User, deposit, price int64) *models.Book {
	e.t.Helper()
	b := models.Book{
		OwnerID:        owner.ID,
		Title:          fmt.Sprintf("Book %d-%d", owner.ID, deposit+price),
		Author:         "Author",
		Status:         models.BookListed,
		CanRent:        deposit > 0,
		CanSell:        price > 0,
		Deposit:        decimal.NewFromInt(deposit),
		SalePrice:      decimal.NewFromInt(price),
		MaxLendingDays: 14,
		Postcode:       "3000",
	}
	require.NoError(e.t, e.db.Create(&b).Error)
	return &b
}

func actorOf(u *models.User) Actor { return Actor{UserID: u.ID, Role: u.Role} }

func (e *testEnv) checkout(buyer *models.User, items ...CheckoutItemInput) *models.Checkout {
	e.t.Helper()
	c, err := e.checkouts.Create(e.ctx, actorOf(buyer), CheckoutInput{
		ContactName: buyer.FullName,
		Street:      "1 George St",
		City:        "Sydney",
		Postcode:    "2000",
		Items:       items,
	})
	require.NoError(e.t, err)
	return c
}

// paidOrders runs a checkout through initiate and confirm and returns the
// payment id with the created orders.
func (e *testEnv) paidOrders(buyer *models.User, items ...CheckoutItemInput) (string, []models.Order) {
	e.t.Helper()
	c := e.checkout(buyer, items...)
	pi, err := e.payments.Initiate(e.ctx, actorOf(buyer), InitiateInput{CheckoutID: c.ID})
	require.NoError(e.t, err)
	e.proc.SetStatus(pi.PaymentID, models.PaymentSucceeded)

	res, err := e.payments.Confirm(e.ctx, actorOf(buyer), ConfirmInput{PaymentID: pi.PaymentID})
	require.NoError(e.t, err)

	var orders []models.Order
	require.NoError(e.t, e.db.Where("id IN ?", res.OrdersCreated).Find(&orders).Error)
	return pi.PaymentID, orders
}

func (e *testEnv) reload(id string) *models.Order {
	e.t.Helper()
	o, err := loadOrder(e.db, id)
	require.NoError(e.t, err)
	return o
}

func (e *testEnv) split(orderID string) models.PaymentSplit {
	e.t.Helper()
	var s models.PaymentSplit
	require.NoError(e.t, e.db.Where("order_id = ?", orderID).First(&s).Error)
	return s
}

func (e *testEnv) bookStatus(id uint) models.BookStatus {
	e.t.Helper()
	var b models.Book
	require.NoError(e.t, e.db.First(&b, id).Error)
	return b.Status
}

func borrowItem(b *models.Book) CheckoutItemInput {
	return CheckoutItemInput{BookID: b.ID, ActionType: models.ActionBorrow, ShippingMethod: models.ShippingDelivery}
}

func purchaseItem(b *models.Book, method string) CheckoutItemInput {
	return CheckoutItemInput{BookID: b.ID, ActionType: models.ActionPurchase, ShippingMethod: method}
}

func (e *testEnv) quoteShipping(dollars int64) {
	e.checkouts = NewCheckoutService(e.db, stubQuoter{cost: decimal.NewFromInt(dollars)})
}

// mixedCheckout pays for one checkout holding a borrow from alice (deposit
// $20, shipping $5) and a purchase from bob ($30, shipping $4).
func (e *testEnv) mixedCheckout(alice, bob, buyer *models.User) (paymentID string, borrow, purchase models.Order) {
	e.t.Helper()
	lend := e.book(alice, 20, 0)
	sell := e.book(bob, 0, 30)
	require.NoError(e.t, e.db.Model(sell).Update("postcode", "4000").Error)
	e.checkouts = NewCheckoutService(e.db, postcodeQuoter{"3000": 5, "4000": 4})

	paymentID, orders := e.paidOrders(buyer, borrowItem(lend), purchaseItem(sell, models.ShippingDelivery))
	require.Len(e.t, orders, 2)
	for _, o := range orders {
		if o.ActionType == models.ActionBorrow {
			borrow = o
		} else {
			purchase = o
		}
	}
	require.NotEmpty(e.t, borrow.ID)
	require.NotEmpty(e.t, purchase.ID)
	return paymentID, borrow, purchase
}
