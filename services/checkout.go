package services

import (
	"context"
	"strings"

	"github.com/ChienAnTu/Bookhive/models"
	"github.com/ChienAnTu/Bookhive/shipping"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Default parcel used to quote a single book.
const (
	parcelLengthCm = 24
	parcelWidthCm  = 16
	parcelHeightCm = 4
	parcelWeightKg = 0.5
)

type CheckoutService struct {
	db     *gorm.DB
	quoter shipping.Quoter
}

func NewCheckoutService(db *gorm.DB, quoter shipping.Quoter) *CheckoutService {
	return &CheckoutService{db: db, quoter: quoter}
}

type CheckoutItemInput struct {
	BookID         uint              `json:"book_id" binding:"required"`
	ActionType     models.ActionType `json:"action_type" binding:"required"`
	ShippingMethod string            `json:"shipping_method"`
	ServiceCode    string            `json:"service_code"`
}

type CheckoutInput struct {
	ContactName string              `json:"contact_name" binding:"required"`
	Phone       string              `json:"phone"`
	Street      string              `json:"street"`
	City        string              `json:"city"`
	Postcode    string              `json:"postcode" binding:"required"`
	Country     string              `json:"country"`
	Items       []CheckoutItemInput `json:"items" binding:"required"`
}

// Create snapshots prices and deposits, quotes postage for delivered items
// and stores a pending checkout with its totals.
func (s *CheckoutService) Create(ctx context.Context, actor Actor, in CheckoutInput) (*models.Checkout, error) {
	if len(in.Items) == 0 {
		return nil, Validation("checkout needs at least one item")
	}

	checkout := models.Checkout{
		UserID:      actor.UserID,
		ContactName: in.ContactName,
		Phone:       in.Phone,
		Street:      in.Street,
		City:        in.City,
		Postcode:    strings.TrimSpace(in.Postcode),
		Country:     in.Country,
		Status:      models.CheckoutPending,
	}
	if checkout.Country == "" {
		checkout.Country = "Australia"
	}

	db := s.db.WithContext(ctx)
	seen := make(map[groupKey]bool)
	books := make(map[uint]bool)
	for _, it := range in.Items {
		if books[it.BookID] {
			return nil, Validation("book %d appears twice in the checkout", it.BookID)
		}
		books[it.BookID] = true

		item := models.CheckoutItem{BookID: it.BookID, ActionType: it.ActionType, ServiceCode: it.ServiceCode}
		item.ShippingMethod = models.ShippingPickup
		if strings.EqualFold(it.ShippingMethod, models.ShippingDelivery) || strings.EqualFold(it.ShippingMethod, models.ShipPost) {
			item.ShippingMethod = models.ShippingDelivery
		}

		book, err := validateCheckoutItem(db, item, actor.UserID)
		if err != nil {
			return nil, err
		}
		item.OwnerID = book.OwnerID
		if item.ActionType == models.ActionPurchase {
			item.Price = book.SalePrice
			checkout.BookFee = checkout.BookFee.Add(book.SalePrice)
		} else {
			item.Deposit = book.Deposit
			checkout.Deposit = checkout.Deposit.Add(book.Deposit)
		}

		k := groupKey{owner: book.OwnerID, action: item.ActionType}
		if item.ShippingMethod == models.ShippingDelivery {
			item.ShippingQuote = s.quote(ctx, db, book, checkout.Postcode, it.ServiceCode)
			// One parcel per owner and action type; orders charge the first quote.
			if !seen[k] {
				seen[k] = true
				checkout.ShippingFee = checkout.ShippingFee.Add(item.ShippingQuote)
			}
		}
		checkout.Items = append(checkout.Items, item)
	}

	rule, err := activeServiceFee(db)
	if err != nil {
		return nil, err
	}
	checkout.ServiceFee = checkoutServiceFee(checkout.Items, rule)
	checkout.Total = checkout.Deposit.Add(checkout.BookFee).Add(checkout.ShippingFee).Add(checkout.ServiceFee)

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&checkout).Error; err != nil {
			return err
		}
		for _, item := range checkout.Items {
			if err := tx.Where("user_id = ? AND book_id = ? AND action_type = ?", actor.UserID, item.BookID, item.ActionType).
				Delete(&models.CartItem{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &checkout, nil
}

// checkoutServiceFee applies the fee rule per future order so the checkout
// total matches what the orders will charge.
func checkoutServiceFee(items []models.CheckoutItem, rule *models.ServiceFee) decimal.Decimal {
	var keys []groupKey
	groups := make(map[groupKey][]models.CheckoutItem)
	for _, item := range items {
		k := groupKey{owner: item.OwnerID, action: item.ActionType}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], item)
	}
	total := decimal.Zero
	for _, k := range keys {
		_, _, fee := orderAmounts(groups[k], rule)
		total = total.Add(fee)
	}
	return total
}

// quote returns the postage for one book, or zero when no quote can be had.
func (s *CheckoutService) quote(ctx context.Context, db *gorm.DB, book *models.Book, to, service string) decimal.Decimal {
	if s.quoter == nil {
		return decimal.Zero
	}
	from := book.Postcode
	if from == "" {
		var owner models.User
		if err := db.Select("postcode").First(&owner, book.OwnerID).Error; err == nil {
			from = owner.Postcode
		}
	}
	q, err := s.quoter.Quote(ctx, shipping.QuoteRequest{
		FromPostcode: from,
		ToPostcode:   to,
		Length:       parcelLengthCm,
		Width:        parcelWidthCm,
		Height:       parcelHeightCm,
		Weight:       parcelWeightKg,
		ServiceCode:  service,
	})
	if err != nil {
		log.Warn().Err(err).Uint("book", book.ID).Str("from", from).Str("to", to).Msg("shipping quote failed, charging 0")
		return decimal.Zero
	}
	return q.TotalCost
}

func (s *CheckoutService) Get(ctx context.Context, actor Actor, id string) (*models.Checkout, error) {
	c, err := loadCheckout(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	if c.UserID != actor.UserID && !actor.IsAdmin() {
		return nil, Forbidden("checkout %s belongs to another user", id)
	}
	return c, nil
}

func (s *CheckoutService) List(ctx context.Context, actor Actor) ([]models.Checkout, error) {
	var out []models.Checkout
	err := s.db.WithContext(ctx).Preload("Items").
		Where("user_id = ?", actor.UserID).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

func (s *CheckoutService) Delete(ctx context.Context, actor Actor, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := loadCheckout(tx, id)
		if err != nil {
			return err
		}
		if c.UserID != actor.UserID {
			return Forbidden("checkout %s belongs to another user", id)
		}
		if c.Status != models.CheckoutPending {
			return Conflict("checkout %s is %s and cannot be deleted", id, strings.ToLower(c.Status))
		}
		if err := tx.Where("checkout_id = ?", id).Delete(&models.CheckoutItem{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Checkout{}, "id = ?", id).Error
	})
}
