package services

import (
	"context"
	"strings"

	"github.com/ChienAnTu/Bookhive/models"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BookService struct {
	db *gorm.DB
}

func NewBookService(db *gorm.DB) *BookService {
	return &BookService{db: db}
}

type BookInput struct {
	Title          *string          `json:"title"`
	Author         *string          `json:"author"`
	ISBN           *string          `json:"isbn"`
	Condition      *string          `json:"condition"`
	Description    *string          `json:"description"`
	Status         *string          `json:"status"` // listed or unlisted
	CanRent        *bool            `json:"can_rent"`
	CanSell        *bool            `json:"can_sell"`
	SalePrice      *decimal.Decimal `json:"sale_price"`
	Deposit        *decimal.Decimal `json:"deposit"`
	MaxLendingDays *int             `json:"max_lending_days"`
	DeliveryMethod *string          `json:"delivery_method"`
	Postcode       *string          `json:"postcode"`
}

func (in BookInput) apply(b *models.Book) error {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&b.Title, in.Title)
	set(&b.Author, in.Author)
	set(&b.ISBN, in.ISBN)
	set(&b.Condition, in.Condition)
	set(&b.Description, in.Description)
	set(&b.DeliveryMethod, in.DeliveryMethod)
	set(&b.Postcode, in.Postcode)
	if in.Status != nil {
		st := models.BookStatus(strings.ToLower(*in.Status))
		if st != models.BookListed && st != models.BookUnlisted {
			return Validation("status must be listed or unlisted")
		}
		b.Status = st
	}
	if in.CanRent != nil {
		b.CanRent = *in.CanRent
	}
	if in.CanSell != nil {
		b.CanSell = *in.CanSell
	}
	if in.SalePrice != nil {
		b.SalePrice = *in.SalePrice
	}
	if in.Deposit != nil {
		b.Deposit = *in.Deposit
	}
	if in.MaxLendingDays != nil {
		b.MaxLendingDays = *in.MaxLendingDays
	}

	switch {
	case b.Title == "":
		return Validation("title is required")
	case !b.CanRent && !b.CanSell:
		return Validation("a book must be rentable, sellable or both")
	case b.CanSell && !b.SalePrice.IsPositive():
		return Validation("sale_price must be positive for a sellable book")
	case b.CanRent && b.Deposit.IsNegative():
		return Validation("deposit cannot be negative")
	case b.MaxLendingDays <= 0:
		return Validation("max_lending_days must be positive")
	}
	switch b.DeliveryMethod {
	case "post", "pickup", "both":
	default:
		return Validation("delivery_method must be post, pickup or both")
	}
	return nil
}

type BookFilter struct {
	Search  string
	Status  string
	OwnerID uint
}

// List defaults to listed books unless a status or owner is given.
func (s *BookService) List(ctx context.Context, f BookFilter) ([]models.Book, error) {
	q := s.db.WithContext(ctx).Model(&models.Book{})
	switch {
	case f.Status != "" && f.Status != "all":
		q = q.Where("status = ?", strings.ToLower(f.Status))
	case f.Status == "" && f.OwnerID == 0:
		q = q.Where("status = ?", models.BookListed)
	}
	if f.OwnerID != 0 {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	if f.Search != "" {
		like := "%" + strings.ToLower(strings.TrimSpace(f.Search)) + "%"
		q = q.Where("(LOWER(title) LIKE ? OR LOWER(author) LIKE ? OR isbn LIKE ?)", like, like, like)
	}

	var books []models.Book
	if err := q.Order("created_at DESC").Find(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

func (s *BookService) Get(ctx context.Context, id uint) (*models.Book, error) {
	var b models.Book
	if err := s.db.WithContext(ctx).First(&b, id).Error; err != nil {
		return nil, notFoundOr(err, "book %d not found", id)
	}
	return &b, nil
}

func (s *BookService) Create(ctx context.Context, actor Actor, in BookInput) (*models.Book, error) {
	b := models.Book{
		OwnerID:        actor.UserID,
		Status:         models.BookListed,
		MaxLendingDays: models.DefaultMaxLendingDays,
		DeliveryMethod: "both",
	}
	if err := in.apply(&b); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(&b).Error; err != nil {
		return nil, err
	}
	log.Info().Uint("book", b.ID).Uint("owner", b.OwnerID).Msg("book listed")
	return &b, nil
}

func (s *BookService) ownBook(tx *gorm.DB, actor Actor, id uint) (*models.Book, error) {
	var b models.Book
	if err := tx.First(&b, id).Error; err != nil {
		return nil, notFoundOr(err, "book %d not found", id)
	}
	if b.OwnerID != actor.UserID && !actor.IsAdmin() {
		return nil, Forbidden("only the owner can change this book")
	}
	return &b, nil
}

// Update is refused while the book is lent or sold.
func (s *BookService) Update(ctx context.Context, actor Actor, id uint, in BookInput) (*models.Book, error) {
	var out *models.Book
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := s.ownBook(tx, actor, id)
		if err != nil {
			return err
		}
		if b.Status == models.BookLent || b.Status == models.BookSold {
			return Conflict("book %q cannot be edited while %s", b.Title, b.Status)
		}
		if err := in.apply(b); err != nil {
			return err
		}
		if err := tx.Save(b).Error; err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// Delete removes a listed or unlisted book that no open order references.
func (s *BookService) Delete(ctx context.Context, actor Actor, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := s.ownBook(tx, actor, id)
		if err != nil {
			return err
		}
		if b.Status != models.BookListed && b.Status != models.BookUnlisted {
			return Conflict("book %q cannot be deleted while %s", b.Title, b.Status)
		}

		var active int64
		err = tx.Model(&models.OrderBook{}).
			Joins("JOIN orders ON orders.id = order_books.order_id").
			Where("order_books.book_id = ? AND orders.status NOT IN ?", id,
				[]models.OrderStatus{models.StatusCompleted, models.StatusCanceled}).
			Count(&active).Error
		if err != nil {
			return err
		}
		if active > 0 {
			return Conflict("book %q has an active order", b.Title)
		}

		if err := tx.Where("book_id = ?", id).Delete(&models.CartItem{}).Error; err != nil {
			return err
		}
		return tx.Delete(b).Error
	})
}

type CartService struct {
	db *gorm.DB
}

func NewCartService(db *gorm.DB) *CartService {
	return &CartService{db: db}
}

func (s *CartService) List(ctx context.Context, actor Actor) ([]models.CartItem, error) {
	var items []models.CartItem
	err := s.db.WithContext(ctx).Preload("Book").
		Where("user_id = ?", actor.UserID).
		Order("created_at DESC").
		Find(&items).Error
	return items, err
}

// Add is idempotent for the same book and action.
func (s *CartService) Add(ctx context.Context, actor Actor, bookID uint, action models.ActionType) (*models.CartItem, error) {
	db := s.db.WithContext(ctx)
	if _, err := validateCheckoutItem(db, models.CheckoutItem{BookID: bookID, ActionType: action}, actor.UserID); err != nil {
		return nil, err
	}

	item := models.CartItem{UserID: actor.UserID, BookID: bookID, ActionType: action}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&item).Error; err != nil {
		return nil, err
	}
	err := db.Preload("Book").
		Where("user_id = ? AND book_id = ? AND action_type = ?", actor.UserID, bookID, action).
		First(&item).Error
	return &item, err
}

func (s *CartService) Remove(ctx context.Context, actor Actor, itemID uint) error {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", itemID, actor.UserID).Delete(&models.CartItem{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return NotFound("cart item %d not found", itemID)
	}
	return nil
}
