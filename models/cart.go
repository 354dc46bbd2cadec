package models

import "time"

type CartItem struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	UserID     uint       `gorm:"uniqueIndex:idx_cart_user_book_action;not null" json:"user_id"`
	BookID     uint       `gorm:"uniqueIndex:idx_cart_user_book_action;not null" json:"book_id"`
	ActionType ActionType `gorm:"uniqueIndex:idx_cart_user_book_action;type:varchar(20);not null" json:"action_type"`
	Book       Book       `gorm:"foreignKey:BookID" json:"book"`
	CreatedAt  time.Time  `json:"created_at"`
}
