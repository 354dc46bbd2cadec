package models

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	FullName           string    `gorm:"not null" json:"full_name"`
	Email              string    `gorm:"uniqueIndex;size:191;not null" json:"email"`
	Password           string    `gorm:"not null" json:"-"` // bcrypt hash
	Role               string    `gorm:"type:varchar(20);not null" json:"role"`
	Blocked            bool      `gorm:"default:false" json:"blocked"`
	ConnectedAccountID string    `gorm:"size:64" json:"connected_account_id,omitempty"`
	Postcode           string    `gorm:"size:10" json:"postcode,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"uniqueIndex;not null"`
	Token     string    `gorm:"size:64;index;not null"` // sha256 hex
	ExpiresAt time.Time `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
