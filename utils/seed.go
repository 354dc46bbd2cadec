package utils

import (
	"errors"

	"github.com/ChienAnTu/Bookhive/models"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SeedDefaults inserts the baseline service fee rule and, when credentials
// are given, an admin account. Existing rows are left alone.
func SeedDefaults(db *gorm.DB, adminEmail, adminPassword string) error {
	var count int64
	if err := db.Model(&models.ServiceFee{}).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		fee := models.ServiceFee{
			Name:    "Platform fee",
			FeeType: models.FeeFixed,
			Value:   decimal.NewFromInt(2),
			Status:  true,
		}
		if err := db.Create(&fee).Error; err != nil {
			return err
		}
		log.Info().Str("fee", fee.Value.StringFixed(2)).Msg("seeded default service fee")
	}

	if adminEmail == "" || adminPassword == "" {
		return nil
	}
	var existing models.User
	err := db.Where("email = ?", adminEmail).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	hashed, err := HashPassword(adminPassword)
	if err != nil {
		return err
	}
	admin := models.User{
		FullName: "Administrator",
		Email:    adminEmail,
		Password: hashed,
		Role:     models.RoleAdmin,
	}
	if err := db.Create(&admin).Error; err != nil {
		return err
	}
	log.Info().Str("email", adminEmail).Msg("seeded admin account")
	return nil
}
