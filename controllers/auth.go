package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/ChienAnTu/Bookhive/middlewares"
	"github.com/ChienAnTu/Bookhive/models"
	"github.com/ChienAnTu/Bookhive/utils"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const refreshCookie = "refresh_token"

// Register creates a regular user account.
func Register(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			FullName string `json:"full_name" binding:"required"`
			Email    string `json:"email" binding:"required,email"`
			Password string `json:"password" binding:"required,min=6"`
			Postcode string `json:"postcode"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		email := strings.ToLower(strings.TrimSpace(input.Email))

		var existing models.User
		if err := db.Where("email = ?", email).First(&existing).Error; err == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "Email already registered"})
			return
		}

		hashedPassword, err := utils.HashPassword(input.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hash password"})
			return
		}

		user := models.User{
			FullName: strings.TrimSpace(input.FullName),
			Email:    email,
			Password: hashedPassword,
			Role:     models.RoleUser,
			Postcode: input.Postcode,
		}
		if err := db.Create(&user).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
			return
		}
		log.Info().Uint("user", user.ID).Msg("user registered")

		c.JSON(http.StatusCreated, gin.H{
			"status":  "success",
			"message": "User registered successfully",
			"user":    user,
		})
	}
}

// Login issues an access token and sets the refresh token cookie.
func Login(db *gorm.DB, refreshTTL time.Duration, secureCookie bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Email    string `json:"email" binding:"required,email"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var user models.User
		if err := db.Where("email = ?", strings.ToLower(strings.TrimSpace(input.Email))).First(&user).Error; err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
			return
		}
		if !utils.CheckPasswordHash(input.Password, user.Password) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
			return
		}
		if user.Blocked {
			c.JSON(http.StatusForbidden, gin.H{"error": "Your account has been blocked"})
			return
		}

		token, err := utils.CreateToken(user.ID, user.Role)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Error generating access token"})
			return
		}

		refreshToken, hashedToken, err := utils.GenerateRefreshToken()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Error generating refresh token"})
			return
		}
		expiresAt := time.Now().Add(refreshTTL)
		if err := utils.SaveRefreshToken(db, user.ID, hashedToken, expiresAt); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not save refresh token"})
			return
		}
		c.SetCookie(refreshCookie, refreshToken, int(refreshTTL.Seconds()), "/", "", secureCookie, true)

		c.JSON(http.StatusOK, gin.H{
			"status": "success",
			"role":   user.Role,
			"token":  token,
			"user": gin.H{
				"id":    user.ID,
				"name":  user.FullName,
				"email": user.Email,
			},
		})
	}
}

// RefreshToken trades the refresh cookie for a new access token. The role is
// read from the account so promotions and blocks apply immediately.
func RefreshToken(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		refreshToken, err := c.Cookie(refreshCookie)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Refresh token required"})
			return
		}

		rt, err := utils.ValidateRefreshToken(db, refreshToken)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired refresh token"})
			return
		}

		var user models.User
		if err := db.First(&user, rt.UserID).Error; err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Account not found"})
			return
		}
		if user.Blocked {
			c.JSON(http.StatusForbidden, gin.H{"error": "Your account has been blocked"})
			return
		}

		accessToken, err := utils.CreateToken(user.ID, user.Role)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Error generating access token"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":       "success",
			"access_token": accessToken,
		})
	}
}

func Logout(db *gorm.DB, secureCookie bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		refreshToken, err := c.Cookie(refreshCookie)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Refresh token required"})
			return
		}

		if err := utils.DeleteRefreshToken(db, refreshToken); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not logout"})
			return
		}
		c.SetCookie(refreshCookie, "", -1, "/", "", secureCookie, true)

		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"message": "Logged out successfully",
		})
	}
}

// ChangePassword requires the current password.
func ChangePassword(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			CurrentPassword string `json:"current_password" binding:"required"`
			NewPassword     string `json:"new_password" binding:"required,min=6"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var user models.User
		if err := db.First(&user, c.GetUint(middlewares.ContextUserID)).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		if !utils.CheckPasswordHash(input.CurrentPassword, user.Password) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Current password is incorrect"})
			return
		}

		hashedPassword, err := utils.HashPassword(input.NewPassword)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hash new password"})
			return
		}
		if err := db.Model(&user).Update("password", hashedPassword).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to change password"})
			return
		}
		// other sessions must log in again
		db.Where("user_id = ?", user.ID).Delete(&models.RefreshToken{})

		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"message": "Password changed successfully",
		})
	}
}
