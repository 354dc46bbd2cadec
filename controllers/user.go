package controllers

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ChienAnTu/Bookhive/middlewares"
	"github.com/ChienAnTu/Bookhive/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var connectedAccountRe = regexp.MustCompile(`^acct_[A-Za-z0-9]+$`)

func GetMe(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var user models.User
		if err := db.First(&user, c.GetUint(middlewares.ContextUserID)).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": user})
	}
}

func UpdateMe(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			FullName *string `json:"full_name"`
			Postcode *string `json:"postcode"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		updates := map[string]any{}
		if input.FullName != nil {
			name := strings.TrimSpace(*input.FullName)
			if name == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "full_name cannot be empty"})
				return
			}
			updates["full_name"] = name
		}
		if input.Postcode != nil {
			updates["postcode"] = strings.TrimSpace(*input.Postcode)
		}

		var user models.User
		if err := db.First(&user, c.GetUint(middlewares.ContextUserID)).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		if len(updates) > 0 {
			if err := db.Model(&user).Updates(updates).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update profile"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"user": user})
	}
}

// SetPayoutAccount stores the processor account that receives the owner's
// transfers. An empty id clears it.
func SetPayoutAccount(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			ConnectedAccountID string `json:"connected_account_id"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		acct := strings.TrimSpace(input.ConnectedAccountID)
		if acct != "" && !connectedAccountRe.MatchString(acct) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "connected_account_id must look like acct_..."})
			return
		}

		userID := c.GetUint(middlewares.ContextUserID)
		res := db.Model(&models.User{}).Where("id = ?", userID).Update("connected_account_id", acct)
		if res.Error != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save payout account"})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		log.Info().Uint("user", userID).Bool("cleared", acct == "").Msg("payout account updated")
		c.JSON(http.StatusOK, gin.H{"connected_account_id": acct})
	}
}

// GetAllUsers - Admin fetch all users
func GetAllUsers(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var users []models.User
		search := c.Query("search")

		query := db.Model(&models.User{}).Order("created_at DESC")
		if search != "" {
			query = query.Where("LOWER(full_name) LIKE LOWER(?) OR LOWER(email) LIKE LOWER(?)", "%"+search+"%", "%"+search+"%")
		}

		if err := query.Find(&users).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch users"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"users": users})
	}
}

// BlockUser - toggle user status
func BlockUser(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}
		if id == c.GetUint(middlewares.ContextUserID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "You cannot block yourself"})
			return
		}

		var user models.User
		if err := db.First(&user, id).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}

		user.Blocked = !user.Blocked
		if err := db.Model(&user).Update("blocked", user.Blocked).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update user"})
			return
		}
		if user.Blocked {
			// drop the refresh token so the session cannot be extended
			db.Where("user_id = ?", user.ID).Delete(&models.RefreshToken{})
		}

		status := "unblocked"
		if user.Blocked {
			status = "blocked"
		}
		c.JSON(http.StatusOK, gin.H{"message": "User " + status + " successfully", "blocked": user.Blocked})
	}
}
