package controllers

import (
	"net/http"

	"github.com/ChienAnTu/Bookhive/models"
	"github.com/ChienAnTu/Bookhive/utils"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type AnalyticsController struct {
	DB *gorm.DB
}

// GetDailyRevenue sums settled charges per day over the last week of activity.
func (ac *AnalyticsController) GetDailyRevenue(c *gin.Context) {
	type row struct {
		Day   string
		Cents int64
	}
	type RevenueData struct {
		Date    string `json:"date"`
		Revenue string `json:"revenue"`
	}

	var rows []row
	err := ac.DB.
		Model(&models.Payment{}).
		Select("DATE(created_at) AS day, SUM(amount) AS cents").
		Where("status IN ?", []string{models.PaymentSucceeded, models.PaymentPartiallyRefunded, models.PaymentRefunded}).
		Group("DATE(created_at)").
		Order("day DESC").
		Limit(7).
		Scan(&rows).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load revenue"})
		return
	}

	results := make([]RevenueData, len(rows))
	for i, r := range rows {
		// oldest first for charting
		results[len(rows)-1-i] = RevenueData{Date: r.Day, Revenue: utils.FromCents(r.Cents).StringFixed(2)}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    results,
	})
}

func (ac *AnalyticsController) GetOrdersPerBook(c *gin.Context) {
	type BookData struct {
		Book   string `json:"book" gorm:"column:book"`
		Orders int64  `json:"orders" gorm:"column:order_count"`
	}

	var results []BookData
	err := ac.DB.Table("order_books").
		Select("books.title AS book, COUNT(order_books.order_id) AS order_count").
		Joins("JOIN books ON books.id = order_books.book_id").
		Group("books.title").
		Order("order_count DESC").
		Limit(7).
		Scan(&results).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load book stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    results,
	})
}

func (ac *AnalyticsController) GetUserActivity(c *gin.Context) {
	type UserData struct {
		User   string `json:"user" gorm:"column:user_name"`
		Orders int64  `json:"orders" gorm:"column:order_count"`
	}

	var results []UserData
	err := ac.DB.Table("orders").
		Select("users.full_name AS user_name, COUNT(orders.id) AS order_count").
		Joins("JOIN users ON users.id = orders.borrower_id").
		Group("users.full_name").
		Order("order_count DESC").
		Limit(5).
		Scan(&results).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    results,
	})
}
