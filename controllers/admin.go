package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/ChienAnTu/Bookhive/models"
	"github.com/ChienAnTu/Bookhive/services"
	"github.com/ChienAnTu/Bookhive/utils"
	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type statusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

func countByStatus(db *gorm.DB, model any) ([]statusCount, error) {
	var out []statusCount
	err := db.Model(model).Select("status, COUNT(*) AS count").Group("status").Order("status").Scan(&out).Error
	return out, err
}

func sumCents(db *gorm.DB, model any, column, where string, args ...any) int64 {
	var total int64
	db.Model(model).Select("COALESCE(SUM(" + column + "), 0)").Where(where, args...).Scan(&total)
	return total
}

// AdminDashboard reports entity counts and settled money.
func AdminDashboard(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var totalUsers, blockedUsers int64
		db.Model(&models.User{}).Count(&totalUsers)
		db.Model(&models.User{}).Where("blocked = ?", true).Count(&blockedUsers)

		books, err := countByStatus(db, &models.Book{})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load stats"})
			return
		}
		orders, err := countByStatus(db, &models.Order{})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load stats"})
			return
		}

		charged := sumCents(db, &models.Payment{}, "amount", "status IN ?",
			[]string{models.PaymentSucceeded, models.PaymentPartiallyRefunded, models.PaymentRefunded})
		refunded := sumCents(db, &models.Refund{}, "amount", "amount > ?", 0)
		transferred := sumCents(db, &models.PaymentSplit{}, "transfer_amount_cents", "transfer_id <> ''")

		lastOrder := "never"
		var latest models.Order
		if err := db.Select("created_at").Order("created_at DESC").First(&latest).Error; err == nil {
			lastOrder = humanize.Time(latest.CreatedAt)
		}

		c.JSON(http.StatusOK, gin.H{
			"total_users":      humanize.Comma(totalUsers),
			"blocked_users":    blockedUsers,
			"books_by_status":  books,
			"orders_by_status": orders,
			"settled": gin.H{
				"charged":     utils.FromCents(charged).StringFixed(2),
				"refunded":    utils.FromCents(refunded).StringFixed(2),
				"transferred": utils.FromCents(transferred).StringFixed(2),
				"platform":    utils.FromCents(charged - refunded - transferred).StringFixed(2),
			},
			"last_order": lastOrder,
		})
	}
}

// SweepRunner runs one sweep unless another one is in progress.
type SweepRunner interface {
	RunNow(ctx context.Context) (services.SweepReport, error)
}

// RunSweep runs the background sweep on demand, under the same lease as the
// scheduled runs. A busy sweep answers 409.
func RunSweep(sweep SweepRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		report, err := sweep.RunNow(c.Request.Context())
		if err != nil {
			abortWithError(c, err)
			return
		}
		log.Info().Interface("report", report).Dur("took", time.Since(start)).Msg("manual sweep")
		c.JSON(http.StatusOK, gin.H{"report": report})
	}
}
