package controllers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/ChienAnTu/Bookhive/services"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const maxWebhookBody = 1 << 16

func InitiatePayment(svc *services.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.InitiateInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment data"})
			return
		}
		res, err := svc.Initiate(c.Request.Context(), currentActor(c), in)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func PaymentStatus(svc *services.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.Status(c.Request.Context(), currentActor(c), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"payment": p})
	}
}

func SyncPaymentStatus(svc *services.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.Sync(c.Request.Context(), currentActor(c), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"payment": p})
	}
}

func GetUserPayments(svc *services.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.List(c.Request.Context(), currentActor(c))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"payments": list})
	}
}

func CapturePayment(svc *services.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.Capture(c.Request.Context(), currentActor(c), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Payment captured", "payment": p})
	}
}

func CancelPayment(svc *services.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.Cancel(c.Request.Context(), currentActor(c), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Payment canceled", "payment": p})
	}
}

func RefundPayment(svc *services.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.RefundInput
		// an empty body refunds the remainder
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&in); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		refund, err := svc.Refund(c.Request.Context(), currentActor(c), c.Param("id"), in)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Refund issued", "refund": refund})
	}
}

func CreateDispute(svc *services.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.DisputeInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		d, err := svc.CreateDispute(c.Request.Context(), currentActor(c), c.Param("id"), in)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"dispute": d})
	}
}

func HandleDispute(svc *services.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var d services.DisputeDecision
		if err := c.ShouldBindJSON(&d); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.HandleDispute(c.Request.Context(), currentActor(c), c.Param("id"), d)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func PaymentLogs(svc *services.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.Param("limit"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		logs, err := svc.Logs(c.Request.Context(), limit)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": logs})
	}
}

func ConfirmPayment(svc *services.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.ConfirmInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.Confirm(c.Request.Context(), currentActor(c), in)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func MarkShipped(svc *services.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var info services.ShipmentInfo
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&info); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		res, err := svc.MarkShipped(c.Request.Context(), currentActor(c), c.Param("id"), info)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func CompleteOrder(svc *services.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := svc.CompleteOrder(c.Request.Context(), currentActor(c), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Order completed", "order": order})
	}
}

// ReturnComplete accepts an optional refund amount in cents. Without it the
// deposit is refunded minus late and damage fees.
func ReturnComplete(svc *services.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			RefundAmount *int64 `json:"refund_amount"`
		}
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		res, err := svc.ReturnComplete(c.Request.Context(), currentActor(c), c.Param("id"), body.RefundAmount)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// Webhook is unauthenticated; the processor signature is the credential.
func Webhook(svc *services.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
			return
		}
		res, err := svc.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		if res.Duplicate {
			log.Info().Str("event", res.EventID).Msg("duplicate webhook ignored")
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": res.Duplicate})
	}
}
