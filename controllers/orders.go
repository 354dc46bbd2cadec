package controllers

import (
	"net/http"

	"github.com/ChienAnTu/Bookhive/services"
	"github.com/gin-gonic/gin"
)

// CreateOrders turns a checkout into orders awaiting payment.
func CreateOrders(svc *services.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			CheckoutID string `json:"checkout_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		orders, err := svc.CreateOrders(c.Request.Context(), currentActor(c), body.CheckoutID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		ids := make([]string, len(orders))
		for i, o := range orders {
			ids[i] = o.ID
		}
		c.JSON(http.StatusCreated, gin.H{"order_ids": ids, "orders": orders})
	}
}

func ListOrders(svc *services.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := svc.List(c.Request.Context(), currentActor(c), services.OrderFilter{
			Status: c.Query("status"),
			Search: c.Query("search"),
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"orders": orders})
	}
}

func GetOrder(svc *services.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := svc.Get(c.Request.Context(), currentActor(c), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": order})
	}
}

func CancelOrder(svc *services.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := svc.Cancel(c.Request.Context(), currentActor(c), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Order canceled", "order": order})
	}
}

func ReturnShipment(svc *services.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var info services.ShipmentInfo
		if err := c.ShouldBindJSON(&info); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		order, err := svc.ConfirmReturnShipment(c.Request.Context(), currentActor(c), c.Param("id"), info)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Return shipment recorded", "order": order})
	}
}

func TrackingNumbers(svc *services.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tracking, err := svc.TrackingNumbers(c.Request.Context(), currentActor(c))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tracking": tracking})
	}
}
