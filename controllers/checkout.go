package controllers

import (
	"net/http"

	"github.com/ChienAnTu/Bookhive/services"
	"github.com/gin-gonic/gin"
)

func CreateCheckout(svc *services.CheckoutService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.CheckoutInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		checkout, err := svc.Create(c.Request.Context(), currentActor(c), in)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"checkout": checkout})
	}
}

func ListCheckouts(svc *services.CheckoutService) gin.HandlerFunc {
	return func(c *gin.Context) {
		checkouts, err := svc.List(c.Request.Context(), currentActor(c))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"checkouts": checkouts})
	}
}

func GetCheckout(svc *services.CheckoutService) gin.HandlerFunc {
	return func(c *gin.Context) {
		checkout, err := svc.Get(c.Request.Context(), currentActor(c), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"checkout": checkout})
	}
}

func DeleteCheckout(svc *services.CheckoutService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Delete(c.Request.Context(), currentActor(c), c.Param("id")); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Checkout deleted"})
	}
}
