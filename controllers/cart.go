package controllers

import (
	"net/http"

	"github.com/ChienAnTu/Bookhive/models"
	"github.com/ChienAnTu/Bookhive/services"
	"github.com/gin-gonic/gin"
)

func GetCart(svc *services.CartService) gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := svc.List(c.Request.Context(), currentActor(c))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func AddToCart(svc *services.CartService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			BookID     uint              `json:"book_id" binding:"required"`
			ActionType models.ActionType `json:"action_type" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
			return
		}

		item, err := svc.Add(c.Request.Context(), currentActor(c), body.BookID, body.ActionType)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Book added to cart", "item": item})
	}
}

func RemoveFromCart(svc *services.CartService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}
		if err := svc.Remove(c.Request.Context(), currentActor(c), id); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Book removed from cart"})
	}
}
