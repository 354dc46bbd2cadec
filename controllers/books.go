package controllers

import (
	"net/http"

	"github.com/ChienAnTu/Bookhive/services"
	"github.com/gin-gonic/gin"
)

func ListBooks(svc *services.BookService) gin.HandlerFunc {
	return func(c *gin.Context) {
		books, err := svc.List(c.Request.Context(), services.BookFilter{
			Search: c.Query("search"),
			Status: c.Query("status"),
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"books": books})
	}
}

// MyBooks lists every book the caller owns, whatever its status.
func MyBooks(svc *services.BookService) gin.HandlerFunc {
	return func(c *gin.Context) {
		books, err := svc.List(c.Request.Context(), services.BookFilter{
			Search:  c.Query("search"),
			Status:  c.Query("status"),
			OwnerID: currentActor(c).UserID,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"books": books})
	}
}

func GetBook(svc *services.BookService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}
		book, err := svc.Get(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"book": book})
	}
}

func CreateBook(svc *services.BookService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.BookInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		book, err := svc.Create(c.Request.Context(), currentActor(c), in)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"book": book})
	}
}

func UpdateBook(svc *services.BookService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}
		var in services.BookInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		book, err := svc.Update(c.Request.Context(), currentActor(c), id, in)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"book": book})
	}
}

func DeleteBook(svc *services.BookService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}
		if err := svc.Delete(c.Request.Context(), currentActor(c), id); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Book deleted successfully"})
	}
}
