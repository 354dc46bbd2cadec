package controllers

import (
	"net/http"
	"strings"

	"github.com/ChienAnTu/Bookhive/middlewares"
	"github.com/ChienAnTu/Bookhive/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const maxMessageLen = 1000

func SendMessage(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			ReceiverID uint   `json:"receiver_id" binding:"required"`
			Content    string `json:"content" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
			return
		}
		content := strings.TrimSpace(body.Content)
		if content == "" || len(content) > maxMessageLen {
			c.JSON(http.StatusBadRequest, gin.H{"error": "content must be 1 to 1000 characters"})
			return
		}

		senderID := c.GetUint(middlewares.ContextUserID)
		if body.ReceiverID == senderID {
			c.JSON(http.StatusBadRequest, gin.H{"error": "You cannot message yourself"})
			return
		}
		var receiver models.User
		if err := db.Select("id").First(&receiver, body.ReceiverID).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Receiver not found"})
			return
		}

		msg := models.Message{SenderID: senderID, ReceiverID: body.ReceiverID, Content: content}
		if err := db.Create(&msg).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send message"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"message": msg})
	}
}

// GetConversation returns both directions of the chat with another user, oldest first.
func GetConversation(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		other, ok := uintParam(c, "userId")
		if !ok {
			return
		}
		me := c.GetUint(middlewares.ContextUserID)

		var msgs []models.Message
		err := db.Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", me, other, other, me).
			Order("created_at ASC").Order("id ASC").
			Find(&msgs).Error
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch messages"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}

func UnreadCount(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var count int64
		err := db.Model(&models.Message{}).
			Where("receiver_id = ? AND is_read = ?", c.GetUint(middlewares.ContextUserID), false).
			Count(&count).Error
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count messages"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"unread": count})
	}
}

// MarkConversationRead marks what the other user sent to the caller as read.
func MarkConversationRead(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		other, ok := uintParam(c, "userId")
		if !ok {
			return
		}
		res := db.Model(&models.Message{}).
			Where("sender_id = ? AND receiver_id = ? AND is_read = ?", other, c.GetUint(middlewares.ContextUserID), false).
			Update("is_read", true)
		if res.Error != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update messages"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": res.RowsAffected})
	}
}
