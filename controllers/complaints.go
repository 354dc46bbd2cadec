package controllers

import (
	"net/http"

	"github.com/ChienAnTu/Bookhive/services"
	"github.com/gin-gonic/gin"
)

func CreateComplaint(svc *services.ComplaintService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.ComplaintInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		complaint, err := svc.Create(c.Request.Context(), currentActor(c), in)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"complaint": complaint})
	}
}

func ListComplaints(svc *services.ComplaintService) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.List(c.Request.Context(), currentActor(c), services.ComplaintFilter{Status: c.Query("status")})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"complaints": list})
	}
}

func GetComplaint(svc *services.ComplaintService) gin.HandlerFunc {
	return func(c *gin.Context) {
		complaint, err := svc.Get(c.Request.Context(), currentActor(c), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"complaint": complaint})
	}
}

func AddComplaintMessage(svc *services.ComplaintService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Body string `json:"body" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		msg, err := svc.AddMessage(c.Request.Context(), currentActor(c), c.Param("id"), body.Body)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"message": msg})
	}
}

func AdminUpdateComplaint(svc *services.ComplaintService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.ComplaintUpdate
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		complaint, err := svc.AdminUpdate(c.Request.Context(), currentActor(c), c.Param("id"), in)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"complaint": complaint})
	}
}

func AdminDeductDeposit(svc *services.ComplaintService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.DeductionInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		complaint, err := svc.DeductDeposit(c.Request.Context(), currentActor(c), c.Param("id"), in)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Deduction recorded", "complaint": complaint})
	}
}
