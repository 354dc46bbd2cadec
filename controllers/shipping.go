package controllers

import (
	"errors"
	"net/http"

	"github.com/ChienAnTu/Bookhive/shipping"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// QuotePostage proxies a domestic parcel quote from the carrier.
func QuotePostage(quoter shipping.Quoter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req shipping.QuoteRequest
		if err := c.ShouldBindQuery(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		q, err := quoter.Quote(c.Request.Context(), req)
		switch {
		case errors.Is(err, shipping.ErrNotConfigured), errors.Is(err, shipping.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			log.Warn().Err(err).Msg("postage quote failed")
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"postage_result": q})
	}
}
