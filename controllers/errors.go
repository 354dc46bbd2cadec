package controllers

import (
	"net/http"
	"strconv"

	"github.com/ChienAnTu/Bookhive/middlewares"
	"github.com/ChienAnTu/Bookhive/services"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var kindStatus = map[services.Kind]int{
	services.KindNotFound:   http.StatusNotFound,
	services.KindForbidden:  http.StatusForbidden,
	services.KindValidation: http.StatusBadRequest,
	services.KindConflict:   http.StatusConflict,
	services.KindUpstream:   http.StatusBadRequest,
}

// abortWithError writes the status for a service error. Anything that is not
// a typed service error is logged and reported as a bare 500.
func abortWithError(c *gin.Context, err error) {
	status, ok := kindStatus[services.KindOf(err)]
	if !ok {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func currentActor(c *gin.Context) services.Actor {
	return services.Actor{
		UserID: c.GetUint(middlewares.ContextUserID),
		Role:   c.GetString(middlewares.ContextUserRole),
	}
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return uint(id), true
}
