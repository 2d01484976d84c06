package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/4xmen/nameh/internal/messages"
	"github.com/4xmen/nameh/pkg/i18n"
)

func errorBody(c *gin.Context, message string) gin.H {
	return gin.H{"error": i18n.Translate(c.GetHeader("Accept-Language"), message)}
}

// respondError maps service errors to status codes. Anything unexpected is
// logged and reported as a generic internal error.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, messages.ErrValidation):
		c.JSON(http.StatusBadRequest, errorBody(c, err.Error()))
	case errors.Is(err, messages.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody(c, err.Error()))
	case errors.Is(err, messages.ErrForbidden):
		c.JSON(http.StatusForbidden, errorBody(c, err.Error()))
	default:
		log.Error().
			Err(err).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int64("user_id", c.GetInt64("user_id")).
			Msg("request failed")
		c.Error(err)
		c.JSON(http.StatusInternalServerError, errorBody(c, "internal server error"))
	}
}

// currentUser returns the authenticated user id set by AuthMiddleware.
func currentUser(c *gin.Context) (int64, bool) {
	value, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, errorBody(c, "unauthorized"))
		return 0, false
	}
	userID, ok := value.(int64)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody(c, "unauthorized"))
		return 0, false
	}
	return userID, true
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorBody(c, "invalid " + name))
		return 0, false
	}
	return id, true
}
