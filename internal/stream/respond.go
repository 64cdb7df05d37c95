package stream

import (
	"github.com/gin-gonic/gin"

	"github.com/codeharbor/codeharbor/internal/common/apperr"
)

func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
}
