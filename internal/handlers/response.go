package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/atlas-safety/coursebuilder-backend/internal/platform/apierr"
)

func abortWithError(c *gin.Context, err *apierr.Error) {
	c.JSON(err.Status, gin.H{"error": err.Error(), "code": err.Code})
}
