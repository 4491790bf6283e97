package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atlas-safety/coursebuilder-backend/internal/platform/apierr"
	"github.com/atlas-safety/coursebuilder-backend/internal/records"
)

type RecordsHandler struct {
	store *records.Store
}

func NewRecordsHandler(store *records.Store) *RecordsHandler {
	return &RecordsHandler{store: store}
}

// GET /api/courses/records
func (h *RecordsHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"records": h.store.List()})
}

// GET /api/courses/records/:run_id
func (h *RecordsHandler) Get(c *gin.Context) {
	runID := c.Param("run_id")
	rec, ok := h.store.Get(runID)
	if !ok {
		abortWithError(c, apierr.New(http.StatusNotFound, "record_not_found", errors.New("unknown run id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}
