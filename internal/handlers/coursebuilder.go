package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atlas-safety/coursebuilder-backend/internal/coursebuilder"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/apierr"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
	"github.com/atlas-safety/coursebuilder-backend/internal/sse"
)

type CourseBuilderHandler struct {
	log          *logger.Logger
	orchestrator *coursebuilder.CourseCreationOrchestrator
}

func NewCourseBuilderHandler(log *logger.Logger, orchestrator *coursebuilder.CourseCreationOrchestrator) *CourseBuilderHandler {
	return &CourseBuilderHandler{
		log:          log.With("handler", "CourseBuilderHandler"),
		orchestrator: orchestrator,
	}
}

// POST /api/courses
//
// Validates the request, then switches the response to an SSE stream that
// carries progress events until the run's terminal event. The run itself is
// detached from the request context: a client that disconnects mid-publish
// must not leave a half-created course behind.
func (h *CourseBuilderHandler) Create(c *gin.Context) {
	var spec coursebuilder.CourseSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		abortWithError(c, apierr.New(http.StatusBadRequest, "invalid_body", err))
		return
	}
	if err := spec.Validate(); err != nil {
		abortWithError(c, apierr.New(http.StatusBadRequest, "invalid_spec", err))
		return
	}

	stream := sse.NewStream(h.log)
	streamer := coursebuilder.NewProgressStreamer(h.log, stream)

	runCtx := context.WithoutCancel(c.Request.Context())
	go func() {
		if _, err := h.orchestrator.Run(runCtx, spec, streamer); err != nil {
			h.log.Error("Course run failed", "course_title", spec.Title, "error", err.Error())
		}
	}()

	stream.ServeHTTP(c.Writer, c.Request)
}
