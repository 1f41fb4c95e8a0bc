package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"traffic-violation-service/internal/domain/traffic"
	"traffic-violation-service/internal/metrics"
	"traffic-violation-service/internal/repository"
	"traffic-violation-service/internal/service"
)

// maxFrameBytes bounds an uploaded camera frame.
const maxFrameBytes = 8 << 20

type Handler struct {
	detectionService *service.DetectionService
	violationService *service.ViolationService
	repo             *repository.Repository
	metrics          *metrics.Metrics
	log              zerolog.Logger
}

func NewHandler(
	detectionService *service.DetectionService,
	violationService *service.ViolationService,
	repo *repository.Repository,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		detectionService: detectionService,
		violationService: violationService,
		repo:             repo,
		metrics:          m,
		log:              log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.POST("/detections", h.ingestDetections)
		public.POST("/cameras/:id/frames", h.ingestFrame)
		public.GET("/violations", h.listViolations)
		public.GET("/violations/:id/image", h.violationImage)
		public.GET("/violations/:id/frames", h.violationFrames)
		public.GET("/cameras/:id/overlay", h.cameraOverlay)
		public.GET("/cameras/:id/stats", h.cameraStats)
	}

	// Protected endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.PATCH("/violations/:id/status", h.updateViolationStatus)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ingestDetections accepts a full detection cycle over HTTP. The message is
// queued to the camera's worker and processed asynchronously.
func (h *Handler) ingestDetections(c *gin.Context) {
	var msg traffic.DetectionMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if strings.TrimSpace(msg.CameraID) == "" {
		c.JSON(http.StatusBadRequest, errorResponse("camera_id is required"))
		return
	}

	h.detectionService.Dispatch(msg)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// ingestFrame accepts a raw camera frame. Cameras authenticate with their
// provisioned API key rather than an operator JWT.
func (h *Handler) ingestFrame(c *gin.Context) {
	cameraID := c.Param("id")
	apiKey := c.GetHeader("X-API-Key")
	if apiKey == "" {
		c.JSON(http.StatusUnauthorized, errorResponse("missing API key"))
		return
	}

	ok, err := h.repo.CameraByKey(c.Request.Context(), cameraID, apiKey)
	if err != nil {
		h.log.Error().Err(err).Str("camera_id", cameraID).Msg("failed to verify camera key")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("invalid API key"))
		return
	}

	image, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFrameBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("failed to read frame body"))
		return
	}
	if len(image) == 0 || len(image) > maxFrameBytes {
		c.JSON(http.StatusBadRequest, errorResponse("frame body is empty or too large"))
		return
	}

	frameID := c.Query("frame_id")
	width, _ := strconv.Atoi(c.Query("width"))
	height, _ := strconv.Atoi(c.Query("height"))

	h.detectionService.HandleFrame(c.Request.Context(), cameraID, frameID, image, width, height)
	c.JSON(http.StatusAccepted, gin.H{"status": "ok"})
}

func (h *Handler) listViolations(c *gin.Context) {
	grouped, err := h.violationService.ListViolations(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(grouped))
}

func (h *Handler) violationImage(c *gin.Context) {
	image, err := h.violationService.Image(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", image)
}

func (h *Handler) violationFrames(c *gin.Context) {
	frames, err := h.violationService.Frames(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(frames))
}

func (h *Handler) updateViolationStatus(c *gin.Context) {
	var payload struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	status := traffic.ViolationStatus(strings.ToUpper(strings.TrimSpace(payload.Status)))
	if err := h.violationService.UpdateStatus(c.Request.Context(), c.Param("id"), status); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) cameraOverlay(c *gin.Context) {
	state := h.detectionService.OverlaySnapshot(c.Param("id"))
	c.JSON(http.StatusOK, successResponse(state))
}

// cameraStats returns per-minute vehicle counts for one day (default today).
func (h *Handler) cameraStats(c *gin.Context) {
	day := time.Now()
	if d := strings.TrimSpace(c.Query("date")); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("date must be YYYY-MM-DD"))
			return
		}
		day = parsed
	}

	rows, err := h.repo.VehicleCounts(c.Request.Context(), c.Param("id"), day)
	if err != nil {
		h.log.Error().Err(err).Str("camera_id", c.Param("id")).Msg("failed to load traffic statistics")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusOK, successResponse(rows))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
