package handler

import (
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/makeasinger/stemsplit/internal/service"
	"github.com/makeasinger/stemsplit/pkg/response"
)

type trackParams struct {
	JobID    string `validate:"required,max=128"`
	Filename string `validate:"required,max=255"`
}

type JobHandler struct {
	service   *service.JobService
	validator *validator.Validate
	logger    *zap.Logger
}

func NewJobHandler(svc *service.JobService, v *validator.Validate, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{
		service:   svc,
		validator: v,
		logger:    logger,
	}
}

// Submit handles POST /api/process
// @Summary Upload an audio file for stem separation
// @Accept multipart/form-data
// @Param audio_file formData file true "mp3, wav, flac, m4a, aac or ogg"
// @Success 200 {object} model.SubmitResponse
// @Failure 400 {object} response.ErrorResponse
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	file, err := c.FormFile("audio_file")
	if err != nil {
		return response.ValidationError(c, "No audio file provided", nil)
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	result, err := h.service.Submit(c.UserContext(), file.Filename, f)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			return response.ValidationError(c, verr.Message, verr.Details)
		}
		h.logger.Error("submit failed", zap.String("filename", file.Filename), zap.Error(err))
		return response.ServiceError(c, "Internal server error")
	}

	return response.OK(c, result)
}

// Status handles GET /api/process/:jobId
// @Summary Poll a separation job
// @Success 200 {object} model.StatusResponse
// @Failure 404 {object} response.ErrorResponse
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Status(c.UserContext(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		h.logger.Error("status lookup failed", zap.String("job_id", jobID), zap.Error(err))
		return response.ServiceError(c, "Internal server error")
	}

	return response.OK(c, result)
}

// Track handles GET /api/tracks/:jobId/:filename
// @Summary Download one separated stem
// @Produce audio/mpeg
// @Failure 404 {object} response.ErrorResponse
func (h *JobHandler) Track(c *fiber.Ctx) error {
	params := trackParams{JobID: c.Params("jobId"), Filename: c.Params("filename")}
	if err := h.validator.Struct(&params); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	path, err := h.service.TrackFile(params.JobID, params.Filename)
	if errors.Is(err, service.ErrTrackNotFound) {
		return response.NotFound(c, "Track file not found")
	}
	if err != nil {
		h.logger.Error("track lookup failed", zap.String("job_id", params.JobID), zap.Error(err))
		return response.ServiceError(c, "Internal server error")
	}

	return c.SendFile(path)
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
