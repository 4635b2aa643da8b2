package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/coursechat/internal/course"
	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/export"
)

// CourseHandler serves outline generation and PDF export.
type CourseHandler struct {
	gen          course.Generator
	exporter     export.Exporter
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewCourseHandler creates a course handler.
func NewCourseHandler(gen course.Generator, exporter export.Exporter, maxBodyBytes int64, logger *slog.Logger) *CourseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CourseHandler{gen: gen, exporter: exporter, maxBodyBytes: maxBodyBytes, logger: logger}
}

// RegisterRoutes registers course routes. limit guards generation only.
func (h *CourseHandler) RegisterRoutes(r chi.Router, limit func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.With(limit).Post("/generate-course", h.Generate)
		r.Post("/export-course", h.Export)
	})
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

// Generate produces an outline for the prompt.
func (h *CourseHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		Error(w, decodeStatus(err), err.Error())
		return
	}

	outline, err := h.gen.Generate(r.Context(), req.Prompt)
	if err != nil {
		var invalid *course.InvalidJSONError
		switch {
		case errors.Is(err, course.ErrEmptyPrompt):
			Error(w, http.StatusBadRequest, course.MessageEmptyPrompt)
		case errors.As(err, &invalid):
			JSON(w, http.StatusInternalServerError, map[string]string{
				"error":        course.MessageInvalidJSON,
				"raw_response": invalid.Raw,
			})
		default:
			h.logger.Error("Model API error", "error", err)
			JSON(w, http.StatusInternalServerError, map[string]string{
				"error":   course.MessageUpstream,
				"details": err.Error(),
			})
		}
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"course":  outline,
	})
}

type exportRequest struct {
	Course *domain.CourseOutline `json:"course"`
}

// Export renders the posted outline as a PDF download.
func (h *CourseHandler) Export(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		http.Error(w, "Invalid course data provided.", decodeStatus(err))
		return
	}
	if err := export.Validate(req.Course); err != nil {
		http.Error(w, "Invalid course data provided.", http.StatusBadRequest)
		return
	}

	doc, err := h.exporter.Export(req.Course)
	if err != nil {
		h.logger.Error("Failed to render course PDF", "error", err, "title", req.Course.Title)
		http.Error(w, "Failed to generate PDF.", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="course_outline.pdf"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(doc)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(doc); err != nil {
		h.logger.Debug("Failed to write PDF response", "error", err)
	}
}
