package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"alaschat/internal/ai"
)

// AnalyzeHandler exposes the raw analysis endpoint. Its wire shape is fixed:
// {"analysis": "...", "usage": {...}} on success, {"error": "..."} with a
// category-specific status on failure.
type AnalyzeHandler struct {
	analyzer   *ai.ImageAnalyzer
	configured bool
}

type AnalyzeRequest struct {
	Message string   `json:"message"`
	Images  []string `json:"images"`
}

func NewAnalyzeHandler(analyzer *ai.ImageAnalyzer, configured bool) *AnalyzeHandler {
	return &AnalyzeHandler{analyzer: analyzer, configured: configured}
}

func (h *AnalyzeHandler) Analyze(c *gin.Context) {
	if !h.configured {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Gemini API key not configured"})
		return
	}

	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if len(req.Images) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No images provided for analysis"})
		return
	}

	analysis, usage, err := h.analyzer.Analyze(c.Request.Context(), req.Message, req.Images)
	if err != nil {
		status, message := classifyAnalyzeError(err)
		c.JSON(status, gin.H{"error": message})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analysis": analysis,
		"usage":    usage,
	})
}

func classifyAnalyzeError(err error) (int, string) {
	switch {
	case errors.Is(err, ai.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid Gemini API key"
	case errors.Is(err, ai.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "Gemini API quota exceeded"
	case errors.Is(err, ai.ErrPermissionDenied):
		return http.StatusForbidden, "API permission denied"
	case errors.Is(err, ai.ErrMalformedRequest):
		return http.StatusBadRequest, "Invalid image format or request"
	default:
		return http.StatusInternalServerError, "API Error: " + err.Error()
	}
}
