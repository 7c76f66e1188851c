package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"alaschat/internal/storage"
)

// ImageUploader uploads a batch of images and returns their URLs in input
// order.
type ImageUploader interface {
	UploadBatch(ctx context.Context, files []storage.ImageFile) ([]string, error)
}

// UploadHandler exposes the image upload endpoint. Its wire shape is fixed:
// {"success": true, "imageUrls": [...]} on success, {"error": "..."} on
// failure, and one failed upload fails the whole batch.
type UploadHandler struct {
	uploader ImageUploader
}

func NewUploadHandler(uploader ImageUploader) *UploadHandler {
	return &UploadHandler{uploader: uploader}
}

func (h *UploadHandler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil || len(form.File["images"]) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No images provided"})
		return
	}

	files, closeFiles, err := openFormImages(form.File["images"])
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer closeFiles()

	urls, err := h.uploader.UploadBatch(c.Request.Context(), files)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"imageUrls": urls,
	})
}
