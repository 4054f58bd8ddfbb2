package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/facematch/internal/auth"
	"github.com/example/facematch/internal/face"
	"github.com/example/facematch/internal/repository"
	"github.com/example/facematch/internal/usecase"
)

// MaxUploadSize caps the size of an uploaded image.
const MaxUploadSize = 10 << 20

// maxEnrollImages caps how many shots one enrollment may combine.
const maxEnrollImages = 5

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.RecognitionUseCase, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("")
	protected.Use(authMiddleware)

	protected.POST("/enroll", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
			return
		}

		images, ok := readImageFiles(c, "image")
		if !ok {
			return
		}

		result, err := uc.Enroll(c.Request.Context(), userID, c.PostForm("label"), images)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	})

	protected.POST("/identify", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
			return
		}

		tolerance, ok := parseTolerance(c)
		if !ok {
			return
		}
		data, ok := readImageFile(c, "image")
		if !ok {
			return
		}

		result, err := uc.Identify(c.Request.Context(), userID, data, tolerance)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	protected.POST("/compare", func(c *gin.Context) {
		tolerance, ok := parseTolerance(c)
		if !ok {
			return
		}
		imageA, ok := readImageFile(c, "image_a")
		if !ok {
			return
		}
		imageB, ok := readImageFile(c, "image_b")
		if !ok {
			return
		}

		result, err := uc.Compare(c.Request.Context(), imageA, imageB, tolerance)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	protected.GET("/faces/:id", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
			return
		}

		record, err := uc.GetFace(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"face_id":    record.FaceID,
			"label":      record.Label,
			"location":   [4]int{record.RectY1, record.RectX2, record.RectY2, record.RectX1},
			"created_at": record.CreatedAt,
		})
	})

	protected.DELETE("/faces/:id", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
			return
		}

		if err := uc.DeleteFace(c.Request.Context(), userID, c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	protected.GET("/metrics", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func parseTolerance(c *gin.Context) (float64, bool) {
	raw := c.PostForm("tolerance")
	if raw == "" {
		return 0, true
	}
	tolerance, err := strconv.ParseFloat(raw, 64)
	if err != nil || tolerance <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tolerance must be a positive number"})
		return 0, false
	}
	return tolerance, true
}

func readImageFile(c *gin.Context, field string) ([]byte, bool) {
	if c.Request.ContentLength > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
		return nil, false
	}

	file, err := c.FormFile(field)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": field + " file is required"})
		return nil, false
	}
	return readImagePart(c, field, file)
}

// readImageFiles collects every upload under the given field, so an
// enrollment can combine several shots of the same person.
func readImageFiles(c *gin.Context, field string) ([][]byte, bool) {
	if c.Request.ContentLength > MaxUploadSize*maxEnrollImages {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
		return nil, false
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form required"})
		return nil, false
	}
	files := form.File[field]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": field + " file is required"})
		return nil, false
	}
	if len(files) > maxEnrollImages {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("at most %d images per enrollment", maxEnrollImages)})
		return nil, false
	}

	images := make([][]byte, 0, len(files))
	for _, file := range files {
		data, ok := readImagePart(c, field, file)
		if !ok {
			return nil, false
		}
		images = append(images, data)
	}
	return images, true
}

func readImagePart(c *gin.Context, field string, file *multipart.FileHeader) ([]byte, bool) {
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
		return nil, false
	}
	if !isImagePart(file) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "image uploads only"})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open " + field})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read " + field})
		return nil, false
	}
	return data, true
}

func isImagePart(file *multipart.FileHeader) bool {
	contentType := file.Header.Get("Content-Type")
	return strings.HasPrefix(contentType, "image/")
}

func writeError(c *gin.Context, err error) {
	var modelErr *face.ModelError
	switch {
	case errors.Is(err, usecase.ErrInvalidImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrNoFace), errors.Is(err, usecase.ErrMultipleFaces):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "face not found"})
	case errors.As(err, &modelErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
