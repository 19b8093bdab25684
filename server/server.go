// Package server exposes a trained classifier over HTTP with gin.
package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pixelclass/pixelclass/errdefs"
	"github.com/pixelclass/pixelclass/vision/preprocessing"
)

// maxUploadBytes bounds multipart bodies held in memory
const maxUploadBytes = 32 << 20

// NewRouter registers the inference routes for store on a new gin engine
func NewRouter(store *ModelStore) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.MaxMultipartMemory = maxUploadBytes
	setupRoutes(r, store)
	return r
}

func setupRoutes(r *gin.Engine, store *ModelStore) {
	r.GET("/health", healthHandler(store))
	r.GET("/model", modelHandler(store))
	r.POST("/predict/image", predictImageHandler(store))
}

func healthHandler(store *ModelStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := store.Info(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "no model"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	}
}

func modelHandler(store *ModelStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := store.Info()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func predictImageHandler(store *ModelStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		fh, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no image file provided, use 'image' as the form field name"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
			return
		}
		defer f.Close()

		buf, err := preprocessing.DecodeReader(f)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		defer buf.Release()

		prediction, err := store.Classify(buf)
		switch {
		case errors.Is(err, ErrNoModel):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		case errors.Is(err, errdefs.ErrShape):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed"})
			return
		}
		c.JSON(http.StatusOK, prediction)
	}
}
