package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/conductor-sh/conductor/pkg/models"
	"github.com/conductor-sh/conductor/pkg/store"
)

// abortWithStoreError maps store-layer errors to HTTP error responses.
func abortWithStoreError(c *gin.Context, err error) {
	var validErr *models.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	if errors.Is(err, store.ErrAlreadyResolved) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, store.ErrDuplicateEvent) {
		c.JSON(http.StatusConflict, gin.H{"error": "event already exists"})
		return
	}
	if errors.Is(err, store.ErrUnknownCausation) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "causation_id does not reference an existing event"})
		return
	}
	if store.IsTransient(err) {
		slog.Error("Storage unavailable", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage temporarily unavailable"})
		return
	}

	// Unexpected error
	slog.Error("Unexpected store error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
