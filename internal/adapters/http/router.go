package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dkeye/roomclient/internal/app"
	"github.com/dkeye/roomclient/internal/app/orch"
	"github.com/dkeye/roomclient/internal/config"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StatusSource is the read-only view of the running session.
type StatusSource interface {
	Status() orch.Status
	HandleStatus(id domain.HandleID) (orch.HandleStatus, error)
}

// RequestIDMiddleware tags every request with an id, reusing the caller's
// X-Request-ID when present.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, src StatusSource) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	api := r.Group("/api")

	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Status())
	})

	api.GET("/handles", func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Status().Handles)
	})

	api.GET("/handles/:id", func(c *gin.Context) {
		n, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil || n == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid handle id"})
			return
		}
		st, err := src.HandleStatus(domain.HandleID(n))
		if errors.Is(err, app.ErrMissingHandle) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Str("request_id", c.GetString("request_id")).Msg("handle status")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, st)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
