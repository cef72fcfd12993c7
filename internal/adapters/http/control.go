package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/jamvoice/internal/app/mesh"
	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Controller is the part of the mesh manager the control API drives.
type Controller interface {
	Snapshot(ctx context.Context) (mesh.Status, error)
	SetMuted(ctx context.Context, muted bool) error
	Initiate(ctx context.Context, peer domain.PeerID) error
	Retry(ctx context.Context, peer domain.PeerID) error
	Leave(ctx context.Context) error
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

// SetupControlRouter builds the agent's local control API.
func SetupControlRouter(mode string, ctl Controller) *gin.Engine {
	r := newEngine(mode)
	api := r.Group("/api")

	api.GET("/status", func(c *gin.Context) {
		st, err := ctl.Snapshot(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})

	api.POST("/mute", func(c *gin.Context) {
		var req muteRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Muted == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"muted\": bool}"})
			return
		}
		if err := ctl.SetMuted(c.Request.Context(), *req.Muted); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"muted": *req.Muted})
	})

	api.POST("/peers/:id/connect", func(c *gin.Context) {
		peer, ok := peerParam(c)
		if !ok {
			return
		}
		if err := ctl.Initiate(c.Request.Context(), peer); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	})

	api.POST("/peers/:id/retry", func(c *gin.Context) {
		peer, ok := peerParam(c)
		if !ok {
			return
		}
		if err := ctl.Retry(c.Request.Context(), peer); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	})

	api.POST("/leave", func(c *gin.Context) {
		if err := ctl.Leave(c.Request.Context()); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	log.Info().Str("module", "adapters.http").Msg("control router setup")
	return r
}

func peerParam(c *gin.Context) (domain.PeerID, bool) {
	peer := domain.PeerID(c.Param("id"))
	if err := domain.ValidatePeerID(peer); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return peer, true
}

func writeError(c *gin.Context, err error) {
	var capErr *core.CapacityError
	switch {
	case errors.As(err, &capErr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "limit": capErr.Limit})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("module", "adapters.http").Msg("control request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
