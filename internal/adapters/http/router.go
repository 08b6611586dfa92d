package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/meshroom/internal/adapters/signal"
	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/app/orch"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// SetupRouter wires HTTP routes (REST + WS) with orchestrator and transport.
// - Presence socket lives at /ws, identity broker socket at /peer
// - Room lookup is read-only and only used for diagnostics
func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) http.Handler {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ctrl := signal.NewSignalWSController(o, signal.OptionsFromConfig(cfg))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "Signaling server is healthy.")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": o.Rooms()})
	})
	r.GET("/rooms/:id", func(c *gin.Context) {
		snap, err := o.Lookup(domain.RoomID(c.Param("id")))
		if errors.Is(err, app.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	r.GET("/ws", func(c *gin.Context) {
		ctrl.HandlePresence(ctx, c)
	})
	r.GET("/peer", func(c *gin.Context) {
		ctrl.HandleIdentity(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Strs("origins", cfg.AllowedOrigins).Msg("router setup")

	return cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	}).Handler(r)
}
