package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tmeetei/groupcall/internal/adapters"
	"github.com/tmeetei/groupcall/internal/config"
	"github.com/tmeetei/groupcall/internal/core"
	"github.com/tmeetei/groupcall/internal/domain"
)

func SetupRouter(ctx context.Context, cfg *config.Config, gw *adapters.Gateway) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	r.GET("/call", func(c *gin.Context) {
		gw.HandleSignal(ctx, c)
	})

	r.GET("/api/rooms/:room/participants", func(c *gin.Context) {
		room := domain.RoomName(c.Param("room"))
		sessions := gw.Orch.Registry.ListByRoom(room)
		views := make([]core.ParticipantView, 0, len(sessions))
		for _, s := range sessions {
			views = append(views, s.View())
		}
		c.JSON(http.StatusOK, views)
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
