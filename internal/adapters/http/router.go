// Package http exposes the local radio node to a browser or script: a JSON
// control API and a websocket event stream.
package http

import (
	"context"
	"time"

	"github.com/dkeye/Radio/internal/app/radio"
	"github.com/dkeye/Radio/internal/config"
	"github.com/dkeye/Radio/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Radio is the node surface driven over HTTP. *radio.Coordinator implements it.
type Radio interface {
	Connect(ctx context.Context, callsign string, channel domain.ChannelIndex) error
	ChangeChannel(ctx context.Context, channel domain.ChannelIndex) error
	StartTransmit(ctx context.Context) (radio.FanoutResult, error)
	StopTransmit(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Status() radio.Status
	Members() []domain.Participant
	SendText(ctx context.Context, body string) (domain.Message, error)
	Messages(ctx context.Context) ([]domain.Message, error)
	Subscribe() (<-chan radio.Event, func())
}

var _ Radio = (*radio.Coordinator)(nil)

const (
	sessionName  = "RadioSessions"
	operatorKey  = "operator"
	operatorLife = 3600 * 24 * 7

	// Mutating calls allowed per operator within rateInterval.
	rateLimit    = 20
	rateInterval = 10 * time.Second
)

// OperatorMiddleware tags each browser with a long lived token used in logs.
func OperatorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("op")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("op", token, operatorLife, "/", "", false, true)
		}
		c.Set(operatorKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, node Radio) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: operatorLife, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(OperatorMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{node: node}
	events := &eventStream{node: node, readLimit: cfg.ReadLimit, pingPeriod: cfg.PingPeriod}

	limited := NewOperatorRateLimiter(rateLimit, rateInterval).Middleware()

	api := r.Group("/api")
	api.GET("/channels", h.channels)
	api.GET("/status", h.status)
	api.GET("/members", h.members)
	api.POST("/connect", limited, h.connect)
	api.POST("/channel", limited, h.changeChannel)
	api.POST("/ptt/start", h.startTransmit)
	api.POST("/ptt/stop", h.stopTransmit)
	api.POST("/disconnect", h.disconnect)
	api.GET("/messages", h.messages)
	api.POST("/messages", limited, h.sendText)

	api.GET("/ws/events", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("operator", c.GetString(operatorKey)).Msg("ws events endpoint hit")
		events.serve(ctx, c)
	})

	return r
}
