package http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/veselov/conclave/internal/adapters/signal"
	"github.com/veselov/conclave/internal/app"
	"github.com/veselov/conclave/internal/config"
	"github.com/veselov/conclave/internal/domain"
)

// ClientTokenMiddleware tags each client with a stable token cookie; the
// signaling layer uses it for rate limiting and logging.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// AdminAuthMiddleware rejects administrative calls lacking the pre-shared
// key before they reach the registry.
func AdminAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Api-Key")
		if secret == "" || subtle.ConstantTimeCompare([]byte(key), []byte(secret)) != 1 {
			err := domain.Unauthorized("bad or missing api key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindInvalidState:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, registry *app.RoomRegistry, ctl *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ConclaveSessions", store))
	r.Use(ClientTokenMiddleware())

	// Health probe: process status only, no core state touched.
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	r.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("token", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	// Administrative API: thin CRUD over the room registry.
	api := r.Group("/api", AdminAuthMiddleware(cfg.AdminSecret))

	api.POST("/rooms", func(c *gin.Context) {
		var req struct {
			ID string `json:"id"`
		}
		if err := c.BindJSON(&req); err != nil || req.ID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
			return
		}
		stats, err := registry.CreateRoom(c.Request.Context(), domain.RoomID(req.ID))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, stats)
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": registry.ListStats()})
	})

	api.GET("/rooms/:id", func(c *gin.Context) {
		stats, err := registry.GetStats(domain.RoomID(c.Param("id")))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	api.DELETE("/rooms/:id", func(c *gin.Context) {
		if err := registry.DeleteRoom(domain.RoomID(c.Param("id"))); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
