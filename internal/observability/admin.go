package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

// StatusFunc reports the JSON body served at /status.
type StatusFunc func() any

// Admin is the HTTP surface of a running client or server: health, status
// and prometheus metrics.
type Admin struct {
	ID      string
	Kind    string
	Started time.Time

	status StatusFunc
	logger zerolog.Logger
	router *gin.Engine
}

func NewAdmin(id, kind string, corsOrigins []string, status StatusFunc, logger zerolog.Logger) *Admin {
	RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(RequestMetricsMiddleware(kind))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		ID:      id,
		Kind:    kind,
		Started: time.Now(),
		status:  status,
		logger:  logger,
		router:  r,
	}
	a.registerRoutes()
	return a
}

func (a *Admin) Handler() http.Handler { return a.router }

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.Started).Round(time.Second).String(),
			"id":      a.ID,
			"kind":    a.Kind,
			"version": version,
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/status", func(c *gin.Context) {
		if a.status == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no status for " + a.Kind})
			return
		}
		c.JSON(http.StatusOK, a.status())
	})
}

// Serve listens on addr until ctx ends.
func (a *Admin) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	a.logger.Info().Str("addr", addr).Msg("admin listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
