package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cloud-login/internal/metrics"
	"cloud-login/internal/service"
)

// NewRouter configura el router de Gin con middlewares y rutas base.
func NewRouter(
	logger *zap.Logger,
	sessions *service.SessionService,
	loginH *LoginHandler,
	flowH *FlowHandler,
	metricsHandler http.Handler,
) *gin.Engine {
	r := gin.New()

	// Middlewares basicos: logging, metricas, recovery y sesion.
	r.Use(zapLoggerMiddleware(logger), metricsMiddleware(), gin.Recovery(), SessionMiddleware(sessions))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}

	// Limite con la aplicacion cliente.
	r.GET("/login/silent", loginH.SilentLogin)
	r.GET("/login/:provider", loginH.Login)
	r.GET("/oauth/:provider/callback", loginH.OAuthCallback)
	r.GET("/result", loginH.Result)
	r.GET("/request/redeem", loginH.Redeem)
	r.GET("/whoami", loginH.WhoAmI)
	r.GET("/is-authenticated", loginH.IsAuthenticated)
	r.POST("/logout", loginH.Logout)

	// Flujo interactivo.
	flow := r.Group("/flow")
	flow.POST("", flowH.Start)
	flow.GET("/:id", flowH.Get)
	flow.POST("/:id/input", flowH.SubmitInput)
	flow.POST("/:id/provider", flowH.ChooseProvider)
	flow.POST("/:id/code", flowH.SubmitCode)
	flow.POST("/:id/code/resend", flowH.ResendCode)
	flow.POST("/:id/password", flowH.SubmitPassword)
	flow.POST("/:id/registration", flowH.SubmitRegistration)
	flow.POST("/:id/primary", flowH.ChangePrimary)
	flow.POST("/:id/back", flowH.Back)

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		// la query puede traer requestId, no se loguea.
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics.InFlight.Inc()
		start := time.Now()
		c.Next()
		metrics.InFlight.Dec()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RequestsTotal.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.ReqDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
