package router

import (
	"CustomDetServe/serve"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type requestContext struct {
	RequestID string `json:"request_id"`
}

// envelope is the body every method is called with.
type envelope struct {
	State   serve.Request  `json:"state"`
	Context requestContext `json:"context"`
}

type Options struct {
	// IdleTimeout closes streaming connections that stay silent this long.
	IdleTimeout time.Duration
	Debug       bool
	Log         *zap.Logger
}

var statusOf = map[string]int{
	serve.CodeUnsupportedInput: http.StatusBadRequest,
	serve.CodeValidation:       http.StatusBadRequest,
	serve.CodeSchemaMismatch:   http.StatusUnprocessableEntity,
	serve.CodeNotFound:         http.StatusNotFound,
	serve.CodeFetchFailed:      http.StatusBadGateway,
	serve.CodeInternal:         http.StatusInternalServerError,
}

func New(svc *serve.Service, opts Options) *gin.Engine {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(requestLogger(opts.Log), gin.CustomRecovery(func(c *gin.Context, err any) {
		opts.Log.Error("Handler panicked", zap.Any("panic", err), zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": serve.CodeInternal})
	}))

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/metrics", gin.WrapH(svc.Monitor().Handler()))
	for _, method := range serve.Methods {
		r.POST("/"+method, methodHandler(svc, method))
	}
	r.GET("/ws/inference", streamHandler(svc, opts))
	return r
}

func methodHandler(svc *serve.Service, method string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body envelope
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": serve.CodeUnsupportedInput})
				return
			}
		}
		requestID := body.Context.RequestID
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-Id", requestID)
		ctx := serve.WithRequestID(c.Request.Context(), requestID)
		res, fail := svc.Handle(ctx, method, body.State)
		if fail != nil {
			c.JSON(statusOf[fail.Code], gin.H{"error": fail.Message, "code": fail.Code})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": res})
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		)
	}
}
