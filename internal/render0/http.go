package render0

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"render0/internal/logger"
)

const (
	headerRequestID = "X-Request-ID"
	headerRender0   = "X-Render0"

	maxRequestIDLen = 128
	corsMaxAge      = 12 * time.Hour
)

type renderRequestBody struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

// Handler returns the HTTP surface: /health, /metrics and /render.
func (s *Service) Handler() http.Handler {
	r := gin.New()
	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		s.requestLogger(),
		corsMiddleware(s.cfg.Server.CORSOrigins),
		bodyLimitMiddleware(s.cfg.Server.maxBodyBytes),
	)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	r.GET("/render", s.handleRender)
	r.POST("/render", s.handleRender)
	return r
}

func (s *Service) handleRender(c *gin.Context) {
	req := renderRequestBody{URL: c.Query("url"), Format: c.Query("format")}
	if c.Request.Method == http.MethodPost {
		var body renderRequestBody
		if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(c, bodyError(err))
			return
		}
		if body.URL != "" {
			req.URL = body.URL
		}
		if body.Format != "" {
			req.Format = body.Format
		}
	}

	resp, err := s.Fetch(c.Request.Context(), req.URL, req.Format)
	if err != nil {
		s.writeError(c, err)
		return
	}

	setRender0Headers(c.Writer.Header(), string(resp.Source))
	if resp.Format == FormatJSON {
		b, err := json.Marshal(resp.JSON())
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", b)
		s.stats.Observe(len(b))
		return
	}
	body, ct := resp.Raw()
	c.Data(http.StatusOK, ct, body)
	s.stats.Observe(len(body))
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &ValidationError{Field: "body", Reason: "request body too large"}
	}
	return &ValidationError{Field: "body", Reason: "malformed JSON: " + err.Error()}
}

func (s *Service) writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	setRender0Headers(c.Writer.Header(), "error")
	c.JSON(HTTPStatus(err), gin.H{"error": err.Error(), "code": ErrorCode(err)})
}

func setRender0Headers(h http.Header, v string) {
	if v != "" {
		h.Set(headerRender0, v)
	}
}

// ---- middleware ----

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func (s *Service) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("duration", time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
			logger.String("request_id", c.GetString("request_id")),
		}
		if v := c.Writer.Header().Get(headerRender0); v != "" {
			fields = append(fields, logger.String("cache", v))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logger.Strings("errors", c.Errors.Errors()))
		}

		switch {
		case c.Request.URL.Path == "/health":
			s.log.Debug("HTTP request", fields...)
		case c.Writer.Status() >= http.StatusInternalServerError:
			s.log.Error("HTTP request", fields...)
		default:
			s.log.Info("HTTP request", fields...)
		}
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", headerRequestID},
		ExposeHeaders: []string{headerRender0, headerRequestID},
		MaxAge:        corsMaxAge,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func bodyLimitMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}
