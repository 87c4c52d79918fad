package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ContextCode is the gin context key under which handlers leave the error
// code of a rejected request.
const ContextCode = "pairsync.code"

// routeUnmatched labels requests that hit no registered route.
const routeUnmatched = "unmatched"

// RequestLogger writes one line per request, tagged with the pairing and the
// caller read from userHeader when present.
func RequestLogger(logger zerolog.Logger, userHeader string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case status >= http.StatusInternalServerError:
			event = logger.Error()
		case status >= http.StatusBadRequest && status != http.StatusConflict:
			// 409 is an ordinary out-of-turn outcome.
			event = logger.Warn()
		}

		event = event.
			Str("method", c.Request.Method).
			Str("route", routeOf(c)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size())
		if pairing := c.Param("pairing"); pairing != "" {
			event = event.Str("pairing", pairing)
		}
		if user := strings.TrimSpace(c.GetHeader(userHeader)); user != "" {
			event = event.Str("user", user)
		}
		if code := c.GetString(ContextCode); code != "" {
			event = event.Str("code", code)
		}
		event.Msg("http_request")
	}
}

// RequestMetricsMiddleware records every request and, for setup intents, the
// intent outcome.
func RequestMetricsMiddleware(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := routeOf(c)
		status := c.Writer.Status()
		RecordHTTPRequest(service, c.Request.Method, route, status, time.Since(start))
		if action, ok := intentAction(c.Request.Method, route); ok {
			RecordIntent(action, intentOutcome(c, status))
		}
	}
}

func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return routeUnmatched
}

func intentAction(method, route string) (string, bool) {
	if method != http.MethodPost {
		return "", false
	}
	action := route[strings.LastIndexByte(route, '/')+1:]
	switch action {
	case "submit", "approve", "advance":
		return action, true
	}
	return "", false
}

func intentOutcome(c *gin.Context, status int) string {
	if code := c.GetString(ContextCode); code != "" {
		return code
	}
	if status < http.StatusBadRequest {
		return "ok"
	}
	return strconv.Itoa(status)
}
