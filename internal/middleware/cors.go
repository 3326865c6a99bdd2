package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"meshtalk-backend/pkg/env"
)

// AllowedOrigins returns the browser origin allow-list: local dev
// defaults plus CORS_ALLOWED_ORIGINS. The WebSocket upgrader checks
// against the same list, so an origin that can call the HTTP surface
// can also open a socket.
func AllowedOrigins() map[string]bool {
	origins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8080": true,
	}

	if extra := env.GetString("CORS_ALLOWED_ORIGINS", ""); extra != "" {
		for _, origin := range strings.Split(extra, ",") {
			origins[strings.TrimSpace(origin)] = true
		}
	}

	return origins
}

// CORSMiddleware answers preflights and stamps CORS headers for
// allowed origins. Requests carrying a disallowed origin are refused
// outright rather than left for the browser to block.
func CORSMiddleware() gin.HandlerFunc {
	allowed := AllowedOrigins()

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if allowed[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		} else if origin != "" {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
