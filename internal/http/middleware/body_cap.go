package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// BodyCap bounds the request body size before any handler reads it.
func BodyCap(maxBodyBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		c.Next()
	}
}
