package admin

import (
	"time"

	"github.com/gin-gonic/gin"

	"distributed-register/internal/logging"
)

var adminLog = logging.New("admin")

// Logger is a Gin middleware that logs every admin request with method,
// path, client, status code, and latency through the same structured
// logger the rest of the process uses.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		adminLog.Infof("%s %s from %s -> %d (%s)",
			c.Request.Method,
			c.Request.URL.Path,
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// Recovery is used in place of Gin's default recovery: it logs a panic
// through the same logger instead of a raw standard-library call and
// answers 500.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				adminLog.Errorf("panic recovered: %v", err)
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
