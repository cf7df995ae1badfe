package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/grd-workflow-api/internal/service"
)

// AuditContext carries the caller's IP and user agent into the request context so
// audit entries written deeper in the stack can record them.
func AuditContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := service.WithRequestMeta(c.Request.Context(), service.RequestMeta{
			IP:        c.ClientIP(),
			UserAgent: c.GetHeader("User-Agent"),
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
