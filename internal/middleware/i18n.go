// internal/middleware/i18n.go
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/pharma-custody-backend/internal/i18n"
)

func I18nMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("lang", parseLanguage(c.GetHeader("Accept-Language")))
		c.Next()
	}
}

// parseLanguage honours only the first preference, e.g.
// "vi-VN,vi;q=0.9,en;q=0.8" -> "vi".
func parseLanguage(header string) string {
	first := strings.Split(strings.Split(header, ",")[0], ";")[0]
	return i18n.Resolve(first)
}
