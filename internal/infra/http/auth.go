package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// requireAdmin guards mutating routes with the X-Admin-Key header. With no
// key configured the routes are open, which suits a loopback-only listener.
func (s *Server) requireAdmin(c *gin.Context) {
	if s.adminAPIKey == "" {
		c.Next()
		return
	}
	key := strings.TrimSpace(c.GetHeader("X-Admin-Key"))
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.adminAPIKey)) != 1 {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "admin key required")
		return
	}
	c.Next()
}
