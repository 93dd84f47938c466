// internal/web/favicon.go
package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Network mark: a hub with three linked nodes.
const faviconSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 32 32" width="32" height="32">
  <circle cx="16" cy="16" r="16" fill="#0f172a"/>
  <g stroke="#38bdf8" stroke-width="2">
    <line x1="16" y1="16" x2="16" y2="6"/>
    <line x1="16" y1="16" x2="7" y2="22"/>
    <line x1="16" y1="16" x2="25" y2="22"/>
  </g>
  <g fill="#f8fafc">
    <circle cx="16" cy="16" r="4"/>
    <circle cx="16" cy="6" r="3"/>
    <circle cx="7" cy="22" r="3"/>
    <circle cx="25" cy="22" r="3"/>
  </g>
</svg>`

func (s *Server) serveFavicon(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=31536000")
	c.Data(http.StatusOK, "image/svg+xml", []byte(faviconSVG))
}
