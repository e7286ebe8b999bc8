package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CronReconcile runs one sweep pass. The summary is always returned with
// 200, errors included.
func (s *Server) CronReconcile(c *gin.Context) {
	summary := s.sweeper.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"summary": summary,
	})
}
