package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/lumacrm/ledger/internal/usage/domain"
)

func (s *Server) GetUsage(c *gin.Context) {
	ownerID := strings.TrimSpace(c.Param("owner_id"))
	if ownerID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	var window time.Duration
	if raw := strings.TrimSpace(c.Query("window")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			AbortWithError(c, usagedomain.ErrInvalidWindow)
			return
		}
		window = parsed
	}

	aggregate, err := s.usageSvc.Aggregate(c.Request.Context(), usagedomain.AggregateRequest{
		OwnerID: ownerID,
		Window:  window,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, aggregate)
}
