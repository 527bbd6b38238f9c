package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/lumacrm/ledger/internal/balance/domain"
)

func (s *Server) GetBalance(c *gin.Context) {
	ownerID := strings.TrimSpace(c.Param("owner_id"))
	if ownerID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.balanceSvc.Balance(c.Request.Context(), ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) Consume(c *gin.Context) {
	ownerID := strings.TrimSpace(c.Param("owner_id"))
	if ownerID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	var req balancedomain.ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.OwnerID = ownerID

	resp, err := s.balanceSvc.Consume(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
