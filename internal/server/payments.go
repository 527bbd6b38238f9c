package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lumacrm/ledger/internal/observability/logger"
	paymentdomain "github.com/lumacrm/ledger/internal/payment/domain"
	"github.com/lumacrm/ledger/internal/payment/gateway"
	"go.uber.org/zap"
)

// HandleGatewayWebhook ingests signed gateway events. The gateway retries on
// any non-2xx response, so transient outcomes must map to retryable statuses.
func (s *Server) HandleGatewayWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.verifier.Verify(payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	event, err := gateway.ParseEvent(payload)
	if err != nil {
		if errors.Is(err, gateway.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	switch event.Type {
	case gateway.EventSessionCompleted:
		result, err := s.paymentSvc.CreditFromSession(ctx, paymentdomain.CreditRequest{
			SessionID:   event.SessionID,
			OwnerID:     event.OwnerID,
			Amount:      event.Amount,
			Currency:    event.Currency,
			Description: "gateway webhook",
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	case gateway.EventSessionFailed:
		if err := s.paymentSvc.FailSession(ctx, event.SessionID, event.Reason); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

// ConfirmSession is the manual fallback when the webhook never arrived. It
// fetches the session from the gateway and applies the same crediting path,
// so a racing webhook and confirm still credit exactly once.
func (s *Server) ConfirmSession(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("session_id"))
	if sessionID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()

	if s.limiter.Enabled() {
		token, acquired, err := s.limiter.TryLockSession(ctx, sessionID)
		if err != nil {
			logger.FromContext(ctx).Warn("confirm session lock failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !acquired {
			AbortWithError(c, paymentdomain.ErrSessionProcessing)
			return
		}
		defer func() {
			if err := s.limiter.ReleaseSession(ctx, sessionID, token); err != nil {
				logger.FromContext(ctx).Warn("confirm session unlock failed", zap.Error(err))
			}
		}()
	}

	// The gateway call stays outside any database transaction.
	session, err := s.gatewaycli.FetchSession(ctx, sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	switch session.Status {
	case gateway.CheckoutStatusCompleted:
		result, err := s.paymentSvc.CreditFromSession(ctx, paymentdomain.CreditRequest{
			SessionID:   sessionID,
			OwnerID:     session.OwnerID,
			Amount:      session.Amount,
			Currency:    session.Currency,
			Description: "manual confirm",
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	case gateway.CheckoutStatusFailed, gateway.CheckoutStatusExpired:
		if err := s.paymentSvc.FailSession(ctx, sessionID, session.Reason); err != nil {
			AbortWithError(c, err)
			return
		}
		AbortWithError(c, paymentdomain.ErrSessionFailed)
	default:
		// Still pending at the gateway; nothing to credit yet.
		AbortWithError(c, paymentdomain.ErrSessionProcessing)
	}
}

func (s *Server) GetSession(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("session_id"))
	if sessionID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	session, err := s.paymentSvc.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}
