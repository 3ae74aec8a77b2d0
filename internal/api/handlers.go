package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"maya-licensing/internal/cache"
	"maya-licensing/internal/license"
)

// handleHealth is the liveness endpoint clients use as a warm-up ping.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"ts": time.Now().Unix(),
	})
}

// handleCheck evaluates a client check-in. The response is always a
// structured verdict with HTTP 200, including for unparseable bodies, so
// the client never has to interpret transport-level errors as policy.
func (s *Server) handleCheck(c *gin.Context) {
	var req license.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, license.Verdict{
			Allow:      false,
			Reason:     "Bad request",
			TTLSeconds: license.TTLError,
		})
		return
	}

	ctx := c.Request.Context()

	key := cache.Key(req.Token, req.MachineID)
	if s.verdictCache != nil {
		if cached, err := s.verdictCache.Get(ctx, key); err == nil && cached != nil {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	verdict := s.engine.Check(ctx, req, time.Now().UTC())

	if s.verdictCache != nil {
		if err := s.verdictCache.Set(ctx, key, verdict); err != nil {
			s.logger.Debug().Err(err).Msg("verdict cache write failed")
		}
	}

	s.logger.Info().
		Bool("allow", verdict.Allow).
		Str("reason", verdict.Reason).
		Str("ip", c.ClientIP()).
		Msg("check-in")

	c.JSON(http.StatusOK, verdict)
}
