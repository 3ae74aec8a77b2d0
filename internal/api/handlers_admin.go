package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"maya-licensing/internal/license"
)

// authorizeAdmin validates the operator key from the Authorization header or
// the request body. An unset server-side key rejects every admin call.
// Configured keys starting with $2 are treated as bcrypt hashes; anything
// else is compared in constant time.
func (s *Server) authorizeAdmin(c *gin.Context, bodyKey string) bool {
	if s.adminKey == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin API is not configured"})
		return false
	}

	provided := bodyKey
	if header := c.GetHeader("Authorization"); header != "" {
		provided = strings.TrimPrefix(header, "Bearer ")
	}
	if provided == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin key required"})
		return false
	}

	var ok bool
	if strings.HasPrefix(s.adminKey, "$2") {
		ok = bcrypt.CompareHashAndPassword([]byte(s.adminKey), []byte(provided)) == nil
	} else {
		ok = subtle.ConstantTimeCompare([]byte(s.adminKey), []byte(provided)) == 1
	}

	if !ok {
		s.logger.Warn().Str("ip", c.ClientIP()).Msg("admin key rejected")
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid admin key"})
		return false
	}
	return true
}

// flushVerdicts drops cached verdicts after an admin mutation so a stale
// allow or deny does not outlive it.
func (s *Server) flushVerdicts(c *gin.Context) {
	if s.verdictCache == nil {
		return
	}
	if err := s.verdictCache.Flush(c.Request.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("verdict cache flush failed")
	}
}

type issueRequest struct {
	AdminKey string `json:"admin_key"`
	Email    string `json:"email"`
}

// handleIssue creates a new license for an owner email
func (s *Server) handleIssue(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !s.authorizeAdmin(c, req.AdminKey) {
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}

	result, err := s.engine.Issue(c.Request.Context(), strings.TrimSpace(req.Email), time.Now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Msg("license issuance failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":       result.Code,
		"expires_at": result.ExpiresAt,
	})
}

type renewRequest struct {
	AdminKey    string `json:"admin_key"`
	LicenseCode string `json:"license_code"`
}

// handleRenew extends a license and resets its devices
func (s *Server) handleRenew(c *gin.Context) {
	var req renewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !s.authorizeAdmin(c, req.AdminKey) {
		return
	}

	result, err := s.engine.Renew(c.Request.Context(), strings.TrimSpace(req.LicenseCode), time.Now().UTC())
	if err != nil {
		if errors.Is(err, license.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "license not found"})
			return
		}
		s.logger.Error().Err(err).Msg("license renewal failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.flushVerdicts(c)

	c.JSON(http.StatusOK, gin.H{
		"code":           result.Code,
		"old_expires_at": result.OldExpiresAt,
		"new_expires_at": result.NewExpiresAt,
	})
}

type resetDevicesRequest struct {
	AdminKey    string `json:"admin_key"`
	LicenseCode string `json:"license_code"`
}

// handleResetDevices clears device bindings for a license
func (s *Server) handleResetDevices(c *gin.Context) {
	var req resetDevicesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !s.authorizeAdmin(c, req.AdminKey) {
		return
	}

	removed, err := s.engine.ResetDevices(c.Request.Context(), strings.TrimSpace(req.LicenseCode))
	if err != nil {
		if errors.Is(err, license.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "license not found"})
			return
		}
		s.logger.Error().Err(err).Msg("device reset failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.flushVerdicts(c)

	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"license_code":    strings.TrimSpace(req.LicenseCode),
		"removed_devices": removed,
	})
}

// handleListLicenses lists licenses with paging. The GET endpoints take the
// admin key from the Authorization header only; query strings end up in
// access logs.
func (s *Server) handleListLicenses(c *gin.Context) {
	if !s.authorizeAdmin(c, "") {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	activeOnly := c.Query("active") == "true"
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	licenses, total, err := s.repo.ListLicenses(c.Request.Context(), activeOnly, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"licenses": licenses,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// handleLicenseStats returns aggregate counts
func (s *Server) handleLicenseStats(c *gin.Context) {
	if !s.authorizeAdmin(c, "") {
		return
	}

	stats, err := s.repo.GetLicenseStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}
