package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func (a *App) adminLoginHandler(c *gin.Context) {
	var payload struct {
		Email    string `json:"email" form:"email"`
		Password string `json:"password" form:"password"`
	}
	if err := c.ShouldBind(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid login payload"})
		return
	}
	payload.Email = strings.TrimSpace(payload.Email)

	if err := a.adminAuthenticate(c.Request.Context(), payload.Email, payload.Password); err != nil {
		a.log.Warn("admin login rejected", "ip", c.ClientIP())
		writeAPIError(c, err)
		return
	}

	token, err := a.createAdminSessionToken(payload.Email)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	secure := strings.EqualFold(a.cfg.Env, "production")
	c.SetCookie(adminCookieName, token, int(adminSessionDuration.Seconds()), "/", "", secure, true)
	c.JSON(http.StatusOK, gin.H{"email": payload.Email})
}

func (a *App) adminLogoutHandler(c *gin.Context) {
	secure := strings.EqualFold(a.cfg.Env, "production")
	c.SetCookie(adminCookieName, "", -1, "/", "", secure, true)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// adminSubmissionsHandler lists the newest ledger entries.
// Method: GET /api/v1/admin/submissions?limit=N
// Access: Admin session
func (a *App) adminSubmissionsHandler(c *gin.Context) {
	if a.listSubmissions == nil {
		writeAPIError(c, &apiError{Status: http.StatusServiceUnavailable, Code: "ledger_disabled", Message: "Submission ledger is not configured"})
		return
	}

	limit := defaultSubmissionLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_limit", Message: "limit must be a positive integer"})
			return
		}
		limit = min(parsed, maxSubmissionLimit)
	}

	records, err := a.listSubmissions(c.Request.Context(), limit)
	if err != nil {
		a.log.Error("failed to list submissions", "err", err)
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": records})
}
