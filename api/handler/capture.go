package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/pubcrawl/config"
	"github.com/use-agent/pubcrawl/engine"
	"github.com/use-agent/pubcrawl/models"
	"github.com/use-agent/pubcrawl/session"
)

// Capture returns a handler for POST /api/v1/capture.
//
// Orchestration flow:
//  1. Parse & validate request, fill unset options from server defaults.
//  2. Enable stealth for hosts that recently served challenges.
//  3. Runner.Capture → report, or a NavigationError carrying a partial one.
//  4. Remember challenges and respond.
//
// Every request runs a fresh session; reports are never reused.
// hosts may be nil.
func Capture(runner *session.Runner, defaults config.CaptureConfig, hosts *engine.HostMemory) gin.HandlerFunc {
	return func(c *gin.Context) {
		// ── 1. Parse request ────────────────────────────────────────
		var req models.CaptureRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.CaptureResponse{
				Success: false,
				Error: &models.ErrorDetail{
					Code:    models.ErrCodeInvalidInput,
					Message: err.Error(),
				},
			})
			return
		}
		defaults.Apply(&req.Options)

		// ── 2. Build target ─────────────────────────────────────────
		target, err := models.NewTarget(req.URL, req.Pattern, escalate(hosts, req.URL, req.Options))
		if err != nil {
			respondError(c, err)
			return
		}

		// ── 3. Capture ──────────────────────────────────────────────
		report, err := runner.Capture(c.Request.Context(), target)
		remember(hosts, req.URL, report, err)
		if err != nil {
			respondError(c, err)
			return
		}

		// ── 4. Respond ──────────────────────────────────────────────
		c.JSON(http.StatusOK, models.CaptureResponse{
			Success: true,
			Report:  report,
		})
	}
}

// escalate turns on stealth for hosts remembered as challenge-prone.
func escalate(hosts *engine.HostMemory, rawURL string, opts models.CaptureOptions) models.CaptureOptions {
	if hosts != nil && !opts.Stealth && hosts.NeedsStealth(rawURL) {
		slog.Debug("stealth enabled for challenge-prone host", "url", rawURL)
		opts.Stealth = true
	}
	return opts
}

// remember records the challenges a session saw, partial reports included.
func remember(hosts *engine.HostMemory, rawURL string, report *models.Report, err error) {
	if hosts == nil {
		return
	}
	var navErr *models.NavigationError
	if report == nil && errors.As(err, &navErr) {
		report = navErr.Report
	}
	if report != nil {
		hosts.RecordChallenges(rawURL, report.ErrorSummary.Cloudflare)
	}
}

// captureResult converts a session outcome into an API response body and
// its HTTP status. It is shared by the single and batch endpoints.
func captureResult(report *models.Report, err error) (int, *models.CaptureResponse) {
	if err == nil {
		return http.StatusOK, &models.CaptureResponse{Success: true, Report: report}
	}

	var navErr *models.NavigationError
	if errors.As(err, &navErr) {
		return mapErrorToStatus(navErr.Err), &models.CaptureResponse{
			Success: false,
			Report:  navErr.Report,
			Error:   navErr.Err.ToDetail(),
		}
	}

	var scrapeErr *models.ScrapeError
	if !errors.As(err, &scrapeErr) {
		scrapeErr = models.NewScrapeError(models.ErrCodeInternal, err.Error(), err)
	}
	return mapErrorToStatus(scrapeErr), &models.CaptureResponse{
		Success: false,
		Error:   scrapeErr.ToDetail(),
	}
}

// respondError writes a structured JSON error response. Navigation failures
// keep their partial report.
func respondError(c *gin.Context, err error) {
	status, resp := captureResult(nil, err)
	if status >= http.StatusInternalServerError {
		slog.Warn("capture failed", "status", status, "error", err)
	}
	c.JSON(status, resp)
}

// mapErrorToStatus translates error codes to HTTP status codes.
func mapErrorToStatus(e *models.ScrapeError) int {
	switch e.Code {
	case models.ErrCodeTimeout:
		return http.StatusGatewayTimeout // 504
	case models.ErrCodeNavigation:
		return http.StatusBadGateway // 502
	case models.ErrCodeInvalidInput, models.ErrCodeInvalidPattern:
		return http.StatusBadRequest // 400
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	case models.ErrCodeNotFound:
		return http.StatusNotFound // 404
	default:
		return http.StatusInternalServerError // 500
	}
}
