package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/chaos"
	"github.com/namansh70747/sentinel/internal/incident"
	"github.com/namansh70747/sentinel/internal/jobs"
	"github.com/namansh70747/sentinel/internal/validation"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, incident.ErrNotFound),
		errors.Is(err, chaos.ErrUnknownScenario),
		errors.Is(err, jobs.ErrUnknownJob),
		errors.Is(err, validation.ErrUnknownRule):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrJobRunning),
		errors.Is(err, incident.ErrInvalidTransition),
		errors.Is(err, incident.ErrRemediationInProgress),
		errors.Is(err, incident.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, incident.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chaos.ErrOnCooldown), errors.Is(err, chaos.ErrAllOnCooldown):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Internal errors are logged
// and not echoed to the client.
func (s *server) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
