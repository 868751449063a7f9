package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/incident"
	"github.com/namansh70747/sentinel/internal/remediation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type createIncidentRequest struct {
	Type        string         `json:"incident_type" binding:"required"`
	Severity    string         `json:"severity" binding:"required,oneof=info warning critical"`
	Title       string         `json:"title" binding:"required"`
	Description string         `json:"description"`
	DedupKey    string         `json:"dedup_key"`
	Metadata    map[string]any `json:"metadata"`
}

// REMEDIATING is reserved for the remediation engine; use the remediate route.
type updateIncidentRequest struct {
	Status string `json:"status" binding:"required,oneof=investigating resolved escalated"`
}

func incidentID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid incident id")
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def, lo, hi int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		badRequest(c, key+" must be an integer between "+strconv.Itoa(lo)+" and "+strconv.Itoa(hi))
		return 0, false
	}
	return n, true
}

func (s *server) listIncidentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := queryInt(c, "limit", defaultListLimit, 1, maxListLimit)
		if !ok {
			return
		}

		filter := incident.Filter{Type: c.Query("type"), Limit: limit}
		if raw := c.Query("status"); raw != "" {
			for _, part := range strings.Split(raw, ",") {
				status := incident.Status(strings.TrimSpace(part))
				if !status.Valid() {
					badRequest(c, "invalid status: "+string(status))
					return
				}
				filter.Statuses = append(filter.Statuses, status)
			}
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		incidents, err := s.deps.Manager.List(ctx, filter)
		if err != nil {
			s.respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"incidents": nonNil(incidents),
			"count":     len(incidents),
		})
	}
}

func (s *server) openIncidentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		incidents, err := s.deps.Manager.ListOpen(ctx)
		if err != nil {
			s.respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"incidents": nonNil(incidents),
			"count":     len(incidents),
		})
	}
}

func (s *server) createIncidentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createIncidentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		inc, created, err := s.deps.Manager.Create(ctx, incident.NewIncident{
			Type:        req.Type,
			Severity:    incident.Severity(req.Severity),
			Title:       req.Title,
			Description: req.Description,
			DedupKey:    req.DedupKey,
			Metadata:    req.Metadata,
		})
		if err != nil {
			s.respondError(c, err)
			return
		}

		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		c.JSON(status, gin.H{
			"incident": inc,
			"created":  created,
		})
	}
}

func (s *server) getIncidentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := incidentID(c)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		inc, err := s.deps.Manager.Get(ctx, id)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, inc)
	}
}

func (s *server) updateIncidentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := incidentID(c)
		if !ok {
			return
		}
		var req updateIncidentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		inc, err := s.deps.Manager.Transition(ctx, id, incident.Status(req.Status), incident.TransitionOptions{
			ResolvedBy: incident.ResolvedByManual,
			Actor:      incident.ActorAPI,
		})
		if err != nil {
			s.respondError(c, err)
			return
		}

		s.logger.Info("Incident updated via API",
			zap.Int64("incident_id", id),
			zap.String("status", req.Status),
			zap.String("request_id", c.GetString("request_id")),
		)
		c.JSON(http.StatusOK, inc)
	}
}

func (s *server) remediateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := incidentID(c)
		if !ok {
			return
		}

		report, err := s.deps.Remediator.AttemptNow(c.Request.Context(), id)
		if err != nil {
			s.respondError(c, err)
			return
		}

		status := http.StatusOK
		switch report.Outcome {
		case remediation.OutcomeInProgress:
			status = http.StatusConflict
			report.Detail = incident.ErrRemediationInProgress.Error()
		case remediation.OutcomeNotEligible:
			status = http.StatusConflict
		}
		c.JSON(status, report)
	}
}

func (s *server) attemptsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := incidentID(c)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		attempts, err := s.deps.Manager.Attempts(ctx, id)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"incident_id": id,
			"attempts":    nonNil(attempts),
			"count":       len(attempts),
		})
	}
}

func (s *server) historyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := incidentID(c)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		history, err := s.deps.Manager.History(ctx, id)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"incident_id": id,
			"history":     nonNil(history),
		})
	}
}

func (s *server) postmortemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := incidentID(c)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		pm, err := s.deps.Manager.Postmortem(ctx, id)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, pm)
	}
}

func (s *server) postmortemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := queryInt(c, "limit", 10, 1, maxListLimit)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		postmortems, err := s.deps.Manager.Postmortems(ctx, limit)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"postmortems": nonNil(postmortems),
			"count":       len(postmortems),
		})
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
