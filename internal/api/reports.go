package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/report"
)

func (s *server) slaHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		hours, ok := queryInt(c, "hours", 24, 1, 720)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		r, err := report.SLA(ctx, s.deps.Manager, time.Now().UTC(), time.Duration(hours)*time.Hour, nil)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

func (s *server) chaosScenariosHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scenarios := s.deps.Chaos.List()
		c.JSON(http.StatusOK, gin.H{
			"scenarios": scenarios,
			"count":     len(scenarios),
		})
	}
}

func (s *server) chaosTriggerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		out, err := s.deps.Chaos.Trigger(c.Request.Context(), name)
		if err != nil {
			s.respondError(c, err)
			return
		}
		s.logger.Warn("Chaos scenario triggered via API",
			zap.String("scenario", name),
			zap.Int64("incident_id", out.IncidentID),
		)
		c.JSON(http.StatusOK, out)
	}
}

func (s *server) chaosRandomHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := s.deps.Chaos.TriggerRandom(c.Request.Context())
		if err != nil {
			s.respondError(c, err)
			return
		}
		s.logger.Warn("Random chaos scenario triggered via API",
			zap.String("scenario", out.Scenario),
			zap.Int64("incident_id", out.IncidentID),
		)
		c.JSON(http.StatusOK, out)
	}
}
