package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/jobs"
)

func (s *server) listJobsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		list := s.deps.Jobs.List()
		c.JSON(http.StatusOK, gin.H{
			"jobs":  list,
			"count": len(list),
		})
	}
}

// jobHistoryHandler serves both /jobs/history and /jobs/:name/history.
func (s *server) jobHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := queryInt(c, "limit", 20, 1, 100)
		if !ok {
			return
		}
		name := c.Param("name")
		if name == "" {
			name = c.Query("job_name")
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		runs, err := s.deps.Jobs.History(ctx, name, limit)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"runs":  runs,
			"count": len(runs),
		})
	}
}

func (s *server) triggerJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		run, err := s.deps.Jobs.Trigger(c.Request.Context(), name, jobs.TriggerManual)
		if err != nil {
			s.respondError(c, err)
			return
		}
		s.logger.Info("Job triggered via API",
			zap.String("job", name),
			zap.String("status", string(run.Status)),
		)
		c.JSON(http.StatusOK, run)
	}
}
