package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *server) validationRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rules := s.deps.Validation.Rules()
		c.JSON(http.StatusOK, gin.H{
			"rules": rules,
			"count": len(rules),
		})
	}
}

func (s *server) validationRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if name := c.Query("rule"); name != "" {
			res, err := s.deps.Validation.RunRule(c.Request.Context(), name)
			if err != nil {
				s.respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, res)
			return
		}
		c.JSON(http.StatusOK, s.deps.Validation.RunAll(c.Request.Context()))
	}
}

func (s *server) validationResultsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := queryInt(c, "limit", 50, 1, 500)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		results, err := s.deps.Validation.Results(ctx, limit)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"results": results,
			"count":   len(results),
		})
	}
}

func (s *server) scorecardHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		sc, err := s.deps.Validation.Scorecard(ctx)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sc)
	}
}
