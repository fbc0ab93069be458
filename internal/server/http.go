package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aramoto99/new-aiaccel/pkg/logger"
)

// HTTPServer serves the run status API.
type HTTPServer struct {
	router *gin.Engine
	run    Run
	trials TrialSource
	log    *slog.Logger
}

// NewHTTPServer registers the routes:
//
//	GET  /healthz
//	GET  /v1/summary
//	GET  /v1/trials?state=&limit=
//	GET  /v1/trials/:id
//	POST /v1/trials/:id/cancel
//	POST /v1/run/cancel
func NewHTTPServer(run Run, trials TrialSource) *HTTPServer {
	s := &HTTPServer{
		router: gin.New(),
		run:    run,
		trials: trials,
		log:    logger.Component("http"),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())

	s.router.GET("/healthz", s.handleHealthz)

	v1 := s.router.Group("/v1")
	{
		v1.GET("/summary", s.handleSummary)

		trials := v1.Group("/trials")
		{
			trials.GET("", s.handleListTrials)
			trials.GET("/:id", s.handleGetTrial)
			trials.POST("/:id/cancel", s.handleCancelTrial)
		}

		v1.POST("/run/cancel", s.handleCancelRun)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *HTTPServer) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *HTTPServer) handleSummary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"summary": NewSummary(s.run.Snapshot())})
}

func (s *HTTPServer) handleListTrials(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil || l < 0 {
			s.writeError(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = l
	}
	trials, err := filterTrials(s.trials.Trials(), c.Query("state"), limit)
	if err != nil {
		s.writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"trials": trials})
}

func (s *HTTPServer) handleGetTrial(c *gin.Context) {
	id, ok := s.trialID(c)
	if !ok {
		return
	}
	t, err := s.trials.Get(id)
	if err != nil {
		s.writeError(c, httpStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"trial": t})
}

func (s *HTTPServer) handleCancelTrial(c *gin.Context) {
	id, ok := s.trialID(c)
	if !ok {
		return
	}
	if err := s.run.CancelTrial(c.Request.Context(), id); err != nil {
		s.writeError(c, httpStatus(err), err.Error())
		return
	}
	s.log.Info("trial cancelled over http", "trial_id", id)
	t, err := s.trials.Get(id)
	if err != nil {
		s.writeError(c, httpStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"trial": t})
}

func (s *HTTPServer) handleCancelRun(c *gin.Context) {
	if err := s.run.Cancel(c.Request.Context()); err != nil {
		s.writeError(c, httpStatus(err), err.Error())
		return
	}
	s.log.Info("run cancellation requested over http")
	c.JSON(http.StatusAccepted, gin.H{"summary": NewSummary(s.run.Snapshot())})
}

func (s *HTTPServer) trialID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 {
		s.writeError(c, http.StatusBadRequest, "trial id must be a non-negative integer")
		return 0, false
	}
	return id, true
}

func (s *HTTPServer) writeError(c *gin.Context, code int, msg string) {
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", c.FullPath(), "error", msg)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}
