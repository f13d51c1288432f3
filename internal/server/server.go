// Package server exposes the HTTP control surface: job submission, task
// management, replay debugging, metrics, and the live browser stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"webpilot/internal/browser"
	"webpilot/internal/jobs"
	"webpilot/internal/launcher"
	"webpilot/internal/logging"
	"webpilot/internal/perf"
	"webpilot/internal/pipeline"
	"webpilot/internal/task"
)

// Server carries the handlers' collaborators.
type Server struct {
	engine  *gin.Engine
	jobs    *jobs.Manager
	pipe    *pipeline.Pipeline
	tasks   *task.TaskExecutor
	arena   *task.Arena
	monitor *perf.Monitor
	hub     *launcher.Generator
	streams *Streams
}

// New builds the router. Any collaborator may be nil; its endpoints answer
// 503 then.
func New(jm *jobs.Manager, pipe *pipeline.Pipeline, te *task.TaskExecutor, arena *task.Arena,
	monitor *perf.Monitor, hub *launcher.Generator) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:  gin.New(),
		jobs:    jm,
		pipe:    pipe,
		tasks:   te,
		arena:   arena,
		monitor: monitor,
		hub:     hub,
		streams: NewStreams(),
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler returns the http handler for serving.
func (s *Server) Handler() http.Handler { return s.engine }

// Streams returns the browser stream session registry.
func (s *Server) StreamSessions() *Streams { return s.streams }

func (s *Server) routes() {
	s.engine.POST("/jobs", s.submitJob)
	s.engine.GET("/jobs", s.listJobs)
	s.engine.GET("/jobs/:id", s.getJob)
	s.engine.GET("/jobs/:id/logs", s.getJobLogs)
	s.engine.GET("/jobs/:id/artifacts", s.getJobArtifacts)
	s.engine.POST("/replay/debug", s.replayDebug)

	s.engine.GET("/websites", s.listWebsites)
	s.engine.POST("/websites", s.addWebsite)
	s.engine.POST("/websites/:id/tasks", s.addTask)
	s.engine.POST("/tasks/:id/execute", s.executeTask)

	s.engine.GET("/performance", s.performanceReport)
	s.engine.GET("/launcher", s.launcherPage)
	s.engine.GET("/browser-stream", s.browserStream)

	if s.monitor != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.monitor.Registry(), promhttp.HandlerOpts{})))
	}
}

type submitJobRequest struct {
	Recording json.RawMessage `json:"recording" binding:"required"`
	Options   struct {
		TargetURL   string            `json:"targetUrl"`
		Parameters  map[string]string `json:"parameters"`
		Screenshots bool              `json:"screenshots"`
	} `json:"options"`
}

func (s *Server) submitJob(c *gin.Context) {
	if s.pipe == nil || s.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline unavailable"})
		return
	}
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job := s.jobs.Create(req.Recording)
	go s.runJob(job.ID, req)

	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "status": job.Status})
}

func (s *Server) runJob(jobID string, req submitJobRequest) {
	if err := s.jobs.Start(jobID); err != nil {
		logging.TaskWarn("Job %s start failed: %v", jobID, err)
		return
	}
	s.jobs.AppendLog(jobID, "job started")

	result, err := s.pipe.Run(context.Background(), req.Recording, pipeline.RunOptions{
		JobID:        jobID,
		TargetURL:    req.Options.TargetURL,
		Parameters:   req.Options.Parameters,
		Screenshots:  req.Options.Screenshots,
		PageObserver: s.observePage(jobID),
	})
	if err != nil {
		s.jobs.AppendLog(jobID, "job failed: %v", err)
		if ferr := s.jobs.Fail(jobID, err.Error()); ferr != nil {
			logging.TaskWarn("Job %s fail transition: %v", jobID, ferr)
		}
		return
	}
	s.jobs.AppendLog(jobID, "job finished: %s (%d commands)", result.Status, len(result.Commands))
	if cerr := s.jobs.Complete(jobID, result); cerr != nil {
		logging.TaskWarn("Job %s complete transition: %v", jobID, cerr)
	}
}

// observePage makes a job's live page streamable under the job id for the
// duration of the run.
func (s *Server) observePage(jobID string) func(page browser.Page) func() {
	return func(page browser.Page) func() {
		s.streams.Register(jobID, &pageStream{page: page})
		s.jobs.AppendLog(jobID, "browser stream available: sessionId=%s", jobID)
		return func() { s.streams.Unregister(jobID) }
	}
}

func (s *Server) listJobs(c *gin.Context) {
	if s.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "jobs unavailable"})
		return
	}
	c.JSON(http.StatusOK, s.jobs.List())
}

func (s *Server) getJob(c *gin.Context) {
	if s.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "jobs unavailable"})
		return
	}
	job, ok := s.jobs.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) getJobLogs(c *gin.Context) {
	if s.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "jobs unavailable"})
		return
	}
	if _, ok := s.jobs.Get(c.Param("id")); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, s.jobs.Logs(c.Param("id")))
}

// getJobArtifacts lists the screenshot identifiers a job's run produced.
func (s *Server) getJobArtifacts(c *gin.Context) {
	if s.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "jobs unavailable"})
		return
	}
	job, ok := s.jobs.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	screenshots := []string{}
	if job.Result != nil {
		screenshots = append(screenshots, job.Result.Artifacts.Screenshots...)
	}
	c.JSON(http.StatusOK, gin.H{"screenshots": screenshots})
}

// replayDebug runs the processing stages without touching a browser and
// returns every intermediate artefact.
func (s *Server) replayDebug(c *gin.Context) {
	if s.pipe == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline unavailable"})
		return
	}
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pl, err := s.pipe.Process(c.Request.Context(), req.Recording, req.Options.Parameters)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pl)
}

func (s *Server) listWebsites(c *gin.Context) {
	if s.arena == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tasks unavailable"})
		return
	}
	c.JSON(http.StatusOK, s.arena.Websites())
}

func (s *Server) addWebsite(c *gin.Context) {
	if s.arena == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tasks unavailable"})
		return
	}
	var req struct {
		Domain string `json:"domain" binding:"required"`
		Name   string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	website := s.arena.AddWebsite(req.Domain, req.Name)
	s.regenerateHub()
	c.JSON(http.StatusCreated, website)
}

func (s *Server) addTask(c *gin.Context) {
	if s.arena == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tasks unavailable"})
		return
	}
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := s.arena.AddTask(c.Param("id"), req.Name)
	if errors.Is(err, task.ErrDuplicateLoginTask) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) executeTask(c *gin.Context) {
	if s.tasks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task executor unavailable"})
		return
	}
	var req struct {
		TargetURL  string            `json:"targetUrl" binding:"required"`
		Parameters map[string]string `json:"parameters"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.tasks.ExecuteTask(c.Request.Context(), c.Param("id"), req.TargetURL, req.Parameters)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) performanceReport(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "monitor unavailable"})
		return
	}
	c.JSON(http.StatusOK, s.monitor.BuildReport(10))
}

func (s *Server) launcherPage(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "launcher unavailable"})
		return
	}
	path := s.hub.Path()
	if path == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "hub page not generated yet"})
		return
	}
	c.File(path)
}

func (s *Server) regenerateHub() {
	if s.hub == nil || s.arena == nil {
		return
	}
	var sites []launcher.Site
	for _, w := range s.arena.Websites() {
		sites = append(sites, launcher.Site{Domain: w.Domain, Name: w.Name})
	}
	if err := s.hub.Generate(sites); err != nil {
		logging.TaskWarn("Hub regeneration failed: %v", err)
	}
}
