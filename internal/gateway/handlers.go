package gateway

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/prime-system/prime-agent/internal/agent/command"
	"github.com/prime-system/prime-agent/internal/agent/events"
	"github.com/prime-system/prime-agent/internal/push"
	"github.com/prime-system/prime-agent/internal/vault"
)

// apiError writes the stable error envelope {error, message}.
func apiError(c *gin.Context, status int, name, message string) {
	c.JSON(status, gin.H{"error": name, "message": message})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCapture(c *gin.Context) {
	var req vault.CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "ValidationError", "invalid request body: "+err.Error())
		return
	}

	res, err := s.deps.Ingestor.Ingest(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, vault.ErrEmptyInput) {
			apiError(c, http.StatusBadRequest, "ValidationError", err.Error())
			return
		}
		s.logger.Error("capture failed", zap.Error(err))
		apiError(c, http.StatusInternalServerError, "VaultError", err.Error())
		return
	}

	c.JSON(http.StatusCreated, res)
}

func (s *Server) handleCommandTrigger(c *gin.Context) {
	name := c.Param("name")

	runID, err := s.deps.Executor.Execute(name, command.TriggerManual)
	if err != nil {
		if errors.Is(err, command.ErrUnknownCommand) {
			apiError(c, http.StatusNotFound, "NotFoundError", err.Error())
			return
		}
		s.logger.Error("command trigger failed", zap.String("command", name), zap.Error(err))
		apiError(c, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":   runID,
		"status":   "started",
		"poll_url": "/commands/runs/" + runID,
	})
}

func (s *Server) handleRunPoll(c *gin.Context) {
	runID := c.Param("runId")

	after := events.NoCursor
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			apiError(c, http.StatusBadRequest, "ValidationError", "after must be an integer")
			return
		}
		after = n
	}

	snap := s.deps.Runs.Get(runID, after)
	if snap == nil {
		apiError(c, http.StatusNotFound, "NotFoundError", "unknown run: "+runID)
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleRunList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.deps.Runs.List()})
}

// handleRunCancel aborts an in-flight run. The run reaches its terminal
// status through the executor's handling of the aborted turn, so the
// response is 202 rather than a final state.
func (s *Server) handleRunCancel(c *gin.Context) {
	runID := c.Param("runId")
	if !s.deps.Runs.Cancel(runID) {
		apiError(c, http.StatusNotFound, "NotFoundError", "no cancellable run: "+runID)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": "cancelling"})
}

func (s *Server) handleConfigReload(c *gin.Context) {
	if _, err := s.cfg.Reload(); err != nil {
		s.logger.Error("config reload failed, previous snapshot stays active", zap.Error(err))
		apiError(c, http.StatusInternalServerError, "ConfigError", err.Error())
		return
	}

	s.logger.Info("config reloaded")
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

func (s *Server) handleDeviceRegister(c *gin.Context) {
	var dev push.Device
	if err := c.ShouldBindJSON(&dev); err != nil {
		apiError(c, http.StatusBadRequest, "ValidationError", "invalid request body: "+err.Error())
		return
	}

	if _, err := s.deps.Registry.Upsert(dev); err != nil {
		if strings.Contains(err.Error(), "required") {
			apiError(c, http.StatusBadRequest, "ValidationError", err.Error())
			return
		}
		s.logger.Error("device registration failed", zap.Error(err))
		apiError(c, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "registered",
		"device_count": s.deps.Registry.Count(),
	})
}

func (s *Server) handleDeviceList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.deps.Registry.List()})
}

func (s *Server) handleNotificationSend(c *gin.Context) {
	var n push.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		apiError(c, http.StatusBadRequest, "ValidationError", "invalid request body: "+err.Error())
		return
	}
	if n.Title == "" && n.Body == "" {
		apiError(c, http.StatusBadRequest, "ValidationError", "title or body is required")
		return
	}

	c.JSON(http.StatusOK, s.deps.Sender.Send(c.Request.Context(), n))
}

func (s *Server) handleMonitoringStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Monitor.Status(c.Request.Context()))
}

func (s *Server) handleVaultList(c *gin.Context) {
	rel := c.Query("path")

	entries, err := s.deps.Browser.ListFolder(rel)
	if err != nil {
		s.vaultError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"path": rel, "entries": entries})
}

func (s *Server) handleVaultRead(c *gin.Context) {
	rel := c.Query("path")
	if rel == "" {
		apiError(c, http.StatusBadRequest, "ValidationError", "path is required")
		return
	}

	offset, ok := queryInt64(c, "offset")
	if !ok {
		return
	}
	limit, ok := queryInt64(c, "limit")
	if !ok {
		return
	}

	content, err := s.deps.Browser.ReadFile(rel, offset, limit)
	if err != nil {
		s.vaultError(c, err)
		return
	}

	c.JSON(http.StatusOK, content)
}

func (s *Server) handleVaultSearch(c *gin.Context) {
	query := c.Query("q")
	if strings.TrimSpace(query) == "" {
		apiError(c, http.StatusBadRequest, "ValidationError", "q is required")
		return
	}

	limit64, ok := queryInt64(c, "limit")
	if !ok {
		return
	}

	matches, err := s.deps.Browser.Search(c.Request.Context(), query, int(limit64))
	if err != nil {
		s.vaultError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"query": query, "matches": matches})
}

// vaultError maps browser failures onto the error taxonomy: escaped
// paths are client errors, missing files are 404, the rest is 500.
func (s *Server) vaultError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, vault.ErrInvalidPath):
		apiError(c, http.StatusBadRequest, "ValidationError", err.Error())
	case errors.Is(err, os.ErrNotExist):
		apiError(c, http.StatusNotFound, "NotFoundError", err.Error())
	case strings.Contains(err.Error(), "path is a folder"):
		apiError(c, http.StatusBadRequest, "ValidationError", err.Error())
	default:
		s.logger.Error("vault request failed", zap.Error(err))
		apiError(c, http.StatusInternalServerError, "VaultError", err.Error())
	}
}

// queryInt64 parses an optional integer query parameter. On a malformed
// value it writes a 400 and reports false.
func queryInt64(c *gin.Context, name string) (int64, bool) {
	v := c.Query(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		apiError(c, http.StatusBadRequest, "ValidationError", name+" must be an integer")
		return 0, false
	}
	return n, true
}
