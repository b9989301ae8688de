package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	automationdomain "github.com/smallbiznis/affiliate-automation/internal/automation/domain"
)

const defaultRunBatchSize = 50

type triggerRequest struct {
	SubjectID   string         `json:"subject_id"`
	OwnerID     string         `json:"owner_id"`
	TriggerType string         `json:"trigger_type"`
	Payload     map[string]any `json:"payload"`
}

type runDueJobsRequest struct {
	BatchSize int `json:"batch_size"`
}

type createAutomationRequest struct {
	OwnerID     string                               `json:"owner_id"`
	Name        string                               `json:"name"`
	TriggerType string                               `json:"trigger_type"`
	Disabled    bool                                 `json:"disabled"`
	Steps       []automationdomain.CreateStepRequest `json:"steps"`
}

type updateAutomationRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) TriggerAutomation(c *gin.Context) {
	req, ok := bindTriggerRequest(c)
	if !ok {
		return
	}

	subjectID, ok := bindID(c, req.SubjectID, subjectIDField)
	if !ok {
		return
	}
	ownerID, ok := bindID(c, req.OwnerID, ownerIDField)
	if !ok {
		return
	}

	triggerType := automationdomain.TriggerType(strings.TrimSpace(req.TriggerType))
	c.Set("trigger_type", string(triggerType))

	resp, err := s.automationSvc.Trigger(c.Request.Context(), automationdomain.TriggerRequest{
		SubjectID:   subjectID,
		OwnerID:     ownerID,
		TriggerType: triggerType,
		Payload:     req.Payload,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RunDueJobs(c *gin.Context) {
	if s.runner == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	var req runDueJobsRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	batchSize := req.BatchSize
	if batchSize < 0 {
		AbortWithError(c, newValidationError("batch_size", "invalid_batch_size", "batch_size must not be negative"))
		return
	}
	if batchSize == 0 {
		batchSize = defaultRunBatchSize
		if s.engineCfg != nil {
			batchSize = s.engineCfg.Get().BatchSize
		}
	}

	resp, err := s.runner.RunDueJobs(c.Request.Context(), batchSize, s.now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelAutomation(c *gin.Context) {
	automationID, ok := pathID(c, automationIDField)
	if !ok {
		return
	}
	subjectID, ok := pathID(c, subjectIDField)
	if !ok {
		return
	}

	resp, err := s.automationSvc.CancelAutomation(c.Request.Context(), automationdomain.CancelRequest{
		AutomationID: automationID,
		SubjectID:    subjectID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetStats(c *gin.Context) {
	ownerID, ok := pathID(c, ownerIDField)
	if !ok {
		return
	}

	resp, err := s.automationSvc.GetStats(c.Request.Context(), ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreateAutomation(c *gin.Context) {
	var req createAutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	ownerID, ok := bindID(c, req.OwnerID, ownerIDField)
	if !ok {
		return
	}

	resp, err := s.automationSvc.CreateAutomation(c.Request.Context(), automationdomain.CreateAutomationRequest{
		OwnerID:     ownerID,
		Name:        strings.TrimSpace(req.Name),
		TriggerType: automationdomain.TriggerType(strings.TrimSpace(req.TriggerType)),
		Disabled:    req.Disabled,
		Steps:       req.Steps,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetAutomation(c *gin.Context) {
	id, ok := pathID(c, automationIDField)
	if !ok {
		return
	}

	resp, err := s.automationSvc.GetAutomation(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateAutomation(c *gin.Context) {
	id, ok := pathID(c, automationIDField)
	if !ok {
		return
	}

	var req updateAutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		AbortWithError(c, newValidationError("enabled", "required", "enabled is required"))
		return
	}

	resp, err := s.automationSvc.SetEnabled(c.Request.Context(), id, *req.Enabled)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// bindTriggerRequest reuses the body the rate limiter already parsed.
func bindTriggerRequest(c *gin.Context) (triggerRequest, bool) {
	if cached, ok := c.Get(triggerRequestKey); ok {
		if req, ok := cached.(triggerRequest); ok {
			return req, true
		}
	}
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return triggerRequest{}, false
	}
	return req, true
}
