package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/easm/internal/database"
	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

type submitJobRequest struct {
	OrganizationID string          `json:"organization_id" binding:"required"`
	JobType        string          `json:"job_type" binding:"required"`
	Target         string          `json:"target"`
	Configuration  json.RawMessage `json:"configuration"`
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (s *Server) health(c *gin.Context) {
	if s.pinger != nil {
		if err := s.pinger.Ping(c.Request.Context()); err != nil {
			s.logger.Warnw("Health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) submitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, fmt.Errorf("invalid request body: %w", err))
		return
	}

	orgID, err := uuid.Parse(req.OrganizationID)
	if err != nil {
		badRequest(c, fmt.Errorf("invalid organization_id: %w", err))
		return
	}
	jobType, err := types.ParseJobType(req.JobType)
	if err != nil {
		badRequest(c, err)
		return
	}

	configuration := types.JSONDocument(req.Configuration)
	if string(configuration) == "null" {
		configuration = nil
	}
	job := types.NewDiscoveryJob(orgID, jobType, strings.TrimSpace(req.Target), configuration)
	if _, err := job.Options(); err != nil {
		badRequest(c, err)
		return
	}

	if err := s.jobs.Create(c.Request.Context(), job); err != nil {
		s.serverError(c, "api.submitJob", err)
		return
	}
	logger.FromContext(c.Request.Context()).Infow("Job submitted",
		"job_id", job.ID.String(),
		"job_type", string(job.JobType),
		"target", job.TargetValue(),
	)
	c.JSON(http.StatusCreated, job)
}

func (s *Server) getJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, fmt.Errorf("invalid job id: %w", err))
		return
	}
	job, err := s.jobs.Get(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		s.serverError(c, "api.getJob", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) listJobs(c *gin.Context) {
	limit, offset, err := paging(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	var filter types.JobFilter
	if v := c.Query("status"); v != "" {
		status, err := types.ParseJobStatus(v)
		if err != nil {
			badRequest(c, err)
			return
		}
		filter.Status = &status
	}
	if v := c.Query("type"); v != "" {
		jobType, err := types.ParseJobType(v)
		if err != nil {
			badRequest(c, err)
			return
		}
		filter.JobType = &jobType
	}
	if filter.OrganizationID, err = orgFilter(c); err != nil {
		badRequest(c, err)
		return
	}

	jobs, err := s.jobs.List(c.Request.Context(), filter, limit, offset)
	if err != nil {
		s.serverError(c, "api.listJobs", err)
		return
	}
	if jobs == nil {
		jobs = []*types.DiscoveryJob{}
	}
	c.JSON(http.StatusOK, listResponse[*types.DiscoveryJob]{Items: jobs, Limit: limit, Offset: offset})
}

func (s *Server) listAssets(c *gin.Context) {
	limit, offset, err := paging(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	var filter types.AssetFilter
	if v := c.Query("type"); v != "" {
		assetType, err := types.ParseAssetType(v)
		if err != nil {
			badRequest(c, err)
			return
		}
		filter.AssetType = &assetType
	}
	if v := c.Query("status"); v != "" {
		status, err := types.ParseAssetStatus(v)
		if err != nil {
			badRequest(c, err)
			return
		}
		filter.Status = &status
	}
	if filter.OrganizationID, err = orgFilter(c); err != nil {
		badRequest(c, err)
		return
	}

	assets, err := s.assets.List(c.Request.Context(), filter, limit, offset)
	if err != nil {
		s.serverError(c, "api.listAssets", err)
		return
	}
	if assets == nil {
		assets = []*types.Asset{}
	}
	c.JSON(http.StatusOK, listResponse[*types.Asset]{Items: assets, Limit: limit, Offset: offset})
}

func paging(c *gin.Context) (limit, offset int, err error) {
	limit = defaultLimit
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("invalid limit %q", v)
		}
		if limit > maxLimit {
			limit = maxLimit
		}
	}
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", v)
		}
	}
	return limit, offset, nil
}

func orgFilter(c *gin.Context) (*uuid.UUID, error) {
	v := c.Query("organization_id")
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, fmt.Errorf("invalid organization_id: %w", err)
	}
	return &id, nil
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) serverError(c *gin.Context, op string, err error) {
	logger.FromContext(c.Request.Context()).LogError(c.Request.Context(), err, op)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
