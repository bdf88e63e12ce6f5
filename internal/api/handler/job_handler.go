package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/node-events/internal/api/dto"
	"github.com/cuongbtq/node-events/internal/queue"
)

// GetStats handles GET /api/v1/queues/:queue/stats
// Counts the jobs of a queue per state
func (h *JobHandler) GetStats(c *gin.Context) {
	queueName, ok := h.queueParam(c)
	if !ok {
		return
	}

	stats, err := h.queue.Stats(c.Request.Context(), queueName)
	if err != nil {
		h.logger.Error("Failed to get queue stats", slog.String("queue", queueName), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get queue stats",
		})
		return
	}

	c.JSON(http.StatusOK, dto.StatsResponse{Queue: queueName, Jobs: stats})
}

// GetJob handles GET /api/v1/queues/:queue/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	queueName, ok := h.queueParam(c)
	if !ok {
		return
	}
	jobID := c.Param("job_id")

	job, err := h.queue.Job(c.Request.Context(), queueName, jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/queues/:queue/jobs
// Lists jobs of one state with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	queueName, ok := h.queueParam(c)
	if !ok {
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// the cursor pins the state of the listing it came from
	if cursor == nil {
		cursor = &JobCursor{State: queue.StateDead}
		if req.State != "" {
			if cursor.State, err = queue.ParseState(req.State); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": err.Error(),
				})
				return
			}
		}
	}

	// one extra row tells whether another page exists
	jobs, err := h.queue.Jobs(c.Request.Context(), queueName, cursor.State, cursor.Offset, int64(req.PageSize)+1)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("queue", queueName), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = dto.NewJobDTO(job)
	}

	var nextCursor string
	if hasMore {
		nextCursor = EncodeJobCursor(&JobCursor{
			State:  cursor.State,
			Offset: cursor.Offset + int64(len(jobs)),
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// RetryJob handles POST /api/v1/queues/:queue/jobs/:job_id/retry
// Moves a dead-lettered job back to waiting with a fresh attempt budget
func (h *JobHandler) RetryJob(c *gin.Context) {
	queueName, ok := h.queueParam(c)
	if !ok {
		return
	}
	jobID := c.Param("job_id")

	err := h.queue.Retry(c.Request.Context(), queueName, jobID)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return
	case errors.Is(err, queue.ErrJobNotDead):
		c.JSON(http.StatusConflict, gin.H{
			"error": "only dead jobs can be retried",
		})
		return
	default:
		h.logger.Error("Failed to retry job", slog.String("job_id", jobID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retry job",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"queue":  queueName,
		"state":  queue.StateWaiting,
	})
}

func (h *JobHandler) queueParam(c *gin.Context) (string, bool) {
	name := c.Param("queue")
	if !h.queues[name] {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "unknown queue",
		})
		return "", false
	}
	return name, true
}
