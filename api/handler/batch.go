package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/use-agent/pubcrawl/config"
	"github.com/use-agent/pubcrawl/engine"
	"github.com/use-agent/pubcrawl/models"
	"github.com/use-agent/pubcrawl/session"
	"github.com/use-agent/pubcrawl/webhook"
)

// batchJob is one batch and its per-target results. Results are written by
// the batch's workers, so every access goes through mu.
type batchJob struct {
	mu        sync.Mutex
	id        string
	status    string
	total     int
	completed int
	failed    int
	results   []*models.CaptureResponse
	createdAt time.Time
}

func (j *batchJob) record(idx int, resp *models.CaptureResponse) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.results[idx] = resp
	j.completed++
	if !resp.Success {
		j.failed++
	}
}

func (j *batchJob) finish() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.failed == j.total:
		j.status = models.BatchFailed
	case j.failed > 0:
		j.status = models.BatchPartial
	default:
		j.status = models.BatchCompleted
	}
	return j.status
}

func (j *batchJob) snapshot() models.BatchStatusResponse {
	j.mu.Lock()
	defer j.mu.Unlock()
	results := make([]*models.CaptureResponse, len(j.results))
	copy(results, j.results)
	return models.BatchStatusResponse{
		ID:        j.id,
		Status:    j.status,
		Completed: j.completed,
		Total:     j.total,
		Results:   results,
	}
}

// BatchStore holds in-flight and finished batch jobs. Finished jobs are
// dropped once they are older than the TTL.
type BatchStore struct {
	mu   sync.RWMutex
	jobs map[string]*batchJob
	ttl  time.Duration
	now  func() time.Time
}

// NewBatchStore returns an empty store keeping jobs for ttl.
func NewBatchStore(ttl time.Duration) *BatchStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &BatchStore{jobs: make(map[string]*batchJob), ttl: ttl, now: time.Now}
}

func (s *BatchStore) put(job *batchJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.id] = job
}

func (s *BatchStore) get(id string) (*batchJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok
}

// Sweep removes jobs created before the TTL and returns how many it dropped.
func (s *BatchStore) Sweep() int {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, job := range s.jobs {
		if job.createdAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

// RunJanitor sweeps expired jobs every interval until ctx is done.
func (s *BatchStore) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				slog.Debug("expired batch jobs removed", "count", n)
			}
		}
	}
}

// PostBatch returns a handler for POST /api/v1/batch/capture.
// It validates every target up front, stores the job and captures the
// targets in the background. Concurrency is bounded by the runner.
//
// hosts and notifier may be nil.
func PostBatch(runner *session.Runner, defaults config.CaptureConfig, store *BatchStore, hosts *engine.HostMemory, notifier *webhook.Notifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.BatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.CaptureResponse{
				Success: false,
				Error: &models.ErrorDetail{
					Code:    models.ErrCodeInvalidInput,
					Message: err.Error(),
				},
			})
			return
		}
		defaults.Apply(&req.Options)

		targets := make([]models.Target, len(req.Targets))
		for i, t := range req.Targets {
			target, err := models.NewTarget(t.URL, t.Pattern, escalate(hosts, t.URL, req.Options))
			if err != nil {
				respondError(c, err)
				return
			}
			targets[i] = target
		}

		job := &batchJob{
			id:        "batch-" + uuid.NewString(),
			status:    models.BatchProcessing,
			total:     len(targets),
			results:   make([]*models.CaptureResponse, len(targets)),
			createdAt: store.now(),
		}
		store.put(job)

		go runBatch(runner, job, targets, hosts, notifier, req.WebhookURL, req.WebhookSecret)

		c.JSON(http.StatusAccepted, models.BatchResponse{
			ID:     job.id,
			Status: models.BatchProcessing,
			Total:  job.total,
		})
	}
}

// GetBatch returns a handler for GET /api/v1/batch/:id.
func GetBatch(store *BatchStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, ok := store.get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, models.CaptureResponse{
				Success: false,
				Error: &models.ErrorDetail{
					Code:    models.ErrCodeNotFound,
					Message: "batch job not found",
				},
			})
			return
		}
		c.JSON(http.StatusOK, job.snapshot())
	}
}

// runBatch captures every target as its own session, then fires the
// completion webhook if one was requested.
func runBatch(runner *session.Runner, job *batchJob, targets []models.Target, hosts *engine.HostMemory, notifier *webhook.Notifier, hookURL, hookSecret string) {
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(idx int, t models.Target) {
			defer wg.Done()
			report, err := runner.Capture(context.Background(), t)
			remember(hosts, t.URL, report, err)
			_, resp := captureResult(report, err)
			job.record(idx, resp)
		}(i, target)
	}
	wg.Wait()

	status := job.finish()
	snap := job.snapshot()
	slog.Info("batch job finished",
		"id", job.id,
		"status", status,
		"completed", snap.Completed,
		"total", snap.Total,
	)

	if hookURL != "" && notifier != nil {
		notifier.DeliverAsync(hookURL, hookSecret, &webhook.Event{
			Type:      webhook.EventBatchCompleted,
			JobID:     job.id,
			Timestamp: time.Now().Unix(),
			Data:      snap,
		})
	}
}
