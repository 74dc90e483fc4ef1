package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"optiver-forecast/config"
	models "optiver-forecast/database/models_pkg"
	"optiver-forecast/logger"
)

// WebhookManager posts job outcomes to the configured webhooks
type WebhookManager struct {
	urls       []string
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	client     *http.Client
	log        *logger.Logger
}

// WebhookPayload represents the JSON payload sent to webhooks
type WebhookPayload struct {
	JobID      string          `json:"job_id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Message    string          `json:"message"`
}

// NewWebhookManager creates a new webhook manager
func NewWebhookManager(cfg config.NotificationsConfig, log *logger.Logger) *WebhookManager {
	if log == nil {
		log = logger.NewNop()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookManager{
		urls:       cfg.WebhookURLs,
		timeout:    timeout,
		retries:    cfg.Retries,
		retryDelay: time.Second,
		client:     &http.Client{},
		log:        log,
	}
}

// Enabled reports whether any webhook is configured.
func (wm *WebhookManager) Enabled() bool {
	return wm != nil && len(wm.urls) > 0
}

// Notify delivers the job outcome to every webhook and waits for all
// deliveries. Failures are logged, never returned.
func (wm *WebhookManager) Notify(ctx context.Context, job *models.Job) {
	if !wm.Enabled() {
		return
	}

	body, err := json.Marshal(CreatePayload(job))
	if err != nil {
		wm.log.Warn("failed to marshal webhook payload", logger.NewField("job_id", job.ID), logger.NewField("error", err.Error()))
		return
	}

	var wg sync.WaitGroup
	for _, url := range wm.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			wm.deliver(ctx, url, job.ID, body)
		}(url)
	}
	wg.Wait()
}

// CreatePayload generates the webhook payload from a finished job
func CreatePayload(job *models.Job) WebhookPayload {
	p := WebhookPayload{
		JobID:      job.ID,
		Kind:       job.Kind,
		Status:     job.Status,
		Attempts:   job.Attempts,
		Error:      job.Error,
		FinishedAt: job.FinishedAt,
	}
	if job.Result != "" && json.Valid([]byte(job.Result)) {
		p.Result = json.RawMessage(job.Result)
	}

	switch job.Status {
	case models.JobSucceeded:
		p.Message = fmt.Sprintf("%s job %s succeeded after %d attempt(s)", job.Kind, job.ID, job.Attempts)
	case models.JobFailed:
		p.Message = fmt.Sprintf("%s job %s failed: %s", job.Kind, job.ID, job.Error)
	default:
		p.Message = fmt.Sprintf("%s job %s is %s", job.Kind, job.ID, job.Status)
	}
	return p
}

func (wm *WebhookManager) deliver(ctx context.Context, url, jobID string, payload []byte) {
	attempts := wm.retries
	if attempts <= 0 {
		attempts = 1
	}
	log := wm.log.WithFields(logger.NewField("url", url), logger.NewField("job_id", jobID))

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = wm.post(ctx, url, payload)
		if lastErr == nil {
			log.Debug("webhook delivered", logger.NewField("attempt", attempt))
			return
		}
		log.Warn("webhook delivery failed",
			logger.NewField("attempt", attempt),
			logger.NewField("max_attempts", attempts),
			logger.NewField("error", lastErr.Error()),
		)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wm.retryDelay):
			}
		}
	}
}

// post sends one request bounded by the per-webhook timeout.
func (wm *WebhookManager) post(ctx context.Context, url string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, wm.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Optiver-Trainer/1.0")

	resp, err := wm.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
