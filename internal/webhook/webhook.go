package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/config"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/metrics"
	"github.com/therealutkarshpriyadarshi/hlsmux/pkg/models"
)

const (
	DefaultTimeout = 10 * time.Second

	// RetryBackoff is doubled after every failed attempt
	RetryBackoff = time.Second

	maxResponseBody = 4096

	// MaxRecordedDeliveries bounds the in-memory delivery history
	MaxRecordedDeliveries = 100
)

// Service delivers task notifications to the configured endpoints
type Service struct {
	client     *http.Client
	urls       []string
	secret     string
	maxRetries int
	backoff    time.Duration
	logger     *logging.Logger

	mu         sync.Mutex
	deliveries []models.WebhookDelivery
}

// NewService creates a new webhook service
func NewService(cfg config.WebhookConfig, logger *logging.Logger) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Service{
		client: &http.Client{
			Timeout: timeout,
		},
		urls:       cfg.URLs,
		secret:     cfg.Secret,
		maxRetries: maxRetries,
		backoff:    RetryBackoff,
		logger:     logger,
	}
}

// Enabled reports whether any endpoint is configured
func (s *Service) Enabled() bool {
	return len(s.urls) > 0
}

// Notify sends a webhook notification for an event to every endpoint. It
// returns once each delivery succeeded or exhausted its retries.
func (s *Service) Notify(ctx context.Context, event string, data interface{}) error {
	if !s.Enabled() {
		return nil
	}

	payload := models.WebhookEvent{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, url := range s.urls {
		url := url
		g.Go(func() error {
			delivery := s.deliver(ctx, url, event, payloadBytes)
			s.record(delivery)
			if delivery.Status != models.WebhookDeliveryStatusDelivered {
				mu.Lock()
				errs = append(errs, fmt.Errorf("webhook %s: %s", url, delivery.LastError))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return errors.Join(errs...)
}

// NotifyTask sends a task event built from the task record
func (s *Service) NotifyTask(ctx context.Context, event string, task *models.Task) error {
	return s.Notify(ctx, event, models.TaskEventData{
		TaskID:    task.ID,
		URL:       task.URL,
		Status:    task.Status,
		Total:     task.Total,
		Completed: task.Completed,
		Failed:    task.Failed,
		OutputURL: task.OutputURL,
		Error:     task.ErrorMsg,
	})
}

// Deliveries returns the outcome of the most recent deliveries, oldest first
func (s *Service) Deliveries() []models.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WebhookDelivery, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}

func (s *Service) record(d models.WebhookDelivery) {
	s.mu.Lock()
	s.deliveries = append(s.deliveries, d)
	if n := len(s.deliveries) - MaxRecordedDeliveries; n > 0 {
		s.deliveries = append(s.deliveries[:0], s.deliveries[n:]...)
	}
	s.mu.Unlock()
}

// deliver posts payload to url, retrying with exponential backoff
func (s *Service) deliver(ctx context.Context, url, event string, payload []byte) models.WebhookDelivery {
	delivery := models.WebhookDelivery{
		ID:        uuid.New().String(),
		URL:       url,
		Event:     event,
		Status:    models.WebhookDeliveryStatusPending,
		CreatedAt: time.Now(),
	}

	delay := s.backoff
	for attempt := 0; ; attempt++ {
		code, err := s.send(ctx, url, delivery.ID, event, payload)
		delivery.StatusCode = code
		if err == nil {
			delivery.Status = models.WebhookDeliveryStatusDelivered
			delivery.LastError = ""
			break
		}
		delivery.LastError = err.Error()

		if attempt >= s.maxRetries {
			delivery.Status = models.WebhookDeliveryStatusFailed
			metrics.RecordError("webhook", "delivery")
			s.logger.WithField("url", url).WithError(err).Warnf("webhook %s failed after %d attempts", event, attempt+1)
			break
		}
		delivery.RetryCount++

		select {
		case <-ctx.Done():
			delivery.Status = models.WebhookDeliveryStatusFailed
			delivery.LastError = ctx.Err().Error()
			now := time.Now()
			delivery.CompletedAt = &now
			return delivery
		case <-time.After(delay):
		}
		delay *= 2
	}

	now := time.Now()
	delivery.CompletedAt = &now
	return delivery
}

func (s *Service) send(ctx context.Context, url, deliveryID, event string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hlsmux-webhook/1.0")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Delivery", deliveryID)

	// Add HMAC signature if secret is configured
	if s.secret != "" {
		req.Header.Set("X-Webhook-Signature", generateSignature(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return resp.StatusCode, nil
}

// generateSignature generates HMAC-SHA256 signature for webhook payload
func generateSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature produced by generateSignature
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(generateSignature(payload, secret)), []byte(signature))
}
