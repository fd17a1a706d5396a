package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// WebhookExporter delivers batches of notifications to an operator webhook.
type WebhookExporter struct {
	config     WebhookConfig
	httpClient *http.Client

	mu    sync.Mutex
	batch []Notification

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// WebhookConfig holds webhook delivery settings
type WebhookConfig struct {
	URL           string        `json:"url"`
	APIKey        string        `json:"api_key,omitempty"`
	BatchSize     int           `json:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// NewWebhookExporter creates an exporter and subscribes it to the hub. The
// exporter batches notifications and flushes on size or interval.
func NewWebhookExporter(cfg WebhookConfig, hub *Hub) *WebhookExporter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 3 * time.Second
	retryClient.Logger = nil

	e := &WebhookExporter{
		config:     cfg,
		httpClient: retryClient.StandardClient(),
		done:       make(chan struct{}),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	hub.Subscribe(e.add)
	go e.loop()

	logrus.Infof("Webhook notification exporter initialized for %s", cfg.URL)
	return e
}

// add appends a notification to the batch, flushing when full.
func (e *WebhookExporter) add(n Notification) {
	e.mu.Lock()
	e.batch = append(e.batch, n)
	full := len(e.batch) >= e.config.BatchSize
	e.mu.Unlock()

	if full {
		go e.flush()
	}
}

// loop flushes the batch on a fixed interval until Close.
func (e *WebhookExporter) loop() {
	defer close(e.done)
	ticker := time.NewTicker(e.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.flush()
		case <-e.ctx.Done():
			e.flush()
			return
		}
	}
}

// flush posts the pending batch to the webhook.
func (e *WebhookExporter) flush() {
	e.mu.Lock()
	if len(e.batch) == 0 {
		e.mu.Unlock()
		return
	}
	pending := e.batch
	e.batch = nil
	e.mu.Unlock()

	payload, err := json.Marshal(map[string]interface{}{
		"source":        "vault-sentinel",
		"notifications": pending,
		"exported_at":   time.Now().Unix(),
	})
	if err != nil {
		logrus.Warnf("Failed to marshal notification batch: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, e.config.URL, bytes.NewReader(payload))
	if err != nil {
		logrus.Warnf("Failed to build webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		logrus.Warnf("Webhook delivery failed, dropping %d notifications: %v", len(pending), err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logrus.Warnf("Webhook delivery rejected: %s", fmt.Sprintf("status %d", resp.StatusCode))
		return
	}
	logrus.Debugf("Delivered %d notifications to webhook", len(pending))
}

// Close stops the exporter after a final flush.
func (e *WebhookExporter) Close() {
	e.cancel()
	<-e.done
}
