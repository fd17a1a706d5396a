// Package main is the entry point for Vault Sentinel, a client-side monitor
// that watches escrow vault contracts across EVM networks and submits
// withdrawals automatically once their unlock conditions are met.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/vault-sentinel/internal/config"
	"github.com/yourorg/vault-sentinel/internal/executor"
	"github.com/yourorg/vault-sentinel/internal/failover"
	"github.com/yourorg/vault-sentinel/internal/monitor"
	"github.com/yourorg/vault-sentinel/internal/notify"
	"github.com/yourorg/vault-sentinel/internal/otel"
	"github.com/yourorg/vault-sentinel/internal/ratelimit"
	"github.com/yourorg/vault-sentinel/internal/summary"
	"github.com/yourorg/vault-sentinel/internal/throttle"
	"github.com/yourorg/vault-sentinel/internal/vault"
	"github.com/yourorg/vault-sentinel/internal/wallet"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// Server hosts the status API over the per-network monitors.
type Server struct {
	// Application configuration
	cfg config.Config

	// Monitors keyed by chain id
	monitors map[uint64]*monitor.Monitor

	// Notification fan-out
	hub *notify.Hub

	// Token-bucket admission control for the status API
	apiLimit *rate.Limiter

	// HTTP server instance
	server *http.Server

	// Metrics registry
	metrics *serverMetrics
}

// serverMetrics holds the Prometheus instruments for the service
type serverMetrics struct {
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rpcFailovers    *prometheus.CounterVec
	rpcExhausted    *prometheus.CounterVec
	evaluations     *prometheus.CounterVec
	withdrawals     *prometheus.CounterVec
	trackedVaults   prometheus.Gauge
	completedVaults prometheus.Gauge
}

// registerMetrics sets up Prometheus metrics collection
func registerMetrics() *serverMetrics {
	m := &serverMetrics{
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_requests_total",
				Help: "Total number of status API requests processed",
			},
			[]string{"endpoint", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_request_duration_seconds",
				Help:    "Status API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		rpcFailovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_rpc_failovers_total",
				Help: "Total number of RPC endpoint failovers",
			},
			[]string{"network", "class"},
		),
		rpcExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_rpc_exhausted_total",
				Help: "Total number of calls that exhausted every RPC endpoint",
			},
			[]string{"network"},
		),
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_evaluations_total",
				Help: "Total number of vault evaluations by outcome",
			},
			[]string{"network", "outcome"},
		),
		withdrawals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_withdrawals_total",
				Help: "Total number of withdrawal submissions by status",
			},
			[]string{"network", "status"},
		),
		trackedVaults: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_tracked_vaults",
				Help: "Number of vaults currently tracked",
			},
		),
		completedVaults: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_completed_vaults",
				Help: "Number of vaults drained this session",
			},
		),
	}

	prometheus.MustRegister(
		m.requestCounter,
		m.requestDuration,
		m.rpcFailovers,
		m.rpcExhausted,
		m.evaluations,
		m.withdrawals,
		m.trackedVaults,
		m.completedVaults,
	)

	return m
}

// main is the entry point for the application
func main() {
	setupLogging()

	cfg := config.Load()
	shutdownTracer := otel.InitTracer(cfg)
	defer shutdownTracer()

	metrics := registerMetrics()

	// A nil signer runs the monitor in watch-only mode: vault state is
	// resolved and reported, but no withdrawals are submitted
	var signer *wallet.Signer
	if cfg.SignerKey != "" {
		s, err := wallet.NewSigner(cfg.SignerKey)
		if err != nil {
			logrus.Fatalf("Invalid signer key: %v", err)
		}
		signer = s
		logrus.WithField("address", s.Address().Hex()).Info("Withdrawal signer loaded")
	} else {
		logrus.Warn("No signer configured, running in watch-only mode")
	}

	hub := notify.NewHub()
	var webhook *notify.WebhookExporter
	if cfg.WebhookURL != "" {
		webhook = notify.NewWebhookExporter(notify.WebhookConfig{
			URL:    cfg.WebhookURL,
			APIKey: cfg.WebhookAPIKey,
		}, hub)
	}

	gate := throttle.New(cfg.MaxAttempts, cfg.Cooldown)

	monitors := make(map[uint64]*monitor.Monitor, len(cfg.Networks))
	for chainID, profile := range cfg.Networks {
		limiter := ratelimit.New(cfg.MaxRequests, cfg.RequestWindow)
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "sentinel_rpc_budget_remaining",
			Help:        "Remaining calls in the current outgoing RPC admission window",
			ConstLabels: prometheus.Labels{"network": string(profile.Name)},
		}, func() float64 {
			return float64(limiter.Remaining())
		}))
		client := failover.New(profile, limiter).WithMetrics(failover.Metrics{
			Failovers: metrics.rpcFailovers,
			Exhausted: metrics.rpcExhausted,
		})
		resolver := vault.NewResolver(client, profile)
		exec := executor.New(client, resolver, signer, cfg.ConfirmTimeout)

		mon := monitor.New(monitor.Options{
			Profile:      profile,
			Owner:        cfg.Owner,
			Resolver:     resolver,
			Executor:     exec,
			Events:       client,
			Gate:         gate,
			Hub:          hub,
			PollInterval: cfg.PollInterval,
			EvalTimeout:  2*cfg.CallTimeout + cfg.ConfirmTimeout,
			Metrics: monitor.Metrics{
				Evaluations: metrics.evaluations,
				Withdrawals: metrics.withdrawals,
				Tracked:     metrics.trackedVaults,
				Completed:   metrics.completedVaults,
			},
		})
		mon.Start()
		monitors[chainID] = mon
	}

	server := &Server{
		cfg:      cfg,
		monitors: monitors,
		hub:      hub,
		apiLimit: rate.NewLimiter(rate.Limit(cfg.APIRateRPS), cfg.APIRateBurst),
		metrics:  metrics,
	}
	server.Start()

	// Teardown order: stop accepting triggers first, flush notifications last
	for _, mon := range monitors {
		mon.Stop()
	}
	if webhook != nil {
		webhook.Close()
	}
	logrus.Info("Vault Sentinel stopped")
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// Start begins the HTTP server and blocks until a shutdown signal arrives.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.instrument("health", s.handleHealth))
	mux.HandleFunc("/status", s.instrument("status", s.handleStatus))
	mux.HandleFunc("/vaults", s.instrument("vaults", s.handleVaults))
	mux.HandleFunc("/notifications", s.instrument("notifications", s.handleNotifications))
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Status API listening on port %s", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}
}

// instrument wraps a handler with rate limiting and request metrics.
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.apiLimit.Allow() {
			s.metrics.requestCounter.WithLabelValues(endpoint, "throttled").Inc()
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		start := time.Now()
		next(w, r)
		s.metrics.requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		s.metrics.requestCounter.WithLabelValues(endpoint, "success").Inc()
	}
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "OK",
		"version":   "1.0.0",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides the portfolio roll-up and scheduler state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	records := s.allRecords()
	portfolio := summary.Build(records)

	states := make(map[string]string)
	completed := 0
	for _, mon := range s.monitors {
		for addr, st := range mon.States() {
			states[addr.Hex()] = string(st)
		}
		completed += mon.CompletedCount()
	}

	status := map[string]interface{}{
		"status":          "operational",
		"uptime":          time.Since(startTime).String(),
		"version":         "1.0.0",
		"owner":           s.cfg.Owner.Hex(),
		"networks":        len(s.monitors),
		"portfolio":       portfolio,
		"median_progress": summary.MedianProgress(records),
		"states":          states,
		"completed":       completed,
		"configuration": map[string]interface{}{
			"poll_interval": s.cfg.PollInterval.String(),
			"max_attempts":  s.cfg.MaxAttempts,
			"cooldown":      s.cfg.Cooldown.String(),
			"watch_only":    s.cfg.SignerKey == "",
		},
	}

	if next := summary.NextUnlock(records, time.Now()); next != nil {
		status["next_unlock"] = map[string]interface{}{
			"vault": next.Address.Hex(),
			"at":    next.UnlockTime.UTC().Format(time.RFC3339),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleVaults lists the tracked vault records across all networks.
func (s *Server) handleVaults(w http.ResponseWriter, r *http.Request) {
	records := s.allRecords()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"vaults": records,
		"count":  len(records),
	})
}

// handleNotifications returns the most recent notifications.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"notifications": s.hub.Recent(50),
	})
}

func (s *Server) allRecords() []*vault.Record {
	var records []*vault.Record
	for _, mon := range s.monitors {
		records = append(records, mon.Vaults()...)
	}
	return records
}
