package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/amplify-security/analytics-bridge/analytics"
	"github.com/amplify-security/analytics-bridge/host"
	sqsReceiver "github.com/amplify-security/analytics-bridge/receiver/sqs"
	"github.com/amplify-security/analytics-bridge/sdk"
	"github.com/amplify-security/analytics-bridge/transmitter/logsink"
	"github.com/amplify-security/analytics-bridge/transmitter/sqs"
	"github.com/amplify-security/analytics-bridge/transmitter/webhook"
	"github.com/amplify-security/probe/pool"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsSQS "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	TransmitterLog     = "log"
	TransmitterWebhook = "webhook"
	TransmitterSQS     = "sqs"
)

type (
	Config struct {
		AppSecret                    string        `split_words:"true" required:"true"`
		AppName                      string        `split_words:"true" default:"analytics-bridge"`
		AppVersion                   string        `split_words:"true"`
		StartEnabled                 bool          `default:"true" split_words:"true"`
		EnableColorizedLogging       bool          `default:"false" split_words:"true"`
		EnableStatLog                bool          `default:"false" split_words:"true"`
		StatLogTimer                 time.Duration `default:"120s" split_words:"true"`
		ListenAddress                string        `default:":8080" split_words:"true"`
		RequestTimeout               time.Duration `default:"30s" split_words:"true"`
		ShutdownTimeout              time.Duration `default:"10s" split_words:"true"`
		Transmitter                  string        `default:"log"`
		EventQueueSize               int           `default:"256" split_words:"true"`
		TransmitWorkers              int           `default:"1" split_words:"true"`
		MaxTransmitRetries           int           `default:"3" split_words:"true"`
		SQSEndpoint                  string        `envconfig:"SQS_ENDPOINT"`
		SQSQueueName                 string        `envconfig:"SQS_QUEUE_NAME"`
		SQSRetryAfter                time.Duration `envconfig:"SQS_RETRY_AFTER" default:"5s"`
		SQSReceiverQueueName         string        `envconfig:"SQS_RECEIVER_QUEUE_NAME"`
		SQSReceivers                 int           `envconfig:"SQS_RECEIVERS" default:"1"`
		SQSReceiverWorkers           int           `envconfig:"SQS_RECEIVER_WORKERS" default:"0"`
		SQSBatchSize                 int           `envconfig:"SQS_BATCH_SIZE" default:"10"`
		SQSRetryVisibilityTimeout    int           `envconfig:"SQS_RETRY_VISIBILITY_TIMEOUT" default:"30"`
		SQSMaxReceiveCount           int           `envconfig:"SQS_MAX_RECEIVE_COUNT" default:"5"`
		WebhookEndpoint              string        `default:"http://localhost:9000" split_words:"true"`
		WebhookTLSInsecureSkipVerify bool          `envconfig:"WEBHOOK_TLS_INSECURE_SKIP_VERIFY" default:"false"`
		WebhookDefaultContentType    string        `default:"application/json" split_words:"true"`
		WebhookRequestTimeout        time.Duration `default:"60s" split_words:"true"`
		WebhookHealthCheckEndpoint   string        `split_words:"true"`
		WebhookOfflineThresholdCount int           `default:"5" split_words:"true"`
		WebhookHealthCheckInterval   time.Duration `default:"60s" split_words:"true"`
		WebhookHealthCheckTimeout    time.Duration `default:"10s" split_words:"true"`
	}

	// EventQueue reports the number of events waiting to be transmitted.
	EventQueue interface {
		Pending() int
	}

	// StatLogger is a utility for logging runtime statistics.
	StatLogger struct {
		ticker *time.Ticker
		log    *slog.Logger
		queue  EventQueue
		ctx    context.Context
	}

	// StatLoggerConfig encapsulates all configuration settings for the StatLogger.
	StatLoggerConfig struct {
		Ticker     *time.Ticker
		LogHandler slog.Handler
		Queue      EventQueue
		Ctx        context.Context
	}
)

// NewStatLogger initializes and returns a new StatLogger.
func NewStatLogger(cfg *StatLoggerConfig) *StatLogger {
	return &StatLogger{
		ticker: cfg.Ticker,
		log:    slog.New(cfg.LogHandler).With("source", "main.StatLogger"),
		queue:  cfg.Queue,
		ctx:    cfg.Ctx,
	}
}

// Run executes the execution loop of the StatLogger.
func (l *StatLogger) Run() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			l.log.Info("stats", "goroutines", runtime.NumGoroutine(), "memory", humanize.Bytes(m.Sys),
				"pending_events", l.queue.Pending())
		}
	}
}

// newSQSClient loads the default AWS configuration and returns an SQS client.
func newSQSClient(ctx context.Context, envCfg *Config) (*awsSQS.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsSQS.NewFromConfig(awsCfg, func(o *awsSQS.Options) {
		if envCfg.SQSEndpoint != "" {
			o.BaseEndpoint = aws.String(envCfg.SQSEndpoint)
		}
	}), nil
}

// newTransmitter builds the event transmitter selected by the configuration.
func newTransmitter(ctx context.Context, envCfg *Config, logHandler slog.Handler) (sdk.Transmitter, error) {
	switch envCfg.Transmitter {
	case TransmitterLog:
		return logsink.NewTransmitter(&logsink.TransmitterConfig{
			LogHandler: logHandler,
			Level:      slog.LevelInfo,
		}), nil
	case TransmitterWebhook:
		return webhook.NewTransmitter(&webhook.TransmitterConfig{
			Endpoint:              envCfg.WebhookEndpoint,
			TLSInsecureSkipVerify: envCfg.WebhookTLSInsecureSkipVerify,
			DefaultContentType:    envCfg.WebhookDefaultContentType,
			RequestTimeout:        envCfg.WebhookRequestTimeout,
			Ctx:                   ctx,
		}), nil
	case TransmitterSQS:
		sqsClient, err := newSQSClient(ctx, envCfg)
		if err != nil {
			return nil, err
		}
		t, err := sqs.NewTransmitter(&sqs.TransmitterConfig{
			LogHandler:   logHandler,
			SQSClient:    sqsClient,
			SQSQueueName: envCfg.SQSQueueName,
			RetryAfter:   envCfg.SQSRetryAfter,
			Ctx:          ctx,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transmitter %q", envCfg.Transmitter)
	}
}

// main entry point
func main() {
	var envCfg Config
	var logHandler slog.Handler
	if err := envconfig.Process("bridge", &envCfg); err != nil {
		panic(err)
	}
	if envCfg.EnableColorizedLogging {
		logHandler = tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	log := slog.New(logHandler).With("source", "main")
	ctx, cancel := context.WithCancel(context.Background())
	tx, err := newTransmitter(ctx, &envCfg, logHandler)
	if err != nil {
		log.Error("failed to create transmitter", "transmitter", envCfg.Transmitter, "error", err)
		panic(err)
	}
	ctrl := make(chan os.Signal, 1)
	state := make(chan webhook.EndpointState, 1)
	serverErr := make(chan error, 1)
	signal.Notify(ctrl, os.Interrupt)
	healthCheck := envCfg.Transmitter == TransmitterWebhook && envCfg.WebhookHealthCheckEndpoint != ""
	size := 1
	if envCfg.EnableStatLog {
		size++
	}
	if healthCheck {
		size++
	}
	if envCfg.SQSReceiverQueueName != "" {
		size += envCfg.SQSReceivers
	}
	p := pool.NewPool(&pool.PoolConfig{
		LogHandler: logHandler,
		Ctx:        ctx,
		Size:       size,
	})
	if healthCheck {
		// wait for the webhook before accepting events
		checker := webhook.NewHealthChecker(&webhook.HealthCheckerConfig{
			LogHandler:            logHandler,
			WebhookEndpoint:       envCfg.WebhookEndpoint,
			HealthCheckEndpoint:   envCfg.WebhookHealthCheckEndpoint,
			Interval:              envCfg.WebhookHealthCheckInterval,
			Timeout:               envCfg.WebhookHealthCheckTimeout,
			OfflineThresholdCount: envCfg.WebhookOfflineThresholdCount,
			TLSInsecureSkipVerify: envCfg.WebhookTLSInsecureSkipVerify,
			Ctrl:                  state,
			Ctx:                   ctx,
		})
		p.Run(checker.Run)
		select {
		case <-state:
		case <-ctrl:
			cancel()
			p.Stop(true)
			return
		}
	}
	core := sdk.NewCore(&sdk.CoreConfig{
		LogHandler: logHandler,
		Ctx:        ctx,
	})
	module := sdk.NewAnalytics(&sdk.AnalyticsConfig{
		LogHandler:  logHandler,
		Transmitter: tx,
		QueueSize:   envCfg.EventQueueSize,
		Workers:     envCfg.TransmitWorkers,
		MaxRetries:  envCfg.MaxTransmitRetries,
	})
	bridge, err := analytics.New(&analytics.BridgeConfig{
		LogHandler: logHandler,
		Core:       core,
		Analytics:  module,
		App: sdk.AppContext{
			Secret:  envCfg.AppSecret,
			Name:    envCfg.AppName,
			Version: envCfg.AppVersion,
		},
		StartEnabled: envCfg.StartEnabled,
	})
	if err != nil {
		log.Error("failed to initialize analytics bridge", "error", err)
		panic(err)
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	server, err := host.NewServer(&host.ServerConfig{
		LogHandler:     logHandler,
		Bridge:         bridge,
		Registry:       registry,
		RequestTimeout: envCfg.RequestTimeout,
	})
	if err != nil {
		log.Error("failed to create host server", "error", err)
		panic(err)
	}
	httpServer := &http.Server{
		Addr:              envCfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.Run(func() {
		log.Info("listening", "address", envCfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	})
	if envCfg.SQSReceiverQueueName != "" {
		// replay track messages from the receiver queue
		sqsClient, err := newSQSClient(ctx, &envCfg)
		if err != nil {
			log.Error("failed to create SQS client", "error", err)
			panic(err)
		}
		for range envCfg.SQSReceivers {
			receiver, err := sqsReceiver.NewReceiver(&sqsReceiver.ReceiverConfig{
				LogHandler:             logHandler,
				SQSClient:              sqsClient,
				SQSQueueName:           envCfg.SQSReceiverQueueName,
				BatchSize:              envCfg.SQSBatchSize,
				MaxWorkers:             envCfg.SQSReceiverWorkers,
				RetryVisibilityTimeout: envCfg.SQSRetryVisibilityTimeout,
				MaxReceiveCount:        envCfg.SQSMaxReceiveCount,
				Tracker:                bridge,
				Ctx:                    ctx,
			})
			if err != nil {
				log.Error("failed to create SQS receiver", "queue_name", envCfg.SQSReceiverQueueName, "error", err)
				panic(err)
			}
			p.Run(receiver.Rx)
		}
	}
	ticker := time.NewTicker(envCfg.StatLogTimer)
	if envCfg.EnableStatLog {
		// start stat log
		statLogger := NewStatLogger(&StatLoggerConfig{
			Ticker:     ticker,
			LogHandler: logHandler,
			Queue:      module,
			Ctx:        ctx,
		})
		p.Run(statLogger.Run)
	}
	// wait for shutdown, a server failure or webhook to go offline
	select {
	case <-ctrl:
	case <-state:
	case err := <-serverErr:
		log.Error("host server failed", "error", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), envCfg.ShutdownTimeout)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shut down host server", "error", err)
	}
	shutdownCancel()
	ticker.Stop()
	cancel()
	core.Stop()
	p.Stop(true)
}
