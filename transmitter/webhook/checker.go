package webhook

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"
)

const (
	// EndpointStateOnline represents an online endpoint.
	EndpointStateOnline EndpointState = iota
	// EndpointStateOffline represents an offline endpoint.
	EndpointStateOffline
)

type (
	// EndpointState represents the state of a webhook endpoint.
	EndpointState int

	// HealthChecker polls the health endpoint of an event webhook and reports state transitions
	// on its control channel.
	HealthChecker struct {
		log                   *slog.Logger
		webhookEndpoint       string
		endpoint              string
		client                HTTPRequestDoer
		currentState          EndpointState
		offlineThresholdCount int
		offlineCount          int
		ticker                *time.Ticker
		ctrl                  chan EndpointState
		ctx                   context.Context
	}

	// HealthCheckerConfig encapsulates all configuration settings for the HealthChecker.
	HealthCheckerConfig struct {
		LogHandler            slog.Handler
		WebhookEndpoint       string
		HealthCheckEndpoint   string
		Interval              time.Duration
		Timeout               time.Duration
		OfflineThresholdCount int
		TLSInsecureSkipVerify bool
		Ctrl                  chan EndpointState
		Ctx                   context.Context
	}
)

// String implementation of the fmt.Stringer interface for EndpointState.
func (s EndpointState) String() string {
	if s == EndpointStateOnline {
		return "online"
	}
	return "offline"
}

// NewHealthChecker initializes and returns a new HealthChecker. The endpoint is assumed offline
// until the first successful check.
func NewHealthChecker(c *HealthCheckerConfig) *HealthChecker {
	return &HealthChecker{
		log:             slog.New(c.LogHandler).With("source", "webhook.HealthChecker"),
		endpoint:        c.HealthCheckEndpoint,
		webhookEndpoint: c.WebhookEndpoint,
		client: &http.Client{
			Timeout: c.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: c.TLSInsecureSkipVerify,
					MinVersion:         tls.VersionTLS13,
				},
			},
		},
		currentState:          EndpointStateOffline,
		offlineThresholdCount: c.OfflineThresholdCount,
		ticker:                time.NewTicker(c.Interval),
		ctrl:                  c.Ctrl,
		ctx:                   c.Ctx,
	}
}

// probe sends a GET request to the health endpoint and returns the observed endpoint state.
func (c *HealthChecker) probe() (EndpointState, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return EndpointStateOffline, err
	}
	resp, err := c.client.Do(req)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return EndpointStateOffline, err
	}
	if resp.StatusCode == http.StatusOK {
		return EndpointStateOnline, nil
	}
	return EndpointStateOffline, nil
}

// observe updates the checker with a probed state and returns true when the reported state changed.
func (c *HealthChecker) observe(state EndpointState) bool {
	if state == EndpointStateOnline {
		c.offlineCount = 0
		if c.currentState == EndpointStateOnline {
			return false
		}
		c.currentState = EndpointStateOnline
		return true
	}
	if c.currentState == EndpointStateOffline {
		// still waiting for the endpoint to come up
		return false
	}
	c.offlineCount++
	if c.offlineCount < c.offlineThresholdCount {
		return false
	}
	c.currentState = EndpointStateOffline
	return true
}

// Run starts the execution loop for HealthChecker. The control channel is closed when the
// context is done.
func (c *HealthChecker) Run() {
	for {
		select {
		case <-c.ctx.Done():
			c.ticker.Stop()
			close(c.ctrl)
			return
		case <-c.ticker.C:
			state, err := c.probe()
			if err != nil {
				c.log.Debug("health check failed", "endpoint", c.endpoint, "error", err)
			}
			if !c.observe(state) {
				continue
			}
			if state == EndpointStateOnline {
				c.log.Info("webhook online", "endpoint", c.webhookEndpoint)
			} else {
				c.log.Warn("webhook offline", "endpoint", c.webhookEndpoint, "failed_checks", c.offlineCount)
			}
			select {
			case c.ctrl <- state:
			case <-c.ctx.Done():
			}
		}
	}
}
