package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amplify-security/analytics-bridge/future"
	"github.com/amplify-security/analytics-bridge/transmitter"
	"github.com/amplify-security/probe/pool"
)

const (
	// AnalyticsModuleName is the name the Analytics module is registered under in the Core.
	AnalyticsModuleName = "Analytics"
	// DefaultQueueSize is the number of events buffered when AnalyticsConfig.QueueSize is unset.
	DefaultQueueSize = 256
)

var (
	ErrNotStarted = errors.New("analytics module not started")
)

type (
	// Transmitter interface defines the transmit API used to deliver encoded events. This interface
	// allows for mocking the transmitter in tests.
	Transmitter interface {
		Tx(io.Reader, transmitter.TransmitAttributes) error
	}

	// AnalyticsConfig encapsulates all configuration settings for the Analytics module.
	AnalyticsConfig struct {
		LogHandler  slog.Handler
		Transmitter Transmitter
		QueueSize   int
		Workers     int
		MaxRetries  int
	}

	// Analytics is the analytics module. Tracked events are queued and delivered by a pool of
	// workers through the configured Transmitter.
	Analytics struct {
		log         *slog.Logger
		logHandler  slog.Handler
		transmitter Transmitter
		queueSize   int
		workers     int
		maxRetries  int
		enabled     atomic.Bool
		mu          sync.RWMutex
		started     bool
		app         AppContext
		events      chan *Event
		cancel      context.CancelFunc
		pool        *pool.Pool
		targetsMu   sync.Mutex
		targets     map[string]*TransmissionTarget
	}

	// TransmissionTarget tracks events on behalf of a transmission target token.
	TransmissionTarget struct {
		token     string
		analytics *Analytics
	}

	// workerConfig encapsulates all configuration settings for the worker.
	workerConfig struct {
		Log         *slog.Logger
		Transmitter Transmitter
		MaxRetries  int
		Ctx         context.Context
		Work        chan *Event
	}

	// worker transmits events received on the work channel.
	worker struct {
		log         *slog.Logger
		transmitter Transmitter
		maxRetries  int
		ctx         context.Context
		work        chan *Event
	}
)

// newWorker initializes and returns a new worker.
func newWorker(c *workerConfig) *worker {
	return &worker{
		log:         c.Log,
		transmitter: c.Transmitter,
		maxRetries:  c.MaxRetries,
		ctx:         c.Ctx,
		work:        c.Work,
	}
}

// transmit encodes the event and sends it using the configured transmitter. Retryable errors are
// retried after the requested delay, up to maxRetries times.
func (w *worker) transmit(e *Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sdk.worker.transmit: %w", err)
	}
	attributes := e.attributes()
	for attempt := 0; ; attempt++ {
		err = w.transmitter.Tx(bytes.NewReader(body), attributes)
		if err == nil {
			return nil
		}
		var retryable *transmitter.TransmitRetryableError
		if !errors.As(err, &retryable) || attempt >= w.maxRetries {
			return err
		}
		w.log.Warn("retrying event transmit", "event_id", e.ID, "attempt", attempt+1, "retry_after", retryable.RetryAfter)
		select {
		case <-w.ctx.Done():
			return err
		case <-time.After(retryable.RetryAfter):
		}
	}
}

// handleEvents transmits events received on the work channel until the context is done.
func (w *worker) handleEvents() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case e := <-w.work:
			if err := w.transmit(e); err != nil {
				w.log.Error("failed to transmit event", "event_id", e.ID, "event_name", e.Name, "error", err)
			}
		}
	}
}

// NewAnalytics initializes and returns a new Analytics module. The module is enabled by default.
func NewAnalytics(c *AnalyticsConfig) *Analytics {
	queueSize := c.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	workers := c.Workers
	if workers <= 0 {
		workers = 1
	}
	a := &Analytics{
		log:         slog.New(c.LogHandler).With("source", "sdk.Analytics"),
		logHandler:  c.LogHandler,
		transmitter: c.Transmitter,
		queueSize:   queueSize,
		workers:     workers,
		maxRetries:  c.MaxRetries,
		targets:     make(map[string]*TransmissionTarget),
	}
	a.enabled.Store(true)
	return a
}

// Name implementation of the Module interface for Analytics.
func (a *Analytics) Name() string {
	return AnalyticsModuleName
}

// Start implementation of the Module interface for Analytics. Starts the transmit workers.
func (a *Analytics) Start(ctx context.Context, app AppContext) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("sdk.Analytics.Start: %w: %s", ErrModuleAlreadyStarted, AnalyticsModuleName)
	}
	events := make(chan *Event, a.queueSize)
	ctx, cancel := context.WithCancel(ctx)
	p := pool.NewPool(&pool.PoolConfig{
		LogHandler: a.logHandler,
		Size:       a.workers,
		BufferSize: a.workers,
		Ctx:        ctx,
	})
	for range a.workers {
		w := newWorker(&workerConfig{
			Log:         a.log,
			Transmitter: a.transmitter,
			MaxRetries:  a.maxRetries,
			Ctx:         ctx,
			Work:        events,
		})
		p.Run(w.handleEvents)
	}
	a.app = app
	a.events = events
	a.cancel = cancel
	a.pool = p
	a.started = true
	return nil
}

// Stop implementation of the Module interface for Analytics. Events still queued are discarded.
func (a *Analytics) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return
	}
	a.cancel()
	a.pool.Stop(true)
	if n := len(a.events); n > 0 {
		a.log.Warn("discarding pending events", "count", n)
	}
	a.started = false
}

// SetEnabled enables or disables event collection. Disabling discards events that are still
// queued before the returned Future resolves.
func (a *Analytics) SetEnabled(enabled bool) *future.Future[struct{}] {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return future.Rejected[struct{}](fmt.Errorf("sdk.Analytics.SetEnabled: %w", ErrNotStarted))
	}
	if a.enabled.Swap(enabled) != enabled {
		a.log.Info("analytics state changed", "enabled", enabled)
	}
	if !enabled {
		if n := drain(a.events); n > 0 {
			a.log.Info("discarded pending events", "count", n)
		}
	}
	return future.Resolved(struct{}{})
}

// IsEnabled reports whether event collection is enabled.
func (a *Analytics) IsEnabled() *future.Future[bool] {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.started {
		return future.Rejected[bool](fmt.Errorf("sdk.Analytics.IsEnabled: %w", ErrNotStarted))
	}
	return future.Resolved(a.enabled.Load())
}

// TrackEvent tracks an event for the default target of the application.
func (a *Analytics) TrackEvent(name string, properties Properties) {
	a.track("", name, properties)
}

// TransmissionTarget returns the transmission target for token, or nil if token is empty.
// The same target is returned for repeated calls with a token.
func (a *Analytics) TransmissionTarget(token string) EventTracker {
	if token == "" {
		a.log.Error("transmission target token may not be empty")
		return nil
	}
	a.targetsMu.Lock()
	defer a.targetsMu.Unlock()
	t, ok := a.targets[token]
	if !ok {
		t = &TransmissionTarget{
			token:     token,
			analytics: a,
		}
		a.targets[token] = t
	}
	return t
}

// Pending returns the number of events waiting to be transmitted.
func (a *Analytics) Pending() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.events)
}

// track queues an event for transmission. Events are dropped when the module is disabled,
// not started, or the queue is full.
func (a *Analytics) track(targetToken, name string, properties Properties) {
	if name == "" {
		a.log.Error("event name may not be empty", "target_token", targetToken)
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.started {
		a.log.Warn("analytics not started, dropping event", "event_name", name)
		return
	}
	// checked under the lock SetEnabled holds while draining
	if !a.enabled.Load() {
		a.log.Debug("analytics disabled, dropping event", "event_name", name)
		return
	}
	e := newEvent(a.app, targetToken, name, properties)
	select {
	case a.events <- e:
	default:
		a.log.Warn("event queue full, dropping event", "event_name", name, "queue_size", a.queueSize)
	}
}

// Token returns the token of the transmission target.
func (t *TransmissionTarget) Token() string {
	return t.token
}

// TrackEvent tracks an event for the transmission target.
func (t *TransmissionTarget) TrackEvent(name string, properties Properties) {
	t.analytics.track(t.token, name, properties)
}

// drain removes all events currently buffered in events and returns how many were removed.
func drain(events chan *Event) int {
	n := 0
	for {
		select {
		case <-events:
			n++
		default:
			return n
		}
	}
}
