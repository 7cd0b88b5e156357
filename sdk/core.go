package sdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrInvalidAppSecret     = errors.New("app secret may not be empty")
	ErrAlreadyConfigured    = errors.New("core already configured")
	ErrNotConfigured        = errors.New("core not configured")
	ErrModuleAlreadyStarted = errors.New("module already started")
)

type (
	// AppContext identifies the host application the SDK is configured for.
	AppContext struct {
		Secret  string
		Name    string
		Version string
	}

	// Properties are the string-keyed, string-valued properties attached to an event.
	Properties map[string]string

	// EventTracker tracks named events with properties.
	EventTracker interface {
		TrackEvent(string, Properties)
	}

	// Module is an SDK feature that is started within a configured Core.
	Module interface {
		Name() string
		Start(context.Context, AppContext) error
		Stop()
	}

	// CoreConfig encapsulates all configuration settings for the Core.
	CoreConfig struct {
		LogHandler slog.Handler
		Ctx        context.Context
	}

	// Core is the shared SDK core. It is configured once for an application and owns the
	// lifecycle of the modules started within it.
	Core struct {
		log        *slog.Logger
		ctx        context.Context
		mu         sync.Mutex
		app        AppContext
		configured bool
		modules    map[string]Module
		order      []string
	}
)

// NewCore initializes and returns a new Core.
func NewCore(c *CoreConfig) *Core {
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return &Core{
		log:     slog.New(c.LogHandler).With("source", "sdk.Core"),
		ctx:     ctx,
		modules: make(map[string]Module),
	}
}

// Configure configures the Core for the application. A Core may only be configured once.
func (c *Core) Configure(app AppContext) error {
	if app.Secret == "" {
		return fmt.Errorf("sdk.Core.Configure: %w", ErrInvalidAppSecret)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.configured {
		return fmt.Errorf("sdk.Core.Configure: %w", ErrAlreadyConfigured)
	}
	c.app = app
	c.configured = true
	c.log.Info("core configured", "app_name", app.Name, "app_version", app.Version)
	return nil
}

// Start starts the provided modules in order. Starting stops at the first module that fails.
func (c *Core) Start(modules ...Module) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.configured {
		return fmt.Errorf("sdk.Core.Start: %w", ErrNotConfigured)
	}
	for _, m := range modules {
		name := m.Name()
		if _, ok := c.modules[name]; ok {
			return fmt.Errorf("sdk.Core.Start: %w: %s", ErrModuleAlreadyStarted, name)
		}
		if err := m.Start(c.ctx, c.app); err != nil {
			return fmt.Errorf("sdk.Core.Start: %s: %w", name, err)
		}
		c.modules[name] = m
		c.order = append(c.order, name)
		c.log.Info("module started", "module", name)
	}
	return nil
}

// Stop stops all started modules in reverse start order.
func (c *Core) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.order) - 1; i >= 0; i-- {
		name := c.order[i]
		c.modules[name].Stop()
		delete(c.modules, name)
		c.log.Info("module stopped", "module", name)
	}
	c.order = nil
}
