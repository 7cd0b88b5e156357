package analytics

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/amplify-security/analytics-bridge/future"
	"github.com/amplify-security/analytics-bridge/sdk"
)

var (
	// ErrInvalidArgument is an error that occurs when a caller supplies an argument the bridge cannot act on.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidTransmissionTargetToken is returned when tracking for a token that was never resolved.
	ErrInvalidTransmissionTargetToken = fmt.Errorf("%w: invalid transmission target token", ErrInvalidArgument)
	// ErrNullTransmissionTarget is returned when the SDK resolves a token to no transmission target.
	ErrNullTransmissionTarget = fmt.Errorf("%w: transmission target may not be null or empty", ErrInvalidArgument)
	// ErrSDKOperationFailed wraps failures reported by the asynchronous SDK operations.
	ErrSDKOperationFailed = errors.New("analytics sdk operation failed")
)

type (
	// Core interface defines the SDK core API used to bootstrap analytics. This interface
	// allows for mocking the SDK core in tests.
	Core interface {
		Configure(sdk.AppContext) error
		Start(...sdk.Module) error
	}

	// Analytics interface defines the SDK analytics module API forwarded by the Bridge. This
	// interface allows for mocking the analytics module in tests.
	Analytics interface {
		sdk.Module
		sdk.EventTracker
		SetEnabled(bool) *future.Future[struct{}]
		IsEnabled() *future.Future[bool]
		TransmissionTarget(string) sdk.EventTracker
	}

	// BridgeConfig encapsulates all configuration settings for the Bridge.
	BridgeConfig struct {
		LogHandler   slog.Handler
		Core         Core
		Analytics    Analytics
		App          sdk.AppContext
		StartEnabled bool
	}

	// Bridge exposes the analytics SDK to the application layer. Asynchronous SDK operations are
	// relayed through futures and transmission targets are remembered by token.
	Bridge struct {
		log       *slog.Logger
		analytics Analytics
		mu        sync.RWMutex
		targets   map[string]sdk.EventTracker
	}
)

// New configures the SDK core for the application, starts the analytics module and returns a
// new Bridge. When StartEnabled is false analytics is disabled before the Bridge is returned.
func New(c *BridgeConfig) (*Bridge, error) {
	log := slog.New(c.LogHandler).With("source", "analytics.Bridge")
	if err := c.Core.Configure(c.App); err != nil {
		return nil, fmt.Errorf("analytics.New: failed to configure core: %w", err)
	}
	if err := c.Core.Start(c.Analytics); err != nil {
		return nil, fmt.Errorf("analytics.New: failed to start analytics: %w", err)
	}
	if !c.StartEnabled {
		c.Analytics.SetEnabled(false)
	}
	log.Info("analytics bridge initialized", "start_enabled", c.StartEnabled)
	return &Bridge{
		log:       log,
		analytics: c.Analytics,
		targets:   make(map[string]sdk.EventTracker),
	}, nil
}

// SetEnabled enables or disables analytics. The returned Future resolves once the SDK has applied
// the change, or is rejected if the SDK reports a failure.
func (b *Bridge) SetEnabled(enabled bool) *future.Future[struct{}] {
	result := future.New[struct{}]()
	b.analytics.SetEnabled(enabled).ThenAccept(func(_ struct{}, err error) {
		if err != nil {
			result.Reject(fmt.Errorf("%w: set enabled: %w", ErrSDKOperationFailed, err))
			return
		}
		result.Resolve(struct{}{})
	})
	return result
}

// IsEnabled returns a Future resolved with whether analytics is enabled.
func (b *Bridge) IsEnabled() *future.Future[bool] {
	result := future.New[bool]()
	b.analytics.IsEnabled().ThenAccept(func(enabled bool, err error) {
		if err != nil {
			result.Reject(fmt.Errorf("%w: is enabled: %w", ErrSDKOperationFailed, err))
			return
		}
		result.Resolve(enabled)
	})
	return result
}

// TrackEvent tracks an event. Returns an empty string on success.
func (b *Bridge) TrackEvent(name string, properties map[string]any) (string, error) {
	return track(b.analytics, name, properties)
}

// TrackEventForTransmissionTarget tracks an event for a transmission target previously obtained
// with GetTransmissionTarget. Returns an empty string on success.
func (b *Bridge) TrackEventForTransmissionTarget(token, name string, properties map[string]any) (string, error) {
	b.mu.RLock()
	target, ok := b.targets[token]
	b.mu.RUnlock()
	if !ok {
		return "", ErrInvalidTransmissionTargetToken
	}
	return track(target, name, properties)
}

// GetTransmissionTarget resolves token to a transmission target and remembers it, replacing any
// target previously remembered for token. Returns token on success.
func (b *Bridge) GetTransmissionTarget(token string) (string, error) {
	target := b.analytics.TransmissionTarget(token)
	if target == nil {
		return "", ErrNullTransmissionTarget
	}
	b.mu.Lock()
	b.targets[token] = target
	b.mu.Unlock()
	b.log.Debug("transmission target registered", "target_token", token)
	return token, nil
}

// track converts properties and tracks the event with tracker.
func track(tracker sdk.EventTracker, name string, properties map[string]any) (string, error) {
	converted, err := ConvertProperties(properties)
	if err != nil {
		return "", err
	}
	tracker.TrackEvent(name, converted)
	return "", nil
}
