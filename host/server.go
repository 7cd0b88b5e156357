package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/amplify-security/analytics-bridge/analytics"
	"github.com/amplify-security/analytics-bridge/future"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OperationSetEnabled                      = "setEnabled"
	OperationIsEnabled                       = "isEnabled"
	OperationTrackEvent                      = "trackEvent"
	OperationTrackEventForTransmissionTarget = "trackEventForTransmissionTarget"
	OperationGetTransmissionTarget           = "getTransmissionTarget"
	// maxBodyBytes limits the size of request bodies.
	maxBodyBytes = 1 << 20
)

var (
	errMalformedRequest = errors.New("malformed request")
	errMissingEnabled   = errors.New("enabled is required")
)

type (
	// Bridge interface defines the analytics operations served by the host. This interface
	// allows for mocking the bridge in tests.
	Bridge interface {
		SetEnabled(bool) *future.Future[struct{}]
		IsEnabled() *future.Future[bool]
		TrackEvent(string, map[string]any) (string, error)
		TrackEventForTransmissionTarget(string, string, map[string]any) (string, error)
		GetTransmissionTarget(string) (string, error)
	}

	// ServerConfig encapsulates all configuration settings for the Server.
	ServerConfig struct {
		LogHandler     slog.Handler
		Bridge         Bridge
		Registry       *prometheus.Registry
		RequestTimeout time.Duration
	}

	// Server exposes the Bridge operations to the application layer over HTTP/JSON.
	Server struct {
		log     *slog.Logger
		bridge  Bridge
		metrics *metrics
		timeout time.Duration
		router  *mux.Router
	}

	setEnabledRequest struct {
		Enabled *bool `json:"enabled"`
	}

	enabledResponse struct {
		Enabled bool `json:"enabled"`
	}

	trackEventRequest struct {
		Name       string         `json:"name"`
		Properties map[string]any `json:"properties"`
	}

	resultResponse struct {
		Result string `json:"result"`
	}

	targetRequest struct {
		Token string `json:"token"`
	}

	targetResponse struct {
		Token string `json:"token"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}

	// operationFunc serves a single bridge operation and returns the status code and body to write.
	operationFunc func(*http.Request) (int, any, error)
)

// NewServer initializes and returns a new Server. Metrics are registered on the provided
// registry, or on a new one if none is set.
func NewServer(c *ServerConfig) (*Server, error) {
	registry := c.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m, err := newMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("host.NewServer: failed to register metrics: %w", err)
	}
	s := &Server{
		log:     slog.New(c.LogHandler).With("source", "host.Server"),
		bridge:  c.Bridge,
		metrics: m,
		timeout: c.RequestTimeout,
	}
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	api := r.PathPrefix("/v1/analytics").Subrouter()
	api.HandleFunc("/enabled", s.serve(OperationSetEnabled, s.setEnabled)).Methods(http.MethodPut)
	api.HandleFunc("/enabled", s.serve(OperationIsEnabled, s.isEnabled)).Methods(http.MethodGet)
	api.HandleFunc("/events", s.serve(OperationTrackEvent, s.trackEvent)).Methods(http.MethodPost)
	api.HandleFunc("/targets", s.serve(OperationGetTransmissionTarget, s.getTransmissionTarget)).Methods(http.MethodPost)
	api.HandleFunc("/targets/{token}/events", s.serve(OperationTrackEventForTransmissionTarget, s.trackEventForTransmissionTarget)).Methods(http.MethodPost)
	s.router = r
	return s, nil
}

// Handler returns the HTTP handler of the Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// serve wraps an operation with metrics, error mapping and JSON encoding.
func (s *Server) serve(operation string, fn operationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status, body, err := fn(r)
		s.metrics.observe(operation, err, time.Since(start))
		if err != nil {
			status = statusFor(err)
			if status == http.StatusInternalServerError {
				s.log.Error("operation failed", "operation", operation, "error", err)
			}
			body = &errorResponse{Error: err.Error()}
		}
		writeJSON(w, status, body)
	}
}

// await waits for f using the request context, bounded by the configured request timeout.
func await[T any](s *Server, r *http.Request, f *future.Future[T]) (T, error) {
	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return f.Get(ctx)
}

func (s *Server) setEnabled(r *http.Request) (int, any, error) {
	var req setEnabledRequest
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	if req.Enabled == nil {
		return 0, nil, fmt.Errorf("%w: %w", errMalformedRequest, errMissingEnabled)
	}
	if _, err := await(s, r, s.bridge.SetEnabled(*req.Enabled)); err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, nil
}

func (s *Server) isEnabled(r *http.Request) (int, any, error) {
	enabled, err := await(s, r, s.bridge.IsEnabled())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, &enabledResponse{Enabled: enabled}, nil
}

func (s *Server) trackEvent(r *http.Request) (int, any, error) {
	var req trackEventRequest
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	result, err := s.bridge.TrackEvent(req.Name, req.Properties)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, &resultResponse{Result: result}, nil
}

func (s *Server) trackEventForTransmissionTarget(r *http.Request) (int, any, error) {
	var req trackEventRequest
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	result, err := s.bridge.TrackEventForTransmissionTarget(mux.Vars(r)["token"], req.Name, req.Properties)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, &resultResponse{Result: result}, nil
}

func (s *Server) getTransmissionTarget(r *http.Request) (int, any, error) {
	var req targetRequest
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	token, err := s.bridge.GetTransmissionTarget(req.Token)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, &targetResponse{Token: token}, nil
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errMalformedRequest, err)
	}
	return nil
}

// statusFor maps an operation error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errMalformedRequest), errors.Is(err, analytics.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, analytics.ErrConversion):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes status and, when body is non-nil, body encoded as JSON.
func writeJSON(w http.ResponseWriter, status int, body any) {
	if body == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
