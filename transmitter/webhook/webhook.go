package webhook

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/amplify-security/analytics-bridge/transmitter"
)

const (
	// HeaderPrefix is the prefix used for all event attribute headers sent by the Transmitter.
	HeaderPrefix      = "X-Analytics-"
	HeaderRetryAfter  = "Retry-After"
	HeaderContentType = "Content-Type"
	// DefaultContentType is sent when TransmitterConfig.DefaultContentType is unset.
	DefaultContentType = "application/json"
)

var (
	ErrUnexpectedStatusCode          = errors.New("unexpected status code received")
	ErrStatusCode429                 = errors.New("status code 429 received")
	ErrNoRetryAfterHeader            = errors.New("no Retry-After header")
	ErrFailedToParseRetryAfterHeader = errors.New("failed to parse Retry-After header")
)

type (
	// HTTPRequestDoer interface defines the functions necessary for an HTTP client. This interface is used
	// to allow for mocking of the HTTP client in tests.
	HTTPRequestDoer interface {
		Do(*http.Request) (*http.Response, error)
	}

	// TransmitterConfig encapsulates all configuration settings for the Transmitter.
	TransmitterConfig struct {
		Endpoint              string
		TLSInsecureSkipVerify bool
		DefaultContentType    string
		RequestTimeout        time.Duration
		Ctx                   context.Context
	}

	// Transmitter posts encoded events to a webhook endpoint.
	Transmitter struct {
		endpoint    string
		contentType string
		client      HTTPRequestDoer
		ctx         context.Context
	}
)

// NewTransmitter initializes and returns a new Transmitter. In-flight requests are canceled when
// the configured context is done.
func NewTransmitter(c *TransmitterConfig) *Transmitter {
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	contentType := c.DefaultContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	return &Transmitter{
		endpoint:    c.Endpoint,
		contentType: contentType,
		ctx:         ctx,
		client: &http.Client{
			Timeout: c.RequestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: c.TLSInsecureSkipVerify,
				},
			},
		},
	}
}

// newRequest creates a new HTTP request with the provided event body and attributes.
func (t *Transmitter) newRequest(body io.Reader, attributes transmitter.TransmitAttributes) (*http.Request, error) {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost, t.endpoint, body)
	if err != nil {
		return req, err
	}
	req.Header.Set(HeaderContentType, t.contentType)
	for k, v := range attributes {
		req.Header.Add(HeaderPrefix+k, v)
	}
	return req, nil
}

// retryAfter converts a 429 response into a retryable error when the Retry-After header holds a
// number of seconds.
func retryAfter(res *http.Response) error {
	value := res.Header.Get(HeaderRetryAfter)
	if value == "" {
		return fmt.Errorf("%w: %w: %w", transmitter.ErrTransmitFailed, ErrStatusCode429, ErrNoRetryAfterHeader)
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return fmt.Errorf("%w: %w: %w", transmitter.ErrTransmitFailed, ErrStatusCode429, ErrFailedToParseRetryAfterHeader)
	}
	return transmitter.NewTransmitRetryableError(ErrStatusCode429, time.Duration(seconds)*time.Second)
}

// Tx posts the event body to the configured webhook endpoint with the provided attributes as
// HTTP request headers, each prefixed with HeaderPrefix.
func (t *Transmitter) Tx(body io.Reader, attributes transmitter.TransmitAttributes) error {
	req, err := t.newRequest(body, attributes)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", transmitter.ErrTransmitFailed, err)
	}
	res, err := t.client.Do(req)
	if res != nil && res.Body != nil {
		// ensure we close the response body
		defer res.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%w: failed to send request: %w", transmitter.ErrTransmitFailed, err)
	}
	switch res.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusTooManyRequests:
		return retryAfter(res)
	default:
		return fmt.Errorf("%w: %w: %d", transmitter.ErrTransmitFailed, ErrUnexpectedStatusCode, res.StatusCode)
	}
}
