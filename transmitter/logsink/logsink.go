package logsink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/amplify-security/analytics-bridge/transmitter"
)

type (
	// TransmitterConfig encapsulates all configuration settings for the Transmitter.
	TransmitterConfig struct {
		LogHandler slog.Handler
		Level      slog.Level
	}

	// Transmitter writes encoded events to a structured log instead of a remote endpoint.
	Transmitter struct {
		log   *slog.Logger
		level slog.Level
	}
)

// NewTransmitter initializes and returns a new Transmitter.
func NewTransmitter(c *TransmitterConfig) *Transmitter {
	return &Transmitter{
		log:   slog.New(c.LogHandler).With("source", "logsink.Transmitter"),
		level: c.Level,
	}
}

// Tx logs the event body with its attributes grouped under "attributes".
func (t *Transmitter) Tx(body io.Reader, attributes transmitter.TransmitAttributes) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("%w: failed to read body: %w", transmitter.ErrTransmitFailed, err)
	}
	keys := make([]string, 0, len(attributes))
	for k := range attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, attributes[k]))
	}
	t.log.Log(context.Background(), t.level, "event", slog.Group("attributes", attrs...), "body", string(b))
	return nil
}
