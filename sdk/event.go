package sdk

import (
	"sort"
	"time"
	"unicode/utf8"

	"github.com/amplify-security/analytics-bridge/transmitter"
	"github.com/google/uuid"
)

const (
	// MaxEventNameLength is the maximum number of characters kept from an event name.
	MaxEventNameLength = 256
	// MaxProperties is the maximum number of properties kept on an event.
	MaxProperties = 20
	// MaxPropertyLength is the maximum number of characters kept from a property key or value.
	MaxPropertyLength = 125
)

type (
	// Event is a tracked analytics event as it is handed to a Transmitter.
	Event struct {
		ID          string     `json:"id"`
		Name        string     `json:"name"`
		Properties  Properties `json:"properties,omitempty"`
		Timestamp   time.Time  `json:"timestamp"`
		TargetToken string     `json:"targetToken,omitempty"`
		AppName     string     `json:"appName,omitempty"`
		AppVersion  string     `json:"appVersion,omitempty"`
	}
)

// newEvent initializes and returns a new Event, applying the name and property limits.
func newEvent(app AppContext, targetToken, name string, properties Properties) *Event {
	return &Event{
		ID:          uuid.NewString(),
		Name:        truncate(name, MaxEventNameLength),
		Properties:  limitProperties(properties),
		Timestamp:   time.Now().UTC(),
		TargetToken: targetToken,
		AppName:     app.Name,
		AppVersion:  app.Version,
	}
}

// attributes generates the TransmitAttributes for the event.
func (e *Event) attributes() transmitter.TransmitAttributes {
	attributes := transmitter.TransmitAttributes{
		transmitter.EventIDAttribute:   e.ID,
		transmitter.EventNameAttribute: e.Name,
		transmitter.EventTimeAttribute: e.Timestamp.Format(time.RFC3339Nano),
	}
	if e.TargetToken != "" {
		attributes[transmitter.TargetTokenAttribute] = e.TargetToken
	}
	if e.AppName != "" {
		attributes[transmitter.AppNameAttribute] = e.AppName
	}
	return attributes
}

// limitProperties copies properties, keeping at most MaxProperties entries in key order and
// truncating keys and values to MaxPropertyLength. A key that truncates to an already kept key
// is skipped, so the first key in order keeps its value.
func limitProperties(properties Properties) Properties {
	if len(properties) == 0 {
		return nil
	}
	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	limited := make(Properties, min(len(keys), MaxProperties))
	for _, k := range keys {
		if len(limited) == MaxProperties {
			break
		}
		key := truncate(k, MaxPropertyLength)
		if _, ok := limited[key]; ok {
			continue
		}
		limited[key] = truncate(properties[k], MaxPropertyLength)
	}
	return limited
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
