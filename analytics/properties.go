package analytics

import (
	"errors"
	"fmt"

	"github.com/amplify-security/analytics-bridge/sdk"
)

var (
	// ErrConversion is an error that occurs when event properties cannot be converted to
	// string-keyed, string-valued pairs.
	ErrConversion = errors.New("property conversion failed")
)

type (
	// ConversionError reports a property whose value is not a string.
	ConversionError struct {
		Key   string
		Value any
	}
)

// Error implementation of the error interface for ConversionError.
func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s: property %q has unsupported value type %T", ErrConversion, e.Key, e.Value)
}

// Unwrap returns ErrConversion so callers can match any ConversionError with errors.Is.
func (e *ConversionError) Unwrap() error {
	return ErrConversion
}

// ConvertProperties converts a heterogeneous property map into sdk.Properties. Every value must
// be a string; otherwise no properties are returned and the error is a *ConversionError.
// A nil map converts to nil properties.
func ConvertProperties(properties map[string]any) (sdk.Properties, error) {
	if properties == nil {
		return nil, nil
	}
	converted := make(sdk.Properties, len(properties))
	for k, v := range properties {
		s, ok := v.(string)
		if !ok {
			return nil, &ConversionError{Key: k, Value: v}
		}
		converted[k] = s
	}
	return converted, nil
}
