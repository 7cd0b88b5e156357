package transmitter

const (
	// EventIDAttribute TransmitAttributes key for the unique identifier of an event.
	EventIDAttribute = "Event-Id"
	// EventNameAttribute TransmitAttributes key for the name of an event.
	EventNameAttribute = "Event-Name"
	// EventTimeAttribute TransmitAttributes key for the time an event was tracked, in RFC 3339 format.
	EventTimeAttribute = "Event-Time"
	// TargetTokenAttribute TransmitAttributes key for the transmission target token an event was tracked for.
	TargetTokenAttribute = "Target-Token"
	// AppNameAttribute TransmitAttributes key for the name of the application that tracked an event.
	AppNameAttribute = "App-Name"
)

type (
	// TransmitAttributes is a map of key-value pairs that may be sent alongside an encoded event.
	// These attributes may be sent or ignored depending on the Transmitter implementation.
	TransmitAttributes map[string]string
)
