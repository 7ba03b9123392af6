package ir

// Version constants for the wire protocol and the engine runtime.
const (
	// ProtocolVersion is the engine protocol version.
	ProtocolVersion = "1"

	// Version is the lockstep release version.
	Version = "0.1.0"
)
