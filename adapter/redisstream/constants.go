package redisstream

// Stream entry fields.
const (
	fieldKind    = "kind"    // "osc" (default) or "signal"
	fieldPayload = "payload" // raw OSC packet, or the signal payload
	fieldFrom    = "from"    // sender label for osc entries
	fieldName    = "name"    // signal name
)

const (
	kindOSC    = "osc"
	kindSignal = "signal"
)
