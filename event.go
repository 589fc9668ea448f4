package seamstress

// Kind enumerates the closed set of event variants.
type Kind uint8

const (
	KindNetworkMessage Kind = iota + 1
	KindDeviceAdded
	KindDeviceRemoved
	KindDeviceInput
	KindTimer
	KindSignal
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindNetworkMessage:
		return "network_message"
	case KindDeviceAdded:
		return "device_added"
	case KindDeviceRemoved:
		return "device_removed"
	case KindDeviceInput:
		return "device_input"
	case KindTimer:
		return "timer"
	case KindSignal:
		return "signal"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Event is one occurrence to be handled exactly once by the dispatcher.
// The set of implementations is closed: only the variants declared in this
// package satisfy it. Events are values and must not be mutated after
// construction; use the New* constructors when the payload is a byte slice
// the producer may reuse.
type Event interface {
	Kind() Kind
	isEvent()
}

// NetworkMessage is an inbound OSC datagram, opaque to the core.
type NetworkMessage struct {
	Payload []byte
	From    string
}

// DeviceAdded reports a device that is present, either from a scan or a hot-plug.
type DeviceAdded struct {
	DeviceID   string
	DeviceKind string
	Path       string
}

// DeviceRemoved reports a device that went away.
type DeviceRemoved struct {
	DeviceID string
}

// DeviceInput is one sample or frame read from a connected device.
type DeviceInput struct {
	DeviceID string
	Payload  []byte
}

// Timer is a periodic wake signal from a clock source.
type Timer struct {
	Source string
	Tick   uint64
}

// Signal is a script-internal notification (reload requests, user signals).
type Signal struct {
	Name    string
	Payload string
}

// Shutdown is the terminal event. Once dispatched, the loop exits.
type Shutdown struct {
	Reason string
}

func (NetworkMessage) Kind() Kind { return KindNetworkMessage }
func (DeviceAdded) Kind() Kind    { return KindDeviceAdded }
func (DeviceRemoved) Kind() Kind  { return KindDeviceRemoved }
func (DeviceInput) Kind() Kind    { return KindDeviceInput }
func (Timer) Kind() Kind          { return KindTimer }
func (Signal) Kind() Kind         { return KindSignal }
func (Shutdown) Kind() Kind       { return KindShutdown }

func (NetworkMessage) isEvent() {}
func (DeviceAdded) isEvent()    {}
func (DeviceRemoved) isEvent()  {}
func (DeviceInput) isEvent()    {}
func (Timer) isEvent()          {}
func (Signal) isEvent()         {}
func (Shutdown) isEvent()       {}

// NewNetworkMessage copies payload so the producer may reuse its read buffer.
func NewNetworkMessage(payload []byte, from string) NetworkMessage {
	return NetworkMessage{Payload: cloneBytes(payload), From: from}
}

// NewDeviceInput copies payload so the producer may reuse its read buffer.
func NewDeviceInput(deviceID string, payload []byte) DeviceInput {
	return DeviceInput{DeviceID: deviceID, Payload: cloneBytes(payload)}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// DeviceDescriptor describes a device found by a monitor scan.
type DeviceDescriptor struct {
	ID   string
	Kind string
	Path string
}

// Added returns the DeviceAdded event announcing d.
func (d DeviceDescriptor) Added() DeviceAdded {
	return DeviceAdded{DeviceID: d.ID, DeviceKind: d.Kind, Path: d.Path}
}
