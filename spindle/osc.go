package spindle

import (
	"fmt"

	"github.com/hypebeast/go-osc/osc"
)

// decodeOSC parses one datagram. A bundle yields its own messages and then
// those of its nested bundles, depth first. Time tags are ignored and delivery
// is immediate.
func decodeOSC(payload []byte) (msgs []*osc.Message, err error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPacket
	}
	// go-osc indexes into truncated packets without bounds checks.
	defer func() {
		if r := recover(); r != nil {
			msgs, err = nil, fmt.Errorf("malformed packet: %v", r)
		}
	}()

	pkt, err := osc.ParsePacket(string(payload))
	if err != nil {
		return nil, err
	}
	switch p := pkt.(type) {
	case *osc.Message:
		return []*osc.Message{p}, nil
	case *osc.Bundle:
		return flatten(nil, p), nil
	default:
		return nil, fmt.Errorf("unexpected packet type %T", pkt)
	}
}

func flatten(out []*osc.Message, b *osc.Bundle) []*osc.Message {
	out = append(out, b.Messages...)
	for _, nested := range b.Bundles {
		out = flatten(out, nested)
	}
	return out
}
